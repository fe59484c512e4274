package tools

import (
	"errors"
	"time"
)

// NTP 纪元(1900-01-01) 与 Unix 纪元(1970-01-01) 相差的秒数
const ntpUnixDelta = 2208988800

// NTPToSystemTime 将 64-bit NTP 时间戳转换为 time.Time
// NTP 64 位：高 32 位是秒，低 32 位是小数（2^-32 秒）
func NTPToSystemTime(ntp uint64) (time.Time, error) {
	sec := ntp >> 32
	frac := ntp & 0xFFFFFFFF

	// nsec = frac * 1e9 / 2^32
	nsec := (frac * 1_000_000_000) >> 32
	if nsec >= 1_000_000_000 {
		return time.Time{}, errors.New("invalid NTP fractional part")
	}

	// 允许 pre-1970（负的 Unix 秒）
	unixSec := int64(sec) - ntpUnixDelta
	return time.Unix(unixSec, int64(nsec)).UTC(), nil
}

// SystemTimeToNTP 将 time.Time 转换为 64-bit NTP 时间戳
func SystemTimeToNTP(tm time.Time) (uint64, error) {
	sec := tm.Unix() + ntpUnixDelta
	if sec < 0 || sec > 0xFFFFFFFF {
		return 0, errors.New("time out of NTP era 0")
	}
	frac := (uint64(tm.Nanosecond()) << 32) / 1_000_000_000
	return uint64(sec)<<32 | frac, nil
}

// DurationSince 计算 from 到 now 的耗时，时钟回拨时返回 0
func DurationSince(from, now time.Time) time.Duration {
	if now.Before(from) {
		return 0
	}
	return now.Sub(from)
}
