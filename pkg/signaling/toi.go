// Package signaling 解码服务层信令（SLS）与低层信令（LLS）：
// 信令 TOI 标志位、压缩、multipart 信令包以及 S-TSID / USBD / SLT 文档。
package signaling

// 信令流（TSI 0）TOI 的位定义
const (
	toiCompressed uint32 = 1 << 31
	toiUSBD       uint32 = 1 << 16
	toiSTSID      uint32 = 1 << 17
	toiMPD        uint32 = 1 << 18
	toiHELD       uint32 = 1 << 19
	toiDWD        uint32 = 1 << 20
	toiOtherMask  uint32 = 0x3ff << 21
	toiVersion    uint32 = 0xff
)

// SignalingTOI 信令 TOI 解码后的标志与版本，原始整数不再向后传递
type SignalingTOI struct {
	Compressed bool
	USBD       bool
	STSID      bool
	MPD        bool
	HELD       bool
	DWD        bool
	Other      bool
	Version    uint8
}

func DecodeTOI(toi uint32) SignalingTOI {
	return SignalingTOI{
		Compressed: toi&toiCompressed != 0,
		USBD:       toi&toiUSBD != 0,
		STSID:      toi&toiSTSID != 0,
		MPD:        toi&toiMPD != 0,
		HELD:       toi&toiHELD != 0,
		DWD:        toi&toiDWD != 0,
		Other:      toi&toiOtherMask != 0,
		Version:    uint8(toi & toiVersion),
	}
}

// Encode 逆操作，Other 置最低的 other 位
func (t SignalingTOI) Encode() uint32 {
	v := uint32(t.Version)
	set := func(on bool, bit uint32) {
		if on {
			v |= bit
		}
	}
	set(t.Compressed, toiCompressed)
	set(t.USBD, toiUSBD)
	set(t.STSID, toiSTSID)
	set(t.MPD, toiMPD)
	set(t.HELD, toiHELD)
	set(t.DWD, toiDWD)
	set(t.Other, 1<<21)
	return v
}

// Tracked 是否携带需要版本跟踪的文档（USBD / S-TSID / MPD）
func (t SignalingTOI) Tracked() bool {
	return t.USBD || t.STSID || t.MPD
}
