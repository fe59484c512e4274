package object

import (
	"Flute_demux/pkg/lct"
	"Flute_demux/pkg/tools"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"
	"time"
)

var (
	// ErrOverlap 分片与已收区间重叠，或越过声明的对象长度
	ErrOverlap     = fmt.Errorf("%w: fragment overlaps received data", lct.ErrProtocolViolation)
	ErrOutOfMemory = errors.New("object: out of memory")
)

type Status uint8

const (
	Initializing Status = iota
	Receiving
	Complete
	CompleteWithErrors
	Dispatched
)

func (s Status) String() string {
	switch s {
	case Initializing:
		return "Initializing"
	case Receiving:
		return "Receiving"
	case Complete:
		return "Complete"
	case CompleteWithErrors:
		return "CompleteWithErrors"
	case Dispatched:
		return "Dispatched"
	default:
		return "Unknown"
	}
}

// FragmentRange 对象缓冲区中一段连续的已收数据
type FragmentRange struct {
	Offset uint32
	Length uint32
}

func (r FragmentRange) End() uint32 { return r.Offset + r.Length }

// Object 一个 (TSI, TOI) 对象的重组状态。
// ranges 按 Offset 有序且互不重叠，相邻区间会被合并。
type Object struct {
	Tsi         uint32
	Toi         uint32
	TotalLength uint32
	LengthKnown bool
	Status      Status
	NbFrags     uint32        // 收到的分片数（含重复）
	Received    uint32        // 已收字节数
	StartTime   time.Time     // 第一个分片到达时间
	Duration    time.Duration // 下载耗时

	buf    []byte
	ranges []FragmentRange
	log    *slog.Logger
}

// New 创建一个新对象，通常应通过 Reservoir.Get 获取
func New(tsi, toi uint32, now time.Time) *Object {
	o := &Object{}
	o.Reset(tsi, toi, now)
	return o
}

// Reset 重置对象状态，保留缓冲区容量
func (o *Object) Reset(tsi, toi uint32, now time.Time) {
	o.Tsi = tsi
	o.Toi = toi
	o.TotalLength = 0
	o.LengthKnown = false
	o.Status = Initializing
	o.NbFrags = 0
	o.Received = 0
	o.StartTime = now
	o.Duration = 0
	o.buf = o.buf[:0]
	o.ranges = o.ranges[:0]
}

func (o *Object) logger() *slog.Logger {
	if o.log == nil {
		return slog.Default()
	}
	return o.log
}

// Done 对象已完成（含出错完成与已派发）
func (o *Object) Done() bool {
	return o.Status >= Complete
}

// Corrupted 完成时存在空洞
func (o *Object) Corrupted() bool {
	return o.Status == CompleteWithErrors
}

// Ranges 返回已收区间，调用方不得修改
func (o *Object) Ranges() []FragmentRange {
	return o.ranges
}

// Data 返回对象数据。对象被回收后数据失效。
func (o *Object) Data() []byte {
	if o.LengthKnown && int(o.TotalLength) <= len(o.buf) {
		return o.buf[:o.TotalLength]
	}
	return o.buf
}

// Ingest 写入一个分片。返回本次调用是否使对象完成。
// 长度已知时只有收满才完成，B 位仅结束长度未知的对象。
// 重叠分片返回 ErrOverlap，对象的缓冲区与区间列表保持不变。
func (o *Object) Ingest(startOffset uint32, data []byte, totalLength *uint32, closeFlag bool, now time.Time) (bool, error) {
	o.NbFrags++

	if totalLength != nil {
		o.adoptLength(*totalLength)
	}

	// 迟到或重复的分片
	if o.Done() {
		return false, nil
	}

	if len(data) > 0 {
		var tol *uint32
		if o.LengthKnown {
			tol = &o.TotalLength
		}
		if err := CheckBounds(startOffset, len(data), tol); err != nil {
			return false, err
		}
		end := startOffset + uint32(len(data))

		idx, err := o.findSlot(startOffset, uint32(len(data)))
		if err != nil {
			return false, err
		}
		if err := o.grow(end); err != nil {
			return false, err
		}
		copy(o.buf[startOffset:], data)
		o.insertRange(idx, startOffset, uint32(len(data)))
		o.Received += uint32(len(data))
	}

	o.Status = Receiving

	complete := closeFlag
	if o.LengthKnown {
		complete = o.Received >= o.TotalLength
	}
	if complete {
		if err := o.Finish(now); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// CheckBounds 检查分片 [start, start+size) 不越过 32 位偏移，也不越过已知的对象长度
func CheckBounds(start uint32, size int, totalLength *uint32) error {
	end := uint64(start) + uint64(size)
	if end > math.MaxUint32 {
		return fmt.Errorf("%w: fragment end %d", ErrOverlap, end)
	}
	if totalLength != nil && end > uint64(*totalLength) {
		return fmt.Errorf("%w: fragment [%d,%d) past object length %d", ErrOverlap, start, end, *totalLength)
	}
	return nil
}

// adoptLength 首次声明的长度生效，冲突时保留原值
func (o *Object) adoptLength(tol uint32) {
	if o.LengthKnown {
		if tol != o.TotalLength {
			o.logger().Warn("conflicting object length",
				slog.Uint64("tsi", uint64(o.Tsi)),
				slog.Uint64("toi", uint64(o.Toi)),
				slog.Uint64("length", uint64(o.TotalLength)),
				slog.Uint64("declared", uint64(tol)),
			)
		}
		return
	}
	if n := len(o.ranges); n > 0 && o.ranges[n-1].End() > tol {
		o.logger().Warn("declared object length below received data",
			slog.Uint64("tsi", uint64(o.Tsi)),
			slog.Uint64("toi", uint64(o.Toi)),
			slog.Uint64("declared", uint64(tol)),
		)
		return
	}
	o.TotalLength = tol
	o.LengthKnown = true
}

// findSlot 二分查找插入位置并检查重叠，不修改状态
func (o *Object) findSlot(start, size uint32) (int, error) {
	end := start + size
	i := sort.Search(len(o.ranges), func(i int) bool {
		return o.ranges[i].Offset >= start
	})
	if i > 0 && o.ranges[i-1].End() > start {
		prev := o.ranges[i-1]
		return 0, fmt.Errorf("%w: [%d,%d) overlaps [%d,%d)", ErrOverlap, start, end, prev.Offset, prev.End())
	}
	if i < len(o.ranges) && end > o.ranges[i].Offset {
		next := o.ranges[i]
		return 0, fmt.Errorf("%w: [%d,%d) overlaps [%d,%d)", ErrOverlap, start, end, next.Offset, next.End())
	}
	return i, nil
}

// insertRange 在 i 处插入区间，与相邻区间合并
func (o *Object) insertRange(i int, start, size uint32) {
	end := start + size
	mergeLeft := i > 0 && o.ranges[i-1].End() == start
	mergeRight := i < len(o.ranges) && o.ranges[i].Offset == end

	switch {
	case mergeLeft && mergeRight:
		o.ranges[i-1].Length += size + o.ranges[i].Length
		o.ranges = slices.Delete(o.ranges, i, i+1)
	case mergeLeft:
		o.ranges[i-1].Length += size
	case mergeRight:
		o.ranges[i].Offset = start
		o.ranges[i].Length += size
	default:
		o.ranges = slices.Insert(o.ranges, i, FragmentRange{Offset: start, Length: size})
	}
}

// grow 保证缓冲区长度至少为 end，新增部分清零
func (o *Object) grow(end uint32) (err error) {
	n := int(end)
	if n <= len(o.buf) {
		return nil
	}
	if n <= cap(o.buf) {
		old := len(o.buf)
		o.buf = o.buf[:n]
		clear(o.buf[old:])
		return nil
	}

	newCap := max(2*cap(o.buf), n)
	if o.LengthKnown && newCap > int(o.TotalLength) {
		newCap = int(o.TotalLength)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: growing buffer to %d bytes: %v", ErrOutOfMemory, newCap, r)
		}
	}()
	nb := make([]byte, n, newCap)
	copy(nb, o.buf)
	o.buf = nb
	return nil
}

// Finish 结束接收：校验区间是否恰好覆盖 [0, TotalLength)。
// 未知长度时以最后一个区间的末尾作为长度。
func (o *Object) Finish(now time.Time) error {
	if o.Done() {
		return nil
	}
	if !o.LengthKnown {
		if n := len(o.ranges); n > 0 {
			o.TotalLength = o.ranges[n-1].End()
		}
		o.LengthKnown = true
	}
	if err := o.grow(o.TotalLength); err != nil {
		return err
	}

	covered := (o.TotalLength == 0 && len(o.ranges) == 0) ||
		(len(o.ranges) == 1 && o.ranges[0].Offset == 0 && o.ranges[0].Length == o.TotalLength)
	if covered {
		o.Status = Complete
	} else {
		o.Status = CompleteWithErrors
	}
	o.Duration = tools.DurationSince(o.StartTime, now)
	return nil
}

// MarkDispatched 已交给消费者，终态
func (o *Object) MarkDispatched() {
	if o.Done() {
		o.Status = Dispatched
	}
}
