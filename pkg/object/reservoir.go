package object

import (
	"log/slog"
	"time"
)

// DefaultReservoirSize 空闲链表保留的对象个数上限
const DefaultReservoirSize = 32

// Reservoir 可复用对象的空闲链表，回收的对象保留缓冲区容量。
// 非并发安全，归属于单个 demux 上下文。
type Reservoir struct {
	free  []*Object
	limit int
	log   *slog.Logger
}

func NewReservoir(limit int, log *slog.Logger) *Reservoir {
	if limit <= 0 {
		limit = DefaultReservoirSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reservoir{
		free:  make([]*Object, 0, limit),
		limit: limit,
		log:   log,
	}
}

// Get 取出一个对象并重置为 (tsi, toi)，链表为空时新建
func (r *Reservoir) Get(tsi, toi uint32, now time.Time) *Object {
	var o *Object
	if n := len(r.free); n > 0 {
		o = r.free[n-1]
		r.free[n-1] = nil
		r.free = r.free[:n-1]
	} else {
		o = &Object{}
	}
	o.log = r.log
	o.Reset(tsi, toi, now)
	return o
}

// Put 回收对象，超过上限时交给 GC
func (r *Reservoir) Put(o *Object) {
	if o == nil || len(r.free) >= r.limit {
		return
	}
	r.free = append(r.free, o)
}

func (r *Reservoir) Len() int {
	return len(r.free)
}
