package demux

import (
	"time"
)

type EventKind int

const (
	EventServiceFound EventKind = iota
	EventServiceScanComplete
	EventManifestReady
	EventInitSegmentReady
	EventSegmentReady
)

func (k EventKind) String() string {
	switch k {
	case EventServiceFound:
		return "ServiceFound"
	case EventServiceScanComplete:
		return "ServiceScanComplete"
	case EventManifestReady:
		return "ManifestReady"
	case EventInitSegmentReady:
		return "InitSegmentReady"
	case EventSegmentReady:
		return "SegmentReady"
	default:
		return "Unknown"
	}
}

// Event 交给消费者的通知。
// 分段事件的 Data 在对象被淘汰之前有效，清单事件的 Data 只在回调期间有效；
// 需要保留时由消费者拷贝。
type Event struct {
	Kind      EventKind
	ServiceID uint32
	Name      string
	Data      []byte
	TSI       uint32
	TOI       uint32
	Corrupted bool
	Duration  time.Duration
}

// Subscriber 任何实现该接口的类型都可以订阅 Demux 的事件
type Subscriber interface {
	OnDemuxEvent(evt Event, now time.Time)
}

// EventFunc 把普通函数适配为 Subscriber。函数值不可比较，不能传给 Unsubscribe。
type EventFunc func(evt Event)

func (f EventFunc) OnDemuxEvent(evt Event, _ time.Time) {
	f(evt)
}

// ObserverList 订阅者列表。Demux 单线程驱动，不加锁。
type ObserverList struct {
	subscribers []Subscriber
}

func NewObserverList() *ObserverList {
	return &ObserverList{subscribers: make([]Subscriber, 0)}
}

func (o *ObserverList) Subscribe(s Subscriber) {
	o.subscribers = append(o.subscribers, s)
}

// Unsubscribe 移除订阅者
func (o *ObserverList) Unsubscribe(s Subscriber) {
	kept := o.subscribers[:0]
	for _, sub := range o.subscribers {
		if sub != s {
			kept = append(kept, sub)
		}
	}
	clear(o.subscribers[len(kept):])
	o.subscribers = kept
}

func (o *ObserverList) Len() int {
	return len(o.subscribers)
}

// Dispatch 派发事件
func (o *ObserverList) Dispatch(evt Event, now time.Time) {
	for _, sub := range o.subscribers {
		sub.OnDemuxEvent(evt, now)
	}
}
