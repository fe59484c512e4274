package sender

import (
	"sync"
)

// ToiAllocator 为一个 TSI 顺序分配 TOI，跳过 0 和已保留的值
type ToiAllocator struct {
	mu       sync.Mutex
	reserved map[uint32]struct{}
	next     uint32
	last     uint32
}

// NewToiAllocator initial 为 0 时从 1 开始
func NewToiAllocator(initial uint32) *ToiAllocator {
	if initial == 0 {
		initial = 1
	}
	return &ToiAllocator{
		reserved: make(map[uint32]struct{}),
		next:     initial,
	}
}

// Reserve 预留 toi（例如初始化段），Allocate 不会再返回它
func (a *ToiAllocator) Reserve(toi uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reserved[toi] = struct{}{}
}

func (a *ToiAllocator) Release(toi uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, toi)
}

func (a *ToiAllocator) Allocate() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		toi := a.next
		a.next++
		if toi == 0 {
			continue
		}
		if _, ok := a.reserved[toi]; ok {
			continue
		}
		a.last = toi
		return toi
	}
}

// Last 最近一次分配的 TOI，尚未分配时为 0
func (a *ToiAllocator) Last() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}
