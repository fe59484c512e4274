// Package transporttest 提供内存中的 transport.Socket 实现，供测试使用。
package transporttest

import (
	"Flute_demux/pkg/transport"
	"errors"
)

var ErrClosed = errors.New("transporttest: socket closed")

// Socket 内存中的非阻塞套接字，数据报按 FIFO 投递
type Socket struct {
	Endpoint transport.UDPEndpoint
	Iface    string
	BufSize  int
	Closed   bool
	Reads    int

	queue [][]byte
}

func (s *Socket) Push(pkt []byte) {
	s.queue = append(s.queue, append([]byte(nil), pkt...))
}

// Pending 尚未读取的数据报个数
func (s *Socket) Pending() int {
	return len(s.queue)
}

func (s *Socket) Receive(buf []byte) (int, error) {
	if s.Closed {
		return 0, ErrClosed
	}
	s.Reads++
	if len(s.queue) == 0 {
		return 0, transport.ErrWouldBlock
	}
	pkt := s.queue[0]
	s.queue = s.queue[1:]
	return copy(buf, pkt), nil
}

func (s *Socket) Close() error {
	s.Closed = true
	return nil
}

// Network 记录由 Factory 创建的所有套接字
type Network struct {
	Sockets []*Socket
	// FailDest 中的目的地址创建套接字时返回该错误
	FailDest map[string]error
}

func NewNetwork() *Network {
	return &Network{FailDest: make(map[string]error)}
}

func (n *Network) Factory() transport.Factory {
	return func(ifname string, ep transport.UDPEndpoint, bufSize int) (transport.Socket, error) {
		if err := n.FailDest[ep.DestAddr()]; err != nil {
			return nil, err
		}
		s := &Socket{Endpoint: ep, Iface: ifname, BufSize: bufSize}
		n.Sockets = append(n.Sockets, s)
		return s, nil
	}
}

// Send 把数据报投递给所有绑定到 dest 的未关闭套接字，返回投递个数
func (n *Network) Send(dest string, pkt []byte) int {
	delivered := 0
	for _, s := range n.Sockets {
		if !s.Closed && s.Endpoint.DestAddr() == dest {
			s.Push(pkt)
			delivered++
		}
	}
	return delivered
}

// Open 返回绑定到 dest 的未关闭套接字，没有时为 nil
func (n *Network) Open(dest string) *Socket {
	for _, s := range n.Sockets {
		if !s.Closed && s.Endpoint.DestAddr() == dest {
			return s
		}
	}
	return nil
}

// OpenCount 未关闭套接字个数
func (n *Network) OpenCount() int {
	c := 0
	for _, s := range n.Sockets {
		if !s.Closed {
			c++
		}
	}
	return c
}
