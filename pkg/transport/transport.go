// Package transport 提供 demux 使用的非阻塞 UDP 组播接收套接字。
package transport

import (
	"errors"
	"fmt"
)

// ErrWouldBlock 套接字当前没有可读数据
var ErrWouldBlock = errors.New("transport: no datagram available")

// Socket 非阻塞接收套接字
type Socket interface {
	// Receive 读取一个数据报到 buf，没有数据时立即返回 ErrWouldBlock
	Receive(buf []byte) (int, error)
	Close() error
}

// Factory 在接口 ifname 上为 ep 创建套接字，bufSize 为内核接收缓冲区大小
type Factory func(ifname string, ep UDPEndpoint, bufSize int) (Socket, error)

// NetworkError 套接字操作失败
type NetworkError struct {
	Operation string
	Err       error
	Details   string
}

func (e *NetworkError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Operation, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}
