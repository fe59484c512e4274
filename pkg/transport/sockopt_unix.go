//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package transport

import (
	"errors"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// setSocketOptions 允许多个接收者共享同一端口
func setSocketOptions(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// bindHost 绑定到组地址，内核只投递该组的数据报
func bindHost(group net.IP) string {
	if group.IsMulticast() {
		return group.String()
	}
	return ""
}

// recvNonBlocking 以 MSG_DONTWAIT 直接读取，不经过 runtime poller 等待
func recvNonBlocking(conn *net.UDPConn, buf []byte) (int, error) {
	rc, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}

	var n int
	var recvErr error
	err = rc.Read(func(fd uintptr) bool {
		n, _, recvErr = unix.Recvfrom(int(fd), buf, unix.MSG_DONTWAIT)
		return true
	})
	if err != nil {
		return 0, err
	}
	if errors.Is(recvErr, unix.EAGAIN) || errors.Is(recvErr, unix.EWOULDBLOCK) {
		return 0, ErrWouldBlock
	}
	if recvErr != nil {
		return 0, recvErr
	}
	return n, nil
}
