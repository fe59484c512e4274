//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package transport

import (
	"errors"
	"net"
	"os"
	"syscall"
	"time"
)

// pollInterval 不支持 MSG_DONTWAIT 的平台上用极短的读超时模拟非阻塞
const pollInterval = time.Millisecond

func setSocketOptions(_, _ string, _ syscall.RawConn) error {
	return nil
}

func bindHost(net.IP) string {
	return ""
}

func recvNonBlocking(conn *net.UDPConn, buf []byte) (int, error) {
	if err := conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
		return 0, err
	}
	n, _, err := conn.ReadFromUDP(buf)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return 0, ErrWouldBlock
	}
	return n, err
}
