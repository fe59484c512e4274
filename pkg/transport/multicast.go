package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/net/ipv4"
)

// MulticastSocket 加入一个组播组的 UDP 套接字，
// ipv4.PacketConn 用于组管理（ASM / SSM）
type MulticastSocket struct {
	conn     *net.UDPConn
	ipv4Conn *ipv4.PacketConn
	ifi      *net.Interface
	group    *net.UDPAddr
	source   *net.UDPAddr
}

var _ Factory = ListenMulticast

// ListenMulticast 绑定 ep 的端口并在 ifname 上加入组播组。
// ifname 为空时由内核选择接口；ep 为单播地址时不加入组。
func ListenMulticast(ifname string, ep UDPEndpoint, bufSize int) (Socket, error) {
	group, err := ep.ResolveDest()
	if err != nil {
		return nil, &NetworkError{
			Operation: "resolve multicast address",
			Err:       err,
			Details:   ep.DestAddr(),
		}
	}

	var ifi *net.Interface
	if ifname != "" {
		ifi, err = net.InterfaceByName(ifname)
		if err != nil {
			return nil, &NetworkError{
				Operation: "lookup interface",
				Err:       err,
				Details:   ifname,
			}
		}
	}

	lc := net.ListenConfig{Control: setSocketOptions}
	addr := net.JoinHostPort(bindHost(group.IP), strconv.Itoa(int(ep.Port)))
	pc, err := lc.ListenPacket(context.Background(), "udp4", addr)
	if err != nil {
		return nil, &NetworkError{
			Operation: "create socket",
			Err:       err,
			Details:   fmt.Sprintf("failed to bind %s", addr),
		}
	}
	conn := pc.(*net.UDPConn)

	s := &MulticastSocket{
		conn:     conn,
		ipv4Conn: ipv4.NewPacketConn(conn),
		ifi:      ifi,
	}

	if bufSize > 0 {
		if err := conn.SetReadBuffer(bufSize); err != nil {
			_ = conn.Close()
			return nil, &NetworkError{
				Operation: "configure socket",
				Err:       err,
				Details:   fmt.Sprintf("failed to set read buffer size %d", bufSize),
			}
		}
	}

	if group.IP.IsMulticast() {
		if err := s.join(group, ep.Source()); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *MulticastSocket) join(group *net.UDPAddr, source string) error {
	s.group = &net.UDPAddr{IP: group.IP}
	if source == "" {
		if err := s.ipv4Conn.JoinGroup(s.ifi, s.group); err != nil {
			return &NetworkError{Operation: "join group", Err: err, Details: group.IP.String()}
		}
		return nil
	}

	ip := net.ParseIP(source)
	if ip == nil {
		return &NetworkError{
			Operation: "join source-specific group",
			Err:       fmt.Errorf("invalid source address %q", source),
		}
	}
	s.source = &net.UDPAddr{IP: ip}
	if err := s.ipv4Conn.JoinSourceSpecificGroup(s.ifi, s.group, s.source); err != nil {
		return &NetworkError{
			Operation: "join source-specific group",
			Err:       err,
			Details:   source + "->" + group.IP.String(),
		}
	}
	return nil
}

// Receive 非阻塞读取一个数据报
func (s *MulticastSocket) Receive(buf []byte) (int, error) {
	n, err := recvNonBlocking(s.conn, buf)
	if err != nil {
		if errors.Is(err, ErrWouldBlock) {
			return 0, err
		}
		return 0, &NetworkError{Operation: "receive", Err: err}
	}
	return n, nil
}

// LocalAddr 返回本地绑定地址
func (s *MulticastSocket) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *MulticastSocket) Close() error {
	if s.conn == nil {
		return nil
	}
	if s.group != nil {
		if s.source != nil {
			_ = s.ipv4Conn.LeaveSourceSpecificGroup(s.ifi, s.group, s.source)
		} else {
			_ = s.ipv4Conn.LeaveGroup(s.ifi, s.group)
		}
	}
	if err := s.conn.Close(); err != nil {
		return &NetworkError{
			Operation: "close socket",
			Err:       err,
			Details:   "failed to close UDP connection",
		}
	}
	s.conn = nil
	return nil
}
