package transport

import (
	"net"
	"strconv"
)

type UDPEndpoint struct {
	// 可选：源地址（SSM 组播），nil 表示任意源
	SourceAddress *string

	// 目的组播地址（或单播地址），例如 "239.255.10.4"
	DestinationGroupAddress string

	// 目的端口
	Port uint16
}

func NewUDPEndpoint(src *string, dest string, port uint16) UDPEndpoint {
	return UDPEndpoint{
		SourceAddress:           src,
		DestinationGroupAddress: dest,
		Port:                    port,
	}
}

// DestAddr 返回 "ip:port" 形式的目的地址，便于 net.ResolveUDPAddr 使用。
func (e UDPEndpoint) DestAddr() string {
	return net.JoinHostPort(e.DestinationGroupAddress, strconv.Itoa(int(e.Port)))
}

// ResolveDest 解析为 *net.UDPAddr
func (e UDPEndpoint) ResolveDest() (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp4", e.DestAddr())
}

// Source 返回源地址，未指定时为空串
func (e UDPEndpoint) Source() string {
	if e.SourceAddress == nil {
		return ""
	}
	return *e.SourceAddress
}

// Equal 目的地址、端口与源地址均相同
func (e UDPEndpoint) Equal(o UDPEndpoint) bool {
	return e.DestinationGroupAddress == o.DestinationGroupAddress &&
		e.Port == o.Port &&
		e.Source() == o.Source()
}

func (e UDPEndpoint) String() string {
	if src := e.Source(); src != "" {
		return src + "->" + e.DestAddr()
	}
	return e.DestAddr()
}
