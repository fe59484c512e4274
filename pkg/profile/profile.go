package profile

import "fmt"

// Protocol SLT 中 BroadcastSvcSignaling@slsProtocol 的取值
type Protocol uint8

const (
	ROUTE Protocol = 1
	MMTP  Protocol = 2
)

func (p Protocol) String() string {
	switch p {
	case ROUTE:
		return "ROUTE"
	case MMTP:
		return "MMTP"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(p))
	}
}

// Supported 只接受 ROUTE 与 MMTP 两种协议
func (p Protocol) Supported() bool {
	return p == ROUTE || p == MMTP
}

// ParseProtocol 把 slsProtocol 数值转换为 Protocol
func ParseProtocol(v uint64) (Protocol, error) {
	p := Protocol(v)
	if v > 0xFF || !p.Supported() {
		return 0, fmt.Errorf("unsupported SLS protocol %d", v)
	}
	return p, nil
}
