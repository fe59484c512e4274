package signaling

import (
	"encoding/xml"
	"errors"
	"fmt"
	"net"
)

// 低层信令的固定组播地址
const (
	BootstrapAddress = "224.0.23.60"
	BootstrapPort    = 4937
)

const llsHeaderLen = 4

var ErrShortTable = errors.New("signaling: LLS table too short")

// TableKind LLS 表类型
type TableKind uint8

const (
	TableSLT             TableKind = 1
	TableRRT             TableKind = 2
	TableSystemTime      TableKind = 3
	TableAEAT            TableKind = 4
	TableOnscreenMessage TableKind = 5
)

func (k TableKind) String() string {
	switch k {
	case TableSLT:
		return "SLT"
	case TableRRT:
		return "RRT"
	case TableSystemTime:
		return "SystemTime"
	case TableAEAT:
		return "AEAT"
	case TableOnscreenMessage:
		return "OnscreenMessage"
	default:
		return fmt.Sprintf("TableKind(%d)", uint8(k))
	}
}

// LLSTable 一个 LLS 数据报。Body 仍是压缩的 XML，
// 先做版本判断再解压。
type LLSTable struct {
	Kind       TableKind
	GroupID    uint8
	GroupCount uint16 // 头部字段 + 1
	Version    uint8
	Body       []byte
}

// ParseLLS 解析 LLS 头部，Body 引用 data
func ParseLLS(data []byte) (*LLSTable, error) {
	if len(data) <= llsHeaderLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortTable, len(data))
	}
	return &LLSTable{
		Kind:       TableKind(data[0]),
		GroupID:    data[1],
		GroupCount: uint16(data[2]) + 1,
		Version:    data[3],
		Body:       data[llsHeaderLen:],
	}, nil
}

// AppendLLS 编码 LLS 头部并追加已压缩的 body
func AppendLLS(dst []byte, t *LLSTable) []byte {
	count := t.GroupCount
	if count > 0 {
		count--
	}
	dst = append(dst, byte(t.Kind), t.GroupID, byte(count), t.Version)
	return append(dst, t.Body...)
}

// -------- SLT XML 模型 --------

type SLT struct {
	XMLName  xml.Name     `xml:"SLT"`
	BsID     uint16       `xml:"bsid,attr,omitempty"`
	Services []SLTService `xml:"Service"`
}

type SLTService struct {
	ServiceID        uint32                  `xml:"serviceId,attr"`
	GlobalServiceID  string                  `xml:"globalServiceID,attr,omitempty"`
	MajorChannelNo   uint16                  `xml:"majorChannelNo,attr,omitempty"`
	MinorChannelNo   uint16                  `xml:"minorChannelNo,attr,omitempty"`
	ServiceCategory  uint8                   `xml:"serviceCategory,attr,omitempty"`
	ShortServiceName string                  `xml:"shortServiceName,attr,omitempty"`
	Signaling        []BroadcastSvcSignaling `xml:"BroadcastSvcSignaling"`
}

type BroadcastSvcSignaling struct {
	SLSProtocol             uint64 `xml:"slsProtocol,attr"`
	SLSMajorProtocolVersion uint8  `xml:"slsMajorProtocolVersion,attr,omitempty"`
	SLSMinorProtocolVersion uint8  `xml:"slsMinorProtocolVersion,attr,omitempty"`
	SLSDestinationIPAddress string `xml:"slsDestinationIpAddress,attr"`
	SLSDestinationUDPPort   uint16 `xml:"slsDestinationUdpPort,attr"`
	SLSSourceIPAddress      string `xml:"slsSourceIpAddress,attr,omitempty"`
}

// ParseSLT 解析服务列表
func ParseSLT(body []byte) (*SLT, error) {
	var slt SLT
	if err := xml.Unmarshal(body, &slt); err != nil {
		return nil, fmt.Errorf("parse SLT failed: %w", err)
	}
	return &slt, nil
}

// Validate 目的地址必须是合法 IPv4 且端口非零
func (b *BroadcastSvcSignaling) Validate() error {
	ip := net.ParseIP(b.SLSDestinationIPAddress)
	if ip == nil || ip.To4() == nil {
		return fmt.Errorf("invalid sls destination address %q", b.SLSDestinationIPAddress)
	}
	if b.SLSDestinationUDPPort == 0 {
		return errors.New("sls destination port is zero")
	}
	if b.SLSSourceIPAddress != "" && net.ParseIP(b.SLSSourceIPAddress) == nil {
		return fmt.Errorf("invalid sls source address %q", b.SLSSourceIPAddress)
	}
	return nil
}
