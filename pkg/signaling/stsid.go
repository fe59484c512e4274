package signaling

import (
	"Flute_demux/pkg/tools"
	"encoding/xml"
	"fmt"
	"strconv"
	"time"
)

// -------- S-TSID XML 模型 --------

type STSID struct {
	XMLName xml.Name `xml:"S-TSID"`
	RS      []RS     `xml:"RS"`
}

// RS ROUTE 会话，目的地址缺省时沿用服务主地址
type RS struct {
	SourceIPAddress string `xml:"sIpAddr,attr,omitempty"`
	DestIPAddress   string `xml:"dIpAddr,attr,omitempty"`
	DestPort        uint16 `xml:"dPort,attr,omitempty"`
	LS              []LS   `xml:"LS"`
}

// LS 一个 LCT 通道
type LS struct {
	TSI     uint32   `xml:"tsi,attr"`
	BW      *uint32  `xml:"bw,attr,omitempty"`
	SrcFlow *SrcFlow `xml:"SrcFlow"`
}

type SrcFlow struct {
	RT      bool      `xml:"rt,attr,omitempty"`
	EFDT    *EFDT     `xml:"EFDT"`
	Payload []Payload `xml:"Payload"`
}

type EFDT struct {
	FDTInstance *FDTInstance `xml:"FDT-Instance"`
}

// FDTInstance 扩展 FDT：文件模板加上显式列出的文件（通常是初始化段）
type FDTInstance struct {
	Expires      string    `xml:"Expires,attr,omitempty"` // NTP 高 32 位十进制字符串
	FileTemplate string    `xml:"fileTemplate,attr,omitempty"`
	Files        []FDTFile `xml:"File"`
}

type FDTFile struct {
	ContentLocation string  `xml:"Content-Location,attr"`
	TOI             string  `xml:"TOI,attr"`
	ContentLength   *uint64 `xml:"Content-Length,attr,omitempty"`
	TransferLength  *uint64 `xml:"Transfer-Length,attr,omitempty"`
	ContentType     *string `xml:"Content-Type,attr,omitempty"`
}

// Payload codepoint 到负载格式
type Payload struct {
	CodePoint uint8 `xml:"codePoint,attr"`
	FormatID  uint8 `xml:"formatId,attr"`
	Frag      uint8 `xml:"frag,attr,omitempty"`
	Order     bool  `xml:"order,attr,omitempty"`
}

// ParseSTSID 解析 S-TSID 文档
func ParseSTSID(body []byte) (*STSID, error) {
	var st STSID
	if err := xml.Unmarshal(body, &st); err != nil {
		return nil, fmt.Errorf("parse S-TSID failed: %w", err)
	}
	return &st, nil
}

// FDT 返回通道的 FDT 实例，缺失时为 nil
func (l LS) FDT() *FDTInstance {
	if l.SrcFlow == nil || l.SrcFlow.EFDT == nil {
		return nil
	}
	return l.SrcFlow.EFDT.FDTInstance
}

// Payloads 返回通道登记的负载格式
func (l LS) Payloads() []Payload {
	if l.SrcFlow == nil {
		return nil
	}
	return l.SrcFlow.Payload
}

// GetExpirationDate 把 Expires(高32秒) 转成 time.Time
func (f *FDTInstance) GetExpirationDate() *time.Time {
	sec, err := strconv.ParseUint(f.Expires, 10, 32)
	if err != nil {
		return nil
	}
	tm, err := tools.NTPToSystemTime(sec << 32)
	if err != nil {
		return nil
	}
	return &tm
}

// InitFile 返回第一个 TOI 合法的文件项，作为通道的初始化对象
func (f *FDTInstance) InitFile() (uint32, *FDTFile, bool) {
	for i := range f.Files {
		toi, err := strconv.ParseUint(f.Files[i].TOI, 10, 32)
		if err != nil {
			continue
		}
		return uint32(toi), &f.Files[i], true
	}
	return 0, nil, false
}

// GetTransferLength 优先 Transfer-Length，其次 Content-Length
func (f *FDTFile) GetTransferLength() uint64 {
	if f.TransferLength != nil {
		return *f.TransferLength
	}
	if f.ContentLength != nil {
		return *f.ContentLength
	}
	return 0
}

// -------- USBD --------

// USBD 用户服务描述，只记录，不参与通道重建
type USBD struct {
	Services []UserServiceDesc
}

type UserServiceDesc struct {
	ServiceID  uint32 `xml:"serviceId,attr"`
	FullMPDURI string `xml:"fullMPDUri,attr,omitempty"`
	STSIDURI   string `xml:"sTSIDUri,attr,omitempty"`
	Name       []struct {
		Lang  string `xml:"lang,attr,omitempty"`
		Value string `xml:",chardata"`
	} `xml:"Name"`
}

// ParseUSBD 接受 BundleDescriptionROUTE / BundleDescription 包装，也接受单独的 UserServiceDescription
func ParseUSBD(body []byte) (*USBD, error) {
	switch sniffRoot(body) {
	case "UserServiceDescription":
		var usd UserServiceDesc
		if err := xml.Unmarshal(body, &usd); err != nil {
			return nil, fmt.Errorf("parse USBD failed: %w", err)
		}
		return &USBD{Services: []UserServiceDesc{usd}}, nil
	case "BundleDescriptionROUTE", "BundleDescription":
		var wrapper struct {
			Services []UserServiceDesc `xml:"UserServiceDescription"`
		}
		if err := xml.Unmarshal(body, &wrapper); err != nil {
			return nil, fmt.Errorf("parse USBD failed: %w", err)
		}
		return &USBD{Services: wrapper.Services}, nil
	default:
		return nil, fmt.Errorf("parse USBD failed: unexpected root element")
	}
}
