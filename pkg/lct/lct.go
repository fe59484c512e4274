package lct

import (
	"Flute_demux/pkg/tools"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// Version 是 ROUTE profile 固定的 LCT 版本号
const Version = 1

// fixedHeaderLen: 首字 + CCI + TSI + TOI
const fixedHeaderLen = 16

// startOffsetLen: Compact No-Code FEC payload id (start_offset)
const startOffsetLen = 4

var (
	ErrProtocolViolation = errors.New("lct: protocol violation")
	ErrTruncated         = errors.New("lct: truncated packet")
	ErrFECNotSupported   = errors.New("lct: FEC encoded packets are not supported")
)

type Cenc uint8

const (
	CencNull Cenc = iota
	CencZlib
	CencDeflate
	CencGzip
)

type Ext uint8

const (
	ExtNop   Ext = 0
	ExtAuth  Ext = 1
	ExtTime  Ext = 2
	ExtFti   Ext = 64
	ExtTol48 Ext = 67
	ExtFdt   Ext = 192
	ExtCenc  Ext = 193
	ExtTol24 Ext = 194
)

// ExtFDT 文件描述表扩展信息
type ExtFDT struct {
	Version       uint32 // FDT 版本
	FdtInstanceID uint32 // FDT 实例 ID
}

type Header struct {
	Psi          uint8      // 协议相关标识
	CloseSession bool       // A 位
	CloseObject  bool       // B 位
	Len          int        // 头部长度(字节)，含扩展头
	Cp           uint8      // codepoint
	Cci          uint32     // 拥塞控制信息（profile 不使用）
	Tsi          uint32     // 传输会话标识符
	Toi          uint32     // 传输对象标识符
	TotalLength  *uint32    // EXT_TOL 声明的对象总长度，可选
	Cenc         *Cenc      // 内容编码，可选
	Fdt          *ExtFDT    // FDT 扩展，可选
	SenderTime   *time.Time // EXT_TIME，解析但不参与处理
	StartOffset  uint32     // 载荷在对象中的起始偏移
	// PayloadOffset 指向 data 中载荷的第一个字节
	PayloadOffset int
}

func (e Ext) String() string {
	switch e {
	case ExtNop:
		return "NOP"
	case ExtAuth:
		return "Auth"
	case ExtTime:
		return "Time"
	case ExtFti:
		return "FTI"
	case ExtTol48:
		return "TOL48"
	case ExtFdt:
		return "FDT"
	case ExtCenc:
		return "Cenc"
	case ExtTol24:
		return "TOL24"
	default:
		return "Unknown"
	}
}

func (c Cenc) String() string {
	switch c {
	case CencNull:
		return "Null"
	case CencZlib:
		return "Zlib"
	case CencDeflate:
		return "Deflate"
	case CencGzip:
		return "Gzip"
	default:
		return "Unknown"
	}
}

// DecodeHeader 解析 LCT 头、扩展头与 start_offset，不拷贝数据
func DecodeHeader(data []byte) (*Header, error) {
	if len(data) < fixedHeaderLen+startOffsetLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(data))
	}

	flags1 := data[0]
	flags2 := data[1]

	version := flags1 >> 4
	c := (flags1 >> 2) & 0x3
	psi := flags1 & 0x3
	s := (flags2 >> 7) & 0x1
	o := (flags2 >> 5) & 0x3
	h := (flags2 >> 4) & 0x1
	a := (flags2 >> 1) & 0x1
	b := flags2 & 0x1

	if version != Version {
		return nil, fmt.Errorf("%w: LCT version %d", ErrProtocolViolation, version)
	}
	if c != 0 {
		return nil, fmt.Errorf("%w: congestion control field C=%d", ErrProtocolViolation, c)
	}
	// profile 要求 32 位 TSI / TOI，不允许半字
	if s != 1 || o != 1 || h != 0 {
		return nil, fmt.Errorf("%w: S=%d O=%d H=%d", ErrProtocolViolation, s, o, h)
	}

	lenHdr := int(data[2]) << 2
	if lenHdr < fixedHeaderLen {
		return nil, fmt.Errorf("%w: header length %d", ErrProtocolViolation, lenHdr)
	}
	if lenHdr+startOffsetLen > len(data) {
		return nil, fmt.Errorf("%w: lct header size is %d whereas pkt size is %d", ErrTruncated, lenHdr, len(data))
	}

	hdr := &Header{
		Psi:          psi,
		CloseSession: a != 0,
		CloseObject:  b != 0,
		Len:          lenHdr,
		Cp:           data[3],
		Cci:          binary.BigEndian.Uint32(data[4:8]),
		Tsi:          binary.BigEndian.Uint32(data[8:12]),
		Toi:          binary.BigEndian.Uint32(data[12:16]),
	}

	if err := hdr.parseExtensions(data[fixedHeaderLen:lenHdr]); err != nil {
		return nil, err
	}

	hdr.StartOffset = binary.BigEndian.Uint32(data[lenHdr : lenHdr+startOffsetLen])
	hdr.PayloadOffset = lenHdr + startOffsetLen
	return hdr, nil
}

// parseExtensions 遍历扩展头。HET>=128 固定 4 字节；
// HET<128 由 HEL 给出 32 位字数，HEL 为 0 时按一个字处理。
func (h *Header) parseExtensions(ext []byte) error {
	for len(ext) > 0 {
		het := Ext(ext[0])

		var hel int
		if het >= 128 {
			hel = 4
		} else {
			if len(ext) < 2 {
				return fmt.Errorf("%w: extension %s without HEL", ErrTruncated, het)
			}
			hel = int(ext[1]) << 2
			if hel == 0 {
				hel = 4
			}
		}

		if hel > len(ext) {
			return fmt.Errorf("%w: LCT EXT size is %d/%d het=%d", ErrTruncated, hel, len(ext), het)
		}
		field := ext[:hel]

		switch het {
		case ExtNop, ExtAuth:
		case ExtTime:
			// 时间戳仅做记录
			if tm, err := parseSCT(field); err == nil && tm != nil {
				h.SenderTime = tm
			}
		case ExtFti:
			return ErrFECNotSupported
		case ExtFdt:
			h.Fdt = parseExtFDT(field)
		case ExtCenc:
			c, err := parseCenc(field)
			if err != nil {
				return err
			}
			h.Cenc = &c
		case ExtTol24:
			tol := uint32(field[1])<<16 | uint32(field[2])<<8 | uint32(field[3])
			h.TotalLength = &tol
		case ExtTol48:
			if hel != 8 {
				return fmt.Errorf("%w: TOL48 extension of %d bytes", ErrProtocolViolation, hel)
			}
			tol := uint64(binary.BigEndian.Uint16(field[2:4]))<<32 | uint64(binary.BigEndian.Uint32(field[4:8]))
			if tol > math.MaxUint32 {
				return fmt.Errorf("%w: object length %d exceeds start_offset range", ErrProtocolViolation, tol)
			}
			t := uint32(tol)
			h.TotalLength = &t
		default:
			// 未知扩展按声明长度跳过
		}

		ext = ext[hel:]
	}
	return nil
}

func parseCenc(ext []byte) (Cenc, error) {
	val := ext[1]
	switch Cenc(val) {
	case CencNull, CencZlib, CencDeflate, CencGzip:
		return Cenc(val), nil
	default:
		return CencNull, fmt.Errorf("%w: unsupported Cenc=%d", ErrProtocolViolation, val)
	}
}

func parseExtFDT(ext []byte) *ExtFDT {
	val := binary.BigEndian.Uint32(ext[:4])
	return &ExtFDT{
		Version:       (val >> 20) & 0xF,
		FdtInstanceID: val & 0xFFFFF,
	}
}

func parseSCT(ext []byte) (*time.Time, error) {
	if len(ext) < 4 {
		return nil, fmt.Errorf("sct too short")
	}
	useBitsHi := ext[2]
	sctHi := (useBitsHi >> 7) & 1
	sctLo := (useBitsHi >> 6) & 1
	ert := (useBitsHi >> 5) & 1
	slc := (useBitsHi >> 4) & 1

	expected := int((sctHi + sctLo + ert + slc + 1) * 4)
	if len(ext) != expected {
		return nil, fmt.Errorf("wrong sct length: expect=%d, got=%d", expected, len(ext))
	}
	if sctHi == 0 {
		return nil, nil
	}

	sec := binary.BigEndian.Uint32(ext[4:8])
	var fra uint32
	if sctLo == 1 {
		fra = binary.BigEndian.Uint32(ext[8:12])
	}
	tm, err := tools.NTPToSystemTime(uint64(sec)<<32 | uint64(fra))
	if err != nil {
		return nil, err
	}
	return &tm, nil
}

// AppendHeader 按 ROUTE profile 编码 LCT 头、扩展头与 start_offset，
// 载荷由调用方追加
func AppendHeader(data []byte, h *Header) []byte {
	start := len(data)

	var b, a uint8
	if h.CloseObject {
		b = 1
	}
	if h.CloseSession {
		a = 1
	}
	// V=1 C=0 | S=1 O=01 H=0
	flags1 := uint8(Version<<4) | (h.Psi & 0x3)
	flags2 := uint8(1<<7) | uint8(1<<5) | a<<1 | b

	data = append(data, flags1, flags2, 0, h.Cp)
	data = binary.BigEndian.AppendUint32(data, h.Cci)
	data = binary.BigEndian.AppendUint32(data, h.Tsi)
	data = binary.BigEndian.AppendUint32(data, h.Toi)

	if h.TotalLength != nil {
		tol := *h.TotalLength
		if tol <= 0xFFFFFF {
			data = append(data, byte(ExtTol24), byte(tol>>16), byte(tol>>8), byte(tol))
		} else {
			data = append(data, byte(ExtTol48), 2, 0, 0)
			data = binary.BigEndian.AppendUint32(data, tol)
		}
	}
	if h.Cenc != nil {
		data = append(data, byte(ExtCenc), byte(*h.Cenc), 0, 0)
	}
	if h.Fdt != nil {
		ext := (uint32(ExtFdt) << 24) | (h.Fdt.Version&0xF)<<20 | (h.Fdt.FdtInstanceID & 0xFFFFF)
		data = binary.BigEndian.AppendUint32(data, ext)
	}
	if h.SenderTime != nil {
		if ntp, err := tools.SystemTimeToNTP(*h.SenderTime); err == nil {
			data = append(data, byte(ExtTime), 3, 1<<7|1<<6, 0)
			data = binary.BigEndian.AppendUint64(data, ntp)
		}
	}

	IncHdrLen(data[start:], uint8((len(data)-start)>>2))
	return binary.BigEndian.AppendUint32(data, h.StartOffset)
}

// IncHdrLen 增加 HDR_LEN（单位 4 字节）
func IncHdrLen(data []byte, val uint8) {
	data[2] += val
}
