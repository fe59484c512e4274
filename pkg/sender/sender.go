// Package sender 生成一个 ROUTE 服务的数据报：LLS 上的 SLT、
// TSI 0 上的信令包以及各通道的对象分片。用于本地回环测试接收端。
package sender

import (
	"Flute_demux/pkg/lct"
	"Flute_demux/pkg/profile"
	"Flute_demux/pkg/signaling"
	"Flute_demux/pkg/transport"
	"bytes"
	"encoding/xml"
	"fmt"
	"mime/multipart"
	"net"
	"net/textproto"
	"strconv"
)

// DefaultFragmentSize 每个 ALC 包的最大载荷
const DefaultFragmentSize = 1400

const defaultBoundary = "route-sls-boundary"

type Config struct {
	ServiceID uint32
	ShortName string
	// Dest 服务的 SLS 主地址
	Dest         transport.UDPEndpoint
	FragmentSize int
	// SignalingCenc 信令包的压缩方式，CencNull 表示不压缩
	SignalingCenc lct.Cenc
	Boundary      string
}

func DefaultConfig() Config {
	return Config{
		FragmentSize:  DefaultFragmentSize,
		SignalingCenc: lct.CencGzip,
		Boundary:      defaultBoundary,
	}
}

// Packet 一个待发送的数据报
type Packet struct {
	Dest string // "ip:port"
	Data []byte
}

// session 一个目的地址上的一个 TSI
type session struct {
	dest    string
	tsi     uint32
	packets [][]byte
}

// Sender 只生成数据报，不负责发送；调用方反复 Read 直到返回 nil
type Sender struct {
	cfg       Config
	lls       [][]byte
	signaling *session
	sessions  []*session
	index     int
	tois      map[uint32]*ToiAllocator
}

func NewSender(cfg *Config) *Sender {
	if cfg == nil {
		def := DefaultConfig()
		cfg = &def
	}
	c := *cfg
	if c.FragmentSize <= 0 {
		c.FragmentSize = DefaultFragmentSize
	}
	if c.Boundary == "" {
		c.Boundary = defaultBoundary
	}
	return &Sender{
		cfg:       c,
		signaling: &session{dest: c.Dest.DestAddr()},
		tois:      make(map[uint32]*ToiAllocator),
	}
}

func (s *Sender) Config() Config {
	return s.cfg
}

// SLTEntry 本服务在 SLT 中的条目
func (s *Sender) SLTEntry() signaling.SLTService {
	name := s.cfg.ShortName
	if name == "" {
		name = "svc" + strconv.FormatUint(uint64(s.cfg.ServiceID), 10)
	}
	return signaling.SLTService{
		ServiceID:        s.cfg.ServiceID,
		ShortServiceName: name,
		Signaling: []signaling.BroadcastSvcSignaling{{
			SLSProtocol:             uint64(profile.ROUTE),
			SLSMajorProtocolVersion: 1,
			SLSDestinationIPAddress: s.cfg.Dest.DestinationGroupAddress,
			SLSDestinationUDPPort:   s.cfg.Dest.Port,
			SLSSourceIPAddress:      s.cfg.Dest.Source(),
		}},
	}
}

// PublishSLT 排入一张 SLT，列出本服务以及 extra 中的其它服务
func (s *Sender) PublishSLT(version uint8, extra ...signaling.SLTService) error {
	slt := signaling.SLT{Services: append([]signaling.SLTService{s.SLTEntry()}, extra...)}
	body, err := xml.Marshal(&slt)
	if err != nil {
		return fmt.Errorf("marshal SLT failed: %w", err)
	}
	packed, err := signaling.Compress(body, lct.CencGzip)
	if err != nil {
		return fmt.Errorf("compress SLT failed: %w", err)
	}
	s.lls = append(s.lls, signaling.AppendLLS(nil, &signaling.LLSTable{
		Kind:       signaling.TableSLT,
		GroupCount: 1,
		Version:    version,
		Body:       packed,
	}))
	return nil
}

// PublishSignaling 把 parts 打成 multipart 信令包，以 version 编入 TOI 后在 TSI 0 上发送
func (s *Sender) PublishSignaling(version uint8, parts ...signaling.Part) error {
	if len(parts) == 0 {
		return signaling.ErrEmptyBundle
	}
	payload, err := BuildBundle(s.cfg.Boundary, parts)
	if err != nil {
		return err
	}

	flags := SignalingFlags(parts)
	flags.Version = version
	if s.cfg.SignalingCenc != lct.CencNull {
		payload, err = signaling.Compress(payload, s.cfg.SignalingCenc)
		if err != nil {
			return fmt.Errorf("compress signaling failed: %w", err)
		}
		flags.Compressed = true
	}

	hdr := lct.Header{Tsi: 0, Toi: flags.Encode()}
	s.signaling.packets = append(s.signaling.packets, Fragment(hdr, payload, s.cfg.FragmentSize)...)
	return nil
}

// SignalingFlags 按各 part 的类型置 TOI 标志位
func SignalingFlags(parts []signaling.Part) signaling.SignalingTOI {
	var flags signaling.SignalingTOI
	for _, p := range parts {
		switch p.Kind() {
		case signaling.KindSTSID:
			flags.STSID = true
		case signaling.KindManifest:
			flags.MPD = true
		case signaling.KindUSBD:
			flags.USBD = true
		default:
			flags.Other = true
		}
	}
	return flags
}

// BuildBundle 编码 multipart/related 信令包
func BuildBundle(boundary string, parts []signaling.Part) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.SetBoundary(boundary); err != nil {
		return nil, fmt.Errorf("invalid boundary %q: %w", boundary, err)
	}
	for _, p := range parts {
		h := make(textproto.MIMEHeader)
		if p.ContentType != "" {
			h.Set("Content-Type", p.ContentType)
		}
		if p.ContentLocation != "" {
			h.Set("Content-Location", p.ContentLocation)
		}
		pw, err := w.CreatePart(h)
		if err != nil {
			return nil, err
		}
		if _, err := pw.Write(p.Body); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Toi 返回 tsi 的 TOI 分配器，首次使用时创建
func (s *Sender) Toi(tsi uint32) *ToiAllocator {
	a, ok := s.tois[tsi]
	if !ok {
		a = NewToiAllocator(1)
		s.tois[tsi] = a
	}
	return a
}

// AddObject 以指定 TOI 排入一个对象。dest 为空时使用服务主地址。
func (s *Sender) AddObject(dest string, tsi, toi uint32, cp uint8, data []byte) {
	sess := s.session(dest, tsi)
	hdr := lct.Header{Tsi: tsi, Toi: toi, Cp: cp}
	sess.packets = append(sess.packets, Fragment(hdr, data, s.cfg.FragmentSize)...)
}

// AddFile 分配下一个 TOI 并排入对象
func (s *Sender) AddFile(dest string, tsi uint32, cp uint8, data []byte) uint32 {
	toi := s.Toi(tsi).Allocate()
	s.AddObject(dest, tsi, toi, cp, data)
	return toi
}

// CloseSession 在 tsi 上排入 A 位包，TOI 沿用最近分配的值
func (s *Sender) CloseSession(dest string, tsi uint32) {
	sess := s.session(dest, tsi)
	sess.packets = append(sess.packets, CloseSessionPacket(tsi, s.Toi(tsi).Last()))
}

func (s *Sender) session(dest string, tsi uint32) *session {
	if dest == "" {
		dest = s.cfg.Dest.DestAddr()
	}
	for _, sess := range s.sessions {
		if sess.dest == dest && sess.tsi == tsi {
			return sess
		}
	}
	sess := &session{dest: dest, tsi: tsi}
	s.sessions = append(s.sessions, sess)
	return sess
}

// Pending 尚未读出的数据报个数
func (s *Sender) Pending() int {
	n := len(s.lls) + len(s.signaling.packets)
	for _, sess := range s.sessions {
		n += len(sess.packets)
	}
	return n
}

// Read 返回下一个数据报：先 LLS，再信令，之后各通道轮流各出一个包
func (s *Sender) Read() *Packet {
	if len(s.lls) > 0 {
		data := s.lls[0]
		s.lls = s.lls[1:]
		return &Packet{Dest: bootstrapDest, Data: data}
	}
	if pkt := s.signaling.pop(); pkt != nil {
		return pkt
	}
	if len(s.sessions) == 0 {
		return nil
	}

	start := s.index % len(s.sessions)
	s.index = start
	for {
		sess := s.sessions[s.index]
		s.index = (s.index + 1) % len(s.sessions)
		if pkt := sess.pop(); pkt != nil {
			return pkt
		}
		if s.index == start {
			return nil
		}
	}
}

func (sess *session) pop() *Packet {
	if len(sess.packets) == 0 {
		return nil
	}
	data := sess.packets[0]
	sess.packets = sess.packets[1:]
	return &Packet{Dest: sess.dest, Data: data}
}

var bootstrapDest = net.JoinHostPort(signaling.BootstrapAddress, strconv.Itoa(signaling.BootstrapPort))
