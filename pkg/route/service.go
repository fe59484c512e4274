// Package route 维护服务、会话与通道模型：TSI 到文件命名模板的映射，
// 每个服务的套接字、对象集合以及信令文档版本。
package route

import (
	"Flute_demux/pkg/object"
	"Flute_demux/pkg/profile"
	"Flute_demux/pkg/signaling"
	"Flute_demux/pkg/transport"
	"slices"

	"go.uber.org/multierr"
)

// Object 服务持有的对象：重组状态加上解析到的 Channel
type Object struct {
	*object.Object
	Channel *Channel // 信令对象为 nil
	Name    string
	Path    string // 目录模式下写入的文件
}

// Pinned 通道的初始化对象不会被容量淘汰
func (o *Object) Pinned() bool {
	return o.Channel != nil && o.Channel.IsInit(o.Toi)
}

// Version 一个信令文档最近一次处理成功的版本
type Version struct {
	Value uint8
	Known bool
}

func (v Version) Matches(ver uint8) bool {
	return v.Known && v.Value == ver
}

func (v *Version) Set(ver uint8) {
	v.Value = ver
	v.Known = true
}

type Service struct {
	ID       uint32
	Protocol profile.Protocol
	Dest     transport.UDPEndpoint
	Socket   transport.Socket
	Sessions []*Session
	Objects  []*Object // 按创建顺序
	Filling  *Object   // 当前正在接收的对象
	Opened   bool

	STSIDVersion Version
	MPDVersion   Version
	USBDVersion  Version
	// LastBundleTOI 最近处理的未携带文档标志的信令 TOI
	LastBundleTOI Version32

	USBD      *signaling.USBD
	OutputDir string

	frozen map[uint32]struct{}
}

// Version32 未标志文档的信令包只能按完整 TOI 去重
type Version32 struct {
	Value uint32
	Known bool
}

func NewService(id uint32, proto profile.Protocol, dest transport.UDPEndpoint) *Service {
	return &Service{
		ID:       id,
		Protocol: proto,
		Dest:     dest,
		frozen:   make(map[uint32]struct{}),
	}
}

// ResolveChannel 先查当前接收对象的通道，再线性扫描所有会话
func (s *Service) ResolveChannel(tsi uint32) *Channel {
	if tsi == 0 {
		return nil
	}
	if f := s.Filling; f != nil && f.Channel != nil && f.Channel.TSI == tsi {
		return f.Channel
	}
	return s.scanChannel(tsi)
}

func (s *Service) scanChannel(tsi uint32) *Channel {
	for _, sess := range s.Sessions {
		if ch := sess.FindChannel(tsi); ch != nil {
			return ch
		}
	}
	return nil
}

func (s *Service) FindObject(tsi, toi uint32) *Object {
	for _, o := range s.Objects {
		if o.Tsi == tsi && o.Toi == toi {
			return o
		}
	}
	return nil
}

// FindObjectByName 按对象名查找
func (s *Service) FindObjectByName(name string) *Object {
	for _, o := range s.Objects {
		if o.Name == name {
			return o
		}
	}
	return nil
}

func (s *Service) AddObject(o *Object) {
	s.Objects = append(s.Objects, o)
}

// RemoveObject 从服务中移除对象，返回是否存在
func (s *Service) RemoveObject(o *Object) bool {
	i := slices.Index(s.Objects, o)
	if i < 0 {
		return false
	}
	s.Objects = slices.Delete(s.Objects, i, i+1)
	if s.Filling == o {
		s.Filling = nil
	}
	return true
}

// CountObjects 统计 tsi 上保留的对象个数
func (s *Service) CountObjects(tsi uint32) int {
	n := 0
	for _, o := range s.Objects {
		if o.Tsi == tsi {
			n++
		}
	}
	return n
}

// Evictable 可以被淘汰：已完成的媒体对象，且不是初始化对象。
// 交错发送时 Filling 只指向其中一个 TSI，其余未完成的对象同样不能淘汰。
func (s *Service) Evictable(o *Object) bool {
	return o.Channel != nil && !o.Pinned() && o.Done() && o != s.Filling
}

// ReplaceSessions 用新的会话集合替换旧集合。
// 目的地址相同的会话沿用旧套接字；其余旧会话返回给调用方关闭。
// 已有对象重新绑定到同一 TSI 的新通道。
func (s *Service) ReplaceSessions(sessions []*Session) []*Session {
	old := s.Sessions
	for _, ns := range sessions {
		if ns.Dest == nil || ns.Socket != nil {
			continue
		}
		for _, prev := range old {
			if prev.Socket != nil && prev.Dest != nil && prev.Dest.Equal(*ns.Dest) {
				ns.Socket = prev.Socket
				prev.Socket = nil
				break
			}
		}
	}
	s.Sessions = sessions

	for _, o := range s.Objects {
		if o.Channel != nil {
			if ch := s.scanChannel(o.Tsi); ch != nil {
				o.Channel = ch
			}
		}
	}

	var dropped []*Session
	for _, prev := range old {
		if prev.Socket != nil {
			dropped = append(dropped, prev)
		}
	}
	return dropped
}

// Freeze 记住解析失败的信令 TOI，重传将被丢弃
func (s *Service) Freeze(toi uint32) {
	s.frozen[toi] = struct{}{}
}

func (s *Service) Frozen(toi uint32) bool {
	_, ok := s.frozen[toi]
	return ok
}

// ResetSignaling 目的地址变化后清空信令状态，返回需要关闭的会话
func (s *Service) ResetSignaling() []*Session {
	dropped := s.ReplaceSessions(nil)
	s.STSIDVersion = Version{}
	s.MPDVersion = Version{}
	s.USBDVersion = Version{}
	s.LastBundleTOI = Version32{}
	s.USBD = nil
	clear(s.frozen)
	return dropped
}

// Close 关闭主套接字与所有会话套接字
func (s *Service) Close() error {
	var err error
	if s.Socket != nil {
		err = multierr.Append(err, s.Socket.Close())
		s.Socket = nil
	}
	for _, sess := range s.Sessions {
		err = multierr.Append(err, sess.Close())
	}
	return err
}
