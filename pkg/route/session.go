package route

import (
	"Flute_demux/pkg/transport"
)

// Session S-TSID 中的一个 RS：可选的独立目的地址及其下的 Channel。
// Socket 仅在目的地址与 Service 主地址不同时存在。
type Session struct {
	Dest     *transport.UDPEndpoint
	Socket   transport.Socket
	Channels []*Channel
}

func (s *Session) FindChannel(tsi uint32) *Channel {
	for _, ch := range s.Channels {
		if ch.TSI == tsi {
			return ch
		}
	}
	return nil
}

// Close 关闭会话套接字
func (s *Session) Close() error {
	if s.Socket == nil {
		return nil
	}
	err := s.Socket.Close()
	s.Socket = nil
	return err
}
