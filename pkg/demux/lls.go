package demux

import (
	"Flute_demux/pkg/profile"
	"Flute_demux/pkg/route"
	"Flute_demux/pkg/signaling"
	"Flute_demux/pkg/transport"
	"log/slog"
	"path/filepath"
	"strconv"
)

// handleBootstrap 处理一个 LLS 数据报。版本未变化的表在解压前丢弃。
func (d *Demux) handleBootstrap(data []byte) {
	tbl, err := signaling.ParseLLS(data)
	if err != nil {
		d.drop(reasonBootstrap, slog.String("error", err.Error()))
		return
	}
	if v, ok := d.llsVersions[tbl.Kind]; ok && v == tbl.Version {
		return
	}

	body, err := d.decompress(&d.scratch, tbl.Body)
	if err != nil {
		d.log.Warn("decompress LLS table failed",
			slog.String("table", tbl.Kind.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	if tbl.Kind != signaling.TableSLT {
		d.log.Debug("LLS table ignored",
			slog.String("table", tbl.Kind.String()),
			slog.Uint64("version", uint64(tbl.Version)),
		)
		d.llsVersions[tbl.Kind] = tbl.Version
		return
	}

	d.countParse("slt")
	slt, err := signaling.ParseSLT(body)
	if err != nil {
		d.log.Warn("parse SLT failed", slog.String("error", err.Error()))
		return
	}
	d.llsVersions[tbl.Kind] = tbl.Version

	d.log.Info("service list received",
		slog.Uint64("version", uint64(tbl.Version)),
		slog.Int("services", len(slt.Services)),
	)
	for i := range slt.Services {
		d.updateService(&slt.Services[i])
	}
	d.emit(Event{Kind: EventServiceScanComplete})
}

// updateService 新建或更新服务。目的地址变化时关闭旧套接字并重置信令状态。
// 新 SLT 中缺失的服务保持不变。
func (d *Demux) updateService(entry *signaling.SLTService) {
	logger := d.log.With(slog.Uint64("service", uint64(entry.ServiceID)))
	if len(entry.Signaling) == 0 {
		logger.Warn("service without broadcast signaling skipped")
		return
	}
	sig := &entry.Signaling[0]
	proto, err := profile.ParseProtocol(sig.SLSProtocol)
	if err != nil {
		logger.Warn("service rejected", slog.String("error", err.Error()))
		return
	}
	if err := sig.Validate(); err != nil {
		logger.Warn("service rejected", slog.String("error", err.Error()))
		return
	}

	var src *string
	if sig.SLSSourceIPAddress != "" {
		s := sig.SLSSourceIPAddress
		src = &s
	}
	dest := transport.NewUDPEndpoint(src, sig.SLSDestinationIPAddress, sig.SLSDestinationUDPPort)

	svc := d.FindService(entry.ServiceID)
	switch {
	case svc == nil:
		svc = route.NewService(entry.ServiceID, proto, dest)
		if d.cfg.OutputDir != "" {
			svc.OutputDir = filepath.Join(d.cfg.OutputDir, strconv.FormatUint(uint64(entry.ServiceID), 10))
		}
		if err := d.openService(svc); err != nil {
			return
		}
		d.services = append(d.services, svc)
		logger.Info("service found",
			slog.String("name", entry.ShortServiceName),
			slog.String("protocol", proto.String()),
			slog.String("dest", dest.String()),
		)
		d.applyStanding(svc)
	case !svc.Dest.Equal(dest) || svc.Protocol != proto:
		d.relocate(svc, proto, dest)
	}

	d.emit(Event{Kind: EventServiceFound, ServiceID: entry.ServiceID, Name: entry.ShortServiceName})
}

func (d *Demux) openService(svc *route.Service) error {
	sock, err := d.newSocket(d.cfg.Interface, svc.Dest, d.cfg.SocketBufferSize)
	if err != nil {
		d.log.Error("open service socket failed",
			slog.Uint64("service", uint64(svc.ID)),
			slog.String("dest", svc.Dest.String()),
			slog.String("error", err.Error()),
		)
		return err
	}
	svc.Socket = sock
	return nil
}

// relocate 服务的信令地址变化
func (d *Demux) relocate(svc *route.Service, proto profile.Protocol, dest transport.UDPEndpoint) {
	d.log.Info("service relocated",
		slog.Uint64("service", uint64(svc.ID)),
		slog.String("from", svc.Dest.String()),
		slog.String("to", dest.String()),
	)
	if svc.Socket != nil {
		if err := svc.Socket.Close(); err != nil {
			d.log.Error("close service socket failed", slog.String("error", err.Error()))
		}
		svc.Socket = nil
	}
	for _, sess := range svc.ResetSignaling() {
		if err := sess.Close(); err != nil {
			d.log.Error("close session socket failed", slog.String("error", err.Error()))
		}
	}
	d.supersedeSignaling(svc)

	svc.Protocol = proto
	svc.Dest = dest
	_ = d.openService(svc)
}
