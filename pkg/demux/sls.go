package demux

import (
	"Flute_demux/pkg/lct"
	"Flute_demux/pkg/object"
	"Flute_demux/pkg/route"
	"Flute_demux/pkg/signaling"
	"Flute_demux/pkg/transport"
	"log/slog"
	"math"
	"slices"
)

// defaultManifestName 清单没有 Content-Location 时使用的文件名
const defaultManifestName = "manifest.mpd"

// handleSignalingPacket TSI 0 上的服务层信令
func (d *Demux) handleSignalingPacket(svc *route.Service, hdr *lct.Header, payload []byte) error {
	if svc.Frozen(hdr.Toi) {
		d.drop(reasonFrozen, slog.Uint64("service", uint64(svc.ID)), slog.Uint64("toi", uint64(hdr.Toi)))
		return nil
	}

	o := svc.FindObject(0, hdr.Toi)
	created := o == nil
	if created {
		if d.upToDate(svc, hdr.Toi) {
			d.drop(reasonUnchanged, slog.Uint64("service", uint64(svc.ID)), slog.Uint64("toi", uint64(hdr.Toi)))
			return nil
		}
		if err := object.CheckBounds(hdr.StartOffset, len(payload), hdr.TotalLength); err != nil {
			return d.ingestFailed(svc, hdr, nil, false, err)
		}
		d.supersedeSignaling(svc)
		o = d.newObject(svc, hdr, nil)
	}

	done, err := o.Ingest(hdr.StartOffset, payload, hdr.TotalLength, hdr.CloseObject, d.clock.Now())
	if err != nil {
		return d.ingestFailed(svc, hdr, o, created, err)
	}
	if done {
		d.completeSignaling(svc, o)
	}
	return nil
}

// upToDate 信令包标志的文档版本都与已处理的版本一致
func (d *Demux) upToDate(svc *route.Service, raw uint32) bool {
	toi := signaling.DecodeTOI(raw)
	if !toi.Tracked() {
		return svc.LastBundleTOI.Known && svc.LastBundleTOI.Value == raw
	}
	if toi.STSID && !svc.STSIDVersion.Matches(toi.Version) {
		return false
	}
	if toi.MPD && !svc.MPDVersion.Matches(toi.Version) {
		return false
	}
	if toi.USBD && !svc.USBDVersion.Matches(toi.Version) {
		return false
	}
	return true
}

// supersedeSignaling 新的信令包到达时丢弃未完成的旧信令包
func (d *Demux) supersedeSignaling(svc *route.Service) {
	stale := slices.DeleteFunc(slices.Clone(svc.Objects), func(o *route.Object) bool {
		return o.Tsi != 0
	})
	for _, o := range stale {
		d.log.Debug("signaling object superseded",
			slog.Uint64("service", uint64(svc.ID)),
			slog.Uint64("toi", uint64(o.Toi)),
		)
		d.release(svc, o)
	}
}

// completeSignaling 处理完成的信令包后立即回收
func (d *Demux) completeSignaling(svc *route.Service, o *route.Object) {
	d.countCompleted(o.Status)
	d.processBundle(svc, o.Toi, o.Data())
	o.MarkDispatched()
	d.release(svc, o)
}

// processBundle 解压、拆分并按类型分派信令子文档。
// 解析失败的文档不更新版本；FreezeOnFailure 下记住该 TOI。
func (d *Demux) processBundle(svc *route.Service, raw uint32, data []byte) {
	toi := signaling.DecodeTOI(raw)
	logger := d.log.With(slog.Uint64("service", uint64(svc.ID)), slog.Uint64("toi", uint64(raw)))

	if toi.Compressed {
		out, err := d.decompress(&d.scratch, data)
		if err != nil {
			d.bundleFailed(svc, raw, "decompress", err)
			return
		}
		data = out
	}

	parts, err := signaling.SplitBundle(data)
	if err != nil {
		d.bundleFailed(svc, raw, "split", err)
		return
	}

	var stsidFailed, usbdFailed bool
	for _, p := range parts {
		kind := p.Kind()
		switch kind {
		case signaling.KindManifest:
			d.countParse(kind.String())
			d.deliverManifest(svc, raw, p)
		case signaling.KindSTSID:
			d.countParse(kind.String())
			if err := d.applySTSID(svc, p.Body); err != nil {
				stsidFailed = true
				d.bundleFailed(svc, raw, kind.String(), err)
			}
		case signaling.KindUSBD:
			d.countParse(kind.String())
			u, err := signaling.ParseUSBD(p.Body)
			if err != nil {
				usbdFailed = true
				d.bundleFailed(svc, raw, kind.String(), err)
				continue
			}
			svc.USBD = u
		case signaling.KindEnvelope:
			logger.Debug("metadata envelope", slog.String("location", p.ContentLocation))
		default:
			logger.Warn("unknown signaling part skipped",
				slog.String("content_type", p.ContentType),
				slog.String("location", p.ContentLocation),
			)
		}
	}

	if toi.STSID && !stsidFailed {
		svc.STSIDVersion.Set(toi.Version)
	}
	if toi.USBD && !usbdFailed {
		svc.USBDVersion.Set(toi.Version)
	}
	if toi.MPD {
		svc.MPDVersion.Set(toi.Version)
	}
	if !toi.Tracked() && !stsidFailed && !usbdFailed {
		svc.LastBundleTOI = route.Version32{Value: raw, Known: true}
	}
}

func (d *Demux) bundleFailed(svc *route.Service, raw uint32, stage string, err error) {
	d.log.Warn("signaling bundle failed",
		slog.Uint64("service", uint64(svc.ID)),
		slog.Uint64("toi", uint64(raw)),
		slog.String("stage", stage),
		slog.String("policy", d.retry.String()),
		slog.String("error", err.Error()),
	)
	if d.retry == FreezeOnFailure {
		svc.Freeze(raw)
	}
}

func (d *Demux) deliverManifest(svc *route.Service, raw uint32, p signaling.Part) {
	name := p.ContentLocation
	if name == "" {
		name = defaultManifestName
	}
	if svc.OutputDir != "" {
		if _, err := d.writeFile(svc, name, p.Body); err != nil {
			d.log.Error("write manifest failed", slog.String("name", name), slog.String("error", err.Error()))
		}
	}
	d.emit(Event{
		Kind:      EventManifestReady,
		ServiceID: svc.ID,
		Name:      name,
		Data:      p.Body,
		TOI:       raw,
	})
}

// applySTSID 按 S-TSID 重建服务的会话与通道。
// 目的地址与服务主地址不同的会话才拥有自己的套接字。
func (d *Demux) applySTSID(svc *route.Service, body []byte) error {
	st, err := signaling.ParseSTSID(body)
	if err != nil {
		return err
	}

	sessions := make([]*route.Session, 0, len(st.RS))
	for _, rs := range st.RS {
		sess := &route.Session{}
		if rs.DestIPAddress != "" && rs.DestPort != 0 {
			var src *string
			if rs.SourceIPAddress != "" {
				s := rs.SourceIPAddress
				src = &s
			}
			ep := transport.NewUDPEndpoint(src, rs.DestIPAddress, rs.DestPort)
			if ep.DestinationGroupAddress != svc.Dest.DestinationGroupAddress || ep.Port != svc.Dest.Port {
				sess.Dest = &ep
			}
		}
		for _, ls := range rs.LS {
			if ls.TSI == 0 {
				d.log.Warn("channel on reserved tsi 0 ignored", slog.Uint64("service", uint64(svc.ID)))
				continue
			}
			sess.Channels = append(sess.Channels, d.buildChannel(svc, ls))
		}
		sessions = append(sessions, sess)
	}

	for _, old := range svc.ReplaceSessions(sessions) {
		if err := old.Close(); err != nil {
			d.log.Error("close session socket failed", slog.String("error", err.Error()))
		}
	}
	for _, sess := range sessions {
		if sess.Dest == nil || sess.Socket != nil {
			continue
		}
		sock, err := d.newSocket(d.cfg.Interface, *sess.Dest, d.cfg.SocketBufferSize)
		if err != nil {
			d.log.Error("open session socket failed",
				slog.Uint64("service", uint64(svc.ID)),
				slog.String("dest", sess.Dest.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		sess.Socket = sock
	}

	d.log.Info("session description applied",
		slog.Uint64("service", uint64(svc.ID)),
		slog.Int("sessions", len(sessions)),
	)
	return nil
}

func (d *Demux) buildChannel(svc *route.Service, ls signaling.LS) *route.Channel {
	var tpl string
	fdt := ls.FDT()
	if fdt != nil {
		tpl = fdt.FileTemplate
	}
	ch := route.NewChannel(ls.TSI, tpl)
	if fdt != nil {
		if toi, file, ok := fdt.InitFile(); ok {
			ch.SetInit(toi, file.ContentLocation)
			if n := file.GetTransferLength(); n <= math.MaxUint32 {
				ch.InitLength = uint32(n)
			}
		}
		if exp := fdt.GetExpirationDate(); exp != nil {
			d.log.Debug("channel fdt expires",
				slog.Uint64("service", uint64(svc.ID)),
				slog.Uint64("tsi", uint64(ls.TSI)),
				slog.Time("expires", *exp),
			)
		}
	}
	for _, p := range ls.Payloads() {
		if err := ch.AddCodepoint(p.CodePoint, p.FormatID); err != nil {
			d.log.Warn("codepoint ignored",
				slog.Uint64("service", uint64(svc.ID)),
				slog.String("error", err.Error()),
			)
		}
	}
	return ch
}
