package demux

import (
	"Flute_demux/pkg/lct"
	"Flute_demux/pkg/object"
	"Flute_demux/pkg/route"
	"errors"
	"log/slog"
	"slices"
)

// handlePacket 解码一个数据报并送入重组流程。
// 只有内存不足会返回错误，其余异常输入计数后丢弃。
func (d *Demux) handlePacket(svc *route.Service, data []byte) error {
	hdr, err := lct.DecodeHeader(data)
	if err != nil {
		reason := reasonDecode
		if errors.Is(err, lct.ErrFECNotSupported) {
			reason = reasonFEC
		}
		d.drop(reason, slog.Uint64("service", uint64(svc.ID)), slog.String("error", err.Error()))
		return nil
	}
	payload := data[hdr.PayloadOffset:]

	if hdr.Tsi == 0 {
		return d.handleSignalingPacket(svc, hdr, payload)
	}
	return d.handleMediaPacket(svc, hdr, payload)
}

func (d *Demux) handleMediaPacket(svc *route.Service, hdr *lct.Header, payload []byte) error {
	ch := svc.ResolveChannel(hdr.Tsi)
	if ch == nil {
		d.drop(reasonUnknownChannel,
			slog.Uint64("service", uint64(svc.ID)),
			slog.Uint64("tsi", uint64(hdr.Tsi)),
		)
		return nil
	}
	// 128 以上为 ROUTE 动态 codepoint，必须在 S-TSID 中登记
	if hdr.Cp >= 128 {
		if _, ok := ch.Format(hdr.Cp); !ok {
			d.drop(reasonUnknownCodepoint,
				slog.Uint64("tsi", uint64(hdr.Tsi)),
				slog.Uint64("codepoint", uint64(hdr.Cp)),
			)
			return nil
		}
	}

	total := hdr.TotalLength
	if total == nil {
		total = ch.LengthHint(hdr.Toi)
	}

	o := svc.FindObject(hdr.Tsi, hdr.Toi)
	created := o == nil
	if created {
		// 无效的首个分片不能结束前一个对象
		if err := object.CheckBounds(hdr.StartOffset, len(payload), total); err != nil {
			return d.ingestFailed(svc, hdr, nil, false, err)
		}
		d.supersede(svc, hdr.Tsi)
		o = d.newObject(svc, hdr, ch)
	}

	done, err := o.Ingest(hdr.StartOffset, payload, total, hdr.CloseObject, d.clock.Now())
	if err != nil {
		return d.ingestFailed(svc, hdr, o, created, err)
	}
	if o.Done() {
		if svc.Filling == o {
			svc.Filling = nil
		}
	} else {
		svc.Filling = o
	}
	if done {
		d.dispatch(svc, o)
	}
	if hdr.CloseSession {
		d.closeSession(svc, hdr.Tsi)
	}
	return nil
}

func (d *Demux) newObject(svc *route.Service, hdr *lct.Header, ch *route.Channel) *route.Object {
	o := &route.Object{
		Object:  d.reservoir.Get(hdr.Tsi, hdr.Toi, d.clock.Now()),
		Channel: ch,
	}
	if ch != nil {
		o.Name = ch.ObjectName(hdr.Toi)
	}
	svc.AddObject(o)
	d.setRetained(1)
	return o
}

// ingestFailed 内存不足时释放对象并返回错误；其余情况按重叠计数丢弃，
// 本次新建的空对象一并释放
func (d *Demux) ingestFailed(svc *route.Service, hdr *lct.Header, o *route.Object, created bool, err error) error {
	oom := errors.Is(err, object.ErrOutOfMemory)
	if o != nil && (created || oom) {
		d.release(svc, o)
	}
	if oom {
		d.log.Error("object reassembly failed",
			slog.Uint64("service", uint64(svc.ID)),
			slog.Uint64("tsi", uint64(hdr.Tsi)),
			slog.Uint64("toi", uint64(hdr.Toi)),
			slog.String("error", err.Error()),
		)
		return err
	}
	d.drop(reasonOverlap,
		slog.Uint64("tsi", uint64(hdr.Tsi)),
		slog.Uint64("toi", uint64(hdr.Toi)),
		slog.String("error", err.Error()),
	)
	return nil
}

// supersede 同一 TSI 上的对象按顺序发送：出现新 TOI 时，
// 长度已知但仍未收全的旧对象视为丢包，带错误完成并派发
func (d *Demux) supersede(svc *route.Service, tsi uint32) {
	stale := slices.DeleteFunc(slices.Clone(svc.Objects), func(o *route.Object) bool {
		return o.Tsi != tsi || o.Status != object.Receiving || !o.LengthKnown
	})
	for _, o := range stale {
		d.forceComplete(svc, o)
	}
}

// closeSession A 位：该 TSI 上所有未完成的对象立即结束
func (d *Demux) closeSession(svc *route.Service, tsi uint32) {
	pending := slices.DeleteFunc(slices.Clone(svc.Objects), func(o *route.Object) bool {
		return o.Tsi != tsi || o.Done()
	})
	for _, o := range pending {
		d.forceComplete(svc, o)
	}
}

func (d *Demux) forceComplete(svc *route.Service, o *route.Object) {
	// 前一个对象派发时可能已将其淘汰
	if o.Object == nil {
		return
	}
	if err := o.Finish(d.clock.Now()); err != nil {
		d.log.Error("finish object failed",
			slog.Uint64("tsi", uint64(o.Tsi)),
			slog.Uint64("toi", uint64(o.Toi)),
			slog.String("error", err.Error()),
		)
		d.evict(svc, o)
		return
	}
	if svc.Filling == o {
		svc.Filling = nil
	}
	if o.Tsi == 0 {
		d.completeSignaling(svc, o)
		return
	}
	d.dispatch(svc, o)
}

// dispatch 把完成的对象交给消费者，随后按通道上限淘汰旧对象
func (d *Demux) dispatch(svc *route.Service, o *route.Object) {
	kind := EventSegmentReady
	if o.Pinned() {
		kind = EventInitSegmentReady
	}
	d.countCompleted(o.Status)
	d.stats.ObjectsDispatched++

	if o.Corrupted() {
		d.log.Warn("object completed with errors",
			slog.Uint64("service", uint64(svc.ID)),
			slog.Uint64("tsi", uint64(o.Tsi)),
			slog.Uint64("toi", uint64(o.Toi)),
			slog.String("name", o.Name),
		)
	}
	if svc.OutputDir != "" {
		if path, err := d.writeFile(svc, o.Name, o.Data()); err != nil {
			d.log.Error("write object failed", slog.String("name", o.Name), slog.String("error", err.Error()))
		} else {
			o.Path = path
		}
	}

	d.emit(Event{
		Kind:      kind,
		ServiceID: svc.ID,
		Name:      o.Name,
		Data:      o.Data(),
		TSI:       o.Tsi,
		TOI:       o.Toi,
		Corrupted: o.Corrupted(),
		Duration:  o.Duration,
	})
	o.MarkDispatched()
	d.enforceBound(svc, o.Tsi)
}
