package demux

import (
	"Flute_demux/pkg/lct"
	"Flute_demux/pkg/signaling"
	"Flute_demux/pkg/transport"
	"Flute_demux/pkg/transport/transporttest"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

const (
	bootstrapDest = "224.0.23.60:4937"
	newsID        = 5004
	newsDest      = "239.255.10.4:5000"
	moviesID      = 5005
	moviesDest    = "239.255.10.5:5000"
	audioDest     = "239.255.1.2:5002"
)

const testSTSID = `<?xml version="1.0" encoding="UTF-8"?>
<S-TSID xmlns="tag:atsc.org,2016:XMLSchemas/ATSC3/Delivery/S-TSID/1.0/">
  <RS>
    <LS tsi="10">
      <SrcFlow rt="true">
        <EFDT>
          <FDT-Instance fileTemplate="video/seg-$TOI$.m4s">
            <File Content-Location="video/init.mp4" TOI="1"/>
          </FDT-Instance>
        </EFDT>
        <Payload codePoint="128" formatId="1"/>
      </SrcFlow>
    </LS>
  </RS>
  <RS dIpAddr="239.255.1.2" dPort="5002">
    <LS tsi="20">
      <SrcFlow rt="true">
        <EFDT>
          <FDT-Instance fileTemplate="audio/seg-$TOI%03d$.m4s">
            <File Content-Location="audio/init.mp4" TOI="1"/>
          </FDT-Instance>
        </EFDT>
      </SrcFlow>
    </LS>
  </RS>
</S-TSID>`

const testMPD = `<?xml version="1.0"?><MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="dynamic"/>`

type sltEntry struct {
	id       uint32
	protocol int
	dest     string
	port     int
}

type harness struct {
	t      *testing.T
	net    *transporttest.Network
	clk    *clock.Mock
	d      *Demux
	events []Event
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	return newWrappedHarness(t, cfg, nil, opts...)
}

// newWrappedHarness wrap 非 nil 时包装内存网络的套接字工厂
func newWrappedHarness(t *testing.T, cfg Config, wrap func(transport.Factory) transport.Factory, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:   t,
		net: transporttest.NewNetwork(),
		clk: clock.NewMock(),
	}
	factory := h.net.Factory()
	if wrap != nil {
		factory = wrap(factory)
	}
	opts = append([]Option{
		WithSocketFactory(factory),
		WithClock(h.clk),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)

	d, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	d.SetEventCallback(func(evt Event) {
		evt.Data = slices.Clone(evt.Data)
		h.events = append(h.events, evt)
	})
	h.d = d
	return h
}

// drain 反复调用 Process 直到所有套接字为空
func (h *harness) drain() {
	h.t.Helper()
	for i := 0; i < 10000; i++ {
		err := h.d.Process()
		if errors.Is(err, ErrNothingReceived) {
			return
		}
		require.NoError(h.t, err)
	}
	h.t.Fatal("demux never drained")
}

func (h *harness) sendSLT(version uint8, entries ...sltEntry) {
	h.t.Helper()
	var b strings.Builder
	b.WriteString(`<SLT xmlns="tag:atsc.org,2016:XMLSchemas/ATSC3/Delivery/SLT/1.0/" bsid="1">`)
	for _, e := range entries {
		fmt.Fprintf(&b, `<Service serviceId="%d" shortServiceName="svc%d"><BroadcastSvcSignaling slsProtocol="%d" slsDestinationIpAddress="%s" slsDestinationUdpPort="%d"/></Service>`,
			e.id, e.id, e.protocol, e.dest, e.port)
	}
	b.WriteString(`</SLT>`)
	body, err := signaling.Compress([]byte(b.String()), lct.CencGzip)
	require.NoError(h.t, err)

	pkt := signaling.AppendLLS(nil, &signaling.LLSTable{Kind: signaling.TableSLT, GroupCount: 1, Version: version, Body: body})
	require.Equal(h.t, 1, h.net.Send(bootstrapDest, pkt))
	h.drain()
}

func (h *harness) discoverNews() {
	h.sendSLT(1, sltEntry{id: newsID, protocol: 1, dest: "239.255.10.4", port: 5000})
}

// sendObject 把对象按 fragSize 切片发送，order 为分片发送顺序（nil 表示顺序发送）
func (h *harness) sendObject(dest string, tsi, toi uint32, data []byte, fragSize int, order []int) {
	h.t.Helper()
	total := uint32(len(data))
	var frags [][]byte
	for off := 0; off < len(data); off += fragSize {
		end := min(off+fragSize, len(data))
		frags = append(frags, packet(tsi, toi, uint32(off), &total, false, data[off:end]))
	}
	if order == nil {
		for i := range frags {
			order = append(order, i)
		}
	}
	for _, i := range order {
		require.Equal(h.t, 1, h.net.Send(dest, frags[i]))
	}
	h.drain()
}

func packet(tsi, toi, offset uint32, total *uint32, closeObject bool, payload []byte) []byte {
	hdr := &lct.Header{Tsi: tsi, Toi: toi, StartOffset: offset, TotalLength: total, CloseObject: closeObject}
	return append(lct.AppendHeader(nil, hdr), payload...)
}

func bundle(parts ...signaling.Part) []byte {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString("--sls-boundary\r\n")
		b.WriteString("Content-Type: " + p.ContentType + "\r\n")
		b.WriteString("Content-Location: " + p.ContentLocation + "\r\n\r\n")
		b.Write(p.Body)
		b.WriteString("\r\n")
	}
	b.WriteString("--sls-boundary--\r\n")
	return []byte(b.String())
}

func stsidPart(doc string) signaling.Part {
	return signaling.Part{ContentType: "application/route-s-tsid+xml", ContentLocation: "stsid.xml", Body: []byte(doc)}
}

func mpdPart() signaling.Part {
	return signaling.Part{ContentType: "application/dash+xml", ContentLocation: "manifest.mpd", Body: []byte(testMPD)}
}

// sendBundle 以压缩信令包的形式在 TSI 0 上发送
func (h *harness) sendBundle(dest string, flags signaling.SignalingTOI, payload []byte) {
	h.t.Helper()
	flags.Compressed = true
	packed, err := signaling.Compress(payload, lct.CencGzip)
	require.NoError(h.t, err)
	h.sendObject(dest, 0, flags.Encode(), packed, 64, nil)
}

func (h *harness) signalNews(version uint8) {
	h.sendBundle(newsDest, signaling.SignalingTOI{STSID: true, MPD: true, Version: version},
		bundle(stsidPart(testSTSID), mpdPart()))
}

func (h *harness) eventsOf(kind EventKind) []Event {
	var out []Event
	for _, e := range h.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func content(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*7)
	}
	return b
}
