package demux

import (
	"Flute_demux/pkg/lct"
	"Flute_demux/pkg/object"
	"Flute_demux/pkg/signaling"
	"Flute_demux/pkg/transport"
	"Flute_demux/pkg/transport/transporttest"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOpensBootstrapSocket(t *testing.T) {
	h := newHarness(t, Config{Interface: "eth1", SocketBufferSize: 1 << 20})
	sock := h.net.Open(bootstrapDest)
	require.NotNil(t, sock)
	assert.Equal(t, "eth1", sock.Iface)
	assert.Equal(t, 1<<20, sock.BufSize)
}

func TestNewFailsWhenBootstrapUnavailable(t *testing.T) {
	net := transporttest.NewNetwork()
	boom := errors.New("no route")
	net.FailDest[bootstrapDest] = boom

	_, err := New(Config{}, WithSocketFactory(net.Factory()))
	require.ErrorIs(t, err, boom)
}

func TestNothingReceived(t *testing.T) {
	h := newHarness(t, Config{})
	assert.ErrorIs(t, h.d.Process(), ErrNothingReceived)

	h.clk.Add(3 * time.Second)
	assert.Equal(t, 3*time.Second, h.d.Elapsed())
}

func TestServiceListCreatesClosedServices(t *testing.T) {
	h := newHarness(t, Config{})
	h.sendSLT(1,
		sltEntry{id: newsID, protocol: 1, dest: "239.255.10.4", port: 5000},
		sltEntry{id: moviesID, protocol: 2, dest: "239.255.10.5", port: 5000},
	)

	require.Len(t, h.d.Services(), 2)
	news := h.d.FindService(newsID)
	movies := h.d.FindService(moviesID)
	require.NotNil(t, news)
	require.NotNil(t, movies)
	assert.False(t, news.Opened)
	assert.False(t, movies.Opened)
	assert.NotNil(t, h.net.Open(newsDest))
	assert.NotNil(t, h.net.Open(moviesDest))

	kinds := []EventKind{}
	for _, e := range h.events {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []EventKind{EventServiceFound, EventServiceFound, EventServiceScanComplete}, kinds)

	assert.True(t, h.d.TuneIn(newsID))
	assert.True(t, news.Opened)
	assert.False(t, movies.Opened)

	assert.True(t, h.d.TuneIn(TuneAll))
	assert.True(t, movies.Opened)
}

func TestServiceListRejectsUnsupportedEntries(t *testing.T) {
	h := newHarness(t, Config{})
	h.sendSLT(1,
		sltEntry{id: 1, protocol: 3, dest: "239.0.0.1", port: 5000},
		sltEntry{id: 2, protocol: 1, dest: "not-an-ip", port: 5000},
		sltEntry{id: 3, protocol: 1, dest: "239.0.0.3", port: 0},
		sltEntry{id: 4, protocol: 1, dest: "239.0.0.4", port: 5000},
	)
	require.Len(t, h.d.Services(), 1)
	assert.NotNil(t, h.d.FindService(4))
}

func TestServiceListVersionGating(t *testing.T) {
	h := newHarness(t, Config{})
	calls := 0
	h.d.decompress = func(dst *bytes.Buffer, src []byte) ([]byte, error) {
		calls++
		return signaling.Decompress(dst, src)
	}

	h.discoverNews()
	h.discoverNews()
	assert.Equal(t, 1, calls)
	assert.Len(t, h.eventsOf(EventServiceScanComplete), 1)

	// 新版本保留已有服务，并可新增服务
	h.sendSLT(2, sltEntry{id: moviesID, protocol: 1, dest: "239.255.10.5", port: 5000})
	assert.Equal(t, 2, calls)
	assert.Len(t, h.d.Services(), 2)
	assert.NotNil(t, h.d.FindService(newsID))
}

func TestServiceRelocation(t *testing.T) {
	h := newHarness(t, Config{})
	h.discoverNews()
	h.d.TuneIn(newsID)
	h.signalNews(1)
	news := h.d.FindService(newsID)
	require.NotEmpty(t, news.Sessions)

	h.sendSLT(2, sltEntry{id: newsID, protocol: 1, dest: "239.255.10.9", port: 6000})
	assert.Nil(t, h.net.Open(newsDest))
	assert.Nil(t, h.net.Open(audioDest))
	assert.NotNil(t, h.net.Open("239.255.10.9:6000"))
	assert.Empty(t, news.Sessions)
	assert.False(t, news.STSIDVersion.Known)
	assert.True(t, news.Opened)
}

func TestTuneNextAndStandingSelectors(t *testing.T) {
	h := newHarness(t, Config{})
	// 没有服务时选择会被保留
	assert.False(t, h.d.TuneIn(TuneNext))

	h.sendSLT(1,
		sltEntry{id: newsID, protocol: 1, dest: "239.255.10.4", port: 5000},
		sltEntry{id: moviesID, protocol: 1, dest: "239.255.10.5", port: 5000},
	)
	assert.True(t, h.d.FindService(newsID).Opened)
	assert.False(t, h.d.FindService(moviesID).Opened)

	assert.True(t, h.d.TuneIn(TuneNext))
	assert.True(t, h.d.FindService(moviesID).Opened)
	assert.False(t, h.d.TuneIn(TuneNext))

	assert.True(t, h.d.TuneOut(moviesID))
	assert.False(t, h.d.FindService(moviesID).Opened)
	assert.False(t, h.d.TuneOut(moviesID))
	assert.False(t, h.d.TuneOut(42))
}

func TestSessionSocketsDrainedAfterTuneOut(t *testing.T) {
	h := setupNews(t, Config{})
	require.True(t, h.d.TuneOut(newsID))
	before := h.d.Stats().PacketsDropped

	total := uint32(10)
	h.net.Send(audioDest, packet(20, 7, 0, &total, false, content(10, 0)))
	h.net.Send(newsDest, packet(10, 5, 0, &total, false, content(10, 0)))
	h.drain()

	assert.Zero(t, h.net.Open(audioDest).Pending())
	assert.Zero(t, h.net.Open(newsDest).Pending())
	assert.Equal(t, before+2, h.d.Stats().PacketsDropped)
	assert.Empty(t, h.events)
	assert.Zero(t, h.d.ObjectCount(newsID))
}

func TestTuneInByIDBeforeDiscovery(t *testing.T) {
	h := newHarness(t, Config{})
	assert.False(t, h.d.TuneIn(moviesID))
	h.sendSLT(1,
		sltEntry{id: newsID, protocol: 1, dest: "239.255.10.4", port: 5000},
		sltEntry{id: moviesID, protocol: 1, dest: "239.255.10.5", port: 5000},
	)
	assert.False(t, h.d.FindService(newsID).Opened)
	assert.True(t, h.d.FindService(moviesID).Opened)
}

func TestPacketsForClosedServiceAreDrained(t *testing.T) {
	h := newHarness(t, Config{})
	h.discoverNews()

	h.signalNews(1)
	news := h.d.FindService(newsID)
	assert.Empty(t, news.Sessions)
	assert.Zero(t, h.net.Open(newsDest).Pending())
	assert.Empty(t, h.eventsOf(EventManifestReady))
	assert.NotZero(t, h.d.Stats().PacketsDropped)
}

func TestSignalingBundleBuildsSessions(t *testing.T) {
	h := newHarness(t, Config{})
	h.discoverNews()
	h.d.TuneIn(newsID)
	h.signalNews(1)

	news := h.d.FindService(newsID)
	require.Len(t, news.Sessions, 2)
	assert.Nil(t, news.Sessions[0].Dest)
	assert.Nil(t, news.Sessions[0].Socket)
	require.NotNil(t, news.Sessions[1].Dest)
	assert.Equal(t, audioDest, news.Sessions[1].Dest.DestAddr())
	assert.NotNil(t, h.net.Open(audioDest))

	video := news.ResolveChannel(10)
	require.NotNil(t, video)
	assert.True(t, video.IsInit(1))
	assert.Equal(t, "video/init.mp4", video.ObjectName(1))
	assert.Equal(t, "video/seg-9.m4s", video.ObjectName(9))
	assert.Equal(t, "audio/seg-009.m4s", news.ResolveChannel(20).ObjectName(9))

	assert.True(t, news.STSIDVersion.Matches(1))
	assert.True(t, news.MPDVersion.Matches(1))

	manifests := h.eventsOf(EventManifestReady)
	require.Len(t, manifests, 1)
	assert.Equal(t, "manifest.mpd", manifests[0].Name)
	assert.Equal(t, testMPD, string(manifests[0].Data))

	// 信令对象处理后立即回收
	assert.Zero(t, h.d.ObjectCount(newsID))
}

func TestSameVersionBundleParsedOnce(t *testing.T) {
	h := newHarness(t, Config{})
	h.discoverNews()
	h.d.TuneIn(newsID)

	h.signalNews(1)
	news := h.d.FindService(newsID)
	sessions := news.Sessions
	parses := h.d.Stats().SignalingParses

	h.signalNews(1)
	assert.Equal(t, parses, h.d.Stats().SignalingParses)
	assert.Len(t, h.eventsOf(EventManifestReady), 1)
	require.Len(t, news.Sessions, len(sessions))
	for i := range sessions {
		assert.Same(t, sessions[i], news.Sessions[i])
	}

	// 新版本重新解析，已有目的地址的套接字被沿用
	audio := news.Sessions[1].Socket
	h.signalNews(2)
	assert.Len(t, h.eventsOf(EventManifestReady), 2)
	assert.NotSame(t, sessions[0], news.Sessions[0])
	assert.Same(t, audio, news.Sessions[1].Socket)
	assert.Len(t, h.net.Sockets, 3)
}

func TestUntrackedBundleDeduplicatedByTOI(t *testing.T) {
	h := newHarness(t, Config{})
	h.discoverNews()
	h.d.TuneIn(newsID)

	flags := signaling.SignalingTOI{HELD: true, Version: 4}
	payload := bundle(signaling.Part{ContentType: "application/atsc3-held+xml", ContentLocation: "held.xml", Body: []byte("<HELD/>")})
	h.sendBundle(newsDest, flags, payload)
	dropped := h.d.Stats().PacketsDropped
	h.sendBundle(newsDest, flags, payload)
	assert.Greater(t, h.d.Stats().PacketsDropped, dropped)
}

func TestBrokenBundleFreezesByDefault(t *testing.T) {
	h := newHarness(t, Config{})
	h.discoverNews()
	h.d.TuneIn(newsID)

	broken := bundle(stsidPart("<S-TSID><RS><LS tsi="))
	flags := signaling.SignalingTOI{STSID: true, Version: 7}
	base := h.d.Stats().SignalingParses
	h.sendBundle(newsDest, flags, broken)
	parses := h.d.Stats().SignalingParses
	assert.Equal(t, base+1, parses)

	news := h.d.FindService(newsID)
	assert.True(t, news.Frozen(signaling.SignalingTOI{Compressed: true, STSID: true, Version: 7}.Encode()))
	assert.False(t, news.STSIDVersion.Known)

	h.sendBundle(newsDest, flags, broken)
	assert.Equal(t, parses, h.d.Stats().SignalingParses)
	assert.Zero(t, h.d.ObjectCount(newsID))

	// 发送端提升版本后恢复
	h.sendBundle(newsDest, signaling.SignalingTOI{STSID: true, Version: 8}, bundle(stsidPart(testSTSID)))
	assert.True(t, news.STSIDVersion.Matches(8))
	assert.Len(t, news.Sessions, 2)
}

func TestBrokenBundleRetriedWhenConfigured(t *testing.T) {
	h := newHarness(t, Config{}, WithRetryPolicy(RetryOnFailure))
	h.discoverNews()
	h.d.TuneIn(newsID)

	broken := bundle(stsidPart("<S-TSID><RS><LS tsi="))
	flags := signaling.SignalingTOI{STSID: true, Version: 7}
	base := h.d.Stats().SignalingParses
	h.sendBundle(newsDest, flags, broken)
	h.sendBundle(newsDest, flags, broken)
	assert.Equal(t, base+2, h.d.Stats().SignalingParses)
	assert.False(t, h.d.FindService(newsID).STSIDVersion.Known)
}

func TestUndecompressableBundle(t *testing.T) {
	h := newHarness(t, Config{})
	h.discoverNews()
	h.d.TuneIn(newsID)

	base := h.d.Stats().SignalingParses
	toi := signaling.SignalingTOI{Compressed: true, STSID: true, Version: 3}.Encode()
	data := []byte("definitely not deflate data at all")
	total := uint32(len(data))
	h.net.Send(newsDest, packet(0, toi, 0, &total, false, data))
	h.drain()

	assert.True(t, h.d.FindService(newsID).Frozen(toi))
	assert.Equal(t, base, h.d.Stats().SignalingParses)
}

func setupNews(t *testing.T, cfg Config, opts ...Option) *harness {
	h := newHarness(t, cfg, opts...)
	h.discoverNews()
	h.d.TuneIn(newsID)
	h.signalNews(1)
	h.events = nil
	return h
}

func TestSegmentsReassembledAndDispatched(t *testing.T) {
	h := setupNews(t, Config{})

	initData := content(300, 1)
	h.sendObject(newsDest, 10, 1, initData, 100, []int{2, 0, 1})
	seg := content(1000, 9)
	h.sendObject(newsDest, 10, 5, seg, 500, []int{1, 0})

	require.Len(t, h.events, 2)
	assert.Equal(t, EventInitSegmentReady, h.events[0].Kind)
	assert.Equal(t, "video/init.mp4", h.events[0].Name)
	assert.Equal(t, initData, h.events[0].Data)

	ev := h.events[1]
	assert.Equal(t, EventSegmentReady, ev.Kind)
	assert.Equal(t, uint32(newsID), ev.ServiceID)
	assert.Equal(t, "video/seg-5.m4s", ev.Name)
	assert.Equal(t, seg, ev.Data)
	assert.Equal(t, uint32(10), ev.TSI)
	assert.Equal(t, uint32(5), ev.TOI)
	assert.False(t, ev.Corrupted)

	o := h.d.FindService(newsID).FindObject(10, 5)
	require.NotNil(t, o)
	assert.Equal(t, object.Dispatched, o.Status)
	assert.Equal(t, uint32(2), o.NbFrags)
	assert.Equal(t, 2, h.d.ObjectCount(newsID))
}

func TestSessionSocketCarriesItsChannels(t *testing.T) {
	h := setupNews(t, Config{})
	seg := content(120, 3)
	h.sendObject(audioDest, 20, 4, seg, 50, nil)

	require.Len(t, h.events, 1)
	assert.Equal(t, "audio/seg-004.m4s", h.events[0].Name)
	assert.Equal(t, seg, h.events[0].Data)
}

type recorder struct {
	got []Event
	at  []time.Time
}

func (r *recorder) OnDemuxEvent(evt Event, now time.Time) {
	r.got = append(r.got, evt)
	r.at = append(r.at, now)
}

func TestSubscriberReceivesEvents(t *testing.T) {
	h := setupNews(t, Config{})
	rec := &recorder{}
	var viaFunc int
	h.d.Subscribe(rec)
	h.d.Subscribe(EventFunc(func(Event) { viaFunc++ }))

	h.clk.Add(time.Minute)
	h.sendObject(newsDest, 10, 5, content(10, 0), 10, nil)
	require.Len(t, rec.got, 1)
	assert.Equal(t, EventSegmentReady, rec.got[0].Kind)
	assert.Equal(t, h.clk.Now(), rec.at[0])
	assert.Equal(t, 1, viaFunc)

	h.d.Unsubscribe(rec)
	h.sendObject(newsDest, 10, 6, content(10, 0), 10, nil)
	assert.Len(t, rec.got, 1)
	assert.Equal(t, 2, viaFunc)
}

func TestDownloadDurationUsesClock(t *testing.T) {
	h := setupNews(t, Config{})
	total := uint32(20)
	h.net.Send(newsDest, packet(10, 5, 0, &total, false, content(10, 0)))
	h.drain()
	h.clk.Add(250 * time.Millisecond)
	h.net.Send(newsDest, packet(10, 5, 10, &total, false, content(10, 10)))
	h.drain()

	require.Len(t, h.events, 1)
	assert.Equal(t, 250*time.Millisecond, h.events[0].Duration)
}

func TestUnroutablePacketsDropped(t *testing.T) {
	h := setupNews(t, Config{})
	total := uint32(4)
	before := h.d.Stats().PacketsDropped

	// 未知 TSI
	h.net.Send(newsDest, packet(99, 1, 0, &total, false, []byte("abcd")))
	// 未登记的动态 codepoint
	pkt := lct.AppendHeader(nil, &lct.Header{Tsi: 10, Toi: 3, Cp: 200, TotalLength: &total})
	h.net.Send(newsDest, append(pkt, "abcd"...))
	// 截断
	h.net.Send(newsDest, []byte{0x10, 0xa0})
	// FEC 帧
	fec := []byte{0x10, 0xa0, 6, 0, 0, 0, 0, 0, 0, 0, 0, 10, 0, 0, 0, 3, 64, 2, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	h.net.Send(newsDest, fec)
	h.drain()

	assert.Equal(t, before+4, h.d.Stats().PacketsDropped)
	assert.Empty(t, h.events)
	assert.Zero(t, h.d.ObjectCount(newsID))

	// 已登记的 codepoint 正常处理
	pkt = lct.AppendHeader(nil, &lct.Header{Tsi: 10, Toi: 3, Cp: 128, TotalLength: &total})
	h.net.Send(newsDest, append(pkt, "abcd"...))
	h.drain()
	require.Len(t, h.events, 1)
}

func TestOverlappingFragmentDropped(t *testing.T) {
	h := setupNews(t, Config{})
	total := uint32(10)
	h.net.Send(newsDest, packet(10, 5, 0, &total, false, content(6, 0)))
	h.net.Send(newsDest, packet(10, 5, 4, &total, false, content(6, 4)))
	h.drain()

	o := h.d.FindService(newsID).FindObject(10, 5)
	require.NotNil(t, o)
	assert.Equal(t, object.Receiving, o.Status)
	assert.Equal(t, []object.FragmentRange{{Offset: 0, Length: 6}}, o.Ranges())
	assert.Empty(t, h.events)
}

func TestLostFragmentFlaggedWhenNextObjectStarts(t *testing.T) {
	h := setupNews(t, Config{})
	total := uint32(20)
	h.net.Send(newsDest, packet(10, 5, 0, &total, false, content(10, 0)))
	h.drain()
	h.net.Send(newsDest, packet(10, 6, 0, &total, false, content(10, 0)))
	h.drain()

	require.Len(t, h.events, 1)
	assert.Equal(t, uint32(5), h.events[0].TOI)
	assert.True(t, h.events[0].Corrupted)
	assert.Equal(t, uint64(1), h.d.Stats().ObjectsCorrupted)
	assert.Same(t, h.d.FindService(newsID).FindObject(10, 6), h.d.FindService(newsID).Filling)
}

func TestInvalidFirstFragmentKeepsPreviousObject(t *testing.T) {
	h := setupNews(t, Config{})
	total := uint32(20)
	h.net.Send(newsDest, packet(10, 5, 0, &total, false, content(10, 0)))
	h.drain()
	before := h.d.Stats().PacketsDropped

	// 新 TOI 的首个分片越过声明长度
	h.net.Send(newsDest, packet(10, 6, 15, &total, false, content(10, 0)))
	h.drain()

	news := h.d.FindService(newsID)
	assert.Equal(t, before+1, h.d.Stats().PacketsDropped)
	assert.Nil(t, news.FindObject(10, 6))
	assert.Equal(t, 1, h.d.ObjectCount(newsID))
	assert.Same(t, news.FindObject(10, 5), news.Filling)
	assert.Empty(t, h.events)

	h.net.Send(newsDest, packet(10, 5, 10, &total, false, content(10, 10)))
	h.drain()
	require.Len(t, h.events, 1)
	assert.False(t, h.events[0].Corrupted)
	assert.Equal(t, 1, h.d.Stats().RetainedObjects)
}

func TestInitLengthFromFDT(t *testing.T) {
	h := newHarness(t, Config{})
	h.discoverNews()
	h.d.TuneIn(newsID)
	doc := `<S-TSID><RS><LS tsi="30"><SrcFlow rt="true"><EFDT>
<FDT-Instance Expires="4000000000" fileTemplate="text/$TOI$.vtt">
<File Content-Location="text/init.mp4" TOI="1" Transfer-Length="40"/>
</FDT-Instance></EFDT></SrcFlow></LS></RS></S-TSID>`
	h.sendBundle(newsDest, signaling.SignalingTOI{STSID: true, Version: 1}, bundle(stsidPart(doc)))
	h.events = nil

	// 对象头不带 EXT_TOL，长度来自 FDT 的 Transfer-Length
	initData := content(40, 5)
	h.net.Send(newsDest, packet(30, 1, 0, nil, false, initData[:20]))
	h.net.Send(newsDest, packet(30, 1, 20, nil, false, initData[20:]))
	h.drain()

	inits := h.eventsOf(EventInitSegmentReady)
	require.Len(t, inits, 1)
	assert.Equal(t, "text/init.mp4", inits[0].Name)
	assert.Equal(t, initData, inits[0].Data)
	assert.False(t, inits[0].Corrupted)

	// 其它对象没有长度提示，仍需 B 位结束
	h.net.Send(newsDest, packet(30, 2, 0, nil, false, content(10, 0)))
	h.drain()
	assert.Len(t, h.events, 1)
}

func TestUnboundedObjectNeedsCloseFlag(t *testing.T) {
	h := setupNews(t, Config{})
	h.net.Send(newsDest, packet(10, 5, 0, nil, false, content(10, 0)))
	h.net.Send(newsDest, packet(10, 5, 10, nil, false, content(10, 10)))
	h.drain()
	assert.Empty(t, h.events)

	h.net.Send(newsDest, packet(10, 5, 20, nil, true, content(5, 20)))
	h.drain()
	require.Len(t, h.events, 1)
	assert.Len(t, h.events[0].Data, 25)
	assert.False(t, h.events[0].Corrupted)
}

func TestCloseSessionCompletesPendingObjects(t *testing.T) {
	h := setupNews(t, Config{})
	total := uint32(30)
	h.net.Send(newsDest, packet(10, 5, 0, &total, false, content(10, 0)))
	h.drain()

	pkt := lct.AppendHeader(nil, &lct.Header{Tsi: 10, Toi: 5, StartOffset: 20, TotalLength: &total, CloseSession: true})
	h.net.Send(newsDest, append(pkt, content(10, 20)...))
	h.drain()

	require.Len(t, h.events, 1)
	assert.True(t, h.events[0].Corrupted)
	assert.Nil(t, h.d.FindService(newsID).Filling)
}

func TestStoreBoundEvictsOldestKeepsInit(t *testing.T) {
	h := setupNews(t, Config{MaxObjects: 3})
	h.sendObject(newsDest, 10, 1, content(10, 0), 10, nil)
	for toi := uint32(5); toi < 10; toi++ {
		h.sendObject(newsDest, 10, toi, content(10, byte(toi)), 10, nil)
	}

	news := h.d.FindService(newsID)
	assert.Equal(t, 3, h.d.ObjectCount(newsID))
	assert.NotNil(t, news.FindObject(10, 1))
	assert.NotNil(t, news.FindObject(10, 8))
	assert.NotNil(t, news.FindObject(10, 9))
	assert.Nil(t, news.FindObject(10, 5))
	assert.Equal(t, 3, h.d.Stats().RetainedObjects)

	h.d.SetMaxObjects(2)
	assert.Equal(t, 2, h.d.ObjectCount(newsID))
	assert.NotNil(t, news.FindObject(10, 1))
	assert.NotNil(t, news.FindObject(10, 9))
}

func TestStoreBoundIsPerChannel(t *testing.T) {
	h := setupNews(t, Config{MaxObjects: 1})
	h.sendObject(newsDest, 10, 5, content(10, 0), 10, nil)
	h.sendObject(audioDest, 20, 5, content(10, 0), 10, nil)
	h.sendObject(audioDest, 20, 6, content(10, 0), 10, nil)

	news := h.d.FindService(newsID)
	assert.NotNil(t, news.FindObject(10, 5))
	assert.Nil(t, news.FindObject(20, 5))
	assert.NotNil(t, news.FindObject(20, 6))
}

func TestPurgeLeavesPinnedAndFilling(t *testing.T) {
	h := setupNews(t, Config{MaxObjects: -1})
	h.sendObject(newsDest, 10, 1, content(10, 0), 10, nil)
	for toi := uint32(5); toi < 9; toi++ {
		h.sendObject(newsDest, 10, toi, content(10, 0), 10, nil)
	}
	total := uint32(100)
	h.net.Send(newsDest, packet(10, 9, 0, &total, false, content(10, 0)))
	h.drain()
	require.Equal(t, 6, h.d.ObjectCount(newsID))

	n, err := h.d.Purge(newsID)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 2, h.d.ObjectCount(newsID))

	news := h.d.FindService(newsID)
	assert.NotNil(t, news.FindObject(10, 1))
	assert.Same(t, news.FindObject(10, 9), news.Filling)

	_, err = h.d.Purge(1234)
	assert.ErrorIs(t, err, ErrUnknownService)
}

func TestPurgeKeepsInterleavedObjects(t *testing.T) {
	h := setupNews(t, Config{MaxObjects: -1})
	h.sendObject(newsDest, 10, 5, content(10, 0), 10, nil)

	// 音频对象先开始，随后视频对象成为 Filling
	audio := content(100, 3)
	total := uint32(100)
	h.net.Send(audioDest, packet(20, 7, 0, &total, false, audio[:10]))
	h.drain()
	h.net.Send(newsDest, packet(10, 9, 0, &total, false, content(10, 0)))
	h.drain()

	news := h.d.FindService(newsID)
	require.Same(t, news.FindObject(10, 9), news.Filling)

	n, err := h.d.Purge(newsID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NotNil(t, news.FindObject(20, 7))
	assert.Equal(t, object.Receiving, news.FindObject(20, 7).Status)
	assert.ErrorIs(t, h.d.EvictByName(newsID, "audio/seg-007.m4s"), ErrObjectBusy)
	assert.ErrorIs(t, h.d.EvictOldest(newsID), ErrObjectNotFound)

	h.net.Send(audioDest, packet(20, 7, 10, &total, false, audio[10:]))
	h.drain()

	last := h.events[len(h.events)-1]
	assert.Equal(t, "audio/seg-007.m4s", last.Name)
	assert.False(t, last.Corrupted)
	assert.Equal(t, audio, last.Data)
}

func TestEvictByNameAndOldest(t *testing.T) {
	h := setupNews(t, Config{MaxObjects: -1})
	h.sendObject(newsDest, 10, 1, content(10, 0), 10, nil)
	h.sendObject(newsDest, 10, 5, content(10, 0), 10, nil)
	h.sendObject(newsDest, 10, 6, content(10, 0), 10, nil)
	total := uint32(100)
	h.net.Send(newsDest, packet(10, 7, 0, &total, false, content(10, 0)))
	h.drain()

	require.NoError(t, h.d.EvictByName(newsID, "video/seg-6.m4s"))
	assert.Nil(t, h.d.FindService(newsID).FindObject(10, 6))
	assert.ErrorIs(t, h.d.EvictByName(newsID, "video/seg-6.m4s"), ErrObjectNotFound)
	assert.ErrorIs(t, h.d.EvictByName(newsID, "video/seg-7.m4s"), ErrObjectBusy)
	assert.ErrorIs(t, h.d.EvictByName(1, "x"), ErrUnknownService)

	require.NoError(t, h.d.EvictOldest(newsID))
	assert.Nil(t, h.d.FindService(newsID).FindObject(10, 5))
	assert.ErrorIs(t, h.d.EvictOldest(newsID), ErrObjectNotFound)

	// 显式按名字淘汰可以移除初始化对象
	require.NoError(t, h.d.EvictByName(newsID, "video/init.mp4"))
	assert.Equal(t, 1, h.d.ObjectCount(newsID))
}

func TestDirectoryModeWritesAndDeletes(t *testing.T) {
	dir := t.TempDir()
	h := setupNews(t, Config{OutputDir: dir, MaxObjects: 1})

	manifest := filepath.Join(dir, "5004", "manifest.mpd")
	data, err := os.ReadFile(manifest)
	require.NoError(t, err)
	assert.Equal(t, testMPD, string(data))

	seg := content(40, 2)
	h.sendObject(newsDest, 10, 5, seg, 16, nil)
	path := filepath.Join(dir, "5004", "video", "seg-5.m4s")
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, seg, data)
	assert.Equal(t, path, h.d.FindService(newsID).FindObject(10, 5).Path)

	h.sendObject(newsDest, 10, 6, seg, 16, nil)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.FileExists(t, filepath.Join(dir, "5004", "video", "seg-6.m4s"))
}

func TestDirectoryModeRejectsEscapingNames(t *testing.T) {
	dir := t.TempDir()
	h := setupNews(t, Config{OutputDir: dir})
	svc := h.d.FindService(newsID)
	_, err := h.d.writeFile(svc, "../escape.bin", []byte("x"))
	assert.Error(t, err)
	_, err = os.Stat(filepath.Join(dir, "escape.bin"))
	assert.True(t, os.IsNotExist(err))
}

func TestIndependentContexts(t *testing.T) {
	a := setupNews(t, Config{})
	b := newHarness(t, Config{})

	a.sendObject(newsDest, 10, 5, content(10, 0), 10, nil)
	assert.Len(t, a.events, 1)
	assert.Empty(t, b.events)
	assert.Empty(t, b.d.Services())
	assert.Equal(t, 1, a.d.ObjectCount(newsID))
	assert.Zero(t, b.d.ObjectCount(newsID))
}

func TestMetricsRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newHarness(t, Config{}, WithRegisterer(reg))
	h.discoverNews()

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				values[mf.GetName()] += c.GetValue()
			}
		}
	}
	assert.Equal(t, float64(1), values["flute_packets_received_total"])
	assert.Equal(t, float64(1), values["flute_signaling_parses_total"])
	assert.Greater(t, values["flute_bytes_received_total"], float64(0))
}

type closeErrSocket struct {
	transport.Socket
	err error
}

func (s *closeErrSocket) Close() error {
	_ = s.Socket.Close()
	return s.err
}

func TestCloseReleasesEverything(t *testing.T) {
	boom := errors.New("close failed")
	wrap := func(base transport.Factory) transport.Factory {
		return func(ifname string, ep transport.UDPEndpoint, size int) (transport.Socket, error) {
			s, err := base(ifname, ep, size)
			if err != nil || ep.DestAddr() != audioDest {
				return s, err
			}
			return &closeErrSocket{Socket: s, err: boom}, nil
		}
	}
	h := newWrappedHarness(t, Config{}, wrap)
	h.discoverNews()
	h.d.TuneIn(newsID)
	h.signalNews(1)
	h.sendObject(newsDest, 10, 5, content(10, 0), 10, nil)
	require.Equal(t, 1, h.d.Stats().RetainedObjects)

	err := h.d.Close()
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, h.net.OpenCount())
	assert.Zero(t, h.d.Stats().RetainedObjects)

	assert.ErrorIs(t, h.d.Process(), ErrClosed)
	assert.NoError(t, h.d.Close())
}
