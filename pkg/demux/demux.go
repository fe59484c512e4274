// Package demux 是 ROUTE/ALC 接收端的驱动：每次 Process 对所有活动套接字各做一次
// 非阻塞接收，经 LCT 解码、对象重组、信令处理后把完成的对象交给消费者。
// Demux 不启动 goroutine，也不是并发安全的，同一时刻只能由一个 goroutine 调用。
package demux

import (
	"Flute_demux/pkg/object"
	"Flute_demux/pkg/route"
	"Flute_demux/pkg/signaling"
	"Flute_demux/pkg/transport"
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

// 调谐选择子
const (
	// TuneAll 打开所有已知服务，之后发现的服务也会被打开
	TuneAll uint32 = 0xFFFFFFFF
	// TuneNext 打开第一个尚未打开的服务
	TuneNext uint32 = 0xFFFFFFFE
)

// maxDatagram UDP 数据报的最大长度
const maxDatagram = 65536

var (
	// ErrNothingReceived 本次 Process 所有套接字都没有数据，不是错误
	ErrNothingReceived = errors.New("demux: nothing received")
	ErrUnknownService  = errors.New("demux: unknown service")
	ErrObjectNotFound  = errors.New("demux: object not found")
	ErrObjectBusy      = errors.New("demux: object is being received")
	ErrClosed          = errors.New("demux: closed")
)

type Demux struct {
	cfg        Config
	log        *slog.Logger
	clock      clock.Clock
	newSocket  transport.Factory
	decompress signaling.Decompressor
	retry      RetryPolicy
	registerer prometheus.Registerer
	metrics    *metrics
	stats      Stats

	bootstrap   transport.Socket
	services    []*route.Service
	reservoir   *object.Reservoir
	llsVersions map[signaling.TableKind]uint8
	// standing 尚未满足的调谐选择，作用于之后发现的服务
	standing   *uint32
	maxObjects int

	rxBuf     []byte
	scratch   bytes.Buffer
	start     time.Time
	callback  func(Event)
	observers *ObserverList
	closed    bool
}

// New 创建 Demux 并加入低层信令组播
func New(cfg Config, opts ...Option) (*Demux, error) {
	d := &Demux{
		cfg:         cfg,
		log:         slog.Default(),
		clock:       clock.New(),
		newSocket:   transport.ListenMulticast,
		decompress:  signaling.Decompress,
		retry:       FreezeOnFailure,
		llsVersions: make(map[signaling.TableKind]uint8),
		rxBuf:       make([]byte, maxDatagram),
		observers:   NewObserverList(),
	}
	for _, opt := range opts {
		opt(d)
	}

	switch {
	case cfg.MaxObjects == 0:
		d.maxObjects = DefaultMaxObjects
	case cfg.MaxObjects > 0:
		d.maxObjects = cfg.MaxObjects
	}
	d.metrics = newMetrics(d.registerer)
	d.reservoir = object.NewReservoir(object.DefaultReservoirSize, d.log)

	if cfg.OutputDir != "" {
		if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}

	ep := transport.NewUDPEndpoint(nil, signaling.BootstrapAddress, signaling.BootstrapPort)
	sock, err := d.newSocket(cfg.Interface, ep, cfg.SocketBufferSize)
	if err != nil {
		return nil, fmt.Errorf("open bootstrap socket: %w", err)
	}
	d.bootstrap = sock
	d.start = d.clock.Now()

	d.log.Info("demux created",
		slog.String("interface", cfg.Interface),
		slog.String("output_dir", cfg.OutputDir),
		slog.String("bootstrap", ep.String()),
	)
	return d, nil
}

// Close 关闭所有套接字并回收对象，返回所有关闭错误
func (d *Demux) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true

	var err error
	if d.bootstrap != nil {
		err = multierr.Append(err, d.bootstrap.Close())
		d.bootstrap = nil
	}
	for _, svc := range d.services {
		err = multierr.Append(err, svc.Close())
		for _, o := range svc.Objects {
			d.reservoir.Put(o.Object)
		}
		d.setRetained(-len(svc.Objects))
		svc.Objects = nil
		svc.Filling = nil
	}
	return err
}

// Process 对低层信令套接字、每个服务的主套接字与会话套接字各做一次非阻塞接收。
// 所有套接字都没有数据时返回 ErrNothingReceived。
func (d *Demux) Process() error {
	if d.closed {
		return ErrClosed
	}
	received := false

	if data, ok := d.receive(d.bootstrap); ok {
		received = true
		d.handleBootstrap(data)
	}

	for i := 0; i < len(d.services); i++ {
		svc := d.services[i]
		if svc.Socket != nil {
			if data, ok := d.receive(svc.Socket); ok {
				received = true
				if !svc.Opened {
					d.drop(reasonNotTuned, slog.Uint64("service", uint64(svc.ID)))
				} else if err := d.handlePacket(svc, data); err != nil {
					return err
				}
			}
		}
		// 退订后会话套接字仍然加入组播，照样读出丢弃
		for j := 0; j < len(svc.Sessions); j++ {
			sess := svc.Sessions[j]
			if sess.Socket == nil {
				continue
			}
			data, ok := d.receive(sess.Socket)
			if !ok {
				continue
			}
			received = true
			if !svc.Opened {
				d.drop(reasonNotTuned, slog.Uint64("service", uint64(svc.ID)))
				continue
			}
			if err := d.handlePacket(svc, data); err != nil {
				return err
			}
		}
	}

	if !received {
		return ErrNothingReceived
	}
	return nil
}

// receive 非阻塞读取一个数据报到共享的接收缓冲区
func (d *Demux) receive(sock transport.Socket) ([]byte, bool) {
	if sock == nil {
		return nil, false
	}
	n, err := sock.Receive(d.rxBuf)
	if err != nil {
		if !errors.Is(err, transport.ErrWouldBlock) {
			d.log.Error("receive failed", slog.String("error", err.Error()))
		}
		return nil, false
	}
	d.countReceived(n)
	return d.rxBuf[:n], true
}

// TuneIn 打开服务。sel 为服务 ID、TuneAll 或 TuneNext。
// 没有匹配的服务时选择会被保留，作用于之后发现的服务。
func (d *Demux) TuneIn(sel uint32) bool {
	matched := false
	switch sel {
	case TuneAll:
		for _, svc := range d.services {
			d.open(svc)
			matched = true
		}
		d.standing = &sel
		return matched
	case TuneNext:
		for _, svc := range d.services {
			if !svc.Opened {
				d.open(svc)
				return true
			}
		}
	default:
		if svc := d.FindService(sel); svc != nil {
			d.open(svc)
			return true
		}
	}
	d.standing = &sel
	return false
}

// TuneOut 关闭服务的处理，套接字保持打开以便继续排空
func (d *Demux) TuneOut(id uint32) bool {
	if d.standing != nil && (*d.standing == id || *d.standing == TuneAll) {
		d.standing = nil
	}
	svc := d.FindService(id)
	if svc == nil || !svc.Opened {
		return false
	}
	svc.Opened = false
	d.log.Info("service tuned out", slog.Uint64("service", uint64(id)))
	return true
}

func (d *Demux) open(svc *route.Service) {
	if svc.Opened {
		return
	}
	svc.Opened = true
	d.log.Info("service tuned in",
		slog.Uint64("service", uint64(svc.ID)),
		slog.String("protocol", svc.Protocol.String()),
		slog.String("dest", svc.Dest.String()),
	)
}

// applyStanding 新发现的服务按保留的选择打开
func (d *Demux) applyStanding(svc *route.Service) {
	if d.standing == nil {
		return
	}
	switch sel := *d.standing; {
	case sel == TuneAll:
		d.open(svc)
	case sel == TuneNext || sel == svc.ID:
		d.open(svc)
		d.standing = nil
	}
}

// SetMaxObjects 设置每个通道保留的对象上限，n <= 0 表示不限制
func (d *Demux) SetMaxObjects(n int) {
	d.maxObjects = max(n, 0)
	for _, svc := range d.services {
		seen := make(map[uint32]struct{})
		for _, o := range svc.Objects {
			if o.Tsi == 0 {
				continue
			}
			seen[o.Tsi] = struct{}{}
		}
		for tsi := range seen {
			d.enforceBound(svc, tsi)
		}
	}
}

// SetEventCallback 设置事件回调，nil 取消
func (d *Demux) SetEventCallback(fn func(Event)) {
	d.callback = fn
}

// Subscribe 追加一个事件订阅者
func (d *Demux) Subscribe(s Subscriber) {
	d.observers.Subscribe(s)
}

func (d *Demux) Unsubscribe(s Subscriber) {
	d.observers.Unsubscribe(s)
}

func (d *Demux) emit(evt Event) {
	if d.callback != nil {
		d.callback(evt)
	}
	d.observers.Dispatch(evt, d.clock.Now())
}

func (d *Demux) FindService(id uint32) *route.Service {
	for _, svc := range d.services {
		if svc.ID == id {
			return svc
		}
	}
	return nil
}

// Services 返回已知服务，按发现顺序
func (d *Demux) Services() []*route.Service {
	return d.services
}

// Elapsed 自创建以来的时间
func (d *Demux) Elapsed() time.Duration {
	return d.clock.Since(d.start)
}

func (d *Demux) Stats() Stats {
	s := d.stats
	s.Services = len(d.services)
	return s
}
