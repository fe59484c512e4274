package demux

import (
	"Flute_demux/pkg/signaling"
	"Flute_demux/pkg/transport"
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultMaxObjects 每个通道默认保留的对象个数
const DefaultMaxObjects = 10

// RetryPolicy 信令文档解析失败后的处理方式
type RetryPolicy int

const (
	// FreezeOnFailure 记住失败的信令 TOI，相同版本的重传全部丢弃，
	// 直到发送端提升版本
	FreezeOnFailure RetryPolicy = iota
	// RetryOnFailure 不做记录，重传会被重新重组与解析
	RetryOnFailure
)

func (p RetryPolicy) String() string {
	if p == RetryOnFailure {
		return "retry"
	}
	return "freeze"
}

// Config Demux 的创建参数
type Config struct {
	// Interface 加入组播的网卡名，空表示由内核选择
	Interface string
	// OutputDir 非空时完成的对象写入 <OutputDir>/<serviceId>/<name>
	OutputDir string
	// SocketBufferSize 内核接收缓冲区大小，0 使用系统默认
	SocketBufferSize int
	// MaxObjects 每个通道保留的对象上限，0 使用 DefaultMaxObjects，负数不限制
	MaxObjects int
}

type Option func(*Demux)

func WithLogger(log *slog.Logger) Option {
	return func(d *Demux) {
		if log != nil {
			d.log = log
		}
	}
}

func WithSocketFactory(f transport.Factory) Option {
	return func(d *Demux) {
		if f != nil {
			d.newSocket = f
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(d *Demux) {
		if c != nil {
			d.clock = c
		}
	}
}

// WithRegisterer 在 reg 上注册指标；默认不注册，多个 Demux 可以共存
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(d *Demux) {
		d.registerer = reg
	}
}

func WithDecompressor(fn signaling.Decompressor) Option {
	return func(d *Demux) {
		if fn != nil {
			d.decompress = fn
		}
	}
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(d *Demux) {
		d.retry = p
	}
}
