package demux

import (
	"Flute_demux/pkg/object"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 丢包原因，对应 flute_packets_dropped_total 的 reason 标签
const (
	reasonDecode           = "decode"
	reasonFEC              = "fec_unsupported"
	reasonUnknownChannel   = "unknown_channel"
	reasonUnknownCodepoint = "unknown_codepoint"
	reasonOverlap          = "overlap"
	reasonNotTuned         = "not_tuned"
	reasonUnchanged        = "unchanged_version"
	reasonFrozen           = "frozen"
	reasonBootstrap        = "bootstrap"
)

// Stats 累计计数
type Stats struct {
	PacketsReceived   uint64
	BytesReceived     uint64
	PacketsDropped    uint64
	ObjectsDispatched uint64
	ObjectsCorrupted  uint64
	SignalingParses   uint64
	RetainedObjects   int
	Services          int
}

type metrics struct {
	PacketsReceived  prometheus.Counter
	BytesReceived    prometheus.Counter
	PacketsDropped   *prometheus.CounterVec
	ObjectsCompleted *prometheus.CounterVec
	SignalingParses  *prometheus.CounterVec
	RetainedObjects  prometheus.Gauge
}

// newMetrics reg 为 nil 时指标不注册
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		PacketsReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "flute_packets_received_total",
			Help: "Total number of datagrams received on all sockets",
		}),
		BytesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "flute_bytes_received_total",
			Help: "Total number of bytes received on all sockets",
		}),
		PacketsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flute_packets_dropped_total",
			Help: "Total number of datagrams dropped, by reason",
		}, []string{"reason"}),
		ObjectsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flute_objects_completed_total",
			Help: "Total number of objects completed, by status",
		}, []string{"status"}),
		SignalingParses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flute_signaling_parses_total",
			Help: "Total number of signaling documents parsed, by kind",
		}, []string{"kind"}),
		RetainedObjects: f.NewGauge(prometheus.GaugeOpts{
			Name: "flute_retained_objects",
			Help: "Current number of objects held by all services",
		}),
	}
}

func (d *Demux) countReceived(n int) {
	d.stats.PacketsReceived++
	d.stats.BytesReceived += uint64(n)
	d.metrics.PacketsReceived.Inc()
	d.metrics.BytesReceived.Add(float64(n))
}

func (d *Demux) drop(reason string, attrs ...any) {
	d.stats.PacketsDropped++
	d.metrics.PacketsDropped.WithLabelValues(reason).Inc()
	d.log.Debug("packet dropped", append([]any{slog.String("reason", reason)}, attrs...)...)
}

func (d *Demux) countCompleted(status object.Status) {
	if status == object.CompleteWithErrors {
		d.stats.ObjectsCorrupted++
	}
	d.metrics.ObjectsCompleted.WithLabelValues(status.String()).Inc()
}

func (d *Demux) countParse(kind string) {
	d.stats.SignalingParses++
	d.metrics.SignalingParses.WithLabelValues(kind).Inc()
}

func (d *Demux) setRetained(delta int) {
	d.stats.RetainedObjects += delta
	d.metrics.RetainedObjects.Set(float64(d.stats.RetainedObjects))
}
