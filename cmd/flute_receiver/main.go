package main

import (
	"Flute_demux/internal/config"
	"Flute_demux/pkg/demux"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// idleSleep 没有数据报时的轮询间隔
const idleSleep = 2 * time.Millisecond

func main() {
	configPath := flag.String("config", "receiver.yaml", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	rc := &cfg.Receiver
	logger := rc.Logging.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	opts := []demux.Option{
		demux.WithLogger(logger),
		demux.WithRetryPolicy(rc.Demux.RetryPolicy()),
	}

	var metricsSrv *http.Server
	if rc.Metrics.Enabled {
		opts = append(opts, demux.WithRegisterer(prometheus.DefaultRegisterer))
		metricsSrv = startMetrics(rc.Metrics.ListenAddress, logger)
	}

	d, err := demux.New(cfg.DemuxConfig(), opts...)
	if err != nil {
		logger.Error("failed to create demux", slog.String("error", err.Error()))
		os.Exit(1)
	}
	d.SetEventCallback(func(evt demux.Event) { logEvent(logger, evt) })

	// Validate 已保证 Selector 可解析
	sel, _ := rc.Demux.Selector()
	d.TuneIn(sel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("receiver started",
		slog.String("interface", rc.Network.Interface),
		slog.String("tune_in", rc.Demux.TuneIn),
		slog.String("output", rc.Output.Directory),
	)

	runLoop(ctx, d, logger)

	logger.Info("shutting down")
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown failed", slog.String("error", err.Error()))
		}
		cancel()
	}

	printStats(d)
	if err := d.Close(); err != nil {
		logger.Error("close failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func runLoop(ctx context.Context, d *demux.Demux, logger *slog.Logger) {
	for ctx.Err() == nil {
		err := d.Process()
		switch {
		case err == nil:
		case errors.Is(err, demux.ErrNothingReceived):
			time.Sleep(idleSleep)
		case errors.Is(err, demux.ErrClosed):
			return
		default:
			// 内存不足：出错的对象已从服务中释放，继续接收
			logger.Error("process failed", slog.String("error", err.Error()))
		}
	}
}

func startMetrics(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	logger.Info("metrics server listening", slog.String("address", addr))
	return srv
}

func logEvent(logger *slog.Logger, evt demux.Event) {
	attrs := []any{
		slog.String("event", evt.Kind.String()),
		slog.Uint64("service", uint64(evt.ServiceID)),
	}
	switch evt.Kind {
	case demux.EventServiceFound, demux.EventServiceScanComplete:
		logger.Info("service event", attrs...)
	case demux.EventManifestReady:
		logger.Info("manifest ready", append(attrs,
			slog.String("name", evt.Name),
			slog.Int("size", len(evt.Data)),
		)...)
	default:
		attrs = append(attrs,
			slog.String("name", evt.Name),
			slog.Uint64("tsi", uint64(evt.TSI)),
			slog.Uint64("toi", uint64(evt.TOI)),
			slog.Int("size", len(evt.Data)),
			slog.Duration("duration", evt.Duration),
		)
		if evt.Corrupted {
			logger.Warn("object completed with errors", attrs...)
			return
		}
		logger.Debug("object ready", attrs...)
	}
}

func printStats(d *demux.Demux) {
	s := d.Stats()
	fmt.Println("============================================")
	fmt.Println("RECEIVER STOPPED")
	fmt.Println("============================================")
	fmt.Printf("Running time:       %.2f s\n", d.Elapsed().Seconds())
	fmt.Printf("Services:           %d\n", s.Services)
	fmt.Printf("Packets received:   %d\n", s.PacketsReceived)
	fmt.Printf("Data received:      %.2f MB\n", float64(s.BytesReceived)/(1024*1024))
	fmt.Printf("Packets dropped:    %d\n", s.PacketsDropped)
	fmt.Printf("Objects dispatched: %d (%d corrupted)\n", s.ObjectsDispatched, s.ObjectsCorrupted)
	fmt.Printf("Signaling parses:   %d\n", s.SignalingParses)
	fmt.Printf("Retained objects:   %d\n", s.RetainedObjects)
	fmt.Println("============================================")
}
