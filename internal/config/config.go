// Package config 加载并校验 flute_receiver 的 YAML 配置
package config

import (
	"Flute_demux/pkg/demux"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Receiver ReceiverSection `yaml:"receiver"`
}

type ReceiverSection struct {
	Network NetworkConfig `yaml:"network"`
	Output  OutputConfig  `yaml:"output"`
	Demux   DemuxConfig   `yaml:"demux"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type NetworkConfig struct {
	Interface        string `yaml:"interface"`          // 空 = 内核选择
	SocketBufferSize int    `yaml:"socket_buffer_size"` // 0 = 系统默认
}

type OutputConfig struct {
	Directory string `yaml:"directory"` // 空 = 只回调不落盘
}

type DemuxConfig struct {
	TuneIn              string `yaml:"tune_in"` // "all" | "next" | 服务 ID
	MaxObjects          int    `yaml:"max_objects_per_channel"`
	RetryOnParseFailure bool   `yaml:"retry_on_parse_failure"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

// Default 返回缺省配置，Load 在其上覆盖文件内容
func Default() *Config {
	return &Config{
		Receiver: ReceiverSection{
			Demux: DemuxConfig{
				TuneIn:     "all",
				MaxObjects: demux.DefaultMaxObjects,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "text",
			},
			Metrics: MetricsConfig{
				ListenAddress: ":9100",
			},
		},
	}
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	r := &c.Receiver
	if err := r.Network.Validate(); err != nil {
		return fmt.Errorf("network config: %w", err)
	}
	if err := r.Demux.Validate(); err != nil {
		return fmt.Errorf("demux config: %w", err)
	}
	if err := r.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	if err := r.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}
	return nil
}

func (n *NetworkConfig) Validate() error {
	if n.SocketBufferSize < 0 {
		return fmt.Errorf("socket_buffer_size cannot be negative, got %d", n.SocketBufferSize)
	}
	return nil
}

func (d *DemuxConfig) Validate() error {
	if _, err := d.Selector(); err != nil {
		return err
	}
	return nil
}

// Selector 把 tune_in 转成 Demux.TuneIn 的参数
func (d *DemuxConfig) Selector() (uint32, error) {
	switch strings.ToLower(strings.TrimSpace(d.TuneIn)) {
	case "all":
		return demux.TuneAll, nil
	case "next":
		return demux.TuneNext, nil
	}
	id, err := strconv.ParseUint(strings.TrimSpace(d.TuneIn), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("tune_in must be 'all', 'next' or a service id, got '%s'", d.TuneIn)
	}
	if uint32(id) == demux.TuneAll || uint32(id) == demux.TuneNext {
		return 0, fmt.Errorf("tune_in service id %d is reserved", id)
	}
	return uint32(id), nil
}

func (d *DemuxConfig) RetryPolicy() demux.RetryPolicy {
	if d.RetryOnParseFailure {
		return demux.RetryOnFailure
	}
	return demux.FreezeOnFailure
}

func (l *LoggingConfig) Validate() error {
	if _, err := l.SlogLevel(); err != nil {
		return err
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}
	return nil
}

func (l *LoggingConfig) SlogLevel() (slog.Level, error) {
	switch l.Level {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
}

// NewLogger 按 format 创建 text 或 json handler
func (l *LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := l.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func (m *MetricsConfig) Validate() error {
	if !m.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(m.ListenAddress); err != nil {
		return fmt.Errorf("listen_address '%s' is invalid: %w", m.ListenAddress, err)
	}
	return nil
}

// DemuxConfig 转换为 demux.New 的参数
func (c *Config) DemuxConfig() demux.Config {
	r := &c.Receiver
	return demux.Config{
		Interface:        r.Network.Interface,
		OutputDir:        r.Output.Directory,
		SocketBufferSize: r.Network.SocketBufferSize,
		MaxObjects:       r.Demux.MaxObjects,
	}
}
