package main

import (
	"Flute_demux/pkg/sender"
	"Flute_demux/pkg/signaling"
	"Flute_demux/pkg/transport"
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"gopkg.in/yaml.v3"
)

// 回放工具：把本地文件按 ROUTE 服务的形式发到组播，用于联调接收端

type AppConfig struct {
	Sender SenderConfigSection `yaml:"sender"`
}

type SenderConfigSection struct {
	Network     SenderNetworkConfig `yaml:"network"`
	Service     ServiceConfig       `yaml:"service"`
	Signaling   SignalingConfig     `yaml:"signaling"`
	Files       []FileConfig        `yaml:"files"`
	MaxRateKbps *uint32             `yaml:"max_rate_kbps,omitempty"` // 额外限速
	// Carousel 大于 0 时按该间隔重复发送整个服务，直到收到信号
	Carousel time.Duration `yaml:"carousel"`
}

type SenderNetworkConfig struct {
	Interface    string `yaml:"interface"` // 组播出接口，空 = 路由表决定
	TTL          int    `yaml:"ttl"`
	FragmentSize int    `yaml:"fragment_size"`
}

type ServiceConfig struct {
	ID          uint32 `yaml:"id"`
	Destination string `yaml:"destination"` // SLS 主地址 "239.255.10.4:5000"
	SLTVersion  uint8  `yaml:"slt_version"`
}

type SignalingConfig struct {
	Version  uint8  `yaml:"version"`
	STSID    string `yaml:"stsid"`
	Manifest string `yaml:"manifest"`
}

type FileConfig struct {
	Path        string  `yaml:"path"`
	TSI         uint32  `yaml:"tsi"`
	TOI         *uint32 `yaml:"toi,omitempty"` // 缺省时顺序分配
	Destination string  `yaml:"destination"`   // 缺省时使用服务主地址
	Codepoint   uint8   `yaml:"codepoint"`
}

func loadConfig(path string) (*AppConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return &cfg, nil
}

func main() {
	configPath := flag.String("config", "sender.yaml", "path to YAML config")
	flag.Parse()

	fmt.Printf("[flute-sender] loading config: %s\n", *configPath)
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	sc := &cfg.Sender

	dest, err := parseEndpoint(sc.Service.Destination)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid service destination: %v\n", err)
		os.Exit(1)
	}

	conn, err := openConn(&sc.Network)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open socket failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	scfg := sender.DefaultConfig()
	scfg.ServiceID = sc.Service.ID
	scfg.Dest = dest
	if sc.Network.FragmentSize > 0 {
		scfg.FragmentSize = sc.Network.FragmentSize
	}
	fmt.Printf("[flute-sender] service %d on %s\n", sc.Service.ID, dest.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for round := 1; ; round++ {
		s := sender.NewSender(&scfg)
		if err := loadService(s, sc); err != nil {
			fmt.Fprintf(os.Stderr, "prepare service failed: %v\n", err)
			os.Exit(1)
		}
		runSendLoop(ctx, conn, s, sc)
		if sc.Carousel <= 0 || ctx.Err() != nil {
			return
		}
		fmt.Printf("[flute-sender] round %d done, next in %s\n", round, sc.Carousel)
		select {
		case <-ctx.Done():
			return
		case <-time.After(sc.Carousel):
		}
	}
}

// loadService 排入 SLT、信令包以及全部文件
func loadService(s *sender.Sender, sc *SenderConfigSection) error {
	if err := s.PublishSLT(sc.Service.SLTVersion); err != nil {
		return err
	}

	var parts []signaling.Part
	if sc.Signaling.STSID != "" {
		body, err := os.ReadFile(sc.Signaling.STSID)
		if err != nil {
			return fmt.Errorf("read S-TSID: %w", err)
		}
		parts = append(parts, signaling.Part{ContentType: "application/route-s-tsid+xml", ContentLocation: "stsid.xml", Body: body})
	}
	if sc.Signaling.Manifest != "" {
		body, err := os.ReadFile(sc.Signaling.Manifest)
		if err != nil {
			return fmt.Errorf("read manifest: %w", err)
		}
		parts = append(parts, signaling.Part{ContentType: "application/dash+xml", ContentLocation: "manifest.mpd", Body: body})
	}
	if len(parts) > 0 {
		if err := s.PublishSignaling(sc.Signaling.Version, parts...); err != nil {
			return err
		}
	}

	for _, f := range sc.Files {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "file not readable: %s: %v\n", f.Path, err)
			continue
		}
		if f.TOI != nil {
			s.Toi(f.TSI).Reserve(*f.TOI)
			s.AddObject(f.Destination, f.TSI, *f.TOI, f.Codepoint, data)
			fmt.Printf("[flute-sender] add file: %s (tsi=%d toi=%d)\n", f.Path, f.TSI, *f.TOI)
			continue
		}
		toi := s.AddFile(f.Destination, f.TSI, f.Codepoint, data)
		fmt.Printf("[flute-sender] add file: %s (tsi=%d toi=%d)\n", f.Path, f.TSI, toi)
	}
	return nil
}

func parseEndpoint(addr string) (transport.UDPEndpoint, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return transport.UDPEndpoint{}, err
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return transport.UDPEndpoint{}, fmt.Errorf("invalid port %q", port)
	}
	return transport.NewUDPEndpoint(nil, host, uint16(p)), nil
}

// openConn 创建发送套接字，设置组播出接口、TTL 并打开本机回环
func openConn(c *SenderNetworkConfig) (*ipv4.PacketConn, error) {
	pc, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return nil, err
	}
	conn := ipv4.NewPacketConn(pc)
	if c.Interface != "" {
		ifi, err := net.InterfaceByName(c.Interface)
		if err != nil {
			_ = pc.Close()
			return nil, err
		}
		if err := conn.SetMulticastInterface(ifi); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}
	ttl := c.TTL
	if ttl <= 0 {
		ttl = 1
	}
	if err := conn.SetMulticastTTL(ttl); err != nil {
		_ = pc.Close()
		return nil, err
	}
	if err := conn.SetMulticastLoopback(true); err != nil {
		_ = pc.Close()
		return nil, err
	}
	return conn, nil
}

// 发送循环

func runSendLoop(ctx context.Context, conn *ipv4.PacketConn, s *sender.Sender, sc *SenderConfigSection) {
	start := time.Now()
	var totalBytes uint64
	var pkts uint64

	// 速率控制
	maxRateKbps := uint32(0)
	if sc.MaxRateKbps != nil {
		maxRateKbps = *sc.MaxRateKbps
	}
	bytesPerSec := 0.0
	if maxRateKbps > 0 {
		bytesPerSec = float64(maxRateKbps) * 1000.0 / 8.0 // kbps → B/s
	}
	nextSendAt := time.Now()
	addrs := make(map[string]*net.UDPAddr)

	for ctx.Err() == nil {
		pkt := s.Read()
		if pkt == nil {
			break
		}

		raddr, ok := addrs[pkt.Dest]
		if !ok {
			var err error
			raddr, err = net.ResolveUDPAddr("udp4", pkt.Dest)
			if err != nil {
				fmt.Fprintf(os.Stderr, "resolve dest failed: %v\n", err)
				continue
			}
			addrs[pkt.Dest] = raddr
		}

		// 可选：kbps 限速（逐包节拍）
		if bytesPerSec > 0 {
			interval := time.Duration(float64(len(pkt.Data)) / bytesPerSec * float64(time.Second))
			now := time.Now()
			if now.Before(nextSendAt) {
				time.Sleep(nextSendAt.Sub(now))
			}
			nextSendAt = nextSendAt.Add(interval)

			// 漂移校准（避免累计误差）
			if drift := time.Since(nextSendAt); drift > 200*time.Millisecond {
				nextSendAt = time.Now().Add(interval)
			}
		}

		n, err := conn.WriteTo(pkt.Data, nil, raddr)
		if err != nil {
			// UDP write 出错通常可以继续（网络短暂问题）
			if !errors.Is(err, net.ErrClosed) {
				fmt.Fprintf(os.Stderr, "send error: %v\n", err)
			}
			continue
		}
		totalBytes += uint64(n)
		pkts++
	}

	elapsed := time.Since(start)
	fmt.Printf("[flute-sender] sent %d pkts, %.2f MB in %.2f s\n",
		pkts, float64(totalBytes)/(1024*1024), elapsed.Seconds())
}
