// Package config loads the YAML configuration for both binaries, filling
// every zero-value field with a documented default the way the teacher's
// internal/config.go LoadConfig does.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ClientConfig is relaytun-client's configuration (spec.md §4.6/§4.7).
type ClientConfig struct {
	AccessKey string `yaml:"access_key"`
	TokenFile string `yaml:"token_file"`

	Capture struct {
		Device              string   `yaml:"device"`
		MTU                 int      `yaml:"mtu"`
		IncludeRanges       []string `yaml:"include_ranges"`
		PacketCaptureRanges []string `yaml:"packet_capture_ranges"`
		DropUDPOutOfRange   bool     `yaml:"drop_udp_out_of_range"`
		RewriteDNS          bool     `yaml:"rewrite_dns"`
		UpstreamDNS         string   `yaml:"upstream_dns"`
	} `yaml:"capture"`

	Datagram struct {
		UseUdpChannel           bool          `yaml:"use_udp_channel"`
		MaxChannelCount         int           `yaml:"max_channel_count"`
		MaintenanceInterval     time.Duration `yaml:"maintenance_interval"`
	} `yaml:"datagram"`

	Healthcheck HealthcheckConfig `yaml:"healthcheck"`

	Metrics struct {
		Enable bool   `yaml:"enable"`
		Listen string `yaml:"listen"`
	} `yaml:"metrics"`

	ClientVersion string `yaml:"client_version"`
	UserAgent     string `yaml:"user_agent"`

	Log LogConfig `yaml:"log"`
}

// ServerConfig is relaytun-server's configuration (spec.md §6).
type ServerConfig struct {
	Listen struct {
		TCPEndPoints []string `yaml:"tcp_endpoints"`
		UDPEndPoint  string   `yaml:"udp_endpoint"`
		WebSocket    bool     `yaml:"websocket"`
		WSEndPoint   string   `yaml:"ws_endpoint"`
		WSPath       string   `yaml:"ws_path"`
	} `yaml:"listen"`

	TLS struct {
		CertFile string `yaml:"cert_file"`
		KeyFile  string `yaml:"key_file"`
	} `yaml:"tls"`

	AccessManager struct {
		BaseURL string `yaml:"base_url"`
		// StorageDir selects the file-backed reference access manager
		// instead of an external one when BaseURL is empty (spec.md §6
		// "Persisted state").
		StorageDir string `yaml:"storage_dir"`
	} `yaml:"access_manager"`

	Session struct {
		MaxTcpChannelCount     int           `yaml:"max_tcp_channel_count"`
		MaxTcpConnectWaitCount int           `yaml:"max_tcp_connect_wait_count"`
		TcpConnectTimeout      time.Duration `yaml:"tcp_connect_timeout"`
		TcpReuseTimeout        time.Duration `yaml:"tcp_reuse_timeout"`
		TcpGracefulTimeout     time.Duration `yaml:"tcp_graceful_timeout"`
		SyncInterval           time.Duration `yaml:"sync_interval"`
		SyncCacheSize          int64         `yaml:"sync_cache_size"`
		NetScanBurstLimit      int           `yaml:"netscan_burst_limit"`
		NetScanWindow          time.Duration `yaml:"netscan_window"`
		DenyCIDRs              []string      `yaml:"deny_cidrs"`
	} `yaml:"session"`

	Nat struct {
		IdleTimeout     time.Duration `yaml:"idle_timeout"`
		UdpMaxEndpoints int           `yaml:"udp_max_endpoints"`
		UdpIdleTimeout  time.Duration `yaml:"udp_idle_timeout"`
	} `yaml:"nat"`

	Metrics struct {
		Enable bool   `yaml:"enable"`
		Listen string `yaml:"listen"`
	} `yaml:"metrics"`

	ServerVersion   string `yaml:"server_version"`
	ProtocolVersion int    `yaml:"protocol_version"`

	Log LogConfig `yaml:"log"`
}

// HealthcheckConfig mirrors transport.HealthcheckOptions in YAML-loadable
// form (kept here, not in internal/transport, so that package stays free of
// a config-parsing dependency).
type HealthcheckConfig struct {
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	FailThreshold    int           `yaml:"fail_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	MinSwitch        time.Duration `yaml:"min_switch"`
	StickyTTL        time.Duration `yaml:"sticky_ttl"`
}

// LogConfig picks zap's level/encoding, kept uniform across both binaries.
type LogConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"` // "json" or "console"
}

func (l *LogConfig) setDefaults() {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Encoding == "" {
		l.Encoding = "console"
	}
}

// LoadClientConfig reads and defaults a client config file.
func LoadClientConfig(path string) (*ClientConfig, error) {
	var c ClientConfig
	if err := readYAML(path, &c); err != nil {
		return nil, err
	}
	if c.Capture.MTU == 0 {
		c.Capture.MTU = 1400
	}
	if c.Capture.UpstreamDNS == "" {
		c.Capture.UpstreamDNS = "1.1.1.1:53"
	}
	if c.Datagram.MaxChannelCount == 0 {
		c.Datagram.MaxChannelCount = 4
	}
	if c.Datagram.MaintenanceInterval == 0 {
		c.Datagram.MaintenanceInterval = 5 * time.Second
	}
	c.Healthcheck.setDefaults()
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9091"
	}
	if c.ClientVersion == "" {
		c.ClientVersion = "dev"
	}
	if c.UserAgent == "" {
		c.UserAgent = "relaytun-client/" + c.ClientVersion
	}
	c.Log.setDefaults()
	return &c, nil
}

// LoadServerConfig reads and defaults a server config file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	var c ServerConfig
	if err := readYAML(path, &c); err != nil {
		return nil, err
	}
	if len(c.Listen.TCPEndPoints) == 0 {
		c.Listen.TCPEndPoints = []string{":443"}
	}
	if c.Listen.WSPath == "" {
		c.Listen.WSPath = "/ws"
	}
	if c.Listen.WebSocket && c.Listen.WSEndPoint == "" {
		c.Listen.WSEndPoint = ":8443"
	}
	if c.AccessManager.StorageDir == "" && c.AccessManager.BaseURL == "" {
		c.AccessManager.StorageDir = "storage"
	}
	if c.Session.MaxTcpChannelCount == 0 {
		c.Session.MaxTcpChannelCount = 64
	}
	if c.Session.MaxTcpConnectWaitCount == 0 {
		c.Session.MaxTcpConnectWaitCount = 16
	}
	if c.Session.TcpConnectTimeout == 0 {
		c.Session.TcpConnectTimeout = 10 * time.Second
	}
	if c.Session.TcpReuseTimeout == 0 {
		c.Session.TcpReuseTimeout = 60 * time.Second
	}
	if c.Session.TcpGracefulTimeout == 0 {
		c.Session.TcpGracefulTimeout = 5 * time.Second
	}
	if c.Session.SyncInterval == 0 {
		c.Session.SyncInterval = 30 * time.Second
	}
	if c.Session.SyncCacheSize == 0 {
		c.Session.SyncCacheSize = 1 << 20
	}
	if c.Session.NetScanBurstLimit == 0 {
		c.Session.NetScanBurstLimit = 20
	}
	if c.Session.NetScanWindow == 0 {
		c.Session.NetScanWindow = 10 * time.Second
	}
	if c.Nat.IdleTimeout == 0 {
		c.Nat.IdleTimeout = 120 * time.Second
	}
	if c.Nat.UdpMaxEndpoints == 0 {
		c.Nat.UdpMaxEndpoints = 64
	}
	if c.Nat.UdpIdleTimeout == 0 {
		c.Nat.UdpIdleTimeout = 120 * time.Second
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9090"
	}
	if c.ServerVersion == "" {
		c.ServerVersion = "dev"
	}
	if c.ProtocolVersion == 0 {
		c.ProtocolVersion = 1
	}
	c.Log.setDefaults()
	return &c, nil
}

func readYAML(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, v); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}
