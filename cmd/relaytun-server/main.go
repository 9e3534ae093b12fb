// Command relaytun-server runs the server side of relaytun: it terminates
// client TLS/WebSocket connections, creates and recovers sessions against an
// access manager, and tunnels their traffic to the Internet. Mirrors the
// teacher's cmd/outline-ws/main.go cobra tree, generalized from a client CLI
// to a server daemon with start/stop/token subcommands.
package main

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"relaytun/internal/accessmgr"
	"relaytun/internal/accessmgr/fileserver"
	"relaytun/internal/config"
	"relaytun/internal/metrics"
	"relaytun/internal/report"
	"relaytun/internal/server"
	"relaytun/internal/session"
	"relaytun/internal/token"
	"relaytun/internal/tunnel"
)

var (
	configPath string
	version    = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "relaytun-server",
	Short: "relaytun tunnel server",
	// Running the binary with no subcommand behaves like `start`.
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart(cmd.Context())
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the server in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart(cmd.Context())
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Signal a running server to shut down",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop()
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token [storage-dir] [max-client-count] [max-traffic-bytes]",
	Short: "Issue a new access token against the file-backed access manager",
	Args:  cobra.RangeArgs(0, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runToken(args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "relaytun-server.yaml", "config file path")
	rootCmd.AddCommand(startCmd, stopCmd, tokenCmd)
	rootCmd.Flags().BoolP("version", "n", false, "version for relaytun-server")
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Encoding == "json" {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Encoding = cfg.Encoding
	if err := zcfg.Level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	return zcfg.Build()
}

// lockPath returns the advisory single-instance guard file's path
// (spec.md §6 "Persisted state" / SPEC_FULL.md §6 "server.lock").
func lockPath(cfg *config.ServerConfig) string {
	dir := cfg.AccessManager.StorageDir
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "server.lock")
}

func runStart(ctx context.Context) error {
	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := buildLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.AccessManager.StorageDir, 0o700); err != nil {
		return fmt.Errorf("server: create storage dir: %w", err)
	}
	lockFile, err := acquireLock(lockPath(cfg))
	if err != nil {
		return fmt.Errorf("server: another instance appears to be running: %w", err)
	}
	defer releaseLock(lockFile)

	accessMgr, closeAccessMgr, err := buildAccessManager(cfg, logger)
	if err != nil {
		return err
	}
	defer closeAccessMgr()

	reg := metrics.New()
	reporter := report.New(logger, 0)

	manager := session.NewManager(session.ManagerOptions{
		Session: session.Options{
			MaxTcpChannelCount:     cfg.Session.MaxTcpChannelCount,
			MaxTcpConnectWaitCount: cfg.Session.MaxTcpConnectWaitCount,
			TcpConnectTimeout:      cfg.Session.TcpConnectTimeout,
			TcpReuseTimeout:        cfg.Session.TcpReuseTimeout,
			TcpGracefulTimeout:     cfg.Session.TcpGracefulTimeout,
			SyncInterval:           cfg.Session.SyncInterval,
			SyncCacheSize:          cfg.Session.SyncCacheSize,
			NetScanBurstLimit:      cfg.Session.NetScanBurstLimit,
			NetScanWindow:          cfg.Session.NetScanWindow,
		},
		Tunnel:          tunnel.Config{},
		NatIdleTimeout:  cfg.Nat.IdleTimeout,
		UdpMaxEndpoints: cfg.Nat.UdpMaxEndpoints,
		UdpIdleTimeout:  cfg.Nat.UdpIdleTimeout,
		DenyCIDRs:       cfg.Session.DenyCIDRs,
		ServerVersion:   cfg.ServerVersion,
		ProtocolVersion: cfg.ProtocolVersion,
	}, accessMgr, logger, reporter, reg)

	tlsConfig, err := loadTLSConfig(cfg)
	if err != nil {
		return err
	}

	srv := server.New(server.Options{
		TCPEndPoints:   cfg.Listen.TCPEndPoints,
		UDPEndPoint:    cfg.Listen.UDPEndPoint,
		WebSocket:      cfg.Listen.WebSocket,
		WSEndPoint:     cfg.Listen.WSEndPoint,
		WSPath:         cfg.Listen.WSPath,
		TLSConfig:      tlsConfig,
		ServerID:       cfg.ServerVersion,
		ServerVersion:  cfg.ServerVersion,
		StatusInterval: 30 * time.Second,
	}, manager, accessMgr, logger, reg)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Metrics.Enable {
		go func() {
			if err := reg.Serve(runCtx, cfg.Metrics.Listen); err != nil {
				logger.Warn("server: metrics server stopped", zap.Error(err))
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("server: shutting down")
		cancel()
	}()

	logger.Info("server: starting", zap.Strings("tcp_endpoints", cfg.Listen.TCPEndPoints))
	return srv.ListenAndServe(runCtx)
}

// buildAccessManager picks the external HTTP access manager when BaseURL is
// set, or starts the in-process file-backed reference implementation
// (spec.md §6) bound to a loopback port otherwise.
func buildAccessManager(cfg *config.ServerConfig, logger *zap.Logger) (accessmgr.Manager, func(), error) {
	if cfg.AccessManager.BaseURL != "" {
		return accessmgr.NewClient(cfg.AccessManager.BaseURL, logger), func() {}, nil
	}

	fs, err := fileserver.New(cfg.AccessManager.StorageDir, logger)
	if err != nil {
		return nil, nil, err
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, fmt.Errorf("server: listen local access manager: %w", err)
	}
	httpSrv := &http.Server{Handler: fs.Router()}
	go func() { _ = httpSrv.Serve(ln) }()

	baseURL := "http://" + ln.Addr().String()
	client := accessmgr.NewClient(baseURL, logger)
	return client, func() { _ = httpSrv.Close() }, nil
}

func loadTLSConfig(cfg *config.ServerConfig) (*tls.Config, error) {
	if cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" {
		return nil, fmt.Errorf("server: tls.cert_file and tls.key_file are required")
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("server: load tls keypair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

func runToken(args []string) error {
	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		return err
	}
	dir := cfg.AccessManager.StorageDir
	if len(args) > 0 {
		dir = args[0]
	}
	logger, _ := zap.NewDevelopment()
	fs, err := fileserver.New(dir, logger)
	if err != nil {
		return err
	}

	maxClients, maxTraffic := 0, int64(0)
	if len(args) > 1 {
		fmt.Sscanf(args[1], "%d", &maxClients)
	}
	if len(args) > 2 {
		fmt.Sscanf(args[2], "%d", &maxTraffic)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("server: generate token secret: %w", err)
	}

	tok := token.Token{
		ID:              uuid.New(),
		Secret:          secret,
		ServerHostName:  firstHost(cfg.Listen.TCPEndPoints),
		ProtocolVersion: cfg.ProtocolVersion,
	}
	for _, ep := range cfg.Listen.TCPEndPoints {
		host, port := splitHostPortOrDefault(ep)
		tok.HostEndPoints = append(tok.HostEndPoints, token.HostEndPoint{Address: host, Port: port})
	}

	if err := fs.SaveToken(fileserver.AccessItem{Token: tok, MaxClientCount: maxClients, MaxTrafficBytes: maxTraffic}); err != nil {
		return fmt.Errorf("server: persist token: %w", err)
	}

	key, err := tok.ToAccessKey()
	if err != nil {
		return err
	}
	fmt.Println(key)
	return nil
}

// firstHost returns the host portion of the first configured TCP endpoint,
// used as the access key's ServerHostName hint.
func firstHost(endpoints []string) string {
	if len(endpoints) == 0 {
		return ""
	}
	host, _ := splitHostPortOrDefault(endpoints[0])
	return host
}

func splitHostPortOrDefault(endpoint string) (string, int) {
	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return endpoint, 443
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		port = 443
	}
	if host == "" {
		host = "0.0.0.0"
	}
	return host, port
}

// acquireLock creates the single-instance advisory lock file exclusively,
// writing this process's pid, and fails if one already exists.
func acquireLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(f, "%d", os.Getpid())
	return f, nil
}

func releaseLock(f *os.File) {
	name := f.Name()
	f.Close()
	os.Remove(name)
}

func runStop() error {
	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		return err
	}
	b, err := os.ReadFile(lockPath(cfg))
	if err != nil {
		return fmt.Errorf("server: no running instance found: %w", err)
	}
	var pid int
	if _, err := fmt.Sscanf(string(b), "%d", &pid); err != nil {
		return fmt.Errorf("server: malformed lock file: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGTERM)
}
