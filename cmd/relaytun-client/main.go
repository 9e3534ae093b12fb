// Command relaytun-client runs the client side of relaytun: it loads an
// access key or token file, negotiates a session, and feeds captured packets
// through the tunnel. Mirrors the teacher's cmd/outline-ws/main.go cobra
// tree, generalized from add/list/connect/disconnect/status/remove against a
// stored server list to a single start command against one configured token.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"relaytun/internal/capture"
	"relaytun/internal/client"
	"relaytun/internal/config"
	"relaytun/internal/metrics"
	"relaytun/internal/report"
	"relaytun/internal/token"
	"relaytun/internal/tunnel"
)

var (
	configPath string
	version    = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "relaytun-client",
	Short: "relaytun tunnel client",
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Connect and run the tunnel in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "relaytun-client.yaml", "config file path")
	rootCmd.AddCommand(startCmd)
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

func loadToken(cfg *config.ClientConfig) (*token.Token, error) {
	if cfg.AccessKey != "" {
		return token.ParseAccessKey(cfg.AccessKey)
	}
	if cfg.TokenFile != "" {
		b, err := os.ReadFile(cfg.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("client: read token file: %w", err)
		}
		return token.ParseAccessKey(string(b))
	}
	return nil, fmt.Errorf("client: neither access_key nor token_file is configured")
}

func runStart(cmd *cobra.Command) error {
	cfg, err := config.LoadClientConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := buildLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	tok, err := loadToken(cfg)
	if err != nil {
		return err
	}

	includeRanges, err := client.ParsePrefixes(cfg.Capture.IncludeRanges)
	if err != nil {
		return err
	}
	captureRanges, err := client.ParsePrefixes(cfg.Capture.PacketCaptureRanges)
	if err != nil {
		return err
	}

	reporter := report.New(logger, 0)
	reg := metrics.New()
	c := client.New(tok, client.Options{
		UseUdpChannel:           cfg.Datagram.UseUdpChannel,
		MaxDatagramChannelCount: cfg.Datagram.MaxChannelCount,
		DatagramChannelInterval: cfg.Datagram.MaintenanceInterval,
		ClientVersion:           cfg.ClientVersion,
		UserAgent:               cfg.UserAgent,
		ProtocolVersion:         tok.ProtocolVersion,
	}, tunnel.Config{}, logger, reporter, reg)

	adapter := capture.NewLoopback(cfg.Capture.MTU)

	policy := client.ClassifyPolicy{
		IncludeRanges:       includeRanges,
		PacketCaptureRanges: captureRanges,
		RewriteDNS:          cfg.Capture.RewriteDNS,
		DropUDPOutOfRange:   cfg.Capture.DropUDPOutOfRange,
	}

	engine, err := client.NewEngine(c, adapter, policy, cfg.Capture.UpstreamDNS, logger)
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	if cfg.Metrics.Enable {
		go func() {
			if err := reg.Serve(ctx, cfg.Metrics.Listen); err != nil {
				logger.Warn("client: metrics server stopped", zap.Error(err))
			}
		}()
	}

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("client: start: %w", err)
	}

	logger.Info("client: connected", zap.String("server", tok.ServerHostName))
	<-ctx.Done()
	return nil
}
