// Package relaytun provides a small public surface for reusing this
// repository as a library. The implementation lives in internal/ and may
// change without notice.
package relaytun

import (
	"relaytun/internal/accessmgr"
	"relaytun/internal/capture"
	"relaytun/internal/client"
	"relaytun/internal/config"
	"relaytun/internal/metrics"
	"relaytun/internal/server"
	"relaytun/internal/session"
	"relaytun/internal/token"
	"relaytun/internal/tunnel"
)

// --- Config ---

type ClientConfig = config.ClientConfig
type ServerConfig = config.ServerConfig

// LoadClientConfig loads a relaytun-client YAML configuration file.
func LoadClientConfig(path string) (*ClientConfig, error) { return config.LoadClientConfig(path) }

// LoadServerConfig loads a relaytun-server YAML configuration file.
func LoadServerConfig(path string) (*ServerConfig, error) { return config.LoadServerConfig(path) }

// --- Token / access key ---

type Token = token.Token

// ParseAccessKey decodes a "vh://"-prefixed access key into a Token.
func ParseAccessKey(key string) (*Token, error) { return token.ParseAccessKey(key) }

// --- Client-side core ---

type Client = client.Client
type ClientOptions = client.Options
type Engine = client.Engine
type ClassifyPolicy = client.ClassifyPolicy

// NewClient builds a Client ready to Connect against tok. reg is optional:
// pass nil to skip upstream-selection metrics.
func NewClient(tok *Token, opts ClientOptions, tunnelCfg tunnel.Config, reg *MetricsRegistry) *Client {
	return client.New(tok, opts, tunnelCfg, nil, nil, reg)
}

// NewEngine wires a capture.Adapter to c through Classify.
func NewEngine(c *Client, adapter capture.Adapter, policy ClassifyPolicy, upstreamDNS string) (*Engine, error) {
	return client.NewEngine(c, adapter, policy, upstreamDNS, nil)
}

// --- Capture adapters ---

type CaptureAdapter = capture.Adapter
type LoopbackCapture = capture.Loopback

func NewLoopbackCapture(mtu int) *LoopbackCapture { return capture.NewLoopback(mtu) }

// --- Server-side core ---

type Server = server.Server
type ServerOptions = server.Options
type SessionManager = session.Manager
type AccessManager = accessmgr.Manager

// NewAccessManagerClient builds an HTTP client for an external access
// manager at baseURL.
func NewAccessManagerClient(baseURL string) AccessManager {
	return accessmgr.NewClient(baseURL, nil)
}

// NewSessionManager builds the server-side session Manager bound to
// accessMgr. reg is optional: pass nil to skip session/NAT/proxy-pool
// metrics.
func NewSessionManager(opts session.ManagerOptions, accessMgr AccessManager, reg *MetricsRegistry) *SessionManager {
	return session.NewManager(opts, accessMgr, nil, nil, reg)
}

// NewServer builds a Server around manager, ready for ListenAndServe. reg is
// optional: pass nil to skip request-level metrics.
func NewServer(opts ServerOptions, manager *SessionManager, accessMgr AccessManager, reg *MetricsRegistry) *Server {
	return server.New(opts, manager, accessMgr, nil, reg)
}

// --- Metrics ---

type MetricsRegistry = metrics.Registry

func NewMetricsRegistry() *MetricsRegistry { return metrics.New() }
