// Package accessmgr defines the access-manager HTTP API of spec.md §6 and
// an HTTP client for it, grounded on the teacher's outbound-HTTP-with-retry
// style and nabbar-golib's use of github.com/hashicorp/go-retryablehttp.
package accessmgr

import (
	"context"

	"relaytun/internal/wire"
)

// Manager is the interface a Session/Manager talks to; it is implemented by
// Client (real HTTP calls) and, in tests, by a fake.
type Manager interface {
	Configure(ctx context.Context, info ServerInfo) (ServerConfig, error)
	Status(ctx context.Context, status ServerStatus) (ServerCommand, error)
	SessionCreate(ctx context.Context, req SessionRequestEx) (SessionResponseEx, error)
	SessionGet(ctx context.Context, sessionID uint64, hostEndPoint, clientIP string) (SessionResponseEx, error)
	SessionAddUsage(ctx context.Context, sessionID uint64, usage wire.Traffic, closeSession bool) (SessionResponseBase, error)
	Certificate(ctx context.Context, hostEndPoint string) ([]byte, error)
}

// ServerInfo is POSTed to /configure (spec.md §6).
type ServerInfo struct {
	ServerID      string   `json:"serverId"`
	Version       string   `json:"version"`
	TcpEndPoints  []string `json:"tcpEndPoints"`
	UdpEndPoint   string   `json:"udpEndPoint,omitempty"`
	IsIPv6Enabled bool     `json:"isIpV6Enabled"`
}

// SessionOptions and TrackingOptions are the parts of ServerConfig that
// apply to every session the server creates.
type SessionOptions struct {
	TcpReuseTimeoutMs       int `json:"tcpReuseTimeoutMs"`
	RequestTimeoutMs        int `json:"requestTimeoutMs"`
	MaxTcpChannelCount      int `json:"maxTcpChannelCount"`
	MaxTcpConnectWaitCount  int `json:"maxTcpConnectWaitCount"`
	MaxDatagramChannelCount int `json:"maxDatagramChannelCount"`
	SyncIntervalMs          int `json:"syncIntervalMs"`
	SyncCacheSize           int64 `json:"syncCacheSize"`
}

type TrackingOptions struct {
	TrackClientIP bool `json:"trackClientIp"`
}

// ServerConfig is the access manager's reply to /configure.
type ServerConfig struct {
	TcpEndPoints    []string        `json:"tcpEndPoints"`
	UdpEndPoint     string          `json:"udpEndPoint,omitempty"`
	SessionOptions  SessionOptions  `json:"sessionOptions"`
	TrackingOptions TrackingOptions `json:"trackingOptions"`
	ServerSecret    []byte          `json:"serverSecret"`
	ConfigCode      string          `json:"configCode"`
}

// ServerStatus is POSTed to /status periodically.
type ServerStatus struct {
	ServerID         string `json:"serverId"`
	ConfigCode       string `json:"configCode"`
	SessionCount     int    `json:"sessionCount"`
	TcpChannelCount  int    `json:"tcpChannelCount"`
	UdpChannelCount  int    `json:"udpChannelCount"`
}

// ServerCommand is the reply to /status: a new ConfigCode means the server
// should re-run Configure.
type ServerCommand struct {
	ConfigCode string `json:"configCode"`
}

// SessionRequestEx is POSTed to /sessions to create or resume a session.
type SessionRequestEx struct {
	TokenID    string `json:"tokenId"`
	ClientID   string `json:"clientId"`
	ClientIP   string `json:"clientIp,omitempty"`
	HostEndPoint string `json:"hostEndPoint"`
}

// SessionResponseEx is the access manager's reply describing a (possibly
// new) session (spec.md §6).
type SessionResponseEx struct {
	SessionResponseBase
	SessionID            uint64   `json:"sessionId"`
	SessionKey           []byte   `json:"sessionKey"`
	TcpEndPoints         []string `json:"tcpEndPoints"`
	UdpEndPoint          string   `json:"udpEndPoint,omitempty"`
	RedirectHostEndPoint string   `json:"redirectHostEndPoint,omitempty"`
}

// SessionResponseBase is shared by every session-scoped reply.
type SessionResponseBase struct {
	ErrorCode    wire.ErrorCode `json:"errorCode"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	AccessUsage  wire.Traffic   `json:"accessUsage"`
}

// ApiError is the JSON body of a non-2xx access-manager response
// (spec.md §6 "Error model").
type ApiError struct {
	ExceptionTypeName string `json:"exceptionTypeName"`
	Message           string `json:"message"`
	Data              any    `json:"data,omitempty"`
}

func (e *ApiError) Error() string {
	if e.ExceptionTypeName != "" {
		return e.ExceptionTypeName + ": " + e.Message
	}
	return e.Message
}
