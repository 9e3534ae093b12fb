// Package transport implements the client-side Dialer abstraction of
// spec.md §6 "Wire protocol": a direct TLS-over-TCP connection to a host
// endpoint, or the same bytes carried inside a WebSocket frame for networks
// that block raw TLS but allow HTTPS. Generalized from the teacher's
// internal/transport package, itself built around one upstream; here a
// Dialer targets whichever wire.HostEndPoint the caller resolved.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// Dialer opens one connection to a server endpoint.
type Dialer interface {
	DialContext(ctx context.Context) (net.Conn, error)
}

// TLSDialer dials TLS directly over TCP, the default wire transport
// (spec.md §6 "Transport: TLS over TCP to a host endpoint").
type TLSDialer struct {
	Address            string
	Port               int
	ServerName         string
	InsecureSkipVerify bool
	Timeout            time.Duration
}

func (d *TLSDialer) DialContext(ctx context.Context) (net.Conn, error) {
	addr := fmt.Sprintf("%s:%d", d.Address, d.Port)
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second},
		Config: &tls.Config{
			ServerName:         d.ServerName,
			InsecureSkipVerify: d.InsecureSkipVerify,
			MinVersion:         tls.VersionTLS12,
		},
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: tls dial %s: %w", addr, err)
	}
	return conn, nil
}

// NewDialer picks a TLS or WebSocket dialer for the given endpoint
// depending on whether the token marks it as obfuscated.
func NewDialer(ep HostEndPoint) Dialer {
	if ep.WebSocket {
		return NewWebSocketDialer(ep)
	}
	return &TLSDialer{
		Address:            ep.Address,
		Port:               ep.Port,
		ServerName:         ep.ServerName,
		InsecureSkipVerify: ep.InsecureSkipVerify,
	}
}

// HostEndPoint is the dial target plus the knobs that pick a transport
// variant, a superset of token.HostEndPoint so transport stays independent
// of the token package.
type HostEndPoint struct {
	Address            string
	Port               int
	ServerName         string
	WebSocket          bool
	WSPath             string
	InsecureSkipVerify bool
}

func (e HostEndPoint) String() string {
	return fmt.Sprintf("%s:%d", e.Address, e.Port)
}
