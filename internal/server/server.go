// Package server runs relaytun-server's listeners: it accepts connections,
// dispatches the first frame (Hello, or a session-scoped request on a
// connection a client opened directly for a datagram/stream channel) and
// hands everything past that to internal/session. Grounded on the teacher's
// socks5.go accept-loop shape, generalized from one fixed protocol to wire's
// framed request dispatch.
package server

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"relaytun/internal/accessmgr"
	"relaytun/internal/metrics"
	"relaytun/internal/session"
	"relaytun/internal/transport"
	"relaytun/internal/wire"
)

// Options configures the listeners and periodic access-manager calls.
type Options struct {
	TCPEndPoints    []string
	UDPEndPoint     string
	WebSocket       bool
	WSEndPoint      string
	WSPath          string
	TLSConfig       *tls.Config
	ServerID        string
	ServerVersion   string
	IsIPv6Enabled   bool
	ConfigureRetry  time.Duration
	StatusInterval  time.Duration
}

func (o *Options) setDefaults() {
	if o.ConfigureRetry <= 0 {
		o.ConfigureRetry = 10 * time.Second
	}
	if o.StatusInterval <= 0 {
		o.StatusInterval = 30 * time.Second
	}
}

// Server owns the session.Manager and every listener relaytun-server runs.
type Server struct {
	opts      Options
	manager   *session.Manager
	accessMgr accessmgr.Manager
	logger    *zap.Logger
	metrics   *metrics.Registry

	configCode string
}

// New builds a Server. Call ListenAndServe to start accepting.
func New(opts Options, manager *session.Manager, accessMgr accessmgr.Manager, logger *zap.Logger, reg *metrics.Registry) *Server {
	opts.setDefaults()
	return &Server{opts: opts, manager: manager, accessMgr: accessMgr, logger: logger, metrics: reg}
}

// ListenAndServe starts every configured listener and the configure/status
// loop, blocking until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listeners := make([]net.Listener, 0, len(s.opts.TCPEndPoints)+1)

	for _, addr := range s.opts.TCPEndPoints {
		ln, err := tls.Listen("tcp", addr, s.opts.TLSConfig)
		if err != nil {
			return fmt.Errorf("server: listen %s: %w", addr, err)
		}
		listeners = append(listeners, ln)
		if s.logger != nil {
			s.logger.Info("server: listening", zap.String("addr", addr), zap.String("transport", "tls"))
		}
	}

	if s.opts.WebSocket {
		wsLn, err := transport.NewListener(s.opts.WSEndPoint, s.opts.WSPath, s.opts.TLSConfig)
		if err == nil {
			listeners = append(listeners, wsListenerAdapter{wsLn})
			if s.logger != nil {
				s.logger.Info("server: listening", zap.String("path", s.opts.WSPath), zap.String("transport", "websocket"))
			}
		} else if s.logger != nil {
			s.logger.Warn("server: websocket listener disabled", zap.Error(err))
		}
	}

	var udpConn net.PacketConn
	if s.opts.UDPEndPoint != "" {
		pc, err := net.ListenPacket("udp", s.opts.UDPEndPoint)
		if err != nil {
			return fmt.Errorf("server: listen udp %s: %w", s.opts.UDPEndPoint, err)
		}
		udpConn = pc
		go s.udpLoop(pc)
		if s.logger != nil {
			s.logger.Info("server: listening", zap.String("addr", s.opts.UDPEndPoint), zap.String("transport", "udp"))
		}
	}

	go s.configureLoop(ctx)

	for _, ln := range listeners {
		ln := ln
		go s.acceptLoop(ctx, ln)
	}

	<-ctx.Done()
	if udpConn != nil {
		_ = udpConn.Close()
	}
	for _, ln := range listeners {
		_ = ln.Close()
	}
	s.manager.DisposeAll()
	return nil
}

// wsListenerAdapter makes transport.Listener satisfy net.Listener (it has
// no Addr method since the underlying http.Server owns the socket).
type wsListenerAdapter struct{ *transport.Listener }

func (wsListenerAdapter) Addr() net.Addr { return wsAddr{} }

type wsAddr struct{}

func (wsAddr) Network() string { return "ws" }
func (wsAddr) String() string  { return "websocket" }

// udpLoop demuxes every datagram on the shared UDP socket to its session by
// the 8-byte big-endian session id prefix (spec.md §4.2's UdpChannel wire
// layout), dropping anything from an unrecognized or unrecoverable session.
func (s *Server) udpLoop(pc net.PacketConn) {
	buf := make([]byte, 64*1024)
	for {
		n, peer, err := pc.ReadFrom(buf)
		if err != nil {
			if s.logger != nil {
				s.logger.Debug("server: udp socket closed", zap.Error(err))
			}
			return
		}
		if n < 8 {
			continue
		}
		raw := append([]byte(nil), buf[:n]...)
		sid := binary.BigEndian.Uint64(raw[0:8])

		sess, ok := s.manager.Get(sid)
		if !ok {
			continue // unknown session id; recovery requires a presented key we don't have over bare UDP
		}
		if err := sess.HandleUdpDatagram(pc, peer, raw); err != nil && s.logger != nil {
			s.logger.Debug("server: udp datagram rejected", zap.Uint64("session_id", sid), zap.Error(err))
		}
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if s.logger != nil {
				s.logger.Warn("server: accept failed", zap.Error(err))
			}
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

// sessionEnvelope decodes just the fields every non-Hello request shares, so
// the server can resolve the target Session before decoding the full
// request type (spec.md §4.7's per-request SessionID/SessionKey).
type sessionEnvelope struct {
	wire.RequestHeader
	SessionID  uint64 `json:"sessionId"`
	SessionKey []byte `json:"sessionKey"`
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	clientIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())

	code, raw, err := wire.PeekRequestCode(conn)
	if err != nil {
		conn.Close()
		return
	}

	if code == wire.RequestHello {
		s.handleHello(ctx, raw, conn, clientIP)
		return
	}

	var env sessionEnvelope
	if err := decodeJSON(raw, &env); err != nil {
		conn.Close()
		return
	}

	sess, err := s.manager.Recover(ctx, env.SessionID, env.SessionKey, conn.LocalAddr().String(), clientIP)
	if err != nil {
		_ = wire.WriteFrame(conn, wire.SessionStatus{ErrorCode: wire.Unauthorized, ErrorMessage: err.Error()})
		conn.Close()
		return
	}

	err = sess.Dispatch(ctx, code, raw, conn)
	if err != nil && s.logger != nil {
		s.logger.Debug("server: dispatch ended", zap.Uint64("session_id", env.SessionID), zap.Error(err))
	}
	// A TcpDatagramChannel hands conn to the session's Tunnel, which closes
	// it when the channel is removed. Any other stream is finished once
	// Dispatch returns.
	if code == wire.RequestTcpDatagramChannel && err == nil {
		return
	}
	conn.Close()
}

func (s *Server) handleHello(ctx context.Context, raw []byte, conn net.Conn, clientIP string) {
	defer conn.Close()

	var req wire.HelloRequest
	if err := decodeJSON(raw, &req); err != nil {
		return
	}

	_, resp, err := s.manager.Create(ctx, req, clientIP)
	if err != nil {
		_ = wire.WriteFrame(conn, wire.HelloResponse{SessionStatus: wire.SessionStatus{ErrorCode: wire.GeneralError, ErrorMessage: err.Error()}})
		return
	}
	if s.metrics != nil && resp.ErrorCode == wire.Ok {
		s.metrics.SessionsTotal.Inc()
		s.metrics.SessionsActive.Inc()
	}
	_ = wire.WriteFrame(conn, resp)
}

// configureLoop runs /configure once at startup (retrying on failure) then
// polls /status on StatusInterval, re-running /configure whenever the
// access manager returns a new ConfigCode (spec.md §6 "Configure/Status").
func (s *Server) configureLoop(ctx context.Context) {
	for {
		info := accessmgr.ServerInfo{
			ServerID:      s.opts.ServerID,
			Version:       s.opts.ServerVersion,
			TcpEndPoints:  s.opts.TCPEndPoints,
			UdpEndPoint:   s.opts.UDPEndPoint,
			IsIPv6Enabled: s.opts.IsIPv6Enabled,
		}
		cfg, err := s.accessMgr.Configure(ctx, info)
		if err == nil {
			s.configCode = cfg.ConfigCode
			break
		}
		if s.logger != nil {
			s.logger.Warn("server: configure failed, retrying", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.opts.ConfigureRetry):
		}
	}

	ticker := time.NewTicker(s.opts.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cmd, err := s.accessMgr.Status(ctx, accessmgr.ServerStatus{ServerID: s.opts.ServerID, ConfigCode: s.configCode})
			if err != nil {
				if s.logger != nil {
					s.logger.Warn("server: status failed", zap.Error(err))
				}
				continue
			}
			if cmd.ConfigCode != "" && cmd.ConfigCode != s.configCode {
				go s.configureLoop(ctx)
				return
			}
		}
	}
}

func decodeJSON(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}
