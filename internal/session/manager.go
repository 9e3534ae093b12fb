package session

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"relaytun/internal/accessmgr"
	"relaytun/internal/icmpproxy"
	"relaytun/internal/metrics"
	"relaytun/internal/nat"
	"relaytun/internal/report"
	"relaytun/internal/tunnel"
	"relaytun/internal/udpproxy"
	"relaytun/internal/wire"
)

// ManagerOptions configures the proxy pools and tunnel every Session the
// Manager creates shares the shape of, plus the Session-level Options.
type ManagerOptions struct {
	Session          Options
	Tunnel           tunnel.Config
	NatIdleTimeout   time.Duration
	UdpMaxEndpoints  int
	UdpIdleTimeout   time.Duration
	DenyCIDRs        []string
	ServerVersion    string
	ProtocolVersion  int
	RequestTimeoutMs int
}

func (o *ManagerOptions) setDefaults() {
	o.Session.setDefaults()
	if o.NatIdleTimeout <= 0 {
		o.NatIdleTimeout = 120 * time.Second
	}
	if o.UdpMaxEndpoints <= 0 {
		o.UdpMaxEndpoints = 64
	}
	if o.UdpIdleTimeout <= 0 {
		o.UdpIdleTimeout = 120 * time.Second
	}
	if o.RequestTimeoutMs <= 0 {
		o.RequestTimeoutMs = 15_000
	}
}

// Manager creates, recovers and cleans up sessions (spec.md §4.7
// "Recovery"), throttling access-manager calls and driving each session's
// lifecycle. Grounded on the teacher's UDPSessionManager: a mutex-guarded
// map plus a background sweep, here generalized from one map entry per
// upstream to one per live session id.
type Manager struct {
	opts      ManagerOptions
	logger    *zap.Logger
	reporter  *report.Reporter
	metrics   *metrics.Registry
	accessMgr accessmgr.Manager

	mu       sync.Mutex
	sessions map[uint64]*Session

	// recoverGroup serializes concurrent session_get calls for the same
	// session id to exactly one in-flight access-manager RPC (spec.md §4.7
	// "A per-session-id lock... ensures at most one recovery call per
	// session id across concurrent requests", §5).
	recoverGroup singleflight.Group
}

// NewManager builds a Manager bound to accessMgr. reg is optional: pass nil
// to skip session/NAT/proxy-pool metrics.
func NewManager(opts ManagerOptions, accessMgr accessmgr.Manager, logger *zap.Logger, reporter *report.Reporter, reg *metrics.Registry) *Manager {
	opts.setDefaults()
	return &Manager{
		opts:      opts,
		logger:    logger,
		reporter:  reporter,
		metrics:   reg,
		accessMgr: accessMgr,
		sessions:  make(map[uint64]*Session),
	}
}

// Create handles a Hello request: asks the access manager for a session and
// builds the local Session plumbing (Tunnel, proxy pools, filters) around
// it (spec.md §4.7 "Hello").
func (m *Manager) Create(ctx context.Context, req wire.HelloRequest, clientIP string) (*Session, wire.HelloResponse, error) {
	resp, err := m.accessMgr.SessionCreate(ctx, accessmgr.SessionRequestEx{
		TokenID:  req.TokenID,
		ClientID: req.ClientInfo.ClientID,
		ClientIP: clientIP,
	})
	if err != nil {
		return nil, wire.HelloResponse{}, fmt.Errorf("session: access manager session_create: %w", err)
	}

	helloResp := wire.HelloResponse{
		SessionStatus:         wire.SessionStatus{ErrorCode: resp.ErrorCode, ErrorMessage: resp.ErrorMessage},
		SessionID:             resp.SessionID,
		SessionKey:            resp.SessionKey,
		ServerProtocolVersion: m.opts.ProtocolVersion,
		ServerVersion:         m.opts.ServerVersion,
		RequestTimeoutMs:      m.opts.RequestTimeoutMs,
		TcpReuseTimeoutMs:     int(m.opts.Session.TcpReuseTimeout.Milliseconds()),
		TcpEndPoints:          resp.TcpEndPoints,
		UdpEndPoint:           resp.UdpEndPoint,
		MaxDatagramChannelCount: m.opts.Tunnel.MaxDatagramChannelCount,
		AccessUsage:           resp.AccessUsage,
		RedirectHostEndPoint:  resp.RedirectHostEndPoint,
	}

	if resp.ErrorCode != wire.Ok {
		return nil, helloResp, nil
	}

	sess, err := m.build(resp.SessionID, resp.SessionKey, req.TokenID, req.ClientInfo)
	if err != nil {
		return nil, wire.HelloResponse{}, err
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	sess.run(ctx)
	return sess, helloResp, nil
}

// build assembles a Session's NAT table, proxy pools and Tunnel. Each
// session gets its own pools so one client's quota exhaustion never steals
// capacity from another (spec.md §4.4 "up to max_clients" is per session).
func (m *Manager) build(id uint64, key []byte, tokenID string, info wire.ClientInfo) (*Session, error) {
	natTable := nat.New(m.opts.NatIdleTimeout).WithMetrics(m.metrics)

	sess := &Session{
		ID:         id,
		Key:        key,
		TokenID:    tokenID,
		ClientInfo: info,
		opts:       m.opts.Session,
		logger:     m.logger,
		reporter:   m.reporter,
		metrics:    m.metrics,
		accessMgr:  m.accessMgr,
		natTable:   natTable,
		netFilter:  NewNetFilter(m.opts.DenyCIDRs),
		netScan:    NewNetScanDetector(m.opts.Session.NetScanBurstLimit, m.opts.Session.NetScanWindow).WithMetrics(m.metrics),
		onDispose:  m.forget,
	}

	sess.udpPool = udpproxy.NewExPool(m.opts.UdpMaxEndpoints, m.opts.UdpIdleTimeout, m.logger, m.reporter, udpproxy.Hooks{
		OnNewRemoteEndPoint: func(ep netip.AddrPort) {
			if sess.netScan != nil && sess.netScan.Observe(ep.String()) && m.logger != nil {
				m.logger.Warn("session: netscan burst detected", zap.Uint64("session_id", id), zap.String("endpoint", ep.String()))
			}
		},
		OnNewLocalEndPoint: func(ep netip.AddrPort) {
			if m.logger != nil {
				m.logger.Debug("session: udp proxy opened local endpoint", zap.Uint64("session_id", id), zap.String("endpoint", ep.String()))
			}
		},
		OnReply: sess.deliverInbound,
	}).WithMetrics(m.metrics)

	icmpPool, err := icmpproxy.New(natTable, m.logger, m.reporter, icmpproxy.Hooks{OnReply: sess.deliverInbound})
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("session: icmp proxy unavailable, continuing without echo support", zap.Error(err))
		}
	} else {
		sess.icmpPool = icmpPool
		go icmpPool.Run(context.Background())
	}

	go natTable.Run(context.Background(), m.opts.NatIdleTimeout/2)

	sess.tunnel = tunnel.New(m.opts.Tunnel, m.logger, m.reporter)
	return sess, nil
}

// Get returns the locally-held session for id, if any.
func (m *Manager) Get(id uint64) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Recover resolves a session id the server does not (or no longer) hold
// locally by asking the access manager, serialized per session id so
// concurrent requests referencing the same id produce exactly one
// session_get RPC (spec.md §8 scenario 4). The caller-presented key must
// match or the request is rejected as Unauthorized.
func (m *Manager) Recover(ctx context.Context, id uint64, presentedKey []byte, hostEndPoint, clientIP string) (*Session, error) {
	if s, ok := m.Get(id); ok {
		return s, nil
	}

	v, err, _ := m.recoverGroup.Do(fmt.Sprintf("%d", id), func() (any, error) {
		resp, err := m.accessMgr.SessionGet(ctx, id, hostEndPoint, clientIP)
		if err != nil {
			return nil, err
		}
		if resp.ErrorCode != wire.Ok {
			return nil, fmt.Errorf("session: recovery denied: %s", resp.ErrorCode)
		}
		if string(resp.SessionKey) != string(presentedKey) {
			return nil, errUnauthorized
		}
		return m.build(id, resp.SessionKey, "", wire.ClientInfo{})
	})
	if err != nil {
		return nil, err
	}

	sess := v.(*Session)
	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()
	sess.run(ctx)
	return sess, nil
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.SessionsActive.Dec()
	}
}

// DisposeAll closes every locally-held session, used on server shutdown.
func (m *Manager) DisposeAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.Dispose()
	}
}

var errUnauthorized = fmt.Errorf("session: %s", wire.Unauthorized)
