// Package session implements the server-side Session and Manager of
// spec.md §4.3/§4.7: request dispatch, quota/netscan enforcement, traffic
// sync to the access manager, and session recovery across restarts.
package session

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"relaytun/internal/accessmgr"
	"relaytun/internal/channel"
	"relaytun/internal/icmpproxy"
	"relaytun/internal/ippacket"
	"relaytun/internal/metrics"
	"relaytun/internal/nat"
	"relaytun/internal/report"
	"relaytun/internal/tunnel"
	"relaytun/internal/udpproxy"
	"relaytun/internal/wire"
)

// Options configures the limits a Session enforces (spec.md §4.3).
type Options struct {
	MaxTcpChannelCount     int
	MaxTcpConnectWaitCount int
	TcpConnectTimeout      time.Duration
	TcpReuseTimeout        time.Duration
	SyncInterval           time.Duration
	SyncCacheSize          int64
	TcpGracefulTimeout     time.Duration
	NetScanBurstLimit      int
	NetScanWindow          time.Duration
	SendBufferSize         int
	RecvBufferSize         int
}

func (o *Options) setDefaults() {
	if o.MaxTcpChannelCount <= 0 {
		o.MaxTcpChannelCount = 64
	}
	if o.MaxTcpConnectWaitCount <= 0 {
		o.MaxTcpConnectWaitCount = 16
	}
	if o.TcpConnectTimeout <= 0 {
		o.TcpConnectTimeout = 10 * time.Second
	}
	if o.TcpReuseTimeout <= 0 {
		o.TcpReuseTimeout = 60 * time.Second
	}
	if o.SyncInterval <= 0 {
		o.SyncInterval = 30 * time.Second
	}
	if o.SyncCacheSize <= 0 {
		o.SyncCacheSize = 1 << 20
	}
	if o.TcpGracefulTimeout <= 0 {
		o.TcpGracefulTimeout = 5 * time.Second
	}
}

// Session is the live association between one client and this server
// (spec.md §3 "Session"). It owns a Tunnel, the UDP/ICMP proxy pools, and
// the net filter/scan checks applied to StreamProxyChannel requests.
type Session struct {
	ID         uint64
	Key        []byte
	TokenID    string
	ClientInfo wire.ClientInfo

	opts     Options
	logger   *zap.Logger
	reporter *report.Reporter
	metrics  *metrics.Registry

	accessMgr accessmgr.Manager
	tunnel    *tunnel.Tunnel
	natTable  *nat.Table
	udpPool   *udpproxy.ExPool
	icmpPool  *icmpproxy.Pool
	netFilter *NetFilter
	netScan   *NetScanDetector

	mu          sync.Mutex
	status      wire.SessionStatus
	pendingTcp  int
	tcpChannels int
	closed      bool

	syncMu       sync.Mutex
	syncedUsage  wire.Traffic
	lastSyncTime time.Time

	udpMu   sync.Mutex
	udpChan *channel.UdpChannel

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onDispose func(*Session)
}

// Traffic returns the tunnel's current cumulative counters.
func (s *Session) Traffic() wire.Traffic { return s.tunnel.Traffic() }

// Status returns the session's current error code/suppression marker.
func (s *Session) Status() wire.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(st wire.SessionStatus) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// run starts the tunnel and periodic sync loop; call once after
// construction.
func (s *Session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.ctx = ctx
	s.cancel = cancel

	s.tunnel.OnPacketReceived = s.handleOutboundPacket

	s.wg.Add(2)
	go func() { defer s.wg.Done(); s.tunnel.Run() }()
	go func() { defer s.wg.Done(); s.syncLoop(ctx) }()
}

// handleOutboundPacket is wired as the Tunnel's receive callback: every
// packet a datagram channel delivers from the client is a tunneled IP
// packet bound for the Internet (spec.md §2 "tunneled packet -> Tunnel ->
// Session -> NetFilter -> UDP/ICMP proxy -> outbound socket"). ch is nil
// for the Tunnel's synthesized packet-too-big replies; this handler drops
// them without forwarding them anywhere.
func (s *Session) handleOutboundPacket(packets [][]byte, ch channel.Channel) {
	if ch == nil {
		return
	}
	for _, p := range packets {
		s.routeOutbound(p)
	}
}

func (s *Session) routeOutbound(raw []byte) {
	flow, err := ippacket.ParseFlow(raw)
	if err != nil {
		if s.reporter != nil {
			s.reporter.Raise("session_unroutable_packet", "dropping packet with unrecognized flow", zap.Error(err))
		}
		return
	}

	ip := net.IP(flow.Dst.AsSlice())
	if !s.netFilter.Allow(ip) {
		return
	}

	payload, err := ippacket.TransportPayload(raw)
	if err != nil {
		return
	}

	switch flow.Proto {
	case ippacket.ProtoUDP:
		if err := s.udpPool.SendPacket(flow, payload); err != nil && s.logger != nil {
			s.logger.Debug("session: udp proxy send failed", zap.Uint64("session_id", s.ID), zap.Error(err))
		}
	case ippacket.ProtoICMP:
		if s.icmpPool == nil {
			return
		}
		item, err := s.natTable.GetOrAdd(flow)
		if err != nil {
			if s.reporter != nil {
				s.reporter.Raise("session_nat_exhausted", "nat table has no free replacement ids", zap.Error(err))
			}
			return
		}
		if err := s.icmpPool.SendEcho(flow, item.ReplacementID, payload); err != nil && s.logger != nil {
			s.logger.Debug("session: icmp proxy send failed", zap.Uint64("session_id", s.ID), zap.Error(err))
		}
	default:
		// TCP and anything else never arrive on a datagram channel; the
		// client routes those through StreamProxyChannel instead.
	}
}

// deliverInbound re-injects a reply the proxy pools received (already
// wrapped as a full IP packet) back to the client through the Tunnel's
// outbound queue. Wired as Hooks.OnReply for both proxy pools.
func (s *Session) deliverInbound(packet []byte) {
	if err := s.tunnel.SendPackets(s.ctx, [][]byte{packet}); err != nil && s.logger != nil {
		s.logger.Debug("session: failed delivering proxy reply", zap.Uint64("session_id", s.ID), zap.Error(err))
	}
}

func (s *Session) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sync(ctx, false)
		}
	}
}

// sync computes the outstanding traffic delta and reports it to the access
// manager (spec.md §4.3 "Traffic accounting and sync"). It is serialized by
// syncMu so concurrent callers (the periodic loop and an explicit close)
// never have two sync RPCs in flight for the same session (spec.md §8
// "Usage sync is idempotent").
func (s *Session) sync(ctx context.Context, closeSession bool) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	current := s.tunnel.Traffic()
	delta := current.Sub(s.syncedUsage)
	if s.metrics != nil {
		if delta.Sent > 0 {
			s.metrics.SessionTrafficBytes.WithLabelValues("sent").Add(float64(delta.Sent))
		}
		if delta.Received > 0 {
			s.metrics.SessionTrafficBytes.WithLabelValues("received").Add(float64(delta.Received))
		}
	}
	// "sent from tunnel" is traffic toward the client, i.e. received by the
	// client — the axes are swapped on the wire to the access manager
	// (spec.md §4.3).
	deltaForManager := wire.Traffic{Sent: delta.Received, Received: delta.Sent}

	if !closeSession && deltaForManager.Sent+deltaForManager.Received < s.opts.SyncCacheSize {
		return
	}

	resp, err := s.accessMgr.SessionAddUsage(ctx, s.ID, deltaForManager, closeSession)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("session: sync failed, retrying next interval", zap.Uint64("session_id", s.ID), zap.Error(err))
		}
		return
	}

	s.syncedUsage = current
	s.lastSyncTime = time.Now()

	if resp.ErrorCode == wire.NotFound {
		s.setStatus(wire.SessionStatus{ErrorCode: wire.AccessError, ErrorMessage: "session unknown to access manager"})
		s.Dispose()
		return
	}
	if resp.ErrorCode != wire.Ok {
		st := wire.SessionStatus{ErrorCode: resp.ErrorCode, ErrorMessage: resp.ErrorMessage}
		if resp.ErrorCode == wire.SessionSuppressedByOther {
			st.SuppressedBy = "Other"
		}
		s.setStatus(st)
		if resp.ErrorCode != wire.SessionSuppressedByOther && resp.ErrorCode != wire.SessionSuppressedBySelf {
			s.Dispose()
		}
	}
}

// Dispatch routes one framed request to the matching handler, mirroring
// spec.md §4.3's request surface. conn is the stream the request arrived
// on. The TcpDatagramChannel handler hands conn to the Tunnel and returns
// at once; the StreamProxyChannel handler returns when its bridge ends.
func (s *Session) Dispatch(ctx context.Context, code wire.RequestCode, raw []byte, conn net.Conn) error {
	switch code {
	case wire.RequestTcpDatagramChannel:
		return s.handleTcpDatagramChannel(raw, conn)
	case wire.RequestStreamProxyChannel:
		return s.handleStreamProxyChannel(ctx, raw, conn)
	case wire.RequestUdpPacket:
		// Reserved, unimplemented on the server (spec.md §9(a)).
		return wire.WriteFrame(conn, wire.SessionStatus{ErrorCode: wire.GeneralError, ErrorMessage: "UdpPacket not implemented"})
	case wire.RequestBye:
		return s.handleBye(ctx, raw, conn)
	default:
		return fmt.Errorf("session: unknown request code %v", code)
	}
}

func (s *Session) handleTcpDatagramChannel(raw []byte, conn net.Conn) error {
	var req wire.TcpDatagramChannelRequest
	if err := decodeInto(raw, &req); err != nil {
		return err
	}

	ch := channel.NewStreamDatagramChannel(newChannelID(), conn, 0, 0)
	s.tunnel.AddChannel(ch)

	return wire.WriteFrame(conn, wire.TcpDatagramChannelResponse{SessionStatus: s.Status()})
}

// handleStreamProxyChannel runs the ordered checks of spec.md §4.3 before
// dialing the requested destination and handing the resulting byte-copy
// bridge to the Tunnel.
func (s *Session) handleStreamProxyChannel(ctx context.Context, raw []byte, conn net.Conn) error {
	var req wire.StreamProxyChannelRequest
	if err := decodeInto(raw, &req); err != nil {
		return err
	}

	host, _, err := net.SplitHostPort(req.DestinationEndPoint)
	if err != nil {
		return wire.WriteFrame(conn, wire.StreamProxyChannelResponse{
			SessionStatus: wire.SessionStatus{ErrorCode: wire.RequestBlocked, ErrorMessage: "invalid destination"},
		})
	}
	ip := net.ParseIP(host)

	// Check 1: NetFilter.
	if ip != nil && !s.netFilter.Allow(ip) {
		if s.logger != nil {
			s.logger.Warn("session: destination blocked by filter", zap.Uint64("session_id", s.ID), zap.String("dest", req.DestinationEndPoint))
		}
		return wire.WriteFrame(conn, wire.StreamProxyChannelResponse{
			SessionStatus: wire.SessionStatus{ErrorCode: wire.RequestBlocked},
		})
	}

	// Check 2: NetScan.
	if s.netScan != nil && s.netScan.Observe(req.DestinationEndPoint) {
		return wire.WriteFrame(conn, wire.StreamProxyChannelResponse{
			SessionStatus: wire.SessionStatus{ErrorCode: wire.NetScan},
		})
	}

	// Checks 3 & 4: channel/connect-wait limits.
	s.mu.Lock()
	if s.tcpChannels >= s.opts.MaxTcpChannelCount {
		s.mu.Unlock()
		return wire.WriteFrame(conn, wire.StreamProxyChannelResponse{SessionStatus: wire.SessionStatus{ErrorCode: wire.MaxTcpChannel}})
	}
	if s.pendingTcp >= s.opts.MaxTcpConnectWaitCount {
		s.mu.Unlock()
		return wire.WriteFrame(conn, wire.StreamProxyChannelResponse{SessionStatus: wire.SessionStatus{ErrorCode: wire.MaxTcpConnectWait}})
	}
	s.pendingTcp++
	s.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, s.opts.TcpConnectTimeout)
	defer cancel()
	dialer := net.Dialer{}
	hostConn, err := dialer.DialContext(dialCtx, "tcp", req.DestinationEndPoint)

	s.mu.Lock()
	s.pendingTcp--
	s.mu.Unlock()

	if err != nil {
		return wire.WriteFrame(conn, wire.StreamProxyChannelResponse{
			SessionStatus: wire.SessionStatus{ErrorCode: wire.GeneralError, ErrorMessage: err.Error()},
		})
	}

	applyBufferSizes(hostConn, s.opts.SendBufferSize, s.opts.RecvBufferSize)

	id := newChannelID()
	ch := channel.NewStreamProxyChannel(id, conn, hostConn, 0)
	if err := s.tunnel.AddStreamProxyChannel(ch); err != nil {
		_ = hostConn.Close()
		return wire.WriteFrame(conn, wire.StreamProxyChannelResponse{SessionStatus: wire.SessionStatus{ErrorCode: wire.GeneralError, ErrorMessage: err.Error()}})
	}

	s.mu.Lock()
	s.tcpChannels++
	s.mu.Unlock()

	if err := wire.WriteFrame(conn, wire.StreamProxyChannelResponse{SessionStatus: wire.SessionStatus{ErrorCode: wire.Ok}, ChannelID: id}); err != nil {
		s.tunnel.RemoveChannel(id)
		return err
	}

	err = ch.Run()

	s.mu.Lock()
	s.tcpChannels--
	s.mu.Unlock()
	s.tunnel.RemoveChannel(id)
	return err
}

func applyBufferSizes(conn net.Conn, sendBuf, recvBuf int) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetKeepAlive(true)
	_ = tc.SetKeepAlivePeriod(30 * time.Second)
	if sendBuf > 0 {
		_ = tc.SetWriteBuffer(sendBuf)
	}
	if recvBuf > 0 {
		_ = tc.SetReadBuffer(recvBuf)
	}
}

func (s *Session) handleBye(ctx context.Context, raw []byte, conn net.Conn) error {
	var req wire.ByeRequest
	if err := decodeInto(raw, &req); err != nil {
		return err
	}
	s.sync(ctx, true)
	s.Dispose()
	return wire.WriteFrame(conn, wire.ByeResponse{SessionStatus: s.Status()})
}

// SetUdpMode adds a UdpChannel bound to peer to the tunnel; isServer picks
// the channel's direction. The mutual-exclusion rule that evicts existing
// stream-datagram channels lives in Tunnel.AddChannel (spec.md §4.3
// "UDP mode").
func (s *Session) SetUdpMode(conn net.PacketConn, peer net.Addr, isServer bool) error {
	ch, err := channel.NewUdpChannel(newChannelID(), conn, peer, s.ID, s.Key, isServer)
	if err != nil {
		return err
	}
	s.tunnel.AddChannel(ch)
	return nil
}

// HandleUdpDatagram demuxes one raw datagram arriving on the server's
// shared UDP socket to this session's single UdpChannel, creating it lazily
// on the session's first datagram and binding it to that datagram's peer
// (spec.md §4.2 — the server has no
// separate handshake for the UDP channel, the first sealed datagram from a
// recognized session id establishes it).
func (s *Session) HandleUdpDatagram(pc net.PacketConn, peer net.Addr, raw []byte) error {
	s.udpMu.Lock()
	ch := s.udpChan
	if ch == nil {
		var err error
		ch, err = channel.NewUdpChannel(newChannelID(), pc, peer, s.ID, s.Key, true)
		if err != nil {
			s.udpMu.Unlock()
			return err
		}
		s.udpChan = ch
		s.udpMu.Unlock()
		s.tunnel.AddChannel(ch)
	} else {
		s.udpMu.Unlock()
	}
	return ch.HandleDatagram(raw)
}

// Dispose cancels the session's background goroutines and disposes its
// Tunnel. Double-dispose is a no-op (spec.md §8 "after session.dispose,
// on_packet_received is never invoked again").
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.tunnel.OnPacketReceived = nil
	s.tunnel.Dispose()
	s.wg.Wait()

	if s.onDispose != nil {
		s.onDispose(s)
	}
}

func newChannelID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%x", b)
}

func decodeInto(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}
