package udpproxy

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"

	"relaytun/internal/ippacket"
	"relaytun/internal/metrics"
	"relaytun/internal/report"
	"relaytun/internal/timeoutmap"
)

// SimplePool allocates one dedicated UDP socket per distinct tunneled
// source endpoint, up to MaxClients (spec.md §4.4 "Simple pool"). Idle
// workers age out via the shared TimeoutDictionary abstraction (spec.md §9).
type SimplePool struct {
	maxClients int
	logger     *zap.Logger
	reporter   *report.Reporter
	metrics    *metrics.Registry
	hooks      Hooks

	workers *timeoutmap.Map[string, *simpleWorker]

	seenRemoteMu sync.Mutex
	seenRemote   map[netip.AddrPort]struct{}

	countMu sync.Mutex
	count   int
}

type simpleWorker struct {
	*worker
	src     netip.Addr
	srcPort uint16
}

// NewSimplePool creates a Simple pool with the given worker cap and idle
// timeout (0 uses the 120s default shared with the Ex pool).
func NewSimplePool(maxClients int, idleTimeout time.Duration, logger *zap.Logger, reporter *report.Reporter, hooks Hooks) *SimplePool {
	if maxClients <= 0 {
		maxClients = 256
	}
	if idleTimeout <= 0 {
		idleTimeout = 120 * time.Second
	}
	p := &SimplePool{
		maxClients: maxClients,
		logger:     logger,
		reporter:   reporter,
		hooks:      hooks,
		seenRemote: make(map[netip.AddrPort]struct{}),
	}
	p.workers = timeoutmap.New[string, *simpleWorker](idleTimeout, timeoutmap.WithEvictCallback(func(_ string, w *simpleWorker) {
		_ = w.conn.Close()
		p.countMu.Lock()
		p.count--
		p.countMu.Unlock()
	}))
	return p
}

// WithMetrics attaches a registry SendPacket reports quota rejections to.
// Optional: nil skips the counter.
func (p *SimplePool) WithMetrics(m *metrics.Registry) *SimplePool {
	p.metrics = m
	return p
}

// Run starts the background idle sweep until ctx is canceled.
func (p *SimplePool) Run(ctx context.Context, interval time.Duration) {
	p.workers.Run(ctx, interval)
}

func sourceKey(src netip.Addr, srcPort uint16) string {
	return netip.AddrPortFrom(src, srcPort).String()
}

// SendPacket relays payload (the transport-layer payload of flow) to its
// destination, allocating a new worker socket for flow.Src if this is the
// first packet seen from that source (spec.md §4.4).
func (p *SimplePool) SendPacket(flow ippacket.Flow, payload []byte) error {
	key := sourceKey(flow.Src, flow.SrcID)

	w, created, err := p.workers.GetOrAdd(key, func() (*simpleWorker, error) {
		p.countMu.Lock()
		if p.count >= p.maxClients {
			p.countMu.Unlock()
			return nil, ErrClientQuota
		}
		p.count++
		p.countMu.Unlock()

		conn, dialErr := dialWorker(flow.DontFragment)
		if dialErr != nil {
			p.countMu.Lock()
			p.count--
			p.countMu.Unlock()
			return nil, dialErr
		}
		return &simpleWorker{worker: &worker{conn: conn}, src: flow.Src, srcPort: flow.SrcID}, nil
	})
	if err != nil {
		if err == ErrClientQuota {
			if p.reporter != nil {
				p.reporter.Raise("udp_simple_quota", "simple pool at max clients", zap.Int("max", p.maxClients))
			}
			if p.metrics != nil {
				p.metrics.UdpPoolExhaustion.Inc()
			}
		}
		return err
	}
	if created {
		if p.hooks.OnNewLocalEndPoint != nil {
			if local, perr := netip.ParseAddrPort(w.conn.LocalAddr().String()); perr == nil {
				p.hooks.OnNewLocalEndPoint(local)
			}
		}
		go readLoop(w.conn, p.logger, func(net.Addr) (sourceInfo, bool) {
			return sourceInfo{version: flow.Version, src: w.src, srcPort: w.srcPort, dontFragment: flow.DontFragment}, true
		}, p.hooks)
	}

	p.noteRemote(flow)

	dst := netip.AddrPortFrom(flow.Dst, flow.DstID)
	udpAddr := net.UDPAddrFromAddrPort(dst)
	_, err = w.conn.WriteTo(payload, udpAddr)
	return err
}

func (p *SimplePool) noteRemote(flow ippacket.Flow) {
	dst := netip.AddrPortFrom(flow.Dst, flow.DstID)
	p.seenRemoteMu.Lock()
	_, seen := p.seenRemote[dst]
	if !seen {
		p.seenRemote[dst] = struct{}{}
	}
	p.seenRemoteMu.Unlock()
	if !seen && p.hooks.OnNewRemoteEndPoint != nil {
		p.hooks.OnNewRemoteEndPoint(dst)
	}
}
