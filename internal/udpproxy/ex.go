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

// ExPool is the port-efficient UDP proxy variant of spec.md §4.4: the same
// local socket may serve multiple remote destinations as long as no
// destination is ever bound to two different tunneled sources at once
// (which would make a reply ambiguous).
type ExPool struct {
	maxLocalEndpoints int
	idleTimeout       time.Duration
	sweepInterval     time.Duration
	logger            *zap.Logger
	reporter          *report.Reporter
	metrics           *metrics.Registry
	hooks             Hooks

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	workers []*exWorker

	seenRemoteMu sync.Mutex
	seenRemote   map[netip.AddrPort]struct{}
}

type exWorker struct {
	*worker
	// destBindings maps a remote destination to the tunneled source
	// currently allowed to reach it through this worker's socket
	// (spec.md §4.4 "destination -> source" map). Backed by a
	// TimeoutDictionary so stale bindings free up after 120s of silence.
	destBindings *timeoutmap.Map[netip.AddrPort, sourceInfo]
}

// NewExPool creates an Ex pool with the given local-endpoint cap and dest
// binding idle timeout (0 uses the spec's 120s default).
func NewExPool(maxLocalEndpoints int, idleTimeout time.Duration, logger *zap.Logger, reporter *report.Reporter, hooks Hooks) *ExPool {
	if maxLocalEndpoints <= 0 {
		maxLocalEndpoints = 64
	}
	if idleTimeout <= 0 {
		idleTimeout = 120 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ExPool{
		maxLocalEndpoints: maxLocalEndpoints,
		idleTimeout:       idleTimeout,
		sweepInterval:     30 * time.Second,
		logger:            logger,
		reporter:          reporter,
		hooks:             hooks,
		ctx:               ctx,
		cancel:            cancel,
		seenRemote:        make(map[netip.AddrPort]struct{}),
	}
}

// WithMetrics attaches a registry SendPacket reports quota rejections to.
// Optional: nil skips the counter.
func (p *ExPool) WithMetrics(m *metrics.Registry) *ExPool {
	p.metrics = m
	return p
}

// SendPacket relays payload to its destination, reusing an existing worker
// whose destination map has no conflicting binding, or creating one
// (spec.md §4.4 "Ex pool").
func (p *ExPool) SendPacket(flow ippacket.Flow, payload []byte) error {
	destKey := netip.AddrPortFrom(flow.Dst, flow.DstID)
	want := sourceInfo{version: flow.Version, src: flow.Src, srcPort: flow.SrcID, dontFragment: flow.DontFragment}

	w, err := p.workerFor(destKey, want)
	if err != nil {
		if err == ErrClientQuota {
			if p.reporter != nil {
				p.reporter.Raise("udp_ex_quota", "ex pool at max local endpoints", zap.Int("max", p.maxLocalEndpoints))
			}
			if p.metrics != nil {
				p.metrics.UdpPoolExhaustion.Inc()
			}
		}
		return err
	}

	p.noteRemote(destKey)

	udpAddr := net.UDPAddrFromAddrPort(destKey)
	_, err = w.conn.WriteTo(payload, udpAddr)
	return err
}

func sameSource(a, b sourceInfo) bool {
	return a.src == b.src && a.srcPort == b.srcPort
}

func (p *ExPool) workerFor(destKey netip.AddrPort, want sourceInfo) (*exWorker, error) {
	p.mu.Lock()
	for _, w := range p.workers {
		if info, exists := w.destBindings.Get(destKey); !exists {
			w.destBindings.Set(destKey, want)
			p.mu.Unlock()
			return w, nil
		} else if sameSource(info, want) {
			p.mu.Unlock()
			return w, nil
		}
	}
	if len(p.workers) >= p.maxLocalEndpoints {
		p.mu.Unlock()
		return nil, ErrClientQuota
	}

	conn, err := dialWorker(want.dontFragment)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	w := &exWorker{
		worker:       &worker{conn: conn},
		destBindings: timeoutmap.New[netip.AddrPort, sourceInfo](p.idleTimeout),
	}
	w.destBindings.Set(destKey, want)
	p.workers = append(p.workers, w)
	p.mu.Unlock()

	go w.destBindings.Run(p.ctx, p.sweepInterval)

	if p.hooks.OnNewLocalEndPoint != nil {
		if local, perr := netip.ParseAddrPort(conn.LocalAddr().String()); perr == nil {
			p.hooks.OnNewLocalEndPoint(local)
		}
	}
	go readLoop(conn, p.logger, func(from net.Addr) (sourceInfo, bool) {
		fromAP, perr := netip.ParseAddrPort(from.String())
		if perr != nil {
			return sourceInfo{}, false
		}
		return w.destBindings.Get(fromAP)
	}, p.hooks)

	return w, nil
}

func (p *ExPool) noteRemote(dst netip.AddrPort) {
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

// Close stops every worker's destination-binding sweeper and closes every
// worker socket.
func (p *ExPool) Close() {
	p.cancel()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		_ = w.conn.Close()
	}
}
