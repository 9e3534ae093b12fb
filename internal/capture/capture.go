// Package capture defines the narrow platform packet-capture interface
// spec.md §9 calls for ("Dynamic dispatch over platform packet capture":
// start, stop, send_inbound, send_outbound?, protect_socket?, dns_servers?,
// include_networks, mtu?, on_packet_received, on_stopped). Platform packet
// capture drivers themselves are a spec.md §1/§7 non-goal; this package
// only carries the adapter shape the client core depends on, plus a
// loopback implementation useful for tests and for running without a TUN
// device.
package capture

import (
	"context"
	"io"
	"net"
	"sync"
)

// Adapter is the capability surface internal/client depends on; platform
// packages (Linux TUN, Windows WinTun, Android VpnService, …) implement it
// and never themselves export more than this.
type Adapter interface {
	// Start begins delivering captured packets to the handler passed to
	// SetPacketHandler; it is idempotent.
	Start(ctx context.Context) error
	// Stop halts capture; OnStopped fires once delivery has drained.
	Stop() error
	// SendInbound writes a reply packet back toward the OS/application.
	SendInbound(packet []byte) error
	// SendOutbound optionally lets the adapter push a packet out its own
	// route instead of through the tunnel (pass-through policy, spec.md
	// §4.6); nil if the platform has no such fast path.
	SendOutbound(packet []byte) error
	// ProtectSocket optionally excludes fd from the capture rule set so the
	// tunnel's own upstream connections don't loop back into themselves;
	// no-op on platforms without a protect-socket primitive.
	ProtectSocket(fd int) error
	// SetDNSServers configures the DNS servers the platform should expose
	// while the capture is active, if the platform supports it.
	SetDNSServers(servers []net.IP) error
	// IncludeNetworks declares which destination CIDRs should be captured;
	// called before Start.
	IncludeNetworks(cidrs []string) error
	// MTU returns the MTU the platform chose for the capture device, or 0
	// if not yet known/applicable.
	MTU() int

	SetPacketHandler(fn func(packet []byte))
	SetStoppedHandler(fn func(err error))
}

// Loopback is an Adapter that exchanges packets over an in-process pipe
// instead of a real platform device — useful for tests, and for running
// relaytun-client with no TUN capture at all. Grounded on the teacher's tun_engine.go start/stop shape, stripped
// of the tun2socks/gvisor netstack the spec places out of scope.
type Loopback struct {
	mu       sync.Mutex
	started  bool
	onPacket func([]byte)
	onStop   func(error)
	mtu      int
}

func NewLoopback(mtu int) *Loopback {
	if mtu <= 0 {
		mtu = 1500
	}
	return &Loopback{mtu: mtu}
}

func (l *Loopback) Start(ctx context.Context) error {
	l.mu.Lock()
	l.started = true
	l.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = l.Stop()
	}()
	return nil
}

func (l *Loopback) Stop() error {
	l.mu.Lock()
	wasStarted := l.started
	l.started = false
	onStop := l.onStop
	l.mu.Unlock()
	if wasStarted && onStop != nil {
		onStop(nil)
	}
	return nil
}

// Inject simulates the platform handing a captured packet to the client
// core, as if it had arrived on the real device.
func (l *Loopback) Inject(packet []byte) {
	l.mu.Lock()
	fn := l.onPacket
	started := l.started
	l.mu.Unlock()
	if started && fn != nil {
		fn(packet)
	}
}

func (l *Loopback) SendInbound(packet []byte) error {
	if !l.isStarted() {
		return io.ErrClosedPipe
	}
	return nil
}

func (l *Loopback) SendOutbound(packet []byte) error { return nil }
func (l *Loopback) ProtectSocket(fd int) error        { return nil }
func (l *Loopback) SetDNSServers(servers []net.IP) error { return nil }
func (l *Loopback) IncludeNetworks(cidrs []string) error { return nil }
func (l *Loopback) MTU() int                          { return l.mtu }

func (l *Loopback) SetPacketHandler(fn func([]byte)) {
	l.mu.Lock()
	l.onPacket = fn
	l.mu.Unlock()
}

func (l *Loopback) SetStoppedHandler(fn func(error)) {
	l.mu.Lock()
	l.onStop = fn
	l.mu.Unlock()
}

func (l *Loopback) isStarted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started
}
