// Package tunnel implements the per-session fan-in/fan-out hub of
// spec.md §3/§4.1: a bounded queue of outbound packets drained by one sender
// goroutine per datagram channel, MTU/fragmentation policy, and
// speed/traffic accounting.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"relaytun/internal/channel"
	"relaytun/internal/ippacket"
	"relaytun/internal/report"
	"relaytun/internal/wire"
)

// ErrTunnelCongested is returned by SendPackets when the outbound queue
// stays full for the configured datagram timeout (spec.md §4.1/§8).
var ErrTunnelCongested = errors.New("tunnel: congested")

// Config holds the tunable limits of spec.md §4.1. Zero values are replaced
// by the defaults noted below.
type Config struct {
	// QueueCapacity is the hard cap on pending outbound packets. Default 100.
	QueueCapacity int
	// DatagramTimeout bounds how long a producer waits for queue space.
	// Default 100s.
	DatagramTimeout time.Duration
	// MtuNoFragment is the fragmentation-safe MTU; packets at or under it are
	// batched freely. MtuWithFragment is the absolute max a single packet may
	// reach before it is dropped outright.
	MtuNoFragment   int
	MtuWithFragment int
	// MaxDatagramChannelCount bounds how many datagram channels the tunnel
	// keeps at once; the oldest is evicted past this count.
	MaxDatagramChannelCount int
	// AccountingInterval is how often speed/last-activity are recomputed.
	// Default 2s.
	AccountingInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 100
	}
	if c.DatagramTimeout <= 0 {
		c.DatagramTimeout = 100 * time.Second
	}
	if c.MtuNoFragment <= 0 {
		c.MtuNoFragment = 1400
	}
	if c.MtuWithFragment <= 0 {
		c.MtuWithFragment = 8192 // spec.md §9(b): coarse, tunable clamp, preserved as-is
	}
	if c.MaxDatagramChannelCount <= 0 {
		c.MaxDatagramChannelCount = 4
	}
	if c.AccountingInterval <= 0 {
		c.AccountingInterval = 2 * time.Second
	}
}

// datagramEntry tracks one live datagram channel plus the order it was
// added in, so the "oldest is removed" rule has something to scan.
type datagramEntry struct {
	ch      channel.DatagramChannel
	addedAt time.Time
	cancel  context.CancelFunc
}

// Tunnel is the set of channels for one session plus its pending-packet
// queue (spec.md §3 Tunnel).
type Tunnel struct {
	cfg    Config
	logger *zap.Logger
	report *report.Reporter

	// OnPacketReceived is invoked with every batch of packets a channel
	// delivers (after internal control frames, if any, are filtered), and
	// with synthesized ICMP "packet too big" replies from the MTU rules
	// (spec.md §4.1 rule 2). ch is nil for a synthesized reply.
	OnPacketReceived func(packets [][]byte, ch channel.Channel)

	mu           sync.Mutex
	queue        [][]byte
	datagrams    map[string]*datagramEntry
	order        []string // datagram channel ids, oldest first
	kind         channel.Kind
	hasKind      bool
	streamProxy  map[string]channel.Channel
	removedUsage wire.Traffic

	availSem   chan struct{}
	spaceFreed chan struct{} // closed and replaced to broadcast "space freed"

	lastSample     wire.Traffic
	lastSampleTime time.Time
	speed          wire.Traffic
	lastActivity   time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closed bool
}

// New creates a Tunnel. Run must be called to start the accounting loop;
// sender goroutines are started as datagram channels are added.
func New(cfg Config, logger *zap.Logger, reporter *report.Reporter) *Tunnel {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tunnel{
		cfg:         cfg,
		logger:      logger,
		report:      reporter,
		datagrams:   make(map[string]*datagramEntry),
		streamProxy: make(map[string]channel.Channel),
		// Buffered generously: releaseAvailable/releaseSpaceFreed only ever
		// do non-blocking sends, so a small backlog just means a sender
		// wakes up once instead of twice — never a correctness issue.
		availSem:       make(chan struct{}, 4096),
		spaceFreed:     make(chan struct{}),
		ctx:            ctx,
		cancel:         cancel,
		lastSampleTime: time.Now(),
	}
	return t
}

// Run starts the periodic traffic/speed accounting loop (spec.md §4.1
// "Accounting"). It blocks until the tunnel is disposed.
func (t *Tunnel) Run() {
	ticker := time.NewTicker(t.cfg.AccountingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.sampleOnce()
		}
	}
}

func (t *Tunnel) sampleOnce() {
	now := time.Now()
	cur := t.Traffic()

	t.mu.Lock()
	prev := t.lastSample
	prevTime := t.lastSampleTime
	t.lastSample = cur
	t.lastSampleTime = now
	elapsed := now.Sub(prevTime).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}
	delta := cur.Sub(prev)
	t.speed = wire.Traffic{
		Sent:     int64(float64(delta.Sent) / elapsed),
		Received: int64(float64(delta.Received) / elapsed),
	}
	if delta.Sent != 0 || delta.Received != 0 {
		t.lastActivity = now
	}
	t.mu.Unlock()
}

// Traffic sums live channels' counters plus the accumulated usage of
// channels already removed (spec.md §4.1 "traffic = sum over live channels
// + trafficUsage-of-removed").
func (t *Tunnel) Traffic() wire.Traffic {
	t.mu.Lock()
	defer t.mu.Unlock()
	sum := t.removedUsage
	for _, e := range t.datagrams {
		sum = sum.Add(e.ch.Traffic())
	}
	for _, c := range t.streamProxy {
		sum = sum.Add(c.Traffic())
	}
	return sum
}

// Speed returns the most recently computed bytes/sec rates.
func (t *Tunnel) Speed() wire.Traffic {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.speed
}

// LastActivity returns the last time traffic actually changed.
func (t *Tunnel) LastActivity() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastActivity
}

func (t *Tunnel) DatagramChannelCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.datagrams)
}

func (t *Tunnel) StreamProxyChannelCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streamProxy)
}

// AddChannel subscribes to a datagram channel's received event, starts its
// sender worker, and enforces the mutual-exclusion and count-cap invariants
// of spec.md §4.1: adding a channel whose Kind differs from the tunnel's
// current datagram kind evicts every existing datagram channel first;
// exceeding MaxDatagramChannelCount evicts the oldest survivor.
func (t *Tunnel) AddChannel(ch channel.DatagramChannel) {
	t.mu.Lock()
	if t.hasKind && t.kind != ch.Kind() {
		stale := make([]string, 0, len(t.order))
		stale = append(stale, t.order...)
		t.mu.Unlock()
		for _, id := range stale {
			t.RemoveChannel(id)
		}
		t.mu.Lock()
	}
	t.kind = ch.Kind()
	t.hasKind = true

	ctx, cancel := context.WithCancel(t.ctx)
	t.datagrams[ch.ID()] = &datagramEntry{ch: ch, addedAt: time.Now(), cancel: cancel}
	t.order = append(t.order, ch.ID())

	var evictID string
	if len(t.order) > t.cfg.MaxDatagramChannelCount {
		evictID = t.order[0]
		t.order = t.order[1:]
	}
	t.mu.Unlock()

	ch.SetReceiveHandler(func(packets [][]byte) { t.handleReceived(packets, ch) })

	t.wg.Add(2)
	go func() { defer t.wg.Done(); ch.Start() }()
	go func() { defer t.wg.Done(); t.senderLoop(ctx, ch) }()

	if evictID != "" {
		t.RemoveChannel(evictID)
	}
}

// AddStreamProxyChannel registers a StreamProxyChannel. Adding a duplicate
// id is an error (spec.md §4.1 "adding a duplicate is an error").
func (t *Tunnel) AddStreamProxyChannel(ch channel.Channel) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.streamProxy[ch.ID()]; exists {
		return fmt.Errorf("tunnel: duplicate stream proxy channel %q", ch.ID())
	}
	t.streamProxy[ch.ID()] = ch
	return nil
}

// RemoveChannel closes and forgets the channel with the given id, folding
// its final traffic counters into removedUsage. Double-removal is a no-op
// (spec.md §4.1 "double-disposal is idempotent").
func (t *Tunnel) RemoveChannel(id string) {
	t.mu.Lock()
	if e, ok := t.datagrams[id]; ok {
		delete(t.datagrams, id)
		for i, oid := range t.order {
			if oid == id {
				t.order = append(t.order[:i], t.order[i+1:]...)
				break
			}
		}
		t.removedUsage = t.removedUsage.Add(e.ch.Traffic())
		t.mu.Unlock()
		e.cancel()
		_ = e.ch.Close()
		return
	}
	if c, ok := t.streamProxy[id]; ok {
		delete(t.streamProxy, id)
		t.removedUsage = t.removedUsage.Add(c.Traffic())
		t.mu.Unlock()
		_ = c.Close()
		return
	}
	t.mu.Unlock()
}

// handleReceived is the receive callback wired onto every datagram channel.
// Errors are logged and swallowed per spec.md §4.1 "Receiver".
func (t *Tunnel) handleReceived(packets [][]byte, ch channel.Channel) {
	if t.OnPacketReceived == nil || len(packets) == 0 {
		return
	}
	t.OnPacketReceived(packets, ch)
}

// SendPackets enqueues packets for delivery over whichever datagram
// channels are attached, blocking a producer against backpressure up to
// DatagramTimeout per packet (spec.md §4.1 "Queue discipline", §8 boundary
// behavior).
func (t *Tunnel) SendPackets(ctx context.Context, packets [][]byte) error {
	for _, p := range packets {
		if err := t.enqueueOne(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tunnel) enqueueOne(ctx context.Context, p []byte) error {
	deadline := time.Now().Add(t.cfg.DatagramTimeout)
	for {
		t.mu.Lock()
		if len(t.queue) < t.cfg.QueueCapacity {
			t.queue = append(t.queue, p)
			n := len(t.datagrams)
			t.mu.Unlock()
			t.releaseAvailable(n)
			return nil
		}
		wait := t.spaceFreed
		t.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrTunnelCongested
		}
		timer := time.NewTimer(remaining)
		select {
		case <-wait:
			timer.Stop()
		case <-timer.C:
			return ErrTunnelCongested
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-t.ctx.Done():
			timer.Stop()
			return ErrTunnelCongested
		}
	}
}

// releaseAvailable posts up to n non-blocking permits on the
// packets-available semaphore, one per datagram channel so every sender
// gets a chance to wake (spec.md §4.1).
func (t *Tunnel) releaseAvailable(n int) {
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		select {
		case t.availSem <- struct{}{}:
		default:
		}
	}
}

// releaseSpaceFreed broadcasts "a slot just opened up" by closing the
// current signal channel and replacing it, waking every producer parked in
// enqueueOne (the channel-replacement broadcast idiom: a closed channel
// delivers to every receiver selecting on it, unlike a buffered send).
func (t *Tunnel) releaseSpaceFreed() {
	t.mu.Lock()
	old := t.spaceFreed
	t.spaceFreed = make(chan struct{})
	t.mu.Unlock()
	close(old)
}

func (t *Tunnel) popLocked() []byte {
	p := t.queue[0]
	t.queue = t.queue[1:]
	return p
}

// drainBatch atomically pulls the next batch of packets off the queue,
// applying the MTU rules of spec.md §4.1 rule 1-4. Oversized-with-DF
// packets are dropped and trigger a synthesized ICMP reply instead of
// appearing in the returned batch.
func (t *Tunnel) drainBatch() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	var batch [][]byte
	cum := 0
	for len(t.queue) > 0 {
		p := t.queue[0]
		switch {
		case len(p) > t.cfg.MtuWithFragment:
			t.popLocked()
			if t.report != nil {
				t.report.Raise("tunnel_mtu_drop", "dropping packet over absolute MTU", zap.Int("size", len(p)))
			}
		case len(p) > t.cfg.MtuNoFragment:
			if ippacket.IsIPv4DontFragment(p) {
				t.popLocked()
				t.emitFragNeededLocked(p)
				continue
			}
			if len(batch) > 0 {
				return batch
			}
			t.popLocked()
			return [][]byte{p}
		default:
			if len(batch) > 0 && cum+len(p) >= t.cfg.MtuNoFragment {
				return batch
			}
			t.popLocked()
			batch = append(batch, p)
			cum += len(p)
		}
	}
	return batch
}

// emitFragNeededLocked must be called with t.mu held; it unlocks briefly to
// call OnPacketReceived without holding the queue lock during user code.
func (t *Tunnel) emitFragNeededLocked(original []byte) {
	if ippacket.IPVersionOf(original) != 4 {
		return
	}
	reply, err := ippacket.BuildFragNeededReply(original, uint16(t.cfg.MtuNoFragment))
	if err != nil {
		if t.logger != nil {
			t.logger.Warn("tunnel: failed building frag-needed reply", zap.Error(err))
		}
		return
	}
	cb := t.OnPacketReceived
	t.mu.Unlock()
	if cb != nil {
		cb([][]byte{reply}, nil)
	}
	t.mu.Lock()
}

// senderLoop is spawned once per datagram channel (spec.md §4.1 "Sender
// workers"). On a send failure it re-enqueues the batch and, if the channel
// is no longer connected, removes it.
func (t *Tunnel) senderLoop(ctx context.Context, ch channel.DatagramChannel) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.availSem:
		}

		batch := t.drainBatch()
		if len(batch) == 0 {
			continue
		}

		if err := ch.SendPackets(batch); err != nil {
			if t.logger != nil {
				t.logger.Warn("tunnel: channel send failed", zap.String("channel", ch.ID()), zap.Error(err))
			}
			if sendErr := t.SendPackets(ctx, batch); sendErr != nil && t.logger != nil {
				t.logger.Warn("tunnel: re-enqueue after failed send also failed", zap.Error(sendErr))
			}
			if !ch.Connected() {
				t.RemoveChannel(ch.ID())
				return
			}
			continue
		}

		t.releaseSpaceFreed()
		// Give siblings another shot at the queue, matching "release one
		// permit on each of the two semaphores after a successful send".
		t.releaseAvailable(1)
	}
}

// Dispose cancels every sender/receiver goroutine and unblocks any producer
// waiting in SendPackets. Double-dispose is a no-op.
func (t *Tunnel) Dispose() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	ids := make([]string, 0, len(t.datagrams)+len(t.streamProxy))
	for id := range t.datagrams {
		ids = append(ids, id)
	}
	for id := range t.streamProxy {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	t.cancel()

	// Release enough permits on both signals to guarantee every waiter
	// observes either a permit or ctx.Done (spec.md §5 "Cancellation &
	// timeouts").
	unblockCount := t.cfg.MaxDatagramChannelCount*10 + 1
	for i := 0; i < unblockCount; i++ {
		select {
		case t.availSem <- struct{}{}:
		default:
		}
		t.releaseSpaceFreed()
	}

	for _, id := range ids {
		t.RemoveChannel(id)
	}
	t.wg.Wait()
}
