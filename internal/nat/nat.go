// Package nat implements the NAT table of spec.md §4.5: a mapping from
// (proto, src, dst, id) to an allocated replacement id, used to rewrite
// outbound packets so replies can be routed back to the original tunneled
// source.
package nat

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"relaytun/internal/ippacket"
	"relaytun/internal/metrics"
)

// Key is the forward lookup key: everything about a flow except the
// allocated replacement id.
type Key struct {
	Version ippacket.IPVersion
	Proto   ippacket.Proto
	Src     string // netip.Addr.String(), comparable map key
	SrcID   uint16
	Dst     string
	DstID   uint16
}

// Item is one NAT table entry (spec.md §3 NatItem).
type Item struct {
	Key           Key
	ReplacementID uint16
	lastSeen      atomicTime
}

type atomicTime struct {
	mu sync.Mutex
	t  time.Time
}

func (a *atomicTime) get() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t
}

func (a *atomicTime) set(t time.Time) {
	a.mu.Lock()
	a.t = t
	a.mu.Unlock()
}

// bucketKey groups NAT state by (version, protocol) so each bucket can be
// guarded by its own lock (spec.md §4.5 "one lock per (version, protocol)
// bucket").
type bucketKey struct {
	Version ippacket.IPVersion
	Proto   ippacket.Proto
}

type bucket struct {
	mu       sync.Mutex
	forward  map[Key]*Item
	reverse  map[uint16]*Item // replacement id -> item
	nextScan uint32
}

// Table is the NAT table. IdleTimeout entries are evicted by Run's
// background sweep.
type Table struct {
	IdleTimeout time.Duration

	mu      sync.Mutex
	buckets map[bucketKey]*bucket

	clockNow func() time.Time
	metrics  *metrics.Registry
}

// New creates a Table with the given idle timeout.
func New(idleTimeout time.Duration) *Table {
	return &Table{
		IdleTimeout: idleTimeout,
		buckets:     make(map[bucketKey]*bucket),
		clockNow:    time.Now,
	}
}

// WithMetrics attaches a registry sweepOnce reports the live entry count to.
// Optional: nil skips the gauge.
func (t *Table) WithMetrics(m *metrics.Registry) *Table {
	t.metrics = m
	return t
}

func (t *Table) bucketFor(bk bucketKey) *bucket {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.buckets[bk]
	if !ok {
		b = &bucket{
			forward:  make(map[Key]*Item),
			reverse:  make(map[uint16]*Item),
			nextScan: uint32(rand.Intn(1 << 16)),
		}
		t.buckets[bk] = b
	}
	return b
}

// GetOrAdd returns the existing Item for key, refreshing its last-seen
// timestamp, or allocates a new replacement id and inserts an Item
// (spec.md §4.5 get_or_add). Allocation scans candidates starting from a
// random base, skipping ids already in use in this (version, protocol)
// bucket, so ReplacementID is unique within it while the item is live
// (spec.md §8 invariant).
func (t *Table) GetOrAdd(flow ippacket.Flow) (*Item, error) {
	bk := bucketKey{Version: flow.Version, Proto: flow.Proto}
	key := Key{
		Version: flow.Version, Proto: flow.Proto,
		Src: flow.Src.String(), SrcID: flow.SrcID,
		Dst: flow.Dst.String(), DstID: flow.DstID,
	}

	b := t.bucketFor(bk)
	now := t.clockNow()

	b.mu.Lock()
	defer b.mu.Unlock()

	if item, ok := b.forward[key]; ok {
		item.lastSeen.set(now)
		return item, nil
	}

	id, err := b.allocateLocked()
	if err != nil {
		return nil, err
	}

	item := &Item{Key: key, ReplacementID: id}
	item.lastSeen.set(now)
	b.forward[key] = item
	b.reverse[id] = item
	return item, nil
}

// allocateLocked must be called with b.mu held.
func (b *bucket) allocateLocked() (uint16, error) {
	for i := 0; i < 1<<16; i++ {
		candidate := uint16(b.nextScan + uint32(i))
		if candidate == 0 {
			continue // reserve 0 as "unallocated"
		}
		if _, inUse := b.reverse[candidate]; !inUse {
			b.nextScan = uint32(candidate) + 1
			return candidate, nil
		}
	}
	return 0, ErrPoolExhausted
}

// Resolve reverses the mapping for a reply packet carrying replacementID in
// the given (version, protocol) bucket (spec.md §4.5 resolve).
func (t *Table) Resolve(version ippacket.IPVersion, proto ippacket.Proto, replacementID uint16) (*Item, bool) {
	bk := bucketKey{Version: version, Proto: proto}
	t.mu.Lock()
	b, ok := t.buckets[bk]
	t.mu.Unlock()
	if !ok {
		return nil, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	item, ok := b.reverse[replacementID]
	if ok {
		item.lastSeen.set(t.clockNow())
	}
	return item, ok
}

// Run starts the background eviction pass described in spec.md §4.5,
// sweeping every bucket every interval until ctx is canceled.
func (t *Table) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweepOnce()
		}
	}
}

func (t *Table) sweepOnce() {
	now := t.clockNow()
	t.mu.Lock()
	buckets := make([]*bucket, 0, len(t.buckets))
	for _, b := range t.buckets {
		buckets = append(buckets, b)
	}
	t.mu.Unlock()

	var live int
	for _, b := range buckets {
		b.mu.Lock()
		for k, item := range b.forward {
			if now.Sub(item.lastSeen.get()) > t.IdleTimeout {
				delete(b.forward, k)
				delete(b.reverse, item.ReplacementID)
			}
		}
		live += len(b.forward)
		b.mu.Unlock()
	}

	if t.metrics != nil {
		t.metrics.NatTableSize.Set(float64(live))
	}
}

// poolExhaustedError backs ErrPoolExhausted, returned by GetOrAdd when a (version, protocol)
// bucket has no free replacement ids left (practically unreachable at
// 65535 concurrent flows, but the scan must terminate).
type poolExhaustedError struct{}

func (poolExhaustedError) Error() string { return "nat: replacement id pool exhausted" }

// ErrPoolExhausted is returned when GetOrAdd cannot find a free replacement
// id in a (version, protocol) bucket.
var ErrPoolExhausted error = poolExhaustedError{}
