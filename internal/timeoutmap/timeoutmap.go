// Package timeoutmap implements the "timeout dictionary" abstraction used by
// the NAT table and both UDP proxy pools: a map whose entries expire after an
// idle interval, with a background sweeper doing the eviction.
package timeoutmap

import (
	"context"
	"sync"
	"time"
)

// Map is a concurrency-safe map[K]V whose entries carry a last-touched
// timestamp. Get refreshes the timestamp; a periodic Sweep (started via Run)
// evicts anything idle longer than ttl.
type Map[K comparable, V any] struct {
	ttl      time.Duration
	mu       sync.Mutex
	entries  map[K]*entry[V]
	onEvict  func(K, V)
	clockNow func() time.Time
}

type entry[V any] struct {
	value    V
	lastUsed time.Time
}

// Option configures a Map at construction time.
type Option[K comparable, V any] func(*Map[K, V])

// WithEvictCallback registers a hook invoked (outside the lock) for every
// entry removed by idle expiry or explicit Delete.
func WithEvictCallback[K comparable, V any](f func(K, V)) Option[K, V] {
	return func(m *Map[K, V]) { m.onEvict = f }
}

// New creates a Map with the given idle timeout.
func New[K comparable, V any](ttl time.Duration, opts ...Option[K, V]) *Map[K, V] {
	m := &Map[K, V]{
		ttl:      ttl,
		entries:  make(map[K]*entry[V]),
		clockNow: time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Get returns the value for key, refreshing its last-used timestamp on hit.
func (m *Map[K, V]) Get(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	e.lastUsed = m.clockNow()
	return e.value, true
}

// GetOrAdd returns the existing entry for key, or calls create to build and
// store a new one. create runs outside the lock so it may block.
func (m *Map[K, V]) GetOrAdd(key K, create func() (V, error)) (V, bool, error) {
	m.mu.Lock()
	if e, ok := m.entries[key]; ok {
		e.lastUsed = m.clockNow()
		m.mu.Unlock()
		return e.value, false, nil
	}
	m.mu.Unlock()

	v, err := create()
	if err != nil {
		var zero V
		return zero, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		// Lost the race; keep the winner, discard ours.
		e.lastUsed = m.clockNow()
		return e.value, false, nil
	}
	m.entries[key] = &entry[V]{value: v, lastUsed: m.clockNow()}
	return v, true, nil
}

// Set inserts or replaces the value for key.
func (m *Map[K, V]) Set(key K, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = &entry[V]{value: value, lastUsed: m.clockNow()}
}

// Delete removes key, firing the evict callback if one is registered.
func (m *Map[K, V]) Delete(key K) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if ok {
		delete(m.entries, key)
	}
	m.mu.Unlock()
	if ok && m.onEvict != nil {
		m.onEvict(key, e.value)
	}
}

// Len returns the current entry count.
func (m *Map[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Range calls f for a snapshot of all entries. f must not call back into m.
func (m *Map[K, V]) Range(f func(K, V)) {
	m.mu.Lock()
	snap := make(map[K]V, len(m.entries))
	for k, e := range m.entries {
		snap[k] = e.value
	}
	m.mu.Unlock()
	for k, v := range snap {
		f(k, v)
	}
}

// sweepOnce evicts everything idle past ttl and returns the evicted pairs.
func (m *Map[K, V]) sweepOnce() []evicted[K, V] {
	now := m.clockNow()
	m.mu.Lock()
	var victims []evicted[K, V]
	for k, e := range m.entries {
		if now.Sub(e.lastUsed) > m.ttl {
			victims = append(victims, evicted[K, V]{k, e.value})
			delete(m.entries, k)
		}
	}
	m.mu.Unlock()
	return victims
}

type evicted[K comparable, V any] struct {
	key   K
	value V
}

// Run starts a background sweeper that evicts idle entries every interval,
// until ctx is canceled. Call it once per Map from a long-lived goroutine.
func (m *Map[K, V]) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, v := range m.sweepOnce() {
				if m.onEvict != nil {
					m.onEvict(v.key, v.value)
				}
			}
		}
	}
}
