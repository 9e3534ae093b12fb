package session

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"relaytun/internal/metrics"
)

// NetFilter decides whether a StreamProxyChannel request's destination is
// allowed to reach the Internet (spec.md §4.3 check 1). The zero value
// allows everything; the CIDRs passed to NewNetFilter narrow it.
type NetFilter struct {
	mu   sync.RWMutex
	deny []*net.IPNet
}

// NewNetFilter builds a filter denying the given CIDR blocks.
func NewNetFilter(denyCIDRs []string) *NetFilter {
	f := &NetFilter{}
	for _, c := range denyCIDRs {
		if _, n, err := net.ParseCIDR(c); err == nil {
			f.deny = append(f.deny, n)
		}
	}
	return f
}

// Allow reports whether host (already resolved to an IP) may be dialed.
func (f *NetFilter) Allow(ip net.IP) bool {
	if f == nil {
		return true
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, n := range f.deny {
		if n.Contains(ip) {
			return false
		}
	}
	return true
}

// NetScanDetector flags a session that opens too many distinct remote
// endpoints too quickly (spec.md §4.3 check 2, §9 "NetScan"), grounded on
// the same golang.org/x/time/rate limiter internal/report.Reporter uses:
// each distinct endpoint consumes one token from a per-session burst
// bucket that refills at burstWindow/burstLimit.
type NetScanDetector struct {
	limiter *rate.Limiter
	metrics *metrics.Registry

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewNetScanDetector allows burstLimit distinct endpoints per window before
// flagging further ones as a scan.
func NewNetScanDetector(burstLimit int, window time.Duration) *NetScanDetector {
	if burstLimit <= 0 {
		burstLimit = 20
	}
	if window <= 0 {
		window = 10 * time.Second
	}
	return &NetScanDetector{
		limiter: rate.NewLimiter(rate.Limit(float64(burstLimit)/window.Seconds()), burstLimit),
		seen:    make(map[string]struct{}),
	}
}

// WithMetrics attaches a registry Observe reports detected scans to.
// Optional: nil skips the counter.
func (d *NetScanDetector) WithMetrics(m *metrics.Registry) *NetScanDetector {
	d.metrics = m
	return d
}

// Observe records one connection attempt to endpoint and reports whether it
// should be treated as part of a scan. Repeated attempts to an
// already-seen endpoint never count against the burst budget.
func (d *NetScanDetector) Observe(endpoint string) (isScan bool) {
	d.mu.Lock()
	_, known := d.seen[endpoint]
	if !known {
		d.seen[endpoint] = struct{}{}
	}
	d.mu.Unlock()

	if known {
		return false
	}
	isScan = !d.limiter.Allow()
	if isScan && d.metrics != nil {
		d.metrics.NetScanDetections.Inc()
	}
	return isScan
}
