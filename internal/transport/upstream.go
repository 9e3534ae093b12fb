package transport

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"relaytun/internal/metrics"
)

// ErrNoHealthyEndpoint is returned when every known host endpoint is
// unhealthy or in cooldown.
var ErrNoHealthyEndpoint = errors.New("transport: no healthy host endpoint")

type endpointHealth struct {
	healthy       bool
	failCount     int
	successCount  int
	rttEWMA       time.Duration
	lastErr       error
	cooldownUntil time.Time
	nextCheck     time.Time
}

type endpointState struct {
	ep HostEndPoint
	mu sync.Mutex
	h  endpointHealth
}

// HealthcheckOptions tunes how often and how aggressively endpoints are
// probed, generalized from the teacher's HealthcheckConfig (internal/lb.go)
// down to the single control-channel axis relaytun needs.
type HealthcheckOptions struct {
	Interval         time.Duration
	Timeout          time.Duration
	FailThreshold    int
	SuccessThreshold int
	Cooldown         time.Duration
	MinSwitch        time.Duration
	StickyTTL        time.Duration
	WarmStandbyN     int
}

func (o *HealthcheckOptions) setDefaults() {
	if o.Interval <= 0 {
		o.Interval = 15 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.FailThreshold <= 0 {
		o.FailThreshold = 2
	}
	if o.SuccessThreshold <= 0 {
		o.SuccessThreshold = 1
	}
	if o.Cooldown <= 0 {
		o.Cooldown = 20 * time.Second
	}
	if o.MinSwitch <= 0 {
		o.MinSwitch = 20 * time.Millisecond
	}
	if o.StickyTTL <= 0 {
		o.StickyTTL = 60 * time.Second
	}
}

// UpstreamPicker selects the best of a token's several host endpoints to
// dial, health-checking each in the background and favoring the sticky
// current endpoint via hysteresis (spec.md §4.7 Hello describes multiple
// TcpEndPoints; picking among them is left to the client). Grounded on the
// teacher's LoadBalancer (internal/lb.go), collapsed from its separate
// TCP/UDP health axes to the one control-channel axis relaytun needs.
type UpstreamPicker struct {
	opts    HealthcheckOptions
	logger  *zap.Logger
	metrics *metrics.Registry

	mu      sync.Mutex
	pool    []*endpointState
	current *endpointState
	sticky  time.Time
}

func NewUpstreamPicker(endpoints []HostEndPoint, opts HealthcheckOptions, logger *zap.Logger) *UpstreamPicker {
	opts.setDefaults()
	pool := make([]*endpointState, 0, len(endpoints))
	for _, ep := range endpoints {
		pool = append(pool, &endpointState{ep: ep})
	}
	return &UpstreamPicker{opts: opts, logger: logger, pool: pool}
}

// WithMetrics attaches a metrics registry the picker reports endpoint
// selections and failures to. Optional: a nil or never-called picker simply
// skips the counters.
func (p *UpstreamPicker) WithMetrics(m *metrics.Registry) *UpstreamPicker {
	p.metrics = m
	return p
}

// Pick returns the best currently-healthy endpoint, preferring the sticky
// current choice when it is still healthy and not much worse than the best
// candidate (hysteresis, mirroring the teacher's pickByEndpoint).
func (p *UpstreamPicker) Pick() (HostEndPoint, error) {
	now := time.Now()

	p.mu.Lock()
	cur := p.current
	sticky := p.sticky
	pool := append([]*endpointState(nil), p.pool...)
	p.mu.Unlock()

	if cur != nil && now.Before(sticky) {
		cur.mu.Lock()
		ok := cur.h.healthy && now.After(cur.h.cooldownUntil)
		cur.mu.Unlock()
		if ok {
			return cur.ep, nil
		}
	}

	best, bestRTT := p.bestCandidate(pool, now)
	if best == nil {
		return HostEndPoint{}, ErrNoHealthyEndpoint
	}

	if cur != nil {
		cur.mu.Lock()
		curOK := cur.h.healthy && now.After(cur.h.cooldownUntil)
		curRTT := cur.h.rttEWMA
		cur.mu.Unlock()
		if curOK && curRTT > 0 && bestRTT > 0 && curRTT-bestRTT < p.opts.MinSwitch {
			p.setCurrent(cur, now)
			return cur.ep, nil
		}
	}

	p.setCurrent(best, now)
	return best.ep, nil
}

func (p *UpstreamPicker) setCurrent(s *endpointState, now time.Time) {
	p.mu.Lock()
	p.current = s
	p.sticky = now.Add(p.opts.StickyTTL)
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.UpstreamSelections.WithLabelValues(s.ep.String()).Inc()
	}
}

func (p *UpstreamPicker) bestCandidate(pool []*endpointState, now time.Time) (*endpointState, time.Duration) {
	var best *endpointState
	bestScore := float64(1 << 62)
	var bestRTT time.Duration

	for _, s := range pool {
		s.mu.Lock()
		h := s.h
		s.mu.Unlock()

		if !h.healthy || now.Before(h.cooldownUntil) {
			continue
		}
		base := float64(h.rttEWMA.Milliseconds())
		if base <= 0 {
			base = 1000
		}
		score := base + float64(h.failCount)*500
		if score < bestScore {
			bestScore = score
			best = s
			bestRTT = h.rttEWMA
		}
	}
	return best, bestRTT
}

// ReportFailure starts ep's cooldown and, once its consecutive failures
// reach FailThreshold, marks it unhealthy; called by the caller after a
// dial or request against ep fails.
func (p *UpstreamPicker) ReportFailure(ep HostEndPoint, err error) {
	s := p.find(ep)
	if s == nil {
		return
	}
	now := time.Now()
	s.mu.Lock()
	s.h.lastErr = err
	s.h.failCount++
	s.h.successCount = 0
	if s.h.failCount >= p.opts.FailThreshold {
		s.h.healthy = false
	}
	s.h.cooldownUntil = now.Add(p.opts.Cooldown)
	s.mu.Unlock()

	p.mu.Lock()
	if p.current == s {
		p.sticky = time.Time{}
	}
	p.mu.Unlock()

	if p.metrics != nil {
		reason := "dial_error"
		if err != nil {
			reason = errReason(err)
		}
		p.metrics.UpstreamFailures.WithLabelValues(ep.String(), reason).Inc()
	}
}

// errReason collapses an error to a short, low-cardinality label for the
// upstream_failures_total metric.
func errReason(err error) string {
	if err == nil {
		return "unknown"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "dial_error"
}

// ReportSuccess records a successful dial/RTT sample for ep.
func (p *UpstreamPicker) ReportSuccess(ep HostEndPoint, rtt time.Duration) {
	s := p.find(ep)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.h.lastErr = nil
	s.h.failCount = 0
	s.h.successCount++
	if s.h.rttEWMA == 0 {
		s.h.rttEWMA = rtt
	} else {
		s.h.rttEWMA = time.Duration(float64(s.h.rttEWMA)*0.8 + float64(rtt)*0.2)
	}
	if s.h.successCount >= p.opts.SuccessThreshold {
		s.h.healthy = true
	}
}

func (p *UpstreamPicker) find(ep HostEndPoint) *endpointState {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.pool {
		if s.ep == ep {
			return s
		}
	}
	return nil
}

// RunHealthChecks probes every endpoint on opts.Interval using probe until
// ctx is cancelled.
func (p *UpstreamPicker) RunHealthChecks(ctx context.Context, probe func(context.Context, HostEndPoint) (time.Duration, error)) {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			pool := append([]*endpointState(nil), p.pool...)
			p.mu.Unlock()
			for _, s := range pool {
				s := s
				delay := jitter(0, p.opts.Interval/4)
				time.AfterFunc(delay, func() { p.checkOne(ctx, s, probe) })
			}
		}
	}
}

func (p *UpstreamPicker) checkOne(parent context.Context, s *endpointState, probe func(context.Context, HostEndPoint) (time.Duration, error)) {
	ctx, cancel := context.WithTimeout(parent, p.opts.Timeout)
	defer cancel()
	rtt, err := probe(ctx, s.ep)
	if err != nil {
		p.ReportFailure(s.ep, err)
		if p.logger != nil {
			p.logger.Debug("transport: endpoint healthcheck failed", zap.String("endpoint", s.ep.String()), zap.Error(err))
		}
		return
	}
	p.ReportSuccess(s.ep, rtt)
}

// jitter mirrors the teacher's applyJitter: spread periodic checks so a
// fleet of clients doesn't probe every endpoint in lockstep.
func jitter(base, spread time.Duration) time.Duration {
	if spread <= 0 {
		return base
	}
	delta := time.Duration(rand.Int63n(int64(spread)*2)) - spread
	return base + delta
}
