// Package report implements the rate-limited EventReporter described in
// spec.md §3: a log sink that either logs immediately (first event after an
// idle period) or coalesces repeats into a periodic summary with a count.
package report

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Reporter coalesces bursts of the same named event into one log line plus a
// trailing count, instead of flooding the log.
type Reporter struct {
	logger *zap.Logger
	period time.Duration

	mu    sync.Mutex
	state map[string]*eventState
}

type eventState struct {
	limiter   *rate.Limiter
	count     int
	lastFlush time.Time
}

// New creates a Reporter that allows at most one immediate log line per
// named event per period; anything raised in between is coalesced and
// flushed as a count the next time the period elapses and the event fires
// again.
func New(logger *zap.Logger, period time.Duration) *Reporter {
	if period <= 0 {
		period = 30 * time.Second
	}
	return &Reporter{
		logger: logger,
		period: period,
		state:  make(map[string]*eventState),
	}
}

// Raise records one occurrence of name. On the first occurrence after an
// idle period it logs immediately at msg; subsequent occurrences within the
// period are coalesced and surface as "msg (n coalesced)" the next time the
// limiter allows a flush.
func (r *Reporter) Raise(name, msg string, fields ...zap.Field) {
	r.mu.Lock()
	st, ok := r.state[name]
	if !ok {
		st = &eventState{limiter: rate.NewLimiter(rate.Every(r.period), 1)}
		r.state[name] = st
	}
	st.count++
	allowed := st.limiter.Allow()
	var coalesced int
	if allowed {
		coalesced = st.count - 1
		st.count = 0
		st.lastFlush = time.Now()
	}
	r.mu.Unlock()

	if !allowed {
		return
	}
	if coalesced > 0 {
		fields = append(fields, zap.Int("coalesced", coalesced))
	}
	r.logger.Warn(msg, fields...)
}

// Count returns how many times name has fired since the last flush, for
// tests and diagnostics.
func (r *Reporter) Count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.state[name]; ok {
		return st.count
	}
	return 0
}
