package report

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func TestRaiseLogsFirstOccurrenceImmediately(t *testing.T) {
	logger := zap.NewNop()
	r := New(logger, time.Minute)

	r.Raise("netscan", "burst of distinct endpoints detected")

	// Raise resets the per-event counter back to 0 once it flushes, so a
	// second call within the same period should coalesce instead of log.
	if got := r.Count("netscan"); got != 0 {
		t.Fatalf("Count after first flush = %d, want 0", got)
	}
}

func TestRaiseCoalescesRepeatsWithinPeriod(t *testing.T) {
	r := New(zap.NewNop(), time.Hour)

	r.Raise("udp-pool-exhausted", "dropping datagram")
	r.Raise("udp-pool-exhausted", "dropping datagram")
	r.Raise("udp-pool-exhausted", "dropping datagram")

	if got := r.Count("udp-pool-exhausted"); got != 2 {
		t.Fatalf("Count = %d, want 2 coalesced occurrences", got)
	}
}

func TestRaiseDefaultsZeroPeriod(t *testing.T) {
	r := New(zap.NewNop(), 0)
	if r.period != 30*time.Second {
		t.Fatalf("period = %v, want 30s default", r.period)
	}
}

func TestRaiseFlushesAgainAfterPeriodElapses(t *testing.T) {
	r := New(zap.NewNop(), 10*time.Millisecond)
	r.Raise("nat-pressure", "nat table nearly full")

	// Force the limiter to believe the period has already elapsed, rather
	// than sleeping in the test.
	r.mu.Lock()
	st := r.state["nat-pressure"]
	st.limiter = rate.NewLimiter(rate.Every(time.Nanosecond), 1)
	r.mu.Unlock()

	r.Raise("nat-pressure", "nat table nearly full")
	if got := r.Count("nat-pressure"); got != 0 {
		t.Fatalf("Count after second flush = %d, want 0", got)
	}
}
