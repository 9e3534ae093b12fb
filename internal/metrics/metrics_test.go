package metrics

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegistryCountersAreObservable(t *testing.T) {
	r := New()
	r.SessionsTotal.Inc()
	r.SessionsActive.Set(3)
	r.SessionTrafficBytes.WithLabelValues("sent").Add(100)
	r.UpstreamSelections.WithLabelValues("host:443").Inc()
	r.UpstreamFailures.WithLabelValues("host:443", "timeout").Inc()

	if got := testutil.ToFloat64(r.SessionsTotal); got != 1 {
		t.Fatalf("SessionsTotal = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.SessionsActive); got != 3 {
		t.Fatalf("SessionsActive = %v, want 3", got)
	}
}

func TestServeExposesMetricsEndpoint(t *testing.T) {
	r := New()
	r.SessionsTotal.Inc()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Serve(ctx, addr) }()

	var body string
	for i := 0; i < 50; i++ {
		resp, err := http.Get(fmt.Sprintf("http://%s/metrics", addr))
		if err == nil {
			b, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			body = string(b)
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	<-errCh

	if !strings.Contains(body, "relaytun_sessions_total 1") {
		t.Fatalf("expected sessions_total in scrape body, got: %s", body)
	}
}

func TestServeRejectsEmptyAddress(t *testing.T) {
	r := New()
	if err := r.Serve(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty listen address")
	}
}
