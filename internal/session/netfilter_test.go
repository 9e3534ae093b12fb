package session

import (
	"net"
	"testing"
	"time"
)

func TestNetFilterAllow(t *testing.T) {
	f := NewNetFilter([]string{"10.0.0.0/8"})

	if f.Allow(net.ParseIP("10.1.2.3")) {
		t.Fatalf("expected 10.1.2.3 to be denied")
	}
	if !f.Allow(net.ParseIP("8.8.8.8")) {
		t.Fatalf("expected 8.8.8.8 to be allowed")
	}
}

func TestNetFilterNilAllowsEverything(t *testing.T) {
	var f *NetFilter
	if !f.Allow(net.ParseIP("10.1.2.3")) {
		t.Fatalf("nil filter must allow everything")
	}
}

func TestNetScanDetectorFlagsBurst(t *testing.T) {
	d := NewNetScanDetector(3, time.Minute)

	for i := 0; i < 3; i++ {
		if d.Observe(endpointFor(i)) {
			t.Fatalf("endpoint %d should not be flagged within the burst budget", i)
		}
	}
	if !d.Observe(endpointFor(99)) {
		t.Fatalf("4th distinct endpoint should be flagged as a scan")
	}
}

func TestNetScanDetectorIgnoresRepeats(t *testing.T) {
	d := NewNetScanDetector(1, time.Minute)

	if d.Observe("1.2.3.4:80") {
		t.Fatalf("first endpoint should not be flagged")
	}
	for i := 0; i < 5; i++ {
		if d.Observe("1.2.3.4:80") {
			t.Fatalf("repeated connections to an already-seen endpoint must never count as a scan")
		}
	}
}

func endpointFor(i int) string {
	return net.JoinHostPort(net.IPv4(10, 0, 0, byte(i)).String(), "80")
}
