package client

import (
	"net/netip"
	"testing"

	"relaytun/internal/ippacket"
)

func mustUDPPacket(t *testing.T, dst string, dstPort uint16) []byte {
	t.Helper()
	src := netip.MustParseAddr("10.0.0.2")
	d := netip.MustParseAddr(dst)
	raw, err := ippacket.BuildUDPPacket(4, src, d, 54321, dstPort, false, []byte("payload"))
	if err != nil {
		t.Fatalf("BuildUDPPacket: %v", err)
	}
	return raw
}

func TestClassifyDNSAlwaysTunnels(t *testing.T) {
	raw := mustUDPPacket(t, "8.8.8.8", 53)
	action, _ := Classify(raw, ClassifyPolicy{})
	if action != ActionTunnel {
		t.Fatalf("expected ActionTunnel for DNS without rewrite, got %v", action)
	}

	action, _ = Classify(raw, ClassifyPolicy{RewriteDNS: true})
	if action != ActionTunnelRewriteDNS {
		t.Fatalf("expected ActionTunnelRewriteDNS, got %v", action)
	}
}

func TestClassifyUDPInRangeTunnels(t *testing.T) {
	ranges, err := ParsePrefixes([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatalf("ParsePrefixes: %v", err)
	}
	raw := mustUDPPacket(t, "10.1.2.3", 9999)
	action, _ := Classify(raw, ClassifyPolicy{IncludeRanges: ranges})
	if action != ActionTunnel {
		t.Fatalf("expected ActionTunnel for in-range UDP, got %v", action)
	}
}

func TestClassifyUDPOutOfRangePassthroughOrDrop(t *testing.T) {
	raw := mustUDPPacket(t, "203.0.113.9", 9999)

	action, _ := Classify(raw, ClassifyPolicy{})
	if action != ActionPassthrough {
		t.Fatalf("expected ActionPassthrough by default, got %v", action)
	}

	action, _ = Classify(raw, ClassifyPolicy{DropUDPOutOfRange: true})
	if action != ActionDrop {
		t.Fatalf("expected ActionDrop with policy set, got %v", action)
	}
}
