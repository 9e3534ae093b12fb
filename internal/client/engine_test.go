package client

import (
	"net/netip"
	"testing"

	"relaytun/internal/ippacket"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return &Engine{
		dnsRewrites: make(map[uint16]netip.Addr),
		upstreamDNS: netip.MustParseAddrPort("1.1.1.1:53"),
	}
}

func TestRewriteOutboundDNSRedirectsToUpstream(t *testing.T) {
	e := newTestEngine(t)
	raw := mustUDPPacket(t, "8.8.8.8", 53)
	flow, err := ippacket.ParseFlow(raw)
	if err != nil {
		t.Fatalf("ParseFlow: %v", err)
	}

	rewritten, err := e.rewriteOutboundDNS(raw, flow)
	if err != nil {
		t.Fatalf("rewriteOutboundDNS: %v", err)
	}

	out, err := ippacket.ParseFlow(rewritten)
	if err != nil {
		t.Fatalf("ParseFlow(rewritten): %v", err)
	}
	if out.Dst.String() != "1.1.1.1" || out.DstID != 53 {
		t.Fatalf("rewritten dst = %s:%d, want 1.1.1.1:53", out.Dst, out.DstID)
	}

	orig, ok := e.dnsRewrites[flow.SrcID]
	if !ok || orig.String() != "8.8.8.8" {
		t.Fatalf("expected original destination 8.8.8.8 recorded for port %d, got %v (ok=%v)", flow.SrcID, orig, ok)
	}
}

func TestRewriteInboundDNSRestoresOriginalSource(t *testing.T) {
	e := newTestEngine(t)
	outbound := mustUDPPacket(t, "8.8.8.8", 53)
	flow, _ := ippacket.ParseFlow(outbound)

	if _, err := e.rewriteOutboundDNS(outbound, flow); err != nil {
		t.Fatalf("rewriteOutboundDNS: %v", err)
	}

	// Simulate the resolver's reply arriving from the upstream, addressed
	// back to the original client port.
	reply, err := ippacket.BuildUDPPacket(4, netip.MustParseAddr("1.1.1.1"), netip.MustParseAddr("10.0.0.2"), 53, flow.SrcID, false, []byte("reply"))
	if err != nil {
		t.Fatalf("BuildUDPPacket: %v", err)
	}

	rewritten := e.rewriteInboundDNS(reply)
	out, err := ippacket.ParseFlow(rewritten)
	if err != nil {
		t.Fatalf("ParseFlow(rewritten): %v", err)
	}
	if out.Src.String() != "8.8.8.8" {
		t.Fatalf("rewritten src = %s, want 8.8.8.8", out.Src)
	}

	if _, ok := e.dnsRewrites[flow.SrcID]; ok {
		t.Fatalf("expected pending rewrite entry to be consumed")
	}
}

func TestRewriteInboundDNSPassesThroughUnrelatedTraffic(t *testing.T) {
	e := newTestEngine(t)
	raw := mustUDPPacket(t, "10.1.2.3", 9999)
	if got := e.rewriteInboundDNS(raw); string(got) != string(raw) {
		t.Fatalf("expected unrelated packet to pass through unchanged")
	}
}
