package ippacket

import (
	"net/netip"
	"testing"
)

func TestBuildAndParseUDPv4Flow(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.2")
	dst := netip.MustParseAddr("8.8.8.8")
	raw, err := BuildUDPPacket(4, src, dst, 5000, 53, true, []byte("hello"))
	if err != nil {
		t.Fatalf("BuildUDPPacket: %v", err)
	}

	f, err := ParseFlow(raw)
	if err != nil {
		t.Fatalf("ParseFlow: %v", err)
	}
	if f.Version != 4 || f.Proto != ProtoUDP || f.SrcID != 5000 || f.DstID != 53 {
		t.Fatalf("unexpected flow: %+v", f)
	}
	if f.Src != src || f.Dst != dst {
		t.Fatalf("unexpected addrs: src=%v dst=%v", f.Src, f.Dst)
	}
	if !f.DontFragment {
		t.Fatal("expected DontFragment to be set")
	}

	payload, err := TransportPayload(raw)
	if err != nil {
		t.Fatalf("TransportPayload: %v", err)
	}
	if string(payload) != "hello" {
		t.Fatalf("payload = %q, want %q", payload, "hello")
	}
}

func TestBuildAndParseUDPv6Flow(t *testing.T) {
	src := netip.MustParseAddr("2001:db8::1")
	dst := netip.MustParseAddr("2001:db8::2")
	raw, err := BuildUDPPacket(6, src, dst, 1234, 443, false, []byte("x"))
	if err != nil {
		t.Fatalf("BuildUDPPacket: %v", err)
	}

	f, err := ParseFlow(raw)
	if err != nil {
		t.Fatalf("ParseFlow: %v", err)
	}
	if f.Version != 6 || f.Proto != ProtoUDP {
		t.Fatalf("unexpected flow: %+v", f)
	}
	if !f.DontFragment {
		t.Fatal("IPv6 flows must always report DontFragment")
	}
}

func TestParseFlowRejectsEmpty(t *testing.T) {
	if _, err := ParseFlow(nil); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestIsIPv4DontFragment(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.2")
	dst := netip.MustParseAddr("10.0.0.3")

	withDF, err := BuildUDPPacket(4, src, dst, 1, 2, true, []byte("a"))
	if err != nil {
		t.Fatalf("BuildUDPPacket: %v", err)
	}
	if !IsIPv4DontFragment(withDF) {
		t.Fatal("expected DF bit detected")
	}

	withoutDF, err := BuildUDPPacket(4, src, dst, 1, 2, false, []byte("a"))
	if err != nil {
		t.Fatalf("BuildUDPPacket: %v", err)
	}
	if IsIPv4DontFragment(withoutDF) {
		t.Fatal("expected DF bit not detected")
	}
}

func TestIPVersionOf(t *testing.T) {
	src4 := netip.MustParseAddr("10.0.0.2")
	dst4 := netip.MustParseAddr("10.0.0.3")
	raw4, _ := BuildUDPPacket(4, src4, dst4, 1, 2, false, []byte("a"))
	if IPVersionOf(raw4) != 4 {
		t.Fatalf("expected version 4, got %d", IPVersionOf(raw4))
	}

	src6 := netip.MustParseAddr("::1")
	dst6 := netip.MustParseAddr("::2")
	raw6, _ := BuildUDPPacket(6, src6, dst6, 1, 2, false, []byte("a"))
	if IPVersionOf(raw6) != 6 {
		t.Fatalf("expected version 6, got %d", IPVersionOf(raw6))
	}

	if IPVersionOf(nil) != 0 {
		t.Fatal("expected 0 for empty input")
	}
}

func TestBuildFragNeededReply(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.2")
	dst := netip.MustParseAddr("203.0.113.5")
	orig, err := BuildUDPPacket(4, src, dst, 1111, 2222, true, make([]byte, 1400))
	if err != nil {
		t.Fatalf("BuildUDPPacket: %v", err)
	}

	reply, err := BuildFragNeededReply(orig, 1280)
	if err != nil {
		t.Fatalf("BuildFragNeededReply: %v", err)
	}

	f, err := ParseFlow(reply)
	if err != nil {
		t.Fatalf("ParseFlow(reply): %v", err)
	}
	// The reply is addressed back to the original source, from the
	// original destination.
	if f.Src != dst || f.Dst != src {
		t.Fatalf("reply not addressed back to sender: src=%v dst=%v", f.Src, f.Dst)
	}
}
