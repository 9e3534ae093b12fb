package icmpproxy

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"relaytun/internal/ippacket"
	"relaytun/internal/nat"
)

func TestSendEchoRejectsIPv6(t *testing.T) {
	p := &Pool{nat: nat.New(time.Minute)}
	flow := ippacket.Flow{Version: 6}
	if err := p.SendEcho(flow, 1, nil); err == nil {
		t.Fatal("expected error for ipv6 flow")
	}
}

func TestHandleReplyResolvesNatAndInvokesHook(t *testing.T) {
	natTable := nat.New(time.Minute)
	flow := ippacket.Flow{
		Version: 4, Proto: ippacket.ProtoICMP,
		Src: netip.MustParseAddr("10.0.0.2"), SrcID: 555,
		Dst: netip.MustParseAddr("8.8.8.8"), DstID: 0,
	}
	item, err := natTable.GetOrAdd(flow)
	if err != nil {
		t.Fatalf("GetOrAdd: %v", err)
	}

	var delivered []byte
	p := &Pool{
		nat:   natTable,
		hooks: Hooks{OnReply: func(packet []byte) { delivered = packet }},
	}

	reply := &icmp.Message{
		Type: ipv4.ICMPTypeEchoReply, Code: 0,
		Body: &icmp.Echo{ID: int(item.ReplacementID), Seq: 1, Data: []byte("pong")},
	}
	raw, err := reply.Marshal(nil)
	if err != nil {
		t.Fatalf("marshal reply: %v", err)
	}

	if err := p.handleReply(&net.UDPAddr{IP: net.ParseIP("8.8.8.8")}, raw); err != nil {
		t.Fatalf("handleReply: %v", err)
	}
	if delivered == nil {
		t.Fatal("expected OnReply to be invoked")
	}

	parsed, err := ippacket.ParseFlow(delivered)
	if err != nil {
		t.Fatalf("ParseFlow(delivered): %v", err)
	}
	if parsed.Src.String() != "8.8.8.8" || parsed.Dst.String() != "10.0.0.2" {
		t.Fatalf("rewrapped packet addressed %s -> %s, want 8.8.8.8 -> 10.0.0.2", parsed.Src, parsed.Dst)
	}
}

func TestHandleReplyErrorsWithoutNatEntry(t *testing.T) {
	p := &Pool{nat: nat.New(time.Minute)}

	reply := &icmp.Message{
		Type: ipv4.ICMPTypeEchoReply, Code: 0,
		Body: &icmp.Echo{ID: 12345, Seq: 1, Data: []byte("x")},
	}
	raw, err := reply.Marshal(nil)
	if err != nil {
		t.Fatalf("marshal reply: %v", err)
	}

	if err := p.handleReply(&net.UDPAddr{IP: net.ParseIP("1.2.3.4")}, raw); err == nil {
		t.Fatal("expected error when no nat entry matches")
	}
}

func TestHandleReplyIgnoresNonEchoMessages(t *testing.T) {
	p := &Pool{nat: nat.New(time.Minute)}

	msg := &icmp.Message{
		Type: ipv4.ICMPTypeDestinationUnreachable, Code: 0,
		Body: &icmp.DstUnreach{Data: []byte{0, 0, 0, 0}},
	}
	raw, err := msg.Marshal(nil)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := p.handleReply(&net.UDPAddr{IP: net.ParseIP("1.2.3.4")}, raw); err != nil {
		t.Fatalf("handleReply: %v, want nil (non-echo messages are ignored)", err)
	}
}
