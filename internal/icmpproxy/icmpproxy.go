// Package icmpproxy is the echo-traffic equivalent of the UDP proxy pool
// (spec.md §4.4-adjacent): it relays tunneled ICMP echo requests over an
// unprivileged "ping" socket and wraps replies back into IP packets.
// Grounded directly on cloudflared's ingress.icmpProxy, including its own
// documented IPv4-only limitation (see cloudflared's "TUN-6654 Extend
// support to IPv6" TODO) — this proxy carries the same TODO rather than
// fake IPv6 support.
package icmpproxy

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"go.uber.org/zap"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"relaytun/internal/ippacket"
	"relaytun/internal/nat"
	"relaytun/internal/report"
)

// Hooks lets the owning Session observe proxy activity.
type Hooks struct {
	// OnReply delivers a reply already wrapped as a full IPv4 packet
	// addressed back to the original tunneled source.
	OnReply func(packet []byte)
}

// Pool proxies ICMPv4 echo requests through one shared unprivileged ping
// socket, demultiplexing replies via the shared NAT table keyed on the
// rewritten echo identifier (spec.md §4.5 "ICMP query id").
type Pool struct {
	nat      *nat.Table
	logger   *zap.Logger
	reporter *report.Reporter
	hooks    Hooks

	conn *icmp.PacketConn
}

// New opens the shared ping socket and wires it to nat for reply
// demultiplexing.
func New(natTable *nat.Table, logger *zap.Logger, reporter *report.Reporter, hooks Hooks) (*Pool, error) {
	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		return nil, fmt.Errorf("icmpproxy: listen: %w", err)
	}
	return &Pool{nat: natTable, logger: logger, reporter: reporter, hooks: hooks, conn: conn}, nil
}

// SendEcho rewrites the echo identifier in icmpPayload (a full ICMPv4
// message: type, code, checksum, id, seq, data) to replacementID and sends
// it to flow.Dst, matching the NAT table's allocation for this flow
// (spec.md §4.5).
func (p *Pool) SendEcho(flow ippacket.Flow, replacementID uint16, icmpPayload []byte) error {
	if flow.Version != 4 {
		// TODO: TUN-style follow-up — ICMPv6 echo proxying is not implemented,
		// mirroring the teacher's own unfinished IPv6 ICMP support.
		return fmt.Errorf("icmpproxy: ipv6 not supported")
	}

	msg, err := icmp.ParseMessage(int(ipv4.ICMPTypeEcho.Protocol()), icmpPayload)
	if err != nil {
		return fmt.Errorf("icmpproxy: parse echo request: %w", err)
	}
	echo, ok := msg.Body.(*icmp.Echo)
	if !ok {
		return fmt.Errorf("icmpproxy: not an echo request")
	}
	echo.ID = int(replacementID)
	msg.Body = echo

	serialized, err := msg.Marshal(nil)
	if err != nil {
		return fmt.Errorf("icmpproxy: marshal echo request: %w", err)
	}

	_, err = p.conn.WriteTo(serialized, &net.UDPAddr{IP: flow.Dst.AsSlice()})
	return err
}

// Run reads replies until ctx is canceled, resolving each via the NAT
// table and delivering the rewrapped IP packet through Hooks.OnReply.
// Errors resolving or parsing a reply are logged and dropped (spec.md §7
// "per-packet errors are logged and dropped").
func (p *Pool) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = p.conn.Close()
	}()

	buf := make([]byte, 1500)
	for {
		n, from, err := p.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		if err := p.handleReply(from, buf[:n]); err != nil && p.logger != nil {
			p.logger.Warn("icmpproxy: dropping reply", zap.Error(err))
		}
	}
}

func (p *Pool) handleReply(from net.Addr, raw []byte) error {
	msg, err := icmp.ParseMessage(int(ipv4.ICMPTypeEcho.Protocol()), raw)
	if err != nil {
		return fmt.Errorf("parse reply: %w", err)
	}
	echo, ok := msg.Body.(*icmp.Echo)
	if !ok {
		return nil // not an echo reply (e.g. destination unreachable); nothing to demux
	}

	item, ok := p.nat.Resolve(4, ippacket.ProtoICMP, uint16(echo.ID))
	if !ok {
		return fmt.Errorf("no nat entry for echo id %d", echo.ID)
	}

	echo.ID = int(item.Key.SrcID)
	msg.Body = echo
	serialized, err := msg.Marshal(nil)
	if err != nil {
		return fmt.Errorf("marshal reply: %w", err)
	}

	origSrc, err := netip.ParseAddr(item.Key.Src)
	if err != nil {
		return fmt.Errorf("parse original source: %w", err)
	}
	remote, err := netip.ParseAddr(from.(*net.UDPAddr).IP.String())
	if err != nil {
		return fmt.Errorf("parse reply source: %w", err)
	}

	packet, err := ippacket.BuildICMPv4Packet(remote, origSrc, serialized)
	if err != nil {
		return fmt.Errorf("build reply packet: %w", err)
	}
	if p.hooks.OnReply != nil {
		p.hooks.OnReply(packet)
	}
	return nil
}
