// Package udpproxy implements the two UDP proxy pool variants of spec.md
// §4.4: a Simple pool keyed by source endpoint and a port-efficient Ex pool
// keyed by (source, destination), both backed by managed local UDP sockets.
// Grounded on the teacher's tun_udp_porttable_linux.go: one worker per key,
// an idle sweep, and lazy worker creation up to a configured cap.
package udpproxy

import (
	"fmt"
	"net"
	"net/netip"

	"go.uber.org/zap"

	"relaytun/internal/ippacket"
)

// ErrClientQuota is returned when a pool would exceed its configured worker
// cap (spec.md §4.4, wire.UdpClientQuota upstream).
var ErrClientQuota = fmt.Errorf("udpproxy: client quota exceeded")

// Hooks lets the owning Session observe pool activity for logging and
// NetScan enforcement (spec.md §4.4 "call on_new_end_point upward").
type Hooks struct {
	OnNewRemoteEndPoint func(netip.AddrPort)
	OnNewLocalEndPoint  func(netip.AddrPort)
	// OnReply delivers a reply datagram, already wrapped as a full IP
	// packet addressed back to the original tunneled source, for
	// injection into the session's Tunnel.
	OnReply func(packet []byte)
}

// worker owns one local UDP socket used to relay traffic for one or more
// tunneled sources (Simple: exactly one; Ex: one per distinct local
// endpoint, shared across destinations).
type worker struct {
	conn net.PacketConn
}

type sourceInfo struct {
	version      ippacket.IPVersion
	src          netip.Addr
	srcPort      uint16
	dontFragment bool
}

func dialWorker(dontFragment bool) (net.PacketConn, error) {
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, fmt.Errorf("udpproxy: dial: %w", err)
	}
	if dontFragment {
		setDontFragment(conn)
	}
	return conn, nil
}

// readLoop relays replies from conn back through hooks.OnReply, wrapped as
// IP packets addressed to src. It returns when conn is closed.
func readLoop(conn net.PacketConn, logger *zap.Logger, lookup func(from net.Addr) (sourceInfo, bool), hooks Hooks) {
	buf := make([]byte, 64*1024)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		info, ok := lookup(from)
		if !ok {
			continue
		}
		destAddr, destPort, err := splitHostPort(from)
		if err != nil {
			continue
		}
		packet, err := ippacket.BuildUDPPacket(info.version, destAddr, info.src, destPort, info.srcPort, info.dontFragment, buf[:n])
		if err != nil {
			if logger != nil {
				logger.Warn("udpproxy: failed wrapping reply", zap.Error(err))
			}
			continue
		}
		if hooks.OnReply != nil {
			hooks.OnReply(packet)
		}
	}
}

func splitHostPort(addr net.Addr) (netip.Addr, uint16, error) {
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.Addr{}, 0, err
	}
	return ap.Addr(), ap.Port(), nil
}
