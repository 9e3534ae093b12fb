package client

import (
	"net"
	"net/netip"

	"relaytun/internal/ippacket"
)

// Action says what the client core should do with one captured packet
// (spec.md §4.6).
type Action int

const (
	// ActionDrop discards the packet silently.
	ActionDrop Action = iota
	// ActionTunnel sends the packet through the tunnel as-is.
	ActionTunnel
	// ActionTunnelRewriteDNS sends the packet through the tunnel after
	// rewriting its destination to the configured upstream DNS server; the
	// original destination is remembered so the reply can be rewritten back.
	ActionTunnelRewriteDNS
	// ActionInterceptTCP redirects the packet's connection to the loopback
	// catcher instead of tunneling the raw packet.
	ActionInterceptTCP
	// ActionPassthrough lets the packet leave the host directly, bypassing
	// the tunnel.
	ActionPassthrough
)

func (a Action) String() string {
	switch a {
	case ActionDrop:
		return "drop"
	case ActionTunnel:
		return "tunnel"
	case ActionTunnelRewriteDNS:
		return "tunnel-rewrite-dns"
	case ActionInterceptTCP:
		return "intercept-tcp"
	case ActionPassthrough:
		return "passthrough"
	default:
		return "unknown"
	}
}

// ClassifyPolicy carries the parts of the client config that Classify
// consults (spec.md §4.6).
type ClassifyPolicy struct {
	IncludeRanges       []netip.Prefix
	PacketCaptureRanges []netip.Prefix
	RewriteDNS          bool
	DropUDPOutOfRange   bool
}

// Classify decides what to do with one captured IP packet, per the rules of
// spec.md §4.6: DNS always tunnels (optionally rewritten); in-range TCP is
// redirected to the loopback catcher; ICMP echo tunnels; in-range UDP
// tunnels, else passthrough or drop per policy; IPv6 control traffic (ICMPv6
// neighbor/router solicitation, protocol 58 types 133-137) is dropped;
// anything else out of range follows policy.
func Classify(raw []byte, policy ClassifyPolicy) (Action, ippacket.Flow) {
	flow, err := ippacket.ParseFlow(raw)
	if err != nil {
		return ActionDrop, ippacket.Flow{}
	}

	switch flow.Proto {
	case ippacket.ProtoUDP:
		if flow.DstID == 53 {
			if policy.RewriteDNS {
				return ActionTunnelRewriteDNS, flow
			}
			return ActionTunnel, flow
		}
		if inRanges(flow.Dst, policy.IncludeRanges) {
			return ActionTunnel, flow
		}
		if policy.DropUDPOutOfRange {
			return ActionDrop, flow
		}
		return ActionPassthrough, flow

	case ippacket.ProtoICMP:
		if isIPv6ControlMessage(raw, flow) {
			return ActionDrop, flow
		}
		return ActionTunnel, flow

	case ippacket.ProtoTCP:
		if inRanges(flow.Dst, policy.PacketCaptureRanges) && !inRanges(flow.Dst, excludedRanges) {
			return ActionInterceptTCP, flow
		}
		return ActionPassthrough, flow

	default:
		return ActionDrop, flow
	}
}

// excludedRanges is empty by default; callers needing a deny-list compose it
// into PacketCaptureRanges themselves (spec.md §4.6 "not excluded").
var excludedRanges []netip.Prefix

func inRanges(ip netip.Addr, ranges []netip.Prefix) bool {
	for _, p := range ranges {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// isIPv6ControlMessage reports whether raw is an ICMPv6 neighbor/router
// solicitation or advertisement (types 133-137), which spec.md §4.6 says to
// drop rather than tunnel.
func isIPv6ControlMessage(raw []byte, flow ippacket.Flow) bool {
	if flow.Version != 6 {
		return false
	}
	payload, err := ippacket.TransportPayload(raw)
	if err != nil || len(payload) == 0 {
		return false
	}
	t := payload[0]
	return t >= 133 && t <= 137
}

// ParsePrefixes is a small convenience wrapper so callers building
// ClassifyPolicy.IncludeRanges from string CIDRs don't need to import
// net/netip directly in config loading.
func ParsePrefixes(cidrs []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(c)
		if err != nil {
			if ip := net.ParseIP(c); ip != nil {
				if addr, ok := netip.AddrFromSlice(ip.To4()); ok {
					p = netip.PrefixFrom(addr, 32)
				} else {
					continue
				}
			} else {
				continue
			}
		}
		out = append(out, p)
	}
	return out, nil
}
