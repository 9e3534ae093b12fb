// Package ippacket decodes just enough of a raw IP packet's headers for the
// NAT table, proxy pools and client classifier to key on — IP version,
// transport protocol, addresses, and the port/ICMP-id "id" field. Grounded
// on github.com/google/gopacket, the packet-decoding library the pack's
// cloudflared repo depends on directly.
package ippacket

import (
	"errors"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// IPVersion is 4 or 6.
type IPVersion uint8

// Proto is the transport-layer protocol a flow is keyed on.
type Proto uint8

const (
	ProtoTCP  Proto = 6
	ProtoUDP  Proto = 17
	ProtoICMP Proto = 1 // also used for ICMPv6 (58), normalized here
)

// Flow is the tuple NatItem and the proxy pools key on (spec.md §3/§4.5).
type Flow struct {
	Version IPVersion
	Proto   Proto
	Src     netip.Addr
	Dst     netip.Addr
	// SrcID is the source port for TCP/UDP, or the ICMP echo query id for
	// ICMP/ICMPv6.
	SrcID uint16
	DstID uint16
	// DontFragment is true for IPv4 packets with the DF bit set, and always
	// true for IPv6 (which has no in-network fragmentation), per spec.md
	// §4.1 rule 2 and §4.4 "NoFragment propagation".
	DontFragment bool
}

var (
	ErrUnsupportedProto = errors.New("ippacket: unsupported transport protocol")
	ErrTruncated        = errors.New("ippacket: truncated packet")
)

// ParseFlow decodes raw as an IPv4 or IPv6 packet and extracts its Flow key.
// Packets whose transport protocol is not TCP/UDP/ICMP/ICMPv6 return
// ErrUnsupportedProto.
func ParseFlow(raw []byte) (Flow, error) {
	if len(raw) == 0 {
		return Flow{}, ErrTruncated
	}

	version := raw[0] >> 4
	var lt gopacket.LayerType
	switch version {
	case 4:
		lt = layers.LayerTypeIPv4
	case 6:
		lt = layers.LayerTypeIPv6
	default:
		return Flow{}, ErrTruncated
	}

	pkt := gopacket.NewPacket(raw, lt, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	if errLayer := pkt.ErrorLayer(); errLayer != nil {
		return Flow{}, errLayer
	}

	var f Flow
	if v4 := pkt.Layer(layers.LayerTypeIPv4); v4 != nil {
		ip := v4.(*layers.IPv4)
		f.Version = 4
		f.Src, _ = netip.AddrFromSlice(ip.SrcIP.To4())
		f.Dst, _ = netip.AddrFromSlice(ip.DstIP.To4())
		f.DontFragment = ip.Flags&layers.IPv4DontFragment != 0
	} else if v6 := pkt.Layer(layers.LayerTypeIPv6); v6 != nil {
		ip := v6.(*layers.IPv6)
		f.Version = 6
		f.Src, _ = netip.AddrFromSlice(ip.SrcIP.To16())
		f.Dst, _ = netip.AddrFromSlice(ip.DstIP.To16())
		f.DontFragment = true
	} else {
		return Flow{}, ErrTruncated
	}

	switch {
	case pkt.Layer(layers.LayerTypeTCP) != nil:
		tcp := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		f.Proto = ProtoTCP
		f.SrcID = uint16(tcp.SrcPort)
		f.DstID = uint16(tcp.DstPort)
	case pkt.Layer(layers.LayerTypeUDP) != nil:
		udp := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		f.Proto = ProtoUDP
		f.SrcID = uint16(udp.SrcPort)
		f.DstID = uint16(udp.DstPort)
	case pkt.Layer(layers.LayerTypeICMPv4) != nil:
		icmp := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
		f.Proto = ProtoICMP
		f.SrcID = icmp.Id
		f.DstID = icmp.Id
	case pkt.Layer(layers.LayerTypeICMPv6) != nil:
		icmp := pkt.Layer(layers.LayerTypeICMPv6).(*layers.ICMPv6)
		f.Proto = ProtoICMP
		// ICMPv6 echo id/seq live in the message body, not the common header.
		if echo := pkt.Layer(layers.LayerTypeICMPv6Echo); echo != nil {
			e := echo.(*layers.ICMPv6Echo)
			f.SrcID = e.Identifier
			f.DstID = e.Identifier
		}
		_ = icmp
	default:
		return Flow{}, ErrUnsupportedProto
	}

	return f, nil
}

// TransportPayload extracts the bytes a proxy pool actually forwards: the
// UDP payload for a UDP flow, or the full ICMP message (header and data)
// for an ICMP/ICMPv6 flow. TCP flows have no use here — StreamProxyChannel
// carries TCP payload directly over its byte stream instead.
func TransportPayload(raw []byte) ([]byte, error) {
	version := IPVersionOf(raw)
	var lt gopacket.LayerType
	switch version {
	case 4:
		lt = layers.LayerTypeIPv4
	case 6:
		lt = layers.LayerTypeIPv6
	default:
		return nil, ErrTruncated
	}

	pkt := gopacket.NewPacket(raw, lt, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	if errLayer := pkt.ErrorLayer(); errLayer != nil {
		return nil, errLayer
	}

	if udp := pkt.Layer(layers.LayerTypeUDP); udp != nil {
		return udp.(*layers.UDP).Payload, nil
	}
	if icmp4 := pkt.Layer(layers.LayerTypeICMPv4); icmp4 != nil {
		return append(append([]byte{}, icmp4.LayerContents()...), icmp4.LayerPayload()...), nil
	}
	if icmp6 := pkt.Layer(layers.LayerTypeICMPv6); icmp6 != nil {
		return append(append([]byte{}, icmp6.LayerContents()...), icmp6.LayerPayload()...), nil
	}
	return nil, ErrUnsupportedProto
}

// IsIPv4DontFragment reports whether raw is an IPv4 packet with the DF bit
// set, without requiring its transport layer to be one ParseFlow
// understands (spec.md §4.1 rule 2 only needs the IP header).
func IsIPv4DontFragment(raw []byte) bool {
	if len(raw) < 20 || raw[0]>>4 != 4 {
		return false
	}
	flagsAndFrag := uint16(raw[6])<<8 | uint16(raw[7])
	return flagsAndFrag&0x4000 != 0 // bit 1 of the 3-bit flags field
}

// IPVersionOf returns 4 or 6 for a well-formed packet, or 0.
func IPVersionOf(raw []byte) uint8 {
	if len(raw) == 0 {
		return 0
	}
	v := raw[0] >> 4
	if v == 4 || v == 6 {
		return v
	}
	return 0
}

// BuildFragNeededReply constructs an ICMPv4 "Destination Unreachable /
// Fragmentation Needed" (type 3, code 4) packet in reply to an oversized
// IPv4 datagram that had the DF bit set, advertising nextHopMTU, per
// spec.md §4.1 rule 2 (MTU discovery). The reply's source is the original
// packet's destination and its destination is the original source, mirroring
// what a real on-path router would send back upstream through the tunnel.
func BuildFragNeededReply(original []byte, nextHopMTU uint16) ([]byte, error) {
	if len(original) < 20 || original[0]>>4 != 4 {
		return nil, ErrTruncated
	}
	var origIP layers.IPv4
	if err := origIP.DecodeFromBytes(original, gopacket.NilDecodeFeedback); err != nil {
		return nil, err
	}

	payload := original
	if len(payload) > 28 { // original IP header (<=60) + first 8 bytes of its payload
		hlen := int(origIP.IHL) * 4
		end := hlen + 8
		if end > len(payload) {
			end = len(payload)
		}
		payload = payload[:end]
	}

	replyIP := layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       origIP.Id,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    origIP.DstIP,
		DstIP:    origIP.SrcIP,
	}
	icmp := layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodeFragmentationNeeded),
		Seq:      nextHopMTU, // low 16 bits of the 32-bit "unused" field carry next-hop MTU
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, &replyIP, &icmp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildUDPPacket serializes a full IPv4/IPv6 + UDP datagram carrying
// payload, used by the UDP proxy pools to wrap a reply received on a
// managed socket back into a tunneled IP packet addressed to the original
// tunneled source (spec.md §4.4).
func BuildUDPPacket(version IPVersion, src, dst netip.Addr, srcPort, dstPort uint16, dontFragment bool, payload []byte) ([]byte, error) {
	udp := layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

	switch version {
	case 4:
		ip := layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    src.AsSlice(),
			DstIP:    dst.AsSlice(),
		}
		if dontFragment {
			ip.Flags = layers.IPv4DontFragment
		}
		if err := udp.SetNetworkLayerForChecksum(&ip); err != nil {
			return nil, err
		}
		if err := gopacket.SerializeLayers(buf, opts, &ip, &udp, gopacket.Payload(payload)); err != nil {
			return nil, err
		}
	case 6:
		ip := layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      src.AsSlice(),
			DstIP:      dst.AsSlice(),
		}
		if err := udp.SetNetworkLayerForChecksum(&ip); err != nil {
			return nil, err
		}
		if err := gopacket.SerializeLayers(buf, opts, &ip, &udp, gopacket.Payload(payload)); err != nil {
			return nil, err
		}
	default:
		return nil, ErrUnsupportedProto
	}
	return buf.Bytes(), nil
}

// BuildICMPv4Packet wraps an already-marshaled ICMPv4 message (header,
// checksum and all) in an IPv4 header, for the ICMP proxy pool's reply
// path (spec.md §4.4-adjacent "ICMP proxy pool").
func BuildICMPv4Packet(src, dst netip.Addr, icmpPayload []byte) ([]byte, error) {
	ip := layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    src.AsSlice(),
		DstIP:    dst.AsSlice(),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, &ip, gopacket.Payload(icmpPayload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildPacketTooBigReplyV6 constructs an ICMPv6 "Packet Too Big" (type 2)
// message for an oversized IPv6 datagram (IPv6 has no DF bit — every
// datagram is effectively "don't fragment" in transit, spec.md §4.4).
func BuildPacketTooBigReplyV6(original []byte, mtu uint32) ([]byte, error) {
	if len(original) < 40 || original[0]>>4 != 6 {
		return nil, ErrTruncated
	}
	var origIP layers.IPv6
	if err := origIP.DecodeFromBytes(original, gopacket.NilDecodeFeedback); err != nil {
		return nil, err
	}

	payload := original
	if len(payload) > 1232 {
		payload = payload[:1232] // 40 + 8 + 1232 = 1280: the reply fits the minimum IPv6 MTU
	}

	replyIP := layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: layers.IPProtocolICMPv6,
		SrcIP:      origIP.DstIP,
		DstIP:      origIP.SrcIP,
	}
	icmp := layers.ICMPv6{
		TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypePacketTooBig, 0),
	}
	if err := icmp.SetNetworkLayerForChecksum(&replyIP); err != nil {
		return nil, err
	}

	mtuBuf := []byte{byte(mtu >> 24), byte(mtu >> 16), byte(mtu >> 8), byte(mtu)}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, &replyIP, &icmp, gopacket.Payload(mtuBuf), gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
