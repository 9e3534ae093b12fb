// Package channel implements the three channel variants of spec.md §3/§4.2:
// StreamProxyChannel (TCP passthrough), StreamDatagramChannel (length-framed
// datagrams over TLS/TCP) and UdpChannel (AEAD-sealed datagrams over raw
// UDP).
package channel

import (
	"sync/atomic"

	"relaytun/internal/wire"
)

// Kind distinguishes the datagram-channel transports the Tunnel must keep
// mutually exclusive (spec.md §3 Tunnel invariants).
type Kind int

const (
	KindStreamDatagram Kind = iota
	KindUdp
	KindStreamProxy
)

func (k Kind) String() string {
	switch k {
	case KindStreamDatagram:
		return "stream-datagram"
	case KindUdp:
		return "udp"
	case KindStreamProxy:
		return "stream-proxy"
	default:
		return "unknown"
	}
}

// Channel is the behavior common to all three variants (spec.md §3).
type Channel interface {
	ID() string
	Kind() Kind
	Connected() bool
	Traffic() wire.Traffic
	Close() error
}

// DatagramChannel is a Channel that carries whole IP packets, either
// StreamDatagramChannel or UdpChannel (spec.md §4.1/§4.2).
type DatagramChannel interface {
	Channel
	// SendPackets writes a batch of packets as one unit of the underlying
	// framing (one WS/TLS write, or one UDP datagram per packet).
	SendPackets(packets [][]byte) error
	// SetReceiveHandler installs the callback invoked with each batch of
	// packets the channel receives. Must be called before Start.
	SetReceiveHandler(func(packets [][]byte))
	// Start begins the channel's receive loop; it returns when the
	// underlying transport closes or errs.
	Start()
}

// trafficCounter is embedded by all three channel implementations to track
// sent/received bytes (spec.md §3 "Each channel carries a traffic counter").
type trafficCounter struct {
	sent     int64
	received int64
}

func (t *trafficCounter) addSent(n int) { atomic.AddInt64(&t.sent, int64(n)) }
func (t *trafficCounter) addReceived(n int) { atomic.AddInt64(&t.received, int64(n)) }

// Traffic returns the sent/received byte counters accumulated so far,
// satisfying the Channel interface for every embedding type.
func (t *trafficCounter) Traffic() wire.Traffic {
	return wire.Traffic{
		Sent:     atomic.LoadInt64(&t.sent),
		Received: atomic.LoadInt64(&t.received),
	}
}
