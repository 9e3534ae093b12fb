//go:build !linux

package udpproxy

import "net"

// setDontFragment is a no-op outside Linux; DF propagation is best effort
// and platform-specific (spec.md §4.4).
func setDontFragment(net.PacketConn) {}
