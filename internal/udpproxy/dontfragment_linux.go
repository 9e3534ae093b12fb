//go:build linux

package udpproxy

import (
	"net"

	"golang.org/x/sys/unix"
)

// setDontFragment propagates the original packet's don't-fragment semantic
// onto the outbound socket (spec.md §4.4 "NoFragment propagation"), best
// effort: failures are ignored since not every kernel/NIC combination
// honors IP_MTU_DISCOVER.
func setDontFragment(conn net.PacketConn) {
	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		return
	}
	rawConn, err := udpConn.SyscallConn()
	if err != nil {
		return
	}
	_ = rawConn.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DO)
	})
}
