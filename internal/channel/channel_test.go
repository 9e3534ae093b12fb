package channel

import (
	"bytes"
	"net"
	"testing"
	"time"
)

func mustUDPPair(t *testing.T) (a, b *net.UDPConn) {
	t.Helper()
	pa, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen a: %v", err)
	}
	pb, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen b: %v", err)
	}
	return pa, pb
}

func TestUdpChannelSealAndOpenRoundTrip(t *testing.T) {
	a, b := mustUDPPair(t)
	defer a.Close()
	defer b.Close()

	key := bytes.Repeat([]byte{0x42}, 32)
	client, err := NewUdpChannel("c1", a, b.LocalAddr(), 7, key, false)
	if err != nil {
		t.Fatalf("NewUdpChannel client: %v", err)
	}
	server, err := NewUdpChannel("c1", b, a.LocalAddr(), 7, key, true)
	if err != nil {
		t.Fatalf("NewUdpChannel server: %v", err)
	}

	received := make(chan []byte, 1)
	server.SetReceiveHandler(func(packets [][]byte) { received <- packets[0] })

	if err := client.SendPackets([][]byte{[]byte("hello server")}); err != nil {
		t.Fatalf("SendPackets: %v", err)
	}

	buf := make([]byte, 2048)
	b.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err := b.ReadFrom(buf)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if err := server.HandleDatagram(buf[:n]); err != nil {
		t.Fatalf("HandleDatagram: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != "hello server" {
			t.Fatalf("got %q, want %q", got, "hello server")
		}
	default:
		t.Fatal("receive handler was not invoked")
	}

	if got := client.Traffic().Sent; got == 0 {
		t.Fatalf("client Traffic().Sent = %d, want > 0", got)
	}
	if got := server.Traffic().Received; got == 0 {
		t.Fatalf("server Traffic().Received = %d, want > 0", got)
	}
}

func TestUdpChannelRejectsSessionMismatch(t *testing.T) {
	a, b := mustUDPPair(t)
	defer a.Close()
	defer b.Close()

	key := bytes.Repeat([]byte{0x11}, 32)
	wrong, err := NewUdpChannel("c2", b, a.LocalAddr(), 99, key, true)
	if err != nil {
		t.Fatalf("NewUdpChannel: %v", err)
	}

	raw := make([]byte, 32)
	// Session id field (first 8 bytes) left at 7, which does not match 99.
	raw[7] = 7
	if err := wrong.HandleDatagram(raw); err != errSessionMismatch {
		t.Fatalf("HandleDatagram error = %v, want errSessionMismatch", err)
	}
}

func TestUdpChannelRejectsShortDatagram(t *testing.T) {
	a, b := mustUDPPair(t)
	defer a.Close()
	defer b.Close()

	key := bytes.Repeat([]byte{0x11}, 32)
	c, err := NewUdpChannel("c3", b, a.LocalAddr(), 1, key, true)
	if err != nil {
		t.Fatalf("NewUdpChannel: %v", err)
	}
	if err := c.HandleDatagram([]byte{1, 2, 3}); err != errShortDatagram {
		t.Fatalf("HandleDatagram error = %v, want errShortDatagram", err)
	}
}

func TestStreamProxyChannelBridgesBothDirections(t *testing.T) {
	tunnelSide, tunnelRemote := net.Pipe()
	hostSide, hostRemote := net.Pipe()

	ch := NewStreamProxyChannel("sp1", tunnelSide, hostSide, 0)
	done := make(chan error, 1)
	go func() { done <- ch.Run() }()

	go tunnelRemote.Write([]byte("request"))

	buf := make([]byte, 32)
	hostRemote.SetReadDeadline(time.Now().Add(time.Second))
	n, err := hostRemote.Read(buf)
	if err != nil {
		t.Fatalf("host side read: %v", err)
	}
	if string(buf[:n]) != "request" {
		t.Fatalf("host side got %q, want %q", buf[:n], "request")
	}

	go hostRemote.Write([]byte("response"))

	tunnelRemoteBuf := make([]byte, 32)
	tunnelRemote.SetReadDeadline(time.Now().Add(time.Second))
	n2, err := tunnelRemote.Read(tunnelRemoteBuf)
	if err != nil {
		t.Fatalf("tunnel side read: %v", err)
	}
	if string(tunnelRemoteBuf[:n2]) != "response" {
		t.Fatalf("tunnel side got %q, want %q", tunnelRemoteBuf[:n2], "response")
	}

	// Closing both remote ends lets the channel's copy goroutines observe
	// EOF and Run return.
	tunnelRemote.Close()
	hostRemote.Close()

	<-done
	if ch.Connected() {
		t.Fatal("expected channel to be closed after Run returns")
	}
}
