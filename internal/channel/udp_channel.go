package channel

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
)

// UdpChannel carries AEAD-sealed datagrams over raw UDP (spec.md §4.2):
// <8-byte session id><8-byte seq><1-byte flags><AEAD ciphertext>, with
// nonce = seq(8) || sessionID(8). Exactly one UdpChannel may exist per
// Tunnel (spec.md §3).
type UdpChannel struct {
	trafficCounter
	id        string
	conn      net.PacketConn
	peer      net.Addr
	sessionID uint64
	aead      cipher.AEAD

	seq       uint64 // outbound monotonic counter
	connected int32

	onRecv func([][]byte)

	// direction flags distinguish client->server vs server->client traffic
	// sharing the same key, matching the spec's "direction flag" field.
	localDirection byte
}

const (
	udpDirClientToServer byte = 0
	udpDirServerToClient byte = 1
)

// NewUdpChannel builds a channel bound to sessionID and sealed with
// sessionKey (an AES key of 16, 24 or 32 bytes). isServer picks which direction byte
// this endpoint stamps on outbound datagrams.
func NewUdpChannel(id string, conn net.PacketConn, peer net.Addr, sessionID uint64, sessionKey []byte, isServer bool) (*UdpChannel, error) {
	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("channel: udp cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, 16)
	if err != nil {
		return nil, fmt.Errorf("channel: udp aead: %w", err)
	}
	dir := udpDirClientToServer
	if isServer {
		dir = udpDirServerToClient
	}
	return &UdpChannel{
		id: id, conn: conn, peer: peer, sessionID: sessionID, aead: aead,
		connected: 1, localDirection: dir,
	}, nil
}

func (c *UdpChannel) ID() string     { return c.id }
func (c *UdpChannel) Kind() Kind      { return KindUdp }
func (c *UdpChannel) Connected() bool { return atomic.LoadInt32(&c.connected) == 1 }

func (c *UdpChannel) Close() error {
	if !atomic.CompareAndSwapInt32(&c.connected, 1, 0) {
		return nil
	}
	return c.conn.Close()
}

func (c *UdpChannel) SetReceiveHandler(f func([][]byte)) { c.onRecv = f }

// SendPackets seals and sends each packet as its own UDP datagram (one
// packet per send_packets batch element; UDP has no framing to batch).
func (c *UdpChannel) SendPackets(packets [][]byte) error {
	for _, p := range packets {
		if err := c.sendOne(p); err != nil {
			return err
		}
	}
	return nil
}

func (c *UdpChannel) sendOne(payload []byte) error {
	seq := atomic.AddUint64(&c.seq, 1) - 1
	nonce := make([]byte, 16)
	binary.BigEndian.PutUint64(nonce[0:8], seq)
	binary.BigEndian.PutUint64(nonce[8:16], c.sessionID)

	sealed := c.aead.Seal(nil, nonce, payload, nil)

	out := make([]byte, 8+8+1+len(sealed))
	binary.BigEndian.PutUint64(out[0:8], c.sessionID)
	binary.BigEndian.PutUint64(out[8:16], seq)
	out[16] = c.localDirection
	copy(out[17:], sealed)

	n, err := c.conn.WriteTo(out, c.peer)
	c.addSent(n)
	return err
}

var (
	errShortDatagram  = errors.New("channel: udp datagram too short")
	errSessionMismatch = errors.New("channel: udp session id mismatch")
)

// HandleDatagram decrypts one received raw UDP datagram and, on success,
// delivers it to the receive handler. Out-of-order and duplicate datagrams
// are accepted without any special handling (spec.md §4.2 — idempotent at
// the IP layer above).
func (c *UdpChannel) HandleDatagram(raw []byte) error {
	if len(raw) < 17 {
		return errShortDatagram
	}
	sid := binary.BigEndian.Uint64(raw[0:8])
	if sid != c.sessionID {
		return errSessionMismatch
	}
	seq := raw[8:16]
	nonce := make([]byte, 16)
	copy(nonce[0:8], seq)
	binary.BigEndian.PutUint64(nonce[8:16], sid)

	plain, err := c.aead.Open(nil, nonce, raw[17:], nil)
	if err != nil {
		return fmt.Errorf("channel: udp open: %w", err)
	}
	c.addReceived(len(raw))
	if c.onRecv != nil {
		c.onRecv([][]byte{plain})
	}
	return nil
}

// Start is a no-op for UdpChannel: datagrams arrive on a socket shared by
// many channels (the session listener demuxes by session id and calls
// HandleDatagram directly), so there is no per-channel read loop to run.
func (c *UdpChannel) Start() {}
