package channel

import (
	"encoding/binary"
	"errors"
	"io"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ErrPacketTooLarge is returned when a packet would not fit the u16 length
// prefix used by the StreamDatagramChannel wire framing.
var ErrPacketTooLarge = errors.New("channel: packet exceeds 65535 bytes")

// StreamDatagramChannel frames whole packets over a reliable byte stream
// (TLS/TCP): <u16 length BE><payload> (spec.md §4.2). An optional lifespan,
// picked uniformly in [min,max] at construction, makes the channel report
// itself disconnected once elapsed so the Tunnel can rotate the underlying
// connection (spec.md §4.2).
type StreamDatagramChannel struct {
	trafficCounter
	id   string
	conn net.Conn

	connected int32 // atomic bool

	writeMu sync.Mutex
	onRecv  func([][]byte)

	lifespanTimer *time.Timer
}

// NewStreamDatagramChannel wraps conn. If min/max are both zero the channel
// has no bounded lifespan.
func NewStreamDatagramChannel(id string, conn net.Conn, minLifespan, maxLifespan time.Duration) *StreamDatagramChannel {
	c := &StreamDatagramChannel{id: id, conn: conn, connected: 1}
	if maxLifespan > 0 {
		lifespan := minLifespan
		if maxLifespan > minLifespan {
			lifespan += time.Duration(rand.Int63n(int64(maxLifespan - minLifespan)))
		}
		c.lifespanTimer = time.AfterFunc(lifespan, func() {
			atomic.StoreInt32(&c.connected, 0)
			_ = c.conn.Close()
		})
	}
	return c
}

func (c *StreamDatagramChannel) ID() string   { return c.id }
func (c *StreamDatagramChannel) Kind() Kind    { return KindStreamDatagram }
func (c *StreamDatagramChannel) Connected() bool { return atomic.LoadInt32(&c.connected) == 1 }

func (c *StreamDatagramChannel) Close() error {
	if !atomic.CompareAndSwapInt32(&c.connected, 1, 0) {
		return nil // idempotent double-dispose
	}
	if c.lifespanTimer != nil {
		c.lifespanTimer.Stop()
	}
	return c.conn.Close()
}

func (c *StreamDatagramChannel) SetReceiveHandler(f func([][]byte)) { c.onRecv = f }

// SendPackets concatenates each packet's length-prefixed frame and writes
// them as one Write call.
func (c *StreamDatagramChannel) SendPackets(packets [][]byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	total := 0
	for _, p := range packets {
		if len(p) > 0xFFFF {
			return ErrPacketTooLarge
		}
		total += 2 + len(p)
	}
	buf := make([]byte, 0, total)
	for _, p := range packets {
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(p)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, p...)
	}
	n, err := c.conn.Write(buf)
	c.addSent(n)
	if err != nil {
		atomic.StoreInt32(&c.connected, 0)
	}
	return err
}

// Start reads length-prefixed frames until EOF/error, delivering them in
// batches to the receive handler.
func (c *StreamDatagramChannel) Start() {
	defer func() {
		atomic.StoreInt32(&c.connected, 0)
	}()

	var lenBuf [2]byte
	for {
		if _, err := io.ReadFull(c.conn, lenBuf[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint16(lenBuf[:])
		payload := make([]byte, n)
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			return
		}
		c.addReceived(2 + int(n))
		if c.onRecv != nil {
			c.onRecv([][]byte{payload})
		}
	}
}
