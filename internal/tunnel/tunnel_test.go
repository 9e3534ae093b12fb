package tunnel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"relaytun/internal/channel"
	"relaytun/internal/wire"
)

type fakeDatagramChannel struct {
	mu        sync.Mutex
	id        string
	kind      channel.Kind
	connected bool
	onRecv    func([][]byte)
	sent      [][]byte
	sendErr   error
}

func newFakeChannel(id string, kind channel.Kind) *fakeDatagramChannel {
	return &fakeDatagramChannel{id: id, kind: kind, connected: true}
}

func (f *fakeDatagramChannel) ID() string     { return f.id }
func (f *fakeDatagramChannel) Kind() channel.Kind { return f.kind }
func (f *fakeDatagramChannel) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}
func (f *fakeDatagramChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}
func (f *fakeDatagramChannel) Traffic() wire.Traffic { return wire.Traffic{} }
func (f *fakeDatagramChannel) SetReceiveHandler(h func([][]byte))         { f.onRecv = h }
func (f *fakeDatagramChannel) Start()                                     {}
func (f *fakeDatagramChannel) SendPackets(packets [][]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, packets...)
	return nil
}

func (f *fakeDatagramChannel) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestSendPacketsDeliversThroughAttachedChannel(t *testing.T) {
	tun := New(Config{}, nil, nil)
	defer tun.Dispose()

	ch := newFakeChannel("c1", channel.KindUdp)
	tun.AddChannel(ch)

	if err := tun.SendPackets(context.Background(), [][]byte{[]byte("hello")}); err != nil {
		t.Fatalf("SendPackets: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for ch.sentCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if ch.sentCount() != 1 {
		t.Fatalf("channel received %d packets, want 1", ch.sentCount())
	}
}

func TestAddChannelEvictsOnKindMismatch(t *testing.T) {
	tun := New(Config{}, nil, nil)
	defer tun.Dispose()

	udp := newFakeChannel("udp1", channel.KindUdp)
	tun.AddChannel(udp)
	if got := tun.DatagramChannelCount(); got != 1 {
		t.Fatalf("DatagramChannelCount = %d, want 1", got)
	}

	streamDatagram := newFakeChannel("sd1", channel.KindStreamDatagram)
	tun.AddChannel(streamDatagram)

	deadline := time.Now().Add(time.Second)
	for tun.DatagramChannelCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := tun.DatagramChannelCount(); got != 1 {
		t.Fatalf("DatagramChannelCount after kind switch = %d, want 1", got)
	}
	if udp.Connected() {
		t.Fatal("expected the mismatched-kind channel to be evicted and closed")
	}
}

func TestAddChannelEvictsOldestPastMaxCount(t *testing.T) {
	tun := New(Config{MaxDatagramChannelCount: 2}, nil, nil)
	defer tun.Dispose()

	first := newFakeChannel("a", channel.KindUdp)
	second := newFakeChannel("b", channel.KindUdp)
	third := newFakeChannel("c", channel.KindUdp)

	tun.AddChannel(first)
	tun.AddChannel(second)
	tun.AddChannel(third)

	deadline := time.Now().Add(time.Second)
	for tun.DatagramChannelCount() != 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := tun.DatagramChannelCount(); got != 2 {
		t.Fatalf("DatagramChannelCount = %d, want 2", got)
	}
	if first.Connected() {
		t.Fatal("expected the oldest channel to be evicted once the cap is exceeded")
	}
}

func TestAddStreamProxyChannelRejectsDuplicateID(t *testing.T) {
	tun := New(Config{}, nil, nil)
	defer tun.Dispose()

	a := newFakeSimpleChannel("sp1")
	b := newFakeSimpleChannel("sp1")

	if err := tun.AddStreamProxyChannel(a); err != nil {
		t.Fatalf("AddStreamProxyChannel first: %v", err)
	}
	if err := tun.AddStreamProxyChannel(b); err == nil {
		t.Fatal("expected duplicate stream proxy channel id to error")
	}
}

func TestSendPacketsReturnsCongestedAfterTimeout(t *testing.T) {
	tun := New(Config{QueueCapacity: 1, DatagramTimeout: 20 * time.Millisecond}, nil, nil)
	defer tun.Dispose()

	// No channel attached: nothing ever drains the queue, so the second
	// send must hit the congestion timeout.
	if err := tun.SendPackets(context.Background(), [][]byte{[]byte("a")}); err != nil {
		t.Fatalf("first SendPackets: %v", err)
	}
	err := tun.SendPackets(context.Background(), [][]byte{[]byte("b")})
	if !errors.Is(err, ErrTunnelCongested) {
		t.Fatalf("second SendPackets error = %v, want ErrTunnelCongested", err)
	}
}

// fakeSimpleChannel is a minimal channel.Channel for exercising
// AddStreamProxyChannel, which only needs ID/Kind/Connected/Close/Traffic.
type fakeSimpleChannel struct {
	id string
}

func newFakeSimpleChannel(id string) *fakeSimpleChannel { return &fakeSimpleChannel{id: id} }

func (f *fakeSimpleChannel) ID() string             { return f.id }
func (f *fakeSimpleChannel) Kind() channel.Kind      { return channel.KindStreamProxy }
func (f *fakeSimpleChannel) Connected() bool         { return true }
func (f *fakeSimpleChannel) Close() error            { return nil }
func (f *fakeSimpleChannel) Traffic() wire.Traffic { return wire.Traffic{} }
