package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relaytun/internal/accessmgr"
	"relaytun/internal/tunnel"
	"relaytun/internal/wire"
)

// fakeAccessMgr is a minimal in-memory accessmgr.Manager for tests: it
// counts concurrent SessionAddUsage calls so the sync-serialization
// property (spec.md §8 "Usage sync is idempotent") can be checked directly.
type fakeAccessMgr struct {
	mu         sync.Mutex
	nextID     uint64
	usageCalls int32
	inFlight   int32
	maxInFlight int32
	usageErrorCode wire.ErrorCode
}

func (f *fakeAccessMgr) Configure(context.Context, accessmgr.ServerInfo) (accessmgr.ServerConfig, error) {
	return accessmgr.ServerConfig{}, nil
}

func (f *fakeAccessMgr) Status(context.Context, accessmgr.ServerStatus) (accessmgr.ServerCommand, error) {
	return accessmgr.ServerCommand{}, nil
}

func (f *fakeAccessMgr) SessionCreate(context.Context, accessmgr.SessionRequestEx) (accessmgr.SessionResponseEx, error) {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.mu.Unlock()
	return accessmgr.SessionResponseEx{
		SessionResponseBase: accessmgr.SessionResponseBase{ErrorCode: wire.Ok},
		SessionID:           id,
		SessionKey:          []byte("0123456789abcdef"),
	}, nil
}

func (f *fakeAccessMgr) SessionGet(context.Context, uint64, string, string) (accessmgr.SessionResponseEx, error) {
	return accessmgr.SessionResponseEx{}, nil
}

func (f *fakeAccessMgr) SessionAddUsage(ctx context.Context, sessionID uint64, usage wire.Traffic, closeSession bool) (accessmgr.SessionResponseBase, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	for {
		cur := atomic.LoadInt32(&f.maxInFlight)
		if n <= cur || atomic.CompareAndSwapInt32(&f.maxInFlight, cur, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond) // simulate network latency to expose races
	atomic.AddInt32(&f.usageCalls, 1)
	atomic.AddInt32(&f.inFlight, -1)

	f.mu.Lock()
	code := f.usageErrorCode
	f.mu.Unlock()
	if code == 0 {
		code = wire.Ok
	}
	return accessmgr.SessionResponseBase{ErrorCode: code}, nil
}

func (f *fakeAccessMgr) Certificate(context.Context, string) ([]byte, error) {
	return nil, nil
}

var _ accessmgr.Manager = (*fakeAccessMgr)(nil)

func newTestSession(t *testing.T, fake *fakeAccessMgr) *Session {
	t.Helper()
	mgr := NewManager(ManagerOptions{
		Session: Options{SyncCacheSize: 1}, // sync on any nonzero delta
		Tunnel:  tunnel.Config{},
	}, fake, nil, nil, nil)

	sess, _, err := mgr.Create(context.Background(), wire.HelloRequest{TokenID: "tok"}, "203.0.113.1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(sess.Dispose)
	return sess
}

func TestSyncIsSerializedAcrossConcurrentCallers(t *testing.T) {
	fake := &fakeAccessMgr{}
	sess := newTestSession(t, fake)

	// Force a nonzero traffic delta (tunnel.Traffic() starts at zero) so
	// every sync() call actually reaches the access manager instead of
	// short-circuiting on an empty delta.
	sess.syncedUsage = wire.Traffic{Sent: -4096, Received: -4096}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess.sync(context.Background(), false)
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&fake.maxInFlight); got > 1 {
		t.Fatalf("expected at most one in-flight SessionAddUsage call, observed %d concurrently", got)
	}
}

func TestSyncAppliesSuppressionStatus(t *testing.T) {
	fake := &fakeAccessMgr{usageErrorCode: wire.SessionSuppressedByOther}
	sess := newTestSession(t, fake)
	sess.syncedUsage = wire.Traffic{Sent: -4096, Received: -4096}

	sess.sync(context.Background(), false)

	st := sess.Status()
	if st.ErrorCode != wire.SessionSuppressedByOther || st.SuppressedBy != "Other" {
		t.Fatalf("expected SuppressedBy=Other status, got %+v", st)
	}
}

func TestSyncDisposesOnTrafficOverflow(t *testing.T) {
	fake := &fakeAccessMgr{usageErrorCode: wire.AccessTrafficOverflow}
	sess := newTestSession(t, fake)
	sess.syncedUsage = wire.Traffic{Sent: -4096, Received: -4096}

	sess.sync(context.Background(), false)

	if sess.Status().ErrorCode != wire.AccessTrafficOverflow {
		t.Fatalf("expected AccessTrafficOverflow status, got %+v", sess.Status())
	}
}
