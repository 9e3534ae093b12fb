package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"relaytun/internal/accessmgr"
	"relaytun/internal/session"
	"relaytun/internal/wire"
)

type fakeAccessMgr struct{}

func (fakeAccessMgr) Configure(ctx context.Context, info accessmgr.ServerInfo) (accessmgr.ServerConfig, error) {
	return accessmgr.ServerConfig{ConfigCode: "c1"}, nil
}

func (fakeAccessMgr) Status(ctx context.Context, status accessmgr.ServerStatus) (accessmgr.ServerCommand, error) {
	return accessmgr.ServerCommand{ConfigCode: "c1"}, nil
}

func (fakeAccessMgr) SessionCreate(ctx context.Context, req accessmgr.SessionRequestEx) (accessmgr.SessionResponseEx, error) {
	return accessmgr.SessionResponseEx{
		SessionResponseBase: accessmgr.SessionResponseBase{ErrorCode: wire.Ok},
		SessionID:           42,
		SessionKey:           []byte("a-session-key-16"),
	}, nil
}

func (fakeAccessMgr) SessionGet(ctx context.Context, sessionID uint64, hostEndPoint, clientIP string) (accessmgr.SessionResponseEx, error) {
	return accessmgr.SessionResponseEx{}, context.DeadlineExceeded
}

func (fakeAccessMgr) SessionAddUsage(ctx context.Context, sessionID uint64, usage wire.Traffic, closeSession bool) (accessmgr.SessionResponseBase, error) {
	return accessmgr.SessionResponseBase{ErrorCode: wire.Ok}, nil
}

func (fakeAccessMgr) Certificate(ctx context.Context, hostEndPoint string) ([]byte, error) {
	return nil, nil
}

func selfSignedTLSConfig(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "relaytun-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	return &tls.Config{Certificates: []tls.Certificate{cert}}
}

func startTestServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	tlsConfig := selfSignedTLSConfig(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr = ln.Addr().String()
	ln.Close()

	manager := session.NewManager(session.ManagerOptions{}, fakeAccessMgr{}, nil, nil, nil)
	srv := New(Options{
		TCPEndPoints:   []string{addr},
		TLSConfig:      tlsConfig,
		StatusInterval: 50 * time.Millisecond,
		ConfigureRetry: 50 * time.Millisecond,
	}, manager, fakeAccessMgr{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx) }()

	// Wait for the listener to accept connections.
	for i := 0; i < 50; i++ {
		conn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
		if err == nil {
			conn.Close()
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	return addr, func() {
		cancel()
		<-errCh
	}
}

func TestHandleHelloCreatesSession(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	conn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := wire.HelloRequest{
		RequestHeader: wire.RequestHeader{RequestCode: wire.RequestHello, RequestID: "r1"},
		TokenID:       "tok",
	}
	if err := wire.WriteFrame(conn, req); err != nil {
		t.Fatalf("write: %v", err)
	}

	var resp wire.HelloResponse
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := wire.ReadFrame(conn, &resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.ErrorCode != wire.Ok {
		t.Fatalf("ErrorCode = %v, want Ok", resp.ErrorCode)
	}
	if resp.SessionID != 42 {
		t.Fatalf("SessionID = %d, want 42", resp.SessionID)
	}
}

func TestHandleByeOnLiveSession(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	helloConn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	helloConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	wire.WriteFrame(helloConn, wire.HelloRequest{
		RequestHeader: wire.RequestHeader{RequestCode: wire.RequestHello, RequestID: "r1"},
		TokenID:       "tok",
	})
	var hello wire.HelloResponse
	if err := wire.ReadFrame(helloConn, &hello); err != nil {
		t.Fatalf("hello read: %v", err)
	}
	helloConn.Close()

	byeConn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer byeConn.Close()
	byeConn.SetReadDeadline(time.Now().Add(2 * time.Second))

	req := wire.ByeRequest{
		RequestHeader: wire.RequestHeader{RequestCode: wire.RequestBye, RequestID: "r2"},
		SessionID:     hello.SessionID,
		SessionKey:    hello.SessionKey,
	}
	if err := wire.WriteFrame(byeConn, req); err != nil {
		t.Fatalf("write bye: %v", err)
	}
	var resp wire.ByeResponse
	if err := wire.ReadFrame(byeConn, &resp); err != nil {
		t.Fatalf("read bye response: %v", err)
	}
	if resp.ErrorCode != wire.Ok {
		t.Fatalf("Bye ErrorCode = %v, want Ok", resp.ErrorCode)
	}
}

func TestUdpLoopDropsDatagramsForUnknownSession(t *testing.T) {
	manager := session.NewManager(session.ManagerOptions{}, fakeAccessMgr{}, nil, nil, nil)
	srv := New(Options{}, manager, fakeAccessMgr{}, nil, nil)

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	defer pc.Close()

	done := make(chan struct{})
	go func() {
		srv.udpLoop(pc)
		close(done)
	}()

	client, err := net.Dial("udp", pc.LocalAddr().String())
	if err != nil {
		t.Fatalf("dial udp: %v", err)
	}
	defer client.Close()

	raw := make([]byte, 16)
	if _, err := client.Write(raw); err != nil {
		t.Fatalf("write: %v", err)
	}

	pc.Close()
	<-done
}
