package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	gorilla "github.com/gorilla/websocket"
)

// WebSocketDialer obfuscates the wire protocol's TLS stream inside a
// WebSocket, for networks that allow HTTPS but block other TLS traffic
// (spec.md §9 design note on transport pluggability). Grounded on the
// teacher's internal/transport/websocket.go, but dials with
// github.com/coder/websocket instead of gorilla on the client side — the
// pack's server-side accept path (below) keeps gorilla, so both libraries
// the retrieval pack surfaces for WebSocket get exercised.
type WebSocketDialer struct {
	url    string
	host   string
	useTLS bool
}

func NewWebSocketDialer(ep HostEndPoint) *WebSocketDialer {
	scheme := "wss"
	if ep.InsecureSkipVerify && ep.Port == 80 {
		scheme = "ws"
	}
	path := ep.WSPath
	if path == "" {
		path = "/"
	}
	return &WebSocketDialer{
		url:    fmt.Sprintf("%s://%s:%d%s", scheme, ep.Address, ep.Port, path),
		host:   fmt.Sprintf("%s:%d", ep.Address, ep.Port),
		useTLS: scheme == "wss",
	}
}

func (d *WebSocketDialer) DialContext(ctx context.Context) (net.Conn, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		},
	}
	conn, _, err := websocket.Dial(ctx, d.url, &websocket.DialOptions{HTTPClient: httpClient})
	if err != nil {
		return nil, fmt.Errorf("transport: websocket dial %s: %w", d.url, err)
	}
	return &coderWSConn{ctx: context.Background(), conn: conn, remote: &net.TCPAddr{}}, nil
}

// coderWSConn adapts a *websocket.Conn (client side) to net.Conn, one
// binary message per Read/Write call's worth of buffered bytes — grounded
// on the teacher's ws_packet_conn.go message-draining pattern, generalized
// to a byte stream by carrying a leftover buffer across partial reads.
type coderWSConn struct {
	ctx    context.Context
	conn   *websocket.Conn
	mu     sync.Mutex
	buf    []byte
	remote net.Addr
}

func (c *coderWSConn) Read(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.buf) == 0 {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return 0, err
		}
		if typ != websocket.MessageBinary {
			continue
		}
		c.buf = data
	}
	n := copy(b, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *coderWSConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.Write(c.ctx, websocket.MessageBinary, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *coderWSConn) Close() error                { return c.conn.Close(websocket.StatusNormalClosure, "close") }
func (c *coderWSConn) LocalAddr() net.Addr         { return &net.TCPAddr{} }
func (c *coderWSConn) RemoteAddr() net.Addr        { return c.remote }
func (c *coderWSConn) SetDeadline(t time.Time) error      { return nil }
func (c *coderWSConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *coderWSConn) SetWriteDeadline(t time.Time) error { return nil }

// Listener accepts the server side of the obfuscated transport. Kept on
// gorilla/websocket (the teacher's server-side library) so the accept path
// stays grounded on internal/transport/websocket.go's upgrader pattern while
// the client dial path (above) uses the pack's other WebSocket library.
type Listener struct {
	upgrader gorilla.Upgrader
	accept   chan net.Conn
	errs     chan error
	srv      *http.Server
}

// NewListener starts an HTTP server on addr that upgrades every request on
// path to a WebSocket and hands the resulting net.Conn to Accept.
func NewListener(addr, path string, tlsConfig *tls.Config) (*Listener, error) {
	l := &Listener{
		upgrader: gorilla.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		accept: make(chan net.Conn, 16),
		errs:   make(chan error, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, l.handleUpgrade)
	l.srv = &http.Server{Addr: addr, Handler: mux, TLSConfig: tlsConfig}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}

	go func() {
		var serveErr error
		if tlsConfig != nil {
			serveErr = l.srv.ServeTLS(ln, "", "")
		} else {
			serveErr = l.srv.Serve(ln)
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			l.errs <- serveErr
		}
	}()
	return l, nil
}

func (l *Listener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	l.accept <- &gorillaWSConn{conn: conn, remote: r.RemoteAddr}
}

// Accept blocks until a client completes the WebSocket upgrade.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case c := <-l.accept:
		return c, nil
	case err := <-l.errs:
		return nil, err
	}
}

func (l *Listener) Close() error {
	return l.srv.Close()
}

type gorillaWSConn struct {
	conn   *gorilla.Conn
	reader io.Reader
	mu     sync.Mutex
	remote string
}

func (c *gorillaWSConn) Read(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.reader == nil {
			mt, r, err := c.conn.NextReader()
			if err != nil {
				return 0, err
			}
			if mt != gorilla.BinaryMessage {
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(b)
		if err == io.EOF {
			c.reader = nil
			continue
		}
		return n, err
	}
}

func (c *gorillaWSConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteMessage(gorilla.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *gorillaWSConn) Close() error { return c.conn.Close() }
func (c *gorillaWSConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *gorillaWSConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
func (c *gorillaWSConn) SetDeadline(t time.Time) error {
	if err := c.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.conn.SetWriteDeadline(t)
}
func (c *gorillaWSConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *gorillaWSConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
