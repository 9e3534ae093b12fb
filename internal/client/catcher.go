package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"relaytun/internal/timeoutmap"
)

// Catcher is the loopback TCP catcher of spec.md §4.6: outbound TCP the
// platform redirects to a synthetic local address lands here; the catcher
// looks up the real destination by the connecting source port (recorded by
// RegisterFlow when the packet was classified) and bridges the accepted
// connection to a StreamProxyChannel on the server. Grounded on the
// teacher's socks5.go HandleConn/handleConnect shape, generalized from a
// SOCKS5 CONNECT request to a flow-table lookup since relaytun's client has
// no SOCKS front end of its own.
type Catcher struct {
	ln       net.Listener
	flows    *timeoutmap.Map[uint16, string]
	logger   *zap.Logger
	dialFunc func(ctx context.Context, destination string) (net.Conn, string, error)
}

// NewCatcher binds a TCP listener on loopback. dialFunc opens a
// StreamProxyChannel to destination on the server and returns the adopted
// connection plus the remote channel id.
func NewCatcher(logger *zap.Logger, flowIdleTimeout time.Duration, dialFunc func(ctx context.Context, destination string) (net.Conn, string, error)) (*Catcher, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("client: catcher listen: %w", err)
	}
	return &Catcher{
		ln:       ln,
		flows:    timeoutmap.New[uint16, string](flowIdleTimeout),
		logger:   logger,
		dialFunc: dialFunc,
	}, nil
}

// Addr is the synthetic address the platform adapter should redirect
// in-range outbound TCP to.
func (c *Catcher) Addr() net.Addr { return c.ln.Addr() }

// RegisterFlow records that a connection arriving from srcPort on the
// catcher corresponds to the original destination dest; Engine calls this
// with a packet's source port when Classify returns ActionInterceptTCP.
func (c *Catcher) RegisterFlow(srcPort uint16, dest string) {
	c.flows.Set(srcPort, dest)
}

// Run accepts catcher connections until ctx is cancelled.
func (c *Catcher) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = c.ln.Close()
	}()
	go c.flows.Run(ctx, 30*time.Second)

	for {
		conn, err := c.ln.Accept()
		if err != nil {
			return
		}
		go c.handle(ctx, conn)
	}
}

func (c *Catcher) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	srcPort, err := sourcePort(conn)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("client: catcher cannot read source port", zap.Error(err))
		}
		return
	}

	dest, ok := c.flows.Get(srcPort)
	if !ok {
		if c.logger != nil {
			c.logger.Warn("client: catcher has no flow for source port", zap.Uint16("port", srcPort))
		}
		return
	}

	upstream, _, err := c.dialFunc(ctx, dest)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("client: stream proxy dial failed", zap.String("dest", dest), zap.Error(err))
		}
		return
	}
	defer upstream.Close()

	bridge(conn, upstream)
}

func sourcePort(conn net.Conn) (uint16, error) {
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("client: catcher: non-TCP remote addr %v", conn.RemoteAddr())
	}
	return uint16(addr.Port), nil
}

// bridge copies bytes in both directions until either side closes,
// mirroring the teacher's ProxyTCPOverOutlineWS two-goroutine shape.
func bridge(a, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() { _, _ = io.Copy(a, b); done <- struct{}{} }()
	go func() { _, _ = io.Copy(b, a); done <- struct{}{} }()
	<-done
}
