// Package client implements the client-side core of spec.md §4.6/§4.7:
// packet classification and routing, the Hello/recovery handshake, and
// datagram-channel maintenance against the negotiated session.
package client

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"relaytun/internal/channel"
	"relaytun/internal/metrics"
	"relaytun/internal/report"
	"relaytun/internal/token"
	"relaytun/internal/transport"
	"relaytun/internal/tunnel"
	"relaytun/internal/wire"
)

// Options configures a Client (spec.md §4.6/§4.7).
type Options struct {
	UseUdpChannel           bool
	MaxDatagramChannelCount int
	DatagramChannelInterval time.Duration
	ClientVersion           string
	UserAgent               string
	ProtocolVersion         int
}

func (o *Options) setDefaults() {
	if o.MaxDatagramChannelCount <= 0 {
		o.MaxDatagramChannelCount = 4
	}
	if o.DatagramChannelInterval <= 0 {
		o.DatagramChannelInterval = 5 * time.Second
	}
	if o.ProtocolVersion <= 0 {
		o.ProtocolVersion = 1
	}
}

// Client holds the live session state for one connected token: the picked
// host endpoint, the resulting HelloResponse, and the Tunnel the datagram
// channels feed.
type Client struct {
	opts    Options
	token   *token.Token
	picker  *transport.UpstreamPicker
	logger  *zap.Logger
	tunnel  *tunnel.Tunnel

	mu          sync.Mutex
	hello       wire.HelloResponse
	endpoint    transport.HostEndPoint
	addSem      chan struct{} // single permit: only one AddDatagramChannel proceeds at a time
}

// New builds a Client for tok, ready to Connect. reg is optional: pass nil
// to skip upstream-selection metrics.
func New(tok *token.Token, opts Options, tunnelCfg tunnel.Config, logger *zap.Logger, reporter *report.Reporter, reg *metrics.Registry) *Client {
	opts.setDefaults()
	endpoints := make([]transport.HostEndPoint, 0, len(tok.HostEndPoints))
	for _, ep := range tok.HostEndPoints {
		endpoints = append(endpoints, transport.HostEndPoint{Address: ep.Address, Port: ep.Port, ServerName: tok.ServerHostName})
	}
	return &Client{
		opts:   opts,
		token:  tok,
		picker: transport.NewUpstreamPicker(endpoints, transport.HealthcheckOptions{}, logger).WithMetrics(reg),
		logger: logger,
		tunnel: tunnel.New(tunnelCfg, logger, reporter),
		addSem: make(chan struct{}, 1),
	}
}

// Connect performs Hello against the best endpoint, retrying once against a
// RedirectHostEndPoint if the server asks for it (spec.md §4.7 "Redirect").
func (c *Client) Connect(ctx context.Context) error {
	ep, err := c.picker.Pick()
	if err != nil {
		return fmt.Errorf("client: pick endpoint: %w", err)
	}

	resp, err := c.helloOnce(ctx, ep)
	if err != nil {
		c.picker.ReportFailure(ep, err)
		return err
	}

	if resp.ErrorCode == wire.RedirectHost && resp.RedirectHostEndPoint != "" {
		host, port, splitErr := net.SplitHostPort(resp.RedirectHostEndPoint)
		if splitErr == nil {
			redirectEP := transport.HostEndPoint{Address: host, ServerName: c.token.ServerHostName}
			fmt.Sscanf(port, "%d", &redirectEP.Port)
			resp, err = c.helloOnce(ctx, redirectEP)
			if err != nil {
				return err
			}
			ep = redirectEP
		}
	}

	if resp.ErrorCode != wire.Ok {
		return fmt.Errorf("client: hello rejected: %s: %s", resp.ErrorCode, resp.ErrorMessage)
	}

	c.mu.Lock()
	c.hello = resp
	c.endpoint = ep
	c.mu.Unlock()

	c.picker.ReportSuccess(ep, 0)
	return nil
}

func (c *Client) helloOnce(ctx context.Context, ep transport.HostEndPoint) (wire.HelloResponse, error) {
	dialer := transport.NewDialer(ep)
	conn, err := dialer.DialContext(ctx)
	if err != nil {
		return wire.HelloResponse{}, fmt.Errorf("client: dial %s: %w", ep, err)
	}
	defer conn.Close()

	clientID := make([]byte, 16)
	_, _ = rand.Read(clientID)
	encClientID, err := token.EncryptClientID(clientID, c.token.Secret)
	if err != nil {
		return wire.HelloResponse{}, fmt.Errorf("client: encrypt client id: %w", err)
	}

	req := wire.HelloRequest{
		RequestHeader:     wire.RequestHeader{RequestCode: wire.RequestHello, RequestID: newRequestID()},
		TokenID:           c.token.ID.String(),
		EncryptedClientID: encClientID,
		ClientInfo: wire.ClientInfo{
			ClientID:              fmt.Sprintf("%x", clientID),
			ClientVersionProtocol: c.opts.ProtocolVersion,
			Version:               c.opts.ClientVersion,
			UserAgent:              c.opts.UserAgent,
		},
	}

	if err := wire.WriteFrame(conn, req); err != nil {
		return wire.HelloResponse{}, err
	}
	var resp wire.HelloResponse
	if err := wire.ReadFrame(conn, &resp); err != nil {
		return wire.HelloResponse{}, err
	}
	return resp, nil
}

// Tunnel returns the client's Tunnel so the capture adapter can feed it
// outbound packets and receive inbound ones via OnPacketReceived.
func (c *Client) Tunnel() *tunnel.Tunnel { return c.tunnel }

// MaintainDatagramChannels periodically ensures the tunnel holds the right
// datagram channel(s): one UdpChannel if UseUdpChannel, else up to
// MaxDatagramChannelCount StreamDatagramChannels opened lazily — guarded by
// a single-permit semaphore so concurrent triggers never race to add two at
// once (spec.md §4.6 last paragraph).
func (c *Client) MaintainDatagramChannels(ctx context.Context) {
	ticker := time.NewTicker(c.opts.DatagramChannelInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.ensureDatagramChannel(ctx)
		}
	}
}

func (c *Client) ensureDatagramChannel(ctx context.Context) {
	select {
	case c.addSem <- struct{}{}:
	default:
		return // an add is already in flight
	}
	defer func() { <-c.addSem }()

	if c.opts.UseUdpChannel {
		if c.tunnel.DatagramChannelCount() > 0 {
			return
		}
		c.addUdpChannel(ctx)
		return
	}

	if c.tunnel.DatagramChannelCount() >= c.opts.MaxDatagramChannelCount {
		return
	}
	c.addStreamDatagramChannel(ctx)
}

func (c *Client) addStreamDatagramChannel(ctx context.Context) {
	c.mu.Lock()
	ep := c.endpoint
	hello := c.hello
	c.mu.Unlock()

	conn, err := transport.NewDialer(ep).DialContext(ctx)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("client: datagram channel dial failed", zap.Error(err))
		}
		return
	}

	req := wire.TcpDatagramChannelRequest{
		RequestHeader: wire.RequestHeader{RequestCode: wire.RequestTcpDatagramChannel, RequestID: newRequestID()},
		SessionID:     hello.SessionID,
		SessionKey:    hello.SessionKey,
	}
	if err := wire.WriteFrame(conn, req); err != nil {
		conn.Close()
		return
	}
	var resp wire.TcpDatagramChannelResponse
	if err := wire.ReadFrame(conn, &resp); err != nil || resp.ErrorCode != wire.Ok {
		conn.Close()
		return
	}

	ch := channel.NewStreamDatagramChannel(newRequestID(), conn, 0, 0)
	c.tunnel.AddChannel(ch)
}

func (c *Client) addUdpChannel(ctx context.Context) {
	c.mu.Lock()
	ep := c.endpoint
	hello := c.hello
	c.mu.Unlock()

	if hello.UdpEndPoint == "" {
		return
	}
	raddr, err := net.ResolveUDPAddr("udp", hello.UdpEndPoint)
	if err != nil {
		return
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("client: udp channel dial failed", zap.Error(err), zap.String("endpoint", ep.String()))
		}
		return
	}

	ch, err := channel.NewUdpChannel(newRequestID(), conn, raddr, hello.SessionID, hello.SessionKey, false)
	if err != nil {
		conn.Close()
		return
	}
	c.tunnel.AddChannel(ch)
}

// OpenStreamProxy asks the server to dial destination and returns the
// connection carrying that proxied TCP stream (spec.md §4.3), for the
// loopback catcher to bridge an intercepted connection onto.
func (c *Client) OpenStreamProxy(ctx context.Context, destination string) (net.Conn, string, error) {
	c.mu.Lock()
	ep := c.endpoint
	hello := c.hello
	c.mu.Unlock()

	conn, err := transport.NewDialer(ep).DialContext(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("client: dial %s: %w", ep, err)
	}

	req := wire.StreamProxyChannelRequest{
		RequestHeader:       wire.RequestHeader{RequestCode: wire.RequestStreamProxyChannel, RequestID: newRequestID()},
		SessionID:           hello.SessionID,
		SessionKey:          hello.SessionKey,
		DestinationEndPoint: destination,
	}
	if err := wire.WriteFrame(conn, req); err != nil {
		conn.Close()
		return nil, "", err
	}
	var resp wire.StreamProxyChannelResponse
	if err := wire.ReadFrame(conn, &resp); err != nil {
		conn.Close()
		return nil, "", err
	}
	if resp.ErrorCode != wire.Ok {
		conn.Close()
		return nil, "", fmt.Errorf("client: stream proxy channel rejected: %s: %s", resp.ErrorCode, resp.ErrorMessage)
	}
	return conn, resp.ChannelID, nil
}

func newRequestID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%x", b)
}
