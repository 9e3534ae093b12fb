package client

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"

	"relaytun/internal/capture"
	"relaytun/internal/channel"
	"relaytun/internal/ippacket"
)

// EngineStatus mirrors the teacher's ConnectionStatus, generalized from one
// shadowsocks dialer's upload/download counters to the tunnel's accounted
// traffic (spec.md §4.1 "Accounting").
type EngineStatus struct {
	State     string
	StartTime time.Time
	Sent      int64
	Received  int64
}

// Engine wires a capture.Adapter to a Client's Tunnel through Classify,
// grounded on the teacher's VPNManager.Connect/handleConnections accept-loop
// shape: there the loop dispatched SOCKS5 connections to one fixed
// shadowsocks dialer, here SetPacketHandler dispatches captured packets to
// one of several actions (tunnel, passthrough, intercept, drop).
type Engine struct {
	client  *Client
	adapter capture.Adapter
	catcher *Catcher
	policy  ClassifyPolicy
	logger  *zap.Logger

	mu          sync.Mutex
	status      EngineStatus
	dnsRewrites map[uint16]netip.Addr // client source port -> original DNS server, for reply rewriting
	upstreamDNS netip.AddrPort
}

// NewEngine builds an Engine. Start begins delivering captured packets.
func NewEngine(c *Client, adapter capture.Adapter, policy ClassifyPolicy, upstreamDNS string, logger *zap.Logger) (*Engine, error) {
	addrPort, err := netip.ParseAddrPort(upstreamDNS)
	if err != nil {
		return nil, fmt.Errorf("client: parse upstream dns %q: %w", upstreamDNS, err)
	}

	e := &Engine{
		client:      c,
		adapter:     adapter,
		policy:      policy,
		logger:      logger,
		dnsRewrites: make(map[uint16]netip.Addr),
		upstreamDNS: addrPort,
		status:      EngineStatus{State: "disconnected"},
	}

	catcher, err := NewCatcher(logger, 0, c.OpenStreamProxy)
	if err != nil {
		return nil, err
	}
	e.catcher = catcher

	c.Tunnel().OnPacketReceived = e.handleInbound
	adapter.SetPacketHandler(e.handleOutbound)
	adapter.SetStoppedHandler(e.handleStopped)
	return e, nil
}

// Start connects the client, then starts the capture adapter so packets
// begin flowing (spec.md §4.6).
func (e *Engine) Start(ctx context.Context) error {
	if err := e.client.Connect(ctx); err != nil {
		return err
	}
	go e.client.MaintainDatagramChannels(ctx)
	go e.client.Tunnel().Run()
	go e.catcher.Run(ctx)

	if err := e.adapter.IncludeNetworks(prefixStrings(e.policy.IncludeRanges)); err != nil && e.logger != nil {
		e.logger.Warn("client: include networks failed", zap.Error(err))
	}
	if err := e.adapter.Start(ctx); err != nil {
		return fmt.Errorf("client: start capture: %w", err)
	}

	e.mu.Lock()
	e.status = EngineStatus{State: "connected", StartTime: time.Now()}
	e.mu.Unlock()
	return nil
}

// Status returns a snapshot of the engine's connection state and accounted
// traffic, mirroring the teacher's VPNManager.GetStatus.
func (e *Engine) Status() EngineStatus {
	e.mu.Lock()
	st := e.status
	e.mu.Unlock()
	traffic := e.client.Tunnel().Traffic()
	st.Sent, st.Received = traffic.Sent, traffic.Received
	return st
}

func (e *Engine) handleOutbound(raw []byte) {
	action, flow := Classify(raw, e.policy)
	switch action {
	case ActionDrop:
		return
	case ActionPassthrough:
		if err := e.adapter.SendOutbound(raw); err != nil && e.logger != nil {
			e.logger.Debug("client: passthrough send failed", zap.Error(err))
		}
		return
	case ActionInterceptTCP:
		e.catcher.RegisterFlow(flow.SrcID, net.JoinHostPort(flow.Dst.String(), fmt.Sprintf("%d", flow.DstID)))
		if err := e.adapter.SendOutbound(raw); err != nil && e.logger != nil {
			e.logger.Debug("client: intercept redirect failed", zap.Error(err))
		}
		return
	case ActionTunnelRewriteDNS:
		rewritten, err := e.rewriteOutboundDNS(raw, flow)
		if err != nil {
			if e.logger != nil {
				e.logger.Debug("client: dns rewrite failed", zap.Error(err))
			}
			return
		}
		raw = rewritten
		fallthrough
	case ActionTunnel:
		if err := e.client.Tunnel().SendPackets(context.Background(), [][]byte{raw}); err != nil && e.logger != nil {
			e.logger.Debug("client: tunnel send failed", zap.Error(err))
		}
	}
}

// rewriteOutboundDNS redirects a DNS query to the configured upstream
// resolver and remembers the true destination keyed by source port, so the
// reply can be rewritten back to look like it came from wherever the
// application actually asked (spec.md §4.6 "rewrite_dns").
func (e *Engine) rewriteOutboundDNS(raw []byte, flow ippacket.Flow) ([]byte, error) {
	payload, err := ippacket.TransportPayload(raw)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.dnsRewrites[flow.SrcID] = flow.Dst
	e.mu.Unlock()

	return ippacket.BuildUDPPacket(ippacket.IPVersion(flow.Version), flow.Src, e.upstreamDNS.Addr(), flow.SrcID, e.upstreamDNS.Port(), flow.DontFragment, payload)
}

func (e *Engine) handleInbound(packets [][]byte, _ channel.Channel) {
	for _, p := range packets {
		p := e.rewriteInboundDNS(p)
		if err := e.adapter.SendInbound(p); err != nil && e.logger != nil {
			e.logger.Debug("client: deliver inbound failed", zap.Error(err))
		}
	}
}

func (e *Engine) rewriteInboundDNS(raw []byte) []byte {
	flow, err := ippacket.ParseFlow(raw)
	if err != nil || flow.Proto != ippacket.ProtoUDP {
		return raw
	}
	e.mu.Lock()
	orig, ok := e.dnsRewrites[flow.DstID]
	if ok {
		delete(e.dnsRewrites, flow.DstID)
	}
	e.mu.Unlock()
	if !ok {
		return raw
	}

	payload, err := ippacket.TransportPayload(raw)
	if err != nil {
		return raw
	}
	rewritten, err := ippacket.BuildUDPPacket(ippacket.IPVersion(flow.Version), orig, flow.Dst, flow.SrcID, flow.DstID, flow.DontFragment, payload)
	if err != nil {
		return raw
	}
	return rewritten
}

func (e *Engine) handleStopped(err error) {
	e.mu.Lock()
	e.status.State = "disconnected"
	e.mu.Unlock()
	if err != nil && e.logger != nil {
		e.logger.Warn("client: capture stopped", zap.Error(err))
	}
}

func prefixStrings(prefixes []netip.Prefix) []string {
	out := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		out = append(out, p.String())
	}
	return out
}
