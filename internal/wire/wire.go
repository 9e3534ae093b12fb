// Package wire implements the client↔server request/response protocol of
// spec.md §6: a length-prefixed JSON request header followed by a
// length-prefixed JSON response, carried over an authenticated TLS/TCP
// stream.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// RequestCode identifies the kind of framed request on the control stream.
type RequestCode int

const (
	RequestHello RequestCode = iota + 1
	RequestTcpDatagramChannel
	RequestStreamProxyChannel
	// RequestUdpPacket is declared but not implemented on the server — see
	// spec.md §9(a); the code is reserved so the wire format is stable if it
	// is ever filled in.
	RequestUdpPacket
	RequestBye
)

func (c RequestCode) String() string {
	switch c {
	case RequestHello:
		return "Hello"
	case RequestTcpDatagramChannel:
		return "TcpDatagramChannel"
	case RequestStreamProxyChannel:
		return "StreamProxyChannel"
	case RequestUdpPacket:
		return "UdpPacket"
	case RequestBye:
		return "Bye"
	default:
		return fmt.Sprintf("RequestCode(%d)", int(c))
	}
}

// ErrorCode is the session-level error taxonomy of spec.md §7.
type ErrorCode int

const (
	Ok ErrorCode = iota
	GeneralError
	SessionError
	SessionClosed
	SessionSuppressedByOther
	SessionSuppressedBySelf
	AccessError
	AccessExpired
	AccessTrafficOverflow
	RedirectHost
	Maintenance
	UnsupportedServer
	RequestBlocked
	NetScan
	MaxTcpChannel
	MaxTcpConnectWait
	UdpClientQuota
	Unauthorized
	NotFound
)

func (e ErrorCode) String() string {
	names := map[ErrorCode]string{
		Ok: "Ok", GeneralError: "GeneralError", SessionError: "SessionError",
		SessionClosed: "SessionClosed", SessionSuppressedByOther: "SessionSuppressedByOther",
		SessionSuppressedBySelf: "SessionSuppressedBySelf", AccessError: "AccessError",
		AccessExpired: "AccessExpired", AccessTrafficOverflow: "AccessTrafficOverflow",
		RedirectHost: "RedirectHost", Maintenance: "Maintenance", UnsupportedServer: "UnsupportedServer",
		RequestBlocked: "RequestBlocked", NetScan: "NetScan", MaxTcpChannel: "MaxTcpChannel",
		MaxTcpConnectWait: "MaxTcpConnectWait", UdpClientQuota: "UdpClientQuota",
		Unauthorized: "Unauthorized", NotFound: "NotFound",
	}
	if s, ok := names[e]; ok {
		return s
	}
	return fmt.Sprintf("ErrorCode(%d)", int(e))
}

// RequestHeader is the envelope every framed request begins with.
type RequestHeader struct {
	RequestCode RequestCode `json:"requestCode"`
	RequestID   string      `json:"requestId"`
}

// ClientInfo identifies the connecting client in a Hello request.
type ClientInfo struct {
	ClientID   string `json:"clientId"`
	ClientVersionProtocol int `json:"protocolVersion"`
	Version    string `json:"version"`
	UserAgent  string `json:"userAgent"`
}

// HelloRequest is sent once per new TCP/TLS connection that starts a
// session (spec.md §4.7).
type HelloRequest struct {
	RequestHeader
	TokenID            string     `json:"tokenId"`
	ClientInfo         ClientInfo `json:"clientInfo"`
	EncryptedClientID  []byte     `json:"encryptedClientId"`
}

// SessionStatus mirrors spec.md §3's Session.status: error code plus an
// optional explanation and suppression marker.
type SessionStatus struct {
	ErrorCode    ErrorCode `json:"errorCode"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	SuppressedBy string    `json:"suppressedBy,omitempty"` // "Other" | "Self" | ""
}

// HelloResponse is the server's reply to a successful Hello (spec.md §4.7).
type HelloResponse struct {
	SessionStatus
	SessionID    uint64 `json:"sessionId"`
	SessionKey   []byte `json:"sessionKey"`
	ServerSecret []byte `json:"serverSecret"`

	ServerProtocolVersion int    `json:"serverProtocolVersion"`
	ServerVersion         string `json:"serverVersion"`

	RequestTimeoutMs   int `json:"requestTimeoutMs"`
	TcpReuseTimeoutMs  int `json:"tcpReuseTimeoutMs"`

	TcpEndPoints []string `json:"tcpEndPoints"`
	UdpEndPoint  string   `json:"udpEndPoint,omitempty"`

	MaxDatagramChannelCount int `json:"maxDatagramChannelCount"`

	IncludeIPRanges              []string `json:"includeIpRanges,omitempty"`
	PacketCaptureIncludeIPRanges []string `json:"packetCaptureIncludeIpRanges,omitempty"`

	IsIPv6Supported bool `json:"isIpV6Supported"`

	AccessUsage Traffic `json:"accessUsage"`

	RedirectHostEndPoint string `json:"redirectHostEndPoint,omitempty"`

	// MeasurementID lets the client tag anonymous analytics events; the
	// collector itself is out of scope (spec.md §1).
	MeasurementID string `json:"measurementId,omitempty"`
}

// TcpDatagramChannelRequest adopts the current stream as a
// StreamDatagramChannel (spec.md §4.3).
type TcpDatagramChannelRequest struct {
	RequestHeader
	SessionID  uint64 `json:"sessionId"`
	SessionKey []byte `json:"sessionKey"`
}

// TcpDatagramChannelResponse carries the resulting session status.
type TcpDatagramChannelResponse struct {
	SessionStatus
}

// StreamProxyChannelRequest asks the server to open a TCP connection to
// DestinationEndPoint and wire it to this stream (spec.md §4.3).
type StreamProxyChannelRequest struct {
	RequestHeader
	SessionID           uint64 `json:"sessionId"`
	SessionKey          []byte `json:"sessionKey"`
	DestinationEndPoint string `json:"destinationEndPoint"`
	UseUdpChannel       *bool  `json:"useUdpChannel,omitempty"`
}

// StreamProxyChannelResponse reports whether the server managed to connect.
type StreamProxyChannelResponse struct {
	SessionStatus
	ChannelID string `json:"channelId"`
}

// ByeRequest initiates an orderly session close (spec.md §4.3).
type ByeRequest struct {
	RequestHeader
	SessionID  uint64 `json:"sessionId"`
	SessionKey []byte `json:"sessionKey"`
}

// ByeResponse is the server's acknowledgement.
type ByeResponse struct {
	SessionStatus
}

// Traffic is the Sent/Received byte pair used throughout spec.md §3/§4.3.
type Traffic struct {
	Sent     int64 `json:"sent"`
	Received int64 `json:"received"`
}

func (t Traffic) Add(o Traffic) Traffic {
	return Traffic{Sent: t.Sent + o.Sent, Received: t.Received + o.Received}
}

func (t Traffic) Sub(o Traffic) Traffic {
	return Traffic{Sent: t.Sent - o.Sent, Received: t.Received - o.Received}
}

const maxFrameSize = 16 << 20 // 16 MiB guards against a hostile length prefix

// WriteFrame writes a <u32 length BE><json payload> frame — the envelope
// used for both the request header and the response on the control stream.
func WriteFrame(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: marshal: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ReadFrame reads one length-prefixed JSON frame into v.
func ReadFrame(r io.Reader, v any) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return fmt.Errorf("wire: frame too large: %d bytes", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// PeekRequestCode reads just enough of a request frame to dispatch on its
// RequestCode, returning the raw frame bytes so the caller can re-unmarshal
// into the concrete request type.
func PeekRequestCode(r io.Reader) (RequestCode, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return 0, nil, fmt.Errorf("wire: frame too large: %d bytes", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return 0, nil, err
	}
	var hdr RequestHeader
	if err := json.Unmarshal(b, &hdr); err != nil {
		return 0, nil, fmt.Errorf("wire: decode header: %w", err)
	}
	return hdr.RequestCode, b, nil
}
