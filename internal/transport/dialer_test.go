package transport

import "testing"

func TestNewDialerPicksVariantByWebSocketFlag(t *testing.T) {
	tlsEP := HostEndPoint{Address: "host", Port: 443}
	if _, ok := NewDialer(tlsEP).(*TLSDialer); !ok {
		t.Fatalf("expected *TLSDialer for non-websocket endpoint")
	}

	wsEP := HostEndPoint{Address: "host", Port: 443, WebSocket: true, WSPath: "/ws"}
	if _, ok := NewDialer(wsEP).(*WebSocketDialer); !ok {
		t.Fatalf("expected *WebSocketDialer for websocket endpoint")
	}
}

func TestHostEndPointString(t *testing.T) {
	ep := HostEndPoint{Address: "example.com", Port: 8443}
	if got, want := ep.String(), "example.com:8443"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}
