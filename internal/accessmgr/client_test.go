package accessmgr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"relaytun/internal/wire"
)

func TestClientConfigureRoundTrips(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/configure" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var info ServerInfo
		json.NewDecoder(r.Body).Decode(&info)
		if info.ServerID != "srv-1" {
			t.Fatalf("ServerID = %q, want srv-1", info.ServerID)
		}
		json.NewEncoder(w).Encode(ServerConfig{ConfigCode: "cfg-1"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	out, err := c.Configure(context.Background(), ServerInfo{ServerID: "srv-1"})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if out.ConfigCode != "cfg-1" {
		t.Fatalf("ConfigCode = %q, want cfg-1", out.ConfigCode)
	}
}

func TestClientSessionCreatePropagatesApiError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(ApiError{ExceptionTypeName: "AccessKeyNotFound", Message: "unknown token"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	_, err := c.SessionCreate(context.Background(), SessionRequestEx{TokenID: "bad"})
	if err == nil {
		t.Fatal("expected an error")
	}
	apiErr, ok := err.(*ApiError)
	if !ok {
		t.Fatalf("error type = %T, want *ApiError", err)
	}
	if apiErr.ExceptionTypeName != "AccessKeyNotFound" {
		t.Fatalf("ExceptionTypeName = %q, want AccessKeyNotFound", apiErr.ExceptionTypeName)
	}
}

func TestClientSessionAddUsageEncodesCloseSession(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode(SessionResponseBase{ErrorCode: wire.Ok})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	if _, err := c.SessionAddUsage(context.Background(), 7, wire.Traffic{Sent: 10}, true); err != nil {
		t.Fatalf("SessionAddUsage: %v", err)
	}
	if gotQuery != "closeSession=true" {
		t.Fatalf("query = %q, want closeSession=true", gotQuery)
	}
}

func TestClientCertificateReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("cert-bytes"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	body, err := c.Certificate(context.Background(), "example.com:443")
	if err != nil {
		t.Fatalf("Certificate: %v", err)
	}
	if string(body) != "cert-bytes" {
		t.Fatalf("body = %q, want cert-bytes", body)
	}
}
