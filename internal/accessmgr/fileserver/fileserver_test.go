package fileserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"relaytun/internal/accessmgr"
	"relaytun/internal/token"
	"relaytun/internal/wire"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, httptest.NewServer(s.Router())
}

func postJSON(t *testing.T, url string, body, out any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	if out != nil {
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response from %s: %v", url, err)
		}
	}
	return resp
}

func TestConfigureIssuesStableConfigCode(t *testing.T) {
	_, srv := newTestServer(t)
	defer srv.Close()

	var cfg accessmgr.ServerConfig
	postJSON(t, srv.URL+"/configure", accessmgr.ServerInfo{ServerID: "s1", TcpEndPoints: []string{"1.2.3.4:443"}}, &cfg)
	if cfg.ConfigCode == "" {
		t.Fatal("expected a non-empty ConfigCode")
	}

	var status accessmgr.ServerCommand
	postJSON(t, srv.URL+"/status", accessmgr.ServerStatus{ServerID: "s1", ConfigCode: cfg.ConfigCode}, &status)
	if status.ConfigCode != cfg.ConfigCode {
		t.Fatalf("status ConfigCode = %q, want %q", status.ConfigCode, cfg.ConfigCode)
	}
}

func TestSessionCreateRejectsUnknownToken(t *testing.T) {
	_, srv := newTestServer(t)
	defer srv.Close()

	var resp accessmgr.ApiError
	httpResp := postJSON(t, srv.URL+"/sessions", accessmgr.SessionRequestEx{TokenID: "nonexistent"}, &resp)
	if httpResp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", httpResp.StatusCode)
	}
}

func TestSessionLifecycleCreateGetUsage(t *testing.T) {
	s, srv := newTestServer(t)
	defer srv.Close()

	tok := token.Token{ID: uuid.New()}
	if err := s.SaveToken(AccessItem{Token: tok, MaxClientCount: 5}); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}

	var created accessmgr.SessionResponseEx
	postJSON(t, srv.URL+"/sessions", accessmgr.SessionRequestEx{TokenID: tok.ID.String()}, &created)
	if created.ErrorCode != wire.Ok {
		t.Fatalf("create ErrorCode = %v, want Ok", created.ErrorCode)
	}
	if created.SessionID == 0 || len(created.SessionKey) == 0 {
		t.Fatal("expected a nonzero session id and a session key")
	}

	var fetched accessmgr.SessionResponseEx
	resp, err := http.Get(fmt.Sprintf("%s/sessions/%d", srv.URL, created.SessionID))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&fetched); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fetched.SessionID != created.SessionID {
		t.Fatalf("fetched SessionID = %d, want %d", fetched.SessionID, created.SessionID)
	}

	var usage accessmgr.SessionResponseBase
	postJSON(t, fmt.Sprintf("%s/sessions/%d/usage", srv.URL, created.SessionID), wire.Traffic{Sent: 100, Received: 50}, &usage)
	if usage.AccessUsage.Sent != 100 || usage.AccessUsage.Received != 50 {
		t.Fatalf("usage = %+v, want Sent=100 Received=50", usage.AccessUsage)
	}
}

func TestApplySuppressionMarksOldestSessionsBeyondLimit(t *testing.T) {
	s, srv := newTestServer(t)
	defer srv.Close()

	tok := token.Token{ID: uuid.New()}
	if err := s.SaveToken(AccessItem{Token: tok, MaxClientCount: 1}); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}

	var first, second accessmgr.SessionResponseEx
	postJSON(t, srv.URL+"/sessions", accessmgr.SessionRequestEx{TokenID: tok.ID.String()}, &first)
	postJSON(t, srv.URL+"/sessions", accessmgr.SessionRequestEx{TokenID: tok.ID.String()}, &second)

	var fetchedFirst accessmgr.SessionResponseEx
	resp, err := http.Get(fmt.Sprintf("%s/sessions/%d", srv.URL, first.SessionID))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	json.NewDecoder(resp.Body).Decode(&fetchedFirst)
	if fetchedFirst.ErrorCode != wire.SessionSuppressedByOther {
		t.Fatalf("first session ErrorCode = %v, want SessionSuppressedByOther", fetchedFirst.ErrorCode)
	}
}

func TestCertificateNotFoundWithoutDefaultPfx(t *testing.T) {
	_, srv := newTestServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/certificates/example.com")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
