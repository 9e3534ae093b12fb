package wire

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := HelloRequest{
		RequestHeader: RequestHeader{RequestCode: RequestHello, RequestID: "abc"},
		TokenID:       "tok-1",
		ClientInfo:    ClientInfo{ClientID: "cid", Version: "1.0"},
	}
	if err := WriteFrame(&buf, req); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	var got HelloRequest
	if err := ReadFrame(&buf, &got); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.TokenID != req.TokenID || got.ClientInfo.ClientID != req.ClientInfo.ClientID {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, req)
	}
}

func TestPeekRequestCode(t *testing.T) {
	var buf bytes.Buffer
	req := ByeRequest{
		RequestHeader: RequestHeader{RequestCode: RequestBye, RequestID: "r1"},
		SessionID:     42,
	}
	if err := WriteFrame(&buf, req); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	code, raw, err := PeekRequestCode(&buf)
	if err != nil {
		t.Fatalf("PeekRequestCode: %v", err)
	}
	if code != RequestBye {
		t.Fatalf("code = %v, want %v", code, RequestBye)
	}

	var decoded ByeRequest
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("re-decode: %v", err)
	}
	if decoded.SessionID != 42 {
		t.Fatalf("SessionID = %d, want 42", decoded.SessionID)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	var v HelloRequest
	if err := ReadFrame(&buf, &v); err == nil {
		t.Fatal("expected error for oversized frame length")
	}
}

func TestTrafficAddSub(t *testing.T) {
	a := Traffic{Sent: 100, Received: 50}
	b := Traffic{Sent: 30, Received: 10}
	if sum := a.Add(b); sum != (Traffic{Sent: 130, Received: 60}) {
		t.Fatalf("Add = %+v", sum)
	}
	if diff := a.Sub(b); diff != (Traffic{Sent: 70, Received: 40}) {
		t.Fatalf("Sub = %+v", diff)
	}
}

func TestErrorCodeAndRequestCodeStringers(t *testing.T) {
	if RequestHello.String() != "Hello" {
		t.Fatalf("RequestHello.String() = %q", RequestHello.String())
	}
	if AccessTrafficOverflow.String() != "AccessTrafficOverflow" {
		t.Fatalf("AccessTrafficOverflow.String() = %q", AccessTrafficOverflow.String())
	}
	if got := ErrorCode(999).String(); got != "ErrorCode(999)" {
		t.Fatalf("unknown ErrorCode.String() = %q", got)
	}
}
