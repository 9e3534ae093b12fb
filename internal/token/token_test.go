package token

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
)

func sampleToken() *Token {
	return &Token{
		ID:             uuid.New(),
		Secret:         []byte("super-secret"),
		ServerHostName: "relay.example.com",
		HostEndPoints:  []HostEndPoint{{Address: "relay.example.com", Port: 443}},
		ProtocolVersion: 1,
	}
}

func TestAccessKeyRoundTrip(t *testing.T) {
	tok := sampleToken()
	key, err := tok.ToAccessKey()
	if err != nil {
		t.Fatalf("ToAccessKey: %v", err)
	}

	got, err := ParseAccessKey(key)
	if err != nil {
		t.Fatalf("ParseAccessKey: %v", err)
	}
	if got.ID != tok.ID || got.ServerHostName != tok.ServerHostName {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, tok)
	}
}

func TestParseAccessKeyAcceptsAllPrefixesAndWhitespace(t *testing.T) {
	tok := sampleToken()
	key, err := tok.ToAccessKey()
	if err != nil {
		t.Fatalf("ToAccessKey: %v", err)
	}
	payload := key[len("vh://"):]

	for _, variant := range []string{
		"vhkey://" + payload,
		"vh:" + payload,
		"  \"" + key + "\"  \n",
	} {
		if _, err := ParseAccessKey(variant); err != nil {
			t.Fatalf("ParseAccessKey(%q): %v", variant, err)
		}
	}
}

func TestParseAccessKeyRejectsUnknownPrefix(t *testing.T) {
	if _, err := ParseAccessKey("http://not-a-key"); err == nil {
		t.Fatal("expected error for unrecognized prefix")
	}
}

func TestEncryptDecryptClientID(t *testing.T) {
	secret := []byte("another-secret")
	clientID := make([]byte, 16)
	copy(clientID, []byte("0123456789abcdef"))

	enc, err := EncryptClientID(clientID, secret)
	if err != nil {
		t.Fatalf("EncryptClientID: %v", err)
	}
	if bytes.Equal(enc, clientID) {
		t.Fatal("expected ciphertext to differ from plaintext")
	}

	dec, err := DecryptClientID(enc, secret)
	if err != nil {
		t.Fatalf("DecryptClientID: %v", err)
	}
	if !bytes.Equal(dec, clientID) {
		t.Fatalf("decrypted = %x, want %x", dec, clientID)
	}
}

func TestEncryptClientIDRejectsNonBlockMultiple(t *testing.T) {
	if _, err := EncryptClientID([]byte("short"), []byte("secret")); err == nil {
		t.Fatal("expected error for non-block-multiple client id")
	}
}
