// Package token implements the persistent Token credential (spec.md §3) and
// the access-key string format (spec.md §6): "vh://" || base64(json(Token)),
// with the lenient prefix/whitespace/quote handling spec.md §9(c) preserves
// on purpose.
package token

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// HostEndPoint is one address+port a client may dial for a given token.
type HostEndPoint struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// Token is the persistent credential issued by the access manager (spec.md
// §3). Clients store it and may refresh it via RefreshURL.
type Token struct {
	ID                  uuid.UUID      `json:"id"`
	Secret              []byte         `json:"secret"`
	ServerHostName      string         `json:"serverHostName"`
	HostEndPoints       []HostEndPoint `json:"hostEndPoints"`
	CertificateFingerprint []byte      `json:"certificateFingerprint"`
	RefreshURL          string         `json:"refreshUrl,omitempty"`
	ProtocolVersion     int            `json:"protocolVersion"`
}

var acceptedPrefixes = []string{"vhkey://", "vh://", "vhkey:", "vh:"}

// ToAccessKey serializes the token to "vh://" + base64(json(token)).
func (t *Token) ToAccessKey() (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("token: marshal: %w", err)
	}
	return "vh://" + base64.StdEncoding.EncodeToString(b), nil
}

// ParseAccessKey accepts any of the documented prefixes and strips stray
// whitespace/quotes around the payload (spec.md §9(c) — deliberately
// lenient, preserved from the source this was distilled from).
func ParseAccessKey(key string) (*Token, error) {
	s := strings.TrimSpace(key)
	s = strings.Trim(s, `"'`)
	s = strings.TrimSpace(s)

	var matched bool
	for _, p := range acceptedPrefixes {
		if strings.HasPrefix(s, p) {
			s = s[len(p):]
			matched = true
			break
		}
	}
	if !matched {
		return nil, fmt.Errorf("token: unrecognized access-key prefix")
	}
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)

	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		// Some producers emit unpadded base64url; tolerate both.
		raw, err = base64.RawURLEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("token: decode base64: %w", err)
		}
	}

	var t Token
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("token: decode json: %w", err)
	}
	return &t, nil
}

// EncryptClientID implements the Hello request's encrypted-client-id field
// (spec.md §4.7): AES-CBC of the client id under the token secret, IV being
// the zero block, no padding. clientID must already be a multiple of the AES
// block size (callers pad/derive a 16-byte id).
func EncryptClientID(clientID []byte, secret []byte) ([]byte, error) {
	key := evpBytesToKey(secret, 32)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(clientID)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("token: client id must be a multiple of %d bytes", aes.BlockSize)
	}
	iv := make([]byte, aes.BlockSize)
	out := make([]byte, len(clientID))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, clientID)
	return out, nil
}

// DecryptClientID reverses EncryptClientID on the server, deterministically.
func DecryptClientID(encrypted []byte, secret []byte) ([]byte, error) {
	key := evpBytesToKey(secret, 32)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(encrypted)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("token: ciphertext must be a multiple of %d bytes", aes.BlockSize)
	}
	iv := make([]byte, aes.BlockSize)
	out := make([]byte, len(encrypted))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, encrypted)
	return out, nil
}

// evpBytesToKey derives a keySize-byte key from an arbitrary-length secret,
// OpenSSL EVP_BytesToKey style (same construction the teacher uses in
// internal/shadowsocks/cipher.go for its cipher keys).
func evpBytesToKey(secret []byte, keySize int) []byte {
	var digest, prev []byte
	for len(digest) < keySize {
		h := sha1.New()
		h.Write(prev)
		h.Write(secret)
		prev = h.Sum(nil)
		digest = append(digest, prev...)
	}
	return digest[:keySize]
}
