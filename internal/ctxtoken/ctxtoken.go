// Package ctxtoken implements the HMAC-signed context reference
// tokens of SPEC_FULL §6: ctx_<payload>.<signature>, both segments
// base64url, with a default 24h TTL.
package ctxtoken

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DefaultTTL is the context token lifetime §6 specifies absent an
// explicit override.
const DefaultTTL = 24 * time.Hour

const prefix = "ctx_"

// Payload is the signed content of one context token: which saved
// context it points at and when it expires.
type Payload struct {
	Topic     string `json:"topic"`
	RootID    string `json:"root_id"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// Signer mints and verifies context tokens with a single HMAC key,
// kept in memory for the life of the daemon process rather than
// persisted — tokens outlive neither a daemon restart nor their TTL,
// whichever is shorter.
type Signer struct {
	key []byte
}

// NewSigner builds a signer with an explicit key (tests, or a
// key loaded from disk).
func NewSigner(key []byte) *Signer {
	return &Signer{key: key}
}

// NewRandomSigner generates a fresh 32-byte key via crypto/rand, for
// a daemon process that has no persisted key file yet.
func NewRandomSigner() (*Signer, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate context token key: %w", err)
	}
	return &Signer{key: key}, nil
}

// Key returns the raw signing key, for persistence at ctx_keys.json.
func (s *Signer) Key() []byte { return s.key }

// Issue mints a token for topic/rootID with ttl (DefaultTTL if zero).
func (s *Signer) Issue(topic, rootID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()
	p := Payload{Topic: topic, RootID: rootID, IssuedAt: now.Unix(), ExpiresAt: now.Add(ttl).Unix()}

	body, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(body)

	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(payloadB64))
	sigB64 := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return prefix + payloadB64 + "." + sigB64, nil
}

// Verify checks a token's signature and expiry, returning its payload.
func (s *Signer) Verify(token string) (Payload, error) {
	var p Payload

	if !strings.HasPrefix(token, prefix) {
		return p, fmt.Errorf("malformed context token: missing %q prefix", prefix)
	}
	rest := strings.TrimPrefix(token, prefix)

	dot := strings.LastIndexByte(rest, '.')
	if dot < 0 {
		return p, fmt.Errorf("malformed context token: missing signature separator")
	}
	payloadB64, sigB64 := rest[:dot], rest[dot+1:]

	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(payloadB64))
	expectedSig := mac.Sum(nil)

	gotSig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return p, fmt.Errorf("malformed context token signature: %w", err)
	}
	if subtle.ConstantTimeCompare(expectedSig, gotSig) != 1 {
		return p, fmt.Errorf("context token signature mismatch")
	}

	body, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return p, fmt.Errorf("malformed context token payload: %w", err)
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return p, fmt.Errorf("malformed context token payload: %w", err)
	}

	if time.Now().Unix() >= p.ExpiresAt {
		return p, fmt.Errorf("context token expired at %d", p.ExpiresAt)
	}
	return p, nil
}
