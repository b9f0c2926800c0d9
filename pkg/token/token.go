// Package token implements the minimal bearer-token format the trust
// pipeline validates: a self-certifying, Ed25519-signed structure
// carrying an issuer URN, an optional subject, and a set of purposes the
// bearer is vouched for.
//
// spec.md §4.5 explicitly treats the trust-chain validator's actual
// cryptographic implementation as swappable ("we specify what it must
// answer, not how"); no JWT library appears anywhere in the example
// pack, so this format mirrors the teacher's existing
// internal/crypto/identity.go Sign/Verify primitive rather than
// introducing an unrelated dependency.
package token

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Claims is the structural payload of a token.
type Claims struct {
	Issuer     string   `json:"iss"`
	Subject    string   `json:"sub,omitempty"`
	Identifier string   `json:"identifier,omitempty"`
	Purposes   []string `json:"purposes"`
	IssuedAt   int64    `json:"iat"`
	ExpiresAt  int64    `json:"exp,omitempty"`
	IssuerPub  string   `json:"issuer_pub"`
}

// Expired reports whether the token's exp field, if set, is in the past
// relative to now.
func (c Claims) Expired(now time.Time) bool {
	return c.ExpiresAt != 0 && now.Unix() > c.ExpiresAt
}

// HasPurpose reports whether purpose is present in c.Purposes.
func (c Claims) HasPurpose(purpose string) bool {
	for _, p := range c.Purposes {
		if p == purpose {
			return true
		}
	}
	return false
}

// Issue signs claims with priv and embeds the corresponding public key,
// returning the wire-format token: base64url(payload).base64url(sig).
func Issue(claims Claims, priv ed25519.PrivateKey) (string, error) {
	claims.IssuerPub = base64.RawURLEncoding.EncodeToString(priv.Public().(ed25519.PublicKey))

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(payload)
	sig := ed25519.Sign(priv, []byte(payloadB64))
	sigB64 := base64.RawURLEncoding.EncodeToString(sig)

	return payloadB64 + "." + sigB64, nil
}

// Decode performs purely structural and cryptographic validation of a
// single token: it splits the wire format, verifies the embedded
// signature against the embedded public key, and returns the decoded
// claims. It does not consult any trust configuration — that is the
// Trust Validator's job (pkg/trust).
func Decode(raw string) (Claims, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 2 {
		return Claims{}, fmt.Errorf("token: malformed, expected payload.signature")
	}
	payloadB64, sigB64 := parts[0], parts[1]

	payload, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return Claims{}, fmt.Errorf("token: bad payload encoding: %w", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return Claims{}, fmt.Errorf("token: bad signature encoding: %w", err)
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, fmt.Errorf("token: bad payload json: %w", err)
	}

	pub, err := base64.RawURLEncoding.DecodeString(claims.IssuerPub)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return Claims{}, fmt.Errorf("token: bad issuer public key")
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(payloadB64), sig) {
		return Claims{}, fmt.Errorf("token: signature verification failed")
	}

	return claims, nil
}
