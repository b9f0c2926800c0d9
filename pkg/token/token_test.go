package token

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"
)

func mustIssue(t *testing.T, claims Claims) (string, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	raw, err := Issue(claims, priv)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return raw, pub
}

func TestIssueAndDecodeRoundTrip(t *testing.T) {
	raw, _ := mustIssue(t, Claims{
		Issuer:   "urn:alice",
		Purposes: []string{"agent-connect"},
		IssuedAt: time.Now().Unix(),
	})

	claims, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if claims.Issuer != "urn:alice" || !claims.HasPurpose("agent-connect") {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestDecodeRejectsTamperedSignature(t *testing.T) {
	raw, _ := mustIssue(t, Claims{Issuer: "urn:alice", Purposes: []string{"agent-connect"}})
	tampered := raw[:len(raw)-4] + "abcd"
	if _, err := Decode(tampered); err == nil {
		t.Fatal("expected signature verification to fail on tampered token")
	}
}

func TestDecodeRejectsMalformedToken(t *testing.T) {
	if _, err := Decode("not-a-token"); err == nil {
		t.Fatal("expected malformed token to be rejected")
	}
}

func TestExpiredReportsPastExpiry(t *testing.T) {
	c := Claims{ExpiresAt: time.Now().Add(-time.Hour).Unix()}
	if !c.Expired(time.Now()) {
		t.Fatal("expected token to be expired")
	}
	c2 := Claims{ExpiresAt: time.Now().Add(time.Hour).Unix()}
	if c2.Expired(time.Now()) {
		t.Fatal("expected token to not be expired")
	}
	c3 := Claims{}
	if c3.Expired(time.Now()) {
		t.Fatal("expected zero exp to mean no expiry")
	}
}
