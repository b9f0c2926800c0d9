package trust

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/panrelay/pannode/pkg/token"
)

func writeConfig(t *testing.T, path string, cfg Config) {
	t.Helper()
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func issueToken(t *testing.T, issuer, subject string, purposes []string) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	raw, err := token.Issue(token.Claims{Issuer: issuer, Subject: subject, Purposes: purposes}, priv)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return raw
}

func TestIsTokenTrustedAcceptsListedIssuer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trust.json")
	writeConfig(t, path, Config{TrustedIssuers: map[string][]string{"urn:alice": {"agent-connect"}}})

	v, err := New(path, time.Minute, clock.NewMock())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	raw := issueToken(t, "urn:alice", "", []string{"agent-connect"})
	res, err := v.IsTokenTrusted(raw, nil, []string{"agent-connect"})
	if err != nil {
		t.Fatalf("IsTokenTrusted: %v", err)
	}
	if !res.Trusted {
		t.Fatalf("expected trusted result, got %+v", res)
	}
}

func TestIsTokenTrustedRejectsUnlistedIssuer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trust.json")
	writeConfig(t, path, Config{TrustedIssuers: map[string][]string{"urn:alice": {"agent-connect"}}})

	v, err := New(path, time.Minute, clock.NewMock())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	raw := issueToken(t, "urn:bob", "", []string{"agent-connect"})
	res, err := v.IsTokenTrusted(raw, nil, []string{"agent-connect"})
	if err != nil {
		t.Fatalf("IsTokenTrusted: %v", err)
	}
	if res.Trusted {
		t.Fatal("expected untrusted result for unlisted issuer")
	}
}

func TestIsTokenTrustedWalksVouchingChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trust.json")
	writeConfig(t, path, Config{TrustedIssuers: map[string][]string{"urn:root": {"peer-connect"}}})

	v, err := New(path, time.Minute, clock.NewMock())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	leaf := issueToken(t, "urn:leaf", "", []string{"peer-connect"})
	vouch := issueToken(t, "urn:root", "urn:leaf", []string{"peer-connect"})

	res, err := v.IsTokenTrusted(leaf, []string{vouch}, []string{"peer-connect"})
	if err != nil {
		t.Fatalf("IsTokenTrusted: %v", err)
	}
	if !res.Trusted {
		t.Fatalf("expected chain to reach trusted root, got %+v", res)
	}
}

func TestReloadKeepsPreviousConfigOnFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trust.json")
	writeConfig(t, path, Config{TrustedIssuers: map[string][]string{"urn:alice": {"agent-connect"}}})

	mock := clock.NewMock()
	v, err := New(path, time.Second, mock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("corrupt config: %v", err)
	}
	mock.Add(2 * time.Second)

	raw := issueToken(t, "urn:alice", "", []string{"agent-connect"})
	res, err := v.IsTokenTrusted(raw, nil, []string{"agent-connect"})
	if err != nil {
		t.Fatalf("IsTokenTrusted: %v", err)
	}
	if !res.Trusted {
		t.Fatal("expected stale-but-valid config to be retained after a failed reload")
	}
}
