package peerregistry

import (
	"errors"
	"net"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/panrelay/pannode/pkg/agentconn"
	"github.com/panrelay/pannode/pkg/metrics"
	"github.com/panrelay/pannode/pkg/protocol"
	"github.com/panrelay/pannode/pkg/transport"
)

func fakeConn(t *testing.T) *agentconn.Connection {
	t.Helper()
	a, _ := net.Pipe()
	t.Cleanup(func() { a.Close() })
	return agentconn.New("peer-conn", agentconn.KindPeer, "peer", transport.NewTCP(a))
}

func TestRegisterFirstClaimSucceeds(t *testing.T) {
	r := New()
	if err := r.Register("node-1", "urn:alice", fakeConn(t)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, ok := r.Get("node-1"); !ok {
		t.Fatal("expected peer to be registered")
	}
}

func TestRegisterSameIssuerReconnectIsIdempotent(t *testing.T) {
	r := New()
	_ = r.Register("node-1", "urn:alice", fakeConn(t))
	if err := r.Register("node-1", "urn:alice", fakeConn(t)); err != nil {
		t.Fatalf("expected same-issuer reconnect to succeed, got %v", err)
	}
}

func TestRegisterDifferentIssuerIsRejected(t *testing.T) {
	r := New()
	_ = r.Register("node-1", "urn:alice", fakeConn(t))
	err := r.Register("node-1", "urn:bob", fakeConn(t))
	if err == nil {
		t.Fatal("expected second issuer to be rejected")
	}
	if !errors.Is(err, protocol.ErrIssuerMismatch) {
		t.Fatalf("expected ErrIssuerMismatch, got %v", err)
	}
	if r.Count() != 1 {
		t.Fatalf("expected original registration to survive, count=%d", r.Count())
	}
}

func TestPeerConnectionsGaugeTracksRegisterAndUnregister(t *testing.T) {
	r := New()
	r.Metrics = metrics.New(prometheus.NewRegistry())

	if err := r.Register("node-1", "urn:alice", fakeConn(t)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got := testutil.ToFloat64(r.Metrics.PeerConnections); got != 1 {
		t.Fatalf("PeerConnections = %v, want 1", got)
	}

	// A same-issuer reconnect must not double-count.
	if err := r.Register("node-1", "urn:alice", fakeConn(t)); err != nil {
		t.Fatalf("Register (reconnect): %v", err)
	}
	if got := testutil.ToFloat64(r.Metrics.PeerConnections); got != 1 {
		t.Fatalf("PeerConnections after reconnect = %v, want 1", got)
	}

	r.Unregister("node-1")
	if got := testutil.ToFloat64(r.Metrics.PeerConnections); got != 0 {
		t.Fatalf("PeerConnections after unregister = %v, want 0", got)
	}
}
