// Package peerserver implements the Peer Server (spec.md §4.14): the
// handshake a remote node's connection must pass before it is admitted
// as a peer. Unlike the Agent Server, a peer connection carries exactly
// one frame of protocol before this package's job is done — everything
// after successful registration (gossip, topology, relay of further
// traffic) belongs to the peer relay layer, which spec.md §1 explicitly
// places out of this core's scope.
//
// Grounded on the single-shot registration handshake in the teacher's
// pkg/registry/server.go (handleConn reading one message before
// dispatch) and the trust-chain check in pkg/daemon/handshake.go,
// narrowed to the spec's "read exactly one handshake frame" contract.
package peerserver

import (
	"fmt"
	"log/slog"

	"github.com/panrelay/pannode/pkg/agentconn"
	"github.com/panrelay/pannode/pkg/frame"
	"github.com/panrelay/pannode/pkg/peerregistry"
	"github.com/panrelay/pannode/pkg/protocol"
	"github.com/panrelay/pannode/pkg/transport"
	"github.com/panrelay/pannode/pkg/trust"
	"github.com/panrelay/pannode/pkg/webhook"
)

// RequiredPurpose is the trust purpose a peer's token must carry,
// directly or via a vouching chain, to be admitted.
const RequiredPurpose = "peer-connect"

// Server runs the peer handshake described in spec.md §4.14.
type Server struct {
	LocalNodeID string
	Validator   *trust.Validator
	Registry    *peerregistry.Registry
	// Webhook, if set, receives peer.connected and peer.rejected events.
	Webhook *webhook.Client
	// OnAdmitted, if set, is called with the newly registered peer
	// connection after a successful handshake. cmd/pannode leaves it
	// nil.
	OnAdmitted func(nodeID string, conn *agentconn.Connection)
}

// HandleConn reads exactly one handshake frame from raw, validates and
// trust-checks it, and on success registers the peer. On any failure it
// sends an auth.failed control frame and closes raw; the caller does not
// need to close raw again on error.
func (s *Server) HandleConn(raw transport.Conn) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("peerserver: recovered panic in handshake", "recovered", r)
			raw.Close()
		}
	}()

	rawBytes, err := raw.ReadFrame()
	if err != nil {
		raw.Close()
		return
	}

	f, err := frame.DecodeAndValidate(rawBytes, protocol.MaxTTL)
	if err != nil {
		s.reject(raw, "", fmt.Sprintf("malformed handshake: %v", err))
		return
	}

	if f.Type != protocol.FramePeerControl || f.MsgType != "hello" {
		s.reject(raw, f.MsgID, "handshake must be type=peer_control, msg_type=hello")
		return
	}

	tok, _ := f.Payload["token"].(string)
	if tok == "" {
		s.reject(raw, f.MsgID, "handshake requires payload.token")
		return
	}

	if _, err := s.Validator.ValidateToken(tok); err != nil {
		s.reject(raw, f.MsgID, err.Error())
		return
	}

	var extra []string
	if raws, ok := f.Payload["tokens"].([]interface{}); ok {
		for _, v := range raws {
			if str, ok := v.(string); ok {
				extra = append(extra, str)
			}
		}
	}

	res, err := s.Validator.IsTokenTrusted(tok, extra, []string{RequiredPurpose})
	if err != nil || !res.Trusted {
		reason := res.Reason
		if err != nil {
			reason = err.Error()
		}
		s.reject(raw, f.MsgID, fmt.Sprintf("access denied: %s", reason))
		return
	}

	peerNodeID := f.From.NodeID
	if !frame.ValidID(peerNodeID) {
		s.reject(raw, f.MsgID, "handshake missing valid from.node_id")
		return
	}

	conn := agentconn.New(peerNodeID, agentconn.KindPeer, res.Issuer, raw)
	if err := s.Registry.Register(peerNodeID, res.Issuer, conn); err != nil {
		s.reject(raw, f.MsgID, err.Error())
		return
	}

	if err := conn.SendControl("hello_ok", map[string]interface{}{
		"node_id": s.LocalNodeID,
	}, f.MsgID); err != nil {
		slog.Warn("peerserver: failed to reply hello_ok", "peer_node_id", peerNodeID, "err", err)
	}

	slog.Info("peerserver: peer admitted", "peer_node_id", peerNodeID, "issuer", res.Issuer)
	s.Webhook.Emit("peer.connected", map[string]interface{}{
		"peer_node_id": peerNodeID,
		"issuer":       res.Issuer,
	})
	if s.OnAdmitted != nil {
		s.OnAdmitted(peerNodeID, conn)
	}
}

func (s *Server) reject(raw transport.Conn, inResponseTo, reason string) {
	payload := map[string]interface{}{"error": reason}
	if inResponseTo != "" {
		payload["in_response_to"] = inResponseTo
	}
	f := &frame.Frame{
		MsgID:   frame.NewID(),
		From:    frame.From{NodeID: s.LocalNodeID},
		MsgType: "auth.failed",
		Payload: payload,
		Type:    protocol.FrameControl,
	}
	if encoded, err := f.Encode(); err == nil {
		raw.WriteFrame(encoded)
	}
	raw.Close()
	s.Webhook.Emit("peer.rejected", map[string]interface{}{"reason": reason})
}
