// Package peerrelay forwards outbound agent traffic to directly
// connected peers. It sits exactly on the boundary spec.md draws around
// peer-to-peer routing: this package decides what crosses from the
// local agent-facing core onto a peer socket, never which path a frame
// takes across more than one hop. A broadcast is flooded to every
// directly connected peer; a direct frame or ping is forwarded only when
// its destination node_id is itself a directly connected peer. Anything
// requiring multi-hop knowledge of the network's shape — gossip,
// clustering, leader election — is out of scope and not attempted here.
//
// Grounded on the teacher's pkg/daemon/webhook.go fire-and-forget
// dispatch shape (subscribe once, dispatch async, never block the
// caller), adapted from an HTTP POST to a frame send over an already
// registered peer connection.
package peerrelay

import (
	"log/slog"

	"github.com/panrelay/pannode/internal/bus"
	"github.com/panrelay/pannode/pkg/control"
	"github.com/panrelay/pannode/pkg/frame"
	"github.com/panrelay/pannode/pkg/peerregistry"
	"github.com/panrelay/pannode/pkg/protocol"
	"github.com/panrelay/pannode/pkg/router"
)

// Relay forwards outbound bus events to directly connected peers.
type Relay struct {
	LocalNodeID string
	Peers       *peerregistry.Registry
}

// Start subscribes the relay to every outbound event the router and
// control handlers emit. Call once at composition time.
func (r *Relay) Start(b *bus.Bus) {
	b.Subscribe("outbound:agent_broadcast", r.onBroadcast)
	b.Subscribe("outbound:agent_direct", r.onDirect)
	b.Subscribe("outbound:agent_ping", r.onPing)
}

func (r *Relay) onBroadcast(payload interface{}) {
	ev, ok := payload.(router.OutboundBroadcast)
	if !ok {
		return
	}
	for _, peerNodeID := range r.Peers.NodeIDs() {
		if peerNodeID == ev.From.NodeID {
			continue
		}
		r.forward(peerNodeID, ev.Message)
	}
}

func (r *Relay) onDirect(payload interface{}) {
	ev, ok := payload.(router.OutboundDirect)
	if !ok {
		return
	}
	r.forward(ev.To.NodeID, ev.Message)
}

func (r *Relay) onPing(payload interface{}) {
	ev, ok := payload.(control.OutboundPing)
	if !ok {
		return
	}
	f := &frame.Frame{
		MsgID:   frame.NewID(),
		From:    ev.From,
		To:      frame.From{NodeID: ev.Dest},
		MsgType: "ping_request",
		Payload: map[string]interface{}{"msg": ev.Msg},
		TTL:     ev.TTL,
		Type:    protocol.FrameDirect,
	}
	r.forward(ev.Dest, f)
}

// forward sends f to the peer connection registered for nodeID, if one
// is directly connected. A miss is silent: the destination is either
// unreachable from here or reachable only through another node, and
// deciding that is multi-hop topology logic this package does not do.
func (r *Relay) forward(nodeID string, f *frame.Frame) {
	conn, ok := r.Peers.Get(nodeID)
	if !ok {
		return
	}
	if err := conn.Send(f); err != nil {
		slog.Warn("peerrelay: forward failed", "peer_node_id", nodeID, "msg_id", f.MsgID, "err", err)
	}
}
