// Package router implements the Agent Router (spec.md §4.12): dispatch
// of a validated, authenticated frame to control handling, local
// fan-out, local direct delivery, or the peer relay bus.
package router

import (
	"fmt"

	"github.com/panrelay/pannode/internal/bus"
	"github.com/panrelay/pannode/pkg/agentconn"
	"github.com/panrelay/pannode/pkg/agentregistry"
	"github.com/panrelay/pannode/pkg/control"
	"github.com/panrelay/pannode/pkg/frame"
	"github.com/panrelay/pannode/pkg/group"
	"github.com/panrelay/pannode/pkg/metrics"
	"github.com/panrelay/pannode/pkg/protocol"
)

// OutboundBroadcast is emitted on the bus for every accepted broadcast
// frame so the peer relay layer can forward it to other nodes.
type OutboundBroadcast struct {
	From    frame.From
	Message *frame.Frame
}

// OutboundDirect is emitted on the bus when a direct frame's
// destination is not local.
type OutboundDirect struct {
	From    frame.From
	To      frame.From
	Message *frame.Frame
}

// Router dispatches validated, authenticated frames.
type Router struct {
	LocalNodeID string
	Groups      *group.Manager
	Agents      *agentregistry.Registry
	Bus         *bus.Bus
	Control     *control.Handlers
	Metrics     *metrics.Metrics // may be nil
}

// Route dispatches f, which must already have passed validation and, for
// authenticated connections, from-spoofing checks.
func (r *Router) Route(conn *agentconn.Connection, f *frame.Frame) error {
	if r.Metrics != nil {
		r.Metrics.FramesTotal.WithLabelValues(string(f.Type)).Inc()
	}

	switch f.Type {
	case protocol.FrameControl, protocol.FrameAgentControl, protocol.FramePeerControl:
		return r.Control.Process(conn, f)
	case protocol.FrameBroadcast:
		return r.routeBroadcast(conn, f)
	case protocol.FrameDirect:
		return r.routeDirect(conn, f)
	default:
		return conn.SendError("unsupported_frame_type", fmt.Sprintf("%q", f.Type))
	}
}

func (r *Router) routeBroadcast(conn *agentconn.Connection, f *frame.Frame) error {
	recipients := r.Groups.GetRecipients(f.GroupID, f.MsgType)
	for _, connID := range recipients {
		if connID == conn.ID() {
			continue
		}
		recipient, ok := r.Agents.Get(connID)
		if !ok {
			continue
		}
		if err := recipient.Send(f); err == nil && r.Metrics != nil {
			r.Metrics.BroadcastFanoutTotal.Inc()
		}
	}

	r.Bus.Emit("outbound:agent_broadcast", OutboundBroadcast{From: f.From, Message: f})
	return nil
}

func (r *Router) routeDirect(conn *agentconn.Connection, f *frame.Frame) error {
	if f.To.NodeID == r.LocalNodeID {
		recipient, ok := r.Agents.Get(f.To.ConnID)
		if !ok {
			return conn.SendError("target_not_found", fmt.Sprintf("no local connection %s", f.To.ConnID))
		}
		rewritten := *f
		rewritten.From = frame.From{NodeID: r.LocalNodeID, ConnID: conn.ID()}
		rewritten.Payload = cloneWithInResponseTo(f.Payload, f.MsgID)
		return recipient.Send(&rewritten)
	}

	r.Bus.Emit("outbound:agent_direct", OutboundDirect{From: f.From, To: f.To, Message: f})
	return nil
}

func cloneWithInResponseTo(payload map[string]interface{}, inResponseTo string) map[string]interface{} {
	out := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["in_response_to"] = inResponseTo
	return out
}
