// Package control implements the control-frame handlers named in
// spec.md §4.13: join_group, leave_group, ping_request, and disconnect.
package control

import (
	"fmt"

	"github.com/panrelay/pannode/internal/bus"
	"github.com/panrelay/pannode/pkg/agentconn"
	"github.com/panrelay/pannode/pkg/frame"
	"github.com/panrelay/pannode/pkg/group"
)

// OutboundPing is the payload emitted on the bus for a valid
// ping_request, for the peer relay layer to act on.
type OutboundPing struct {
	From frame.From
	Dest string
	Msg  string
	TTL  int
}

// Handlers processes control-type frames.
type Handlers struct {
	Groups  *group.Manager
	Bus     *bus.Bus
	Cleanup func(connID string)
}

// Process dispatches f by its msg_type.
func (h *Handlers) Process(conn *agentconn.Connection, f *frame.Frame) error {
	switch f.MsgType {
	case "join_group":
		return h.joinGroup(conn, f)
	case "leave_group":
		return h.leaveGroup(conn, f)
	case "ping_request":
		return h.pingRequest(conn, f)
	case "disconnect":
		return h.disconnect(conn)
	default:
		return conn.SendError("unknown_control_message", fmt.Sprintf("unrecognized msg_type %q", f.MsgType))
	}
}

func groupIDValid(g string) bool {
	return len(g) == 36 || len(g) == 73
}

func (h *Handlers) joinGroup(conn *agentconn.Connection, f *frame.Frame) error {
	groupID, _ := f.Payload["group"].(string)
	rawTypes, _ := f.Payload["msg_types"].([]interface{})

	if !groupIDValid(groupID) {
		return conn.SendControl("join_group_reply", map[string]interface{}{
			"status": "failed",
			"group":  groupID,
			"error":  "invalid group",
		}, f.MsgID)
	}

	msgTypes := make([]string, 0, len(rawTypes))
	for _, v := range rawTypes {
		if s, ok := v.(string); ok {
			msgTypes = append(msgTypes, s)
		}
	}

	if err := h.Groups.JoinGroup(conn.ID(), groupID, msgTypes); err != nil {
		return conn.SendControl("join_group_reply", map[string]interface{}{
			"status": "failed",
			"group":  groupID,
			"error":  err.Error(),
		}, f.MsgID)
	}

	return conn.SendControl("join_group_reply", map[string]interface{}{
		"status": "ok",
		"group":  groupID,
	}, f.MsgID)
}

func (h *Handlers) leaveGroup(conn *agentconn.Connection, f *frame.Frame) error {
	groupID, _ := f.Payload["group"].(string)
	h.Groups.LeaveGroup(conn.ID(), groupID)
	return conn.SendControl("leave_group_reply", map[string]interface{}{
		"status": "ok",
		"group":  groupID,
	}, f.MsgID)
}

func (h *Handlers) pingRequest(conn *agentconn.Connection, f *frame.Frame) error {
	destNodeID, _ := f.Payload["dest_node_id"].(string)
	msg, _ := f.Payload["msg"].(string)
	ttlFloat, _ := f.Payload["ttl"].(float64)
	ttl := int(ttlFloat)

	if !frame.ValidID(destNodeID) || len(msg) > 64 || ttl < 0 || ttl > 255 {
		return conn.SendControl("ping_response", map[string]interface{}{
			"msg":     msg,
			"reached": false,
			"ttl":     ttl,
			"error":   "invalid ping_request payload",
		}, f.MsgID)
	}

	h.Bus.Emit("outbound:agent_ping", OutboundPing{
		From: f.From,
		Dest: destNodeID,
		Msg:  msg,
		TTL:  ttl,
	})
	return nil
}

func (h *Handlers) disconnect(conn *agentconn.Connection) error {
	if h.Cleanup != nil {
		h.Cleanup(conn.ID())
	}
	return conn.Close()
}
