// Package frame defines the wire-level message envelope exchanged between
// agents and peers, and the validation rules every inbound frame must
// pass before it reaches a handler.
package frame

import (
	"encoding/json"
	"fmt"

	"github.com/panrelay/pannode/pkg/protocol"
)

// Frame is the JSON envelope carried on every agent and peer connection.
// To and Group are variant fields: To is required when Type is "direct",
// Group when Type is "broadcast" (spec.md §3).
type Frame struct {
	MsgID   string                 `json:"msg_id"`
	From    From                   `json:"from"`
	MsgType string                 `json:"msg_type"`
	Payload map[string]interface{} `json:"payload"`
	TTL     int                    `json:"ttl"`
	Type    protocol.FrameType     `json:"type"`
	To      From                   `json:"to,omitempty"`
	GroupID string                 `json:"group,omitempty"`
}

// Decode parses raw bytes into a Frame without validating field content;
// use Validate separately so callers can decide what "special agent"
// (tighter TTL) means for this connection.
func Decode(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrFrameMalformed, err)
	}
	return &f, nil
}

// Encode serializes f back to its wire form.
func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// Validate checks msg_id, msg_type, payload shape, ttl range, and frame
// type against spec.md's schema. maxTTL lets callers pin special agents
// to a tighter ceiling than ordinary peers/clients.
func (f *Frame) Validate(maxTTL int) error {
	if !ValidID(f.MsgID) {
		return fmt.Errorf("%w: msg_id %q is not a valid id", protocol.ErrFrameMalformed, f.MsgID)
	}
	if !protocol.MsgTypePattern.MatchString(f.MsgType) {
		return fmt.Errorf("%w: %q", protocol.ErrBadMsgType, f.MsgType)
	}
	if f.Payload == nil {
		return fmt.Errorf("%w: missing", protocol.ErrBadPayload)
	}
	if f.TTL < 0 || f.TTL > maxTTL {
		return fmt.Errorf("%w: %d (max %d)", protocol.ErrBadTTL, f.TTL, maxTTL)
	}
	if !f.Type.Valid() {
		return fmt.Errorf("%w: %q", protocol.ErrUnknownFrameType, f.Type)
	}

	switch f.Type {
	case protocol.FrameDirect:
		if !ValidID(f.To.NodeID) || f.To.ConnID == "" {
			return fmt.Errorf("%w: direct frame missing valid to.node_id/to.conn_id", protocol.ErrFrameMalformed)
		}
	case protocol.FrameBroadcast:
		if len(f.GroupID) != 36 && len(f.GroupID) != 73 {
			return fmt.Errorf("%w: broadcast frame has invalid group %q", protocol.ErrFrameMalformed, f.GroupID)
		}
	}
	return nil
}

// Group returns the frame's group field (only meaningful for broadcast
// frames).
func (f *Frame) Group() string { return f.GroupID }

// DecodeAndValidate is the usual entry point: decode raw bytes, then
// validate the result, in one call.
func DecodeAndValidate(raw []byte, maxTTL int) (*Frame, error) {
	f, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	if err := f.Validate(maxTTL); err != nil {
		return nil, err
	}
	return f, nil
}
