// Package agentconn wraps one logical agent or peer connection: the
// current socket, framed send helpers, and the error-accounting window
// described in spec.md §4.10. A Connection survives a resume — the
// socket underneath it can be hot-swapped without callers elsewhere
// needing to know.
//
// Grounded on the teacher's pkg/driver/conn.go Conn (socket ownership,
// swap-under-lock pattern), adapted from a raw net.Conn wrapper into a
// logical-connection wrapper over the transport.Conn interface.
package agentconn

import (
	"sync"
	"time"

	"github.com/panrelay/pannode/pkg/frame"
	"github.com/panrelay/pannode/pkg/protocol"
	"github.com/panrelay/pannode/pkg/transport"
)

// Kind distinguishes an agent connection from a peer connection.
type Kind string

const (
	KindAgent Kind = "agent"
	KindPeer  Kind = "peer"
)

// MaxErrorWindow is the longest span of record_error timestamps kept.
const MaxErrorWindow = 60 * time.Second

// MaxErrorsBeforeClose is the most errors within MaxErrorWindow that are
// tolerated; one more triggers closing the socket (spec.md §4.10(iii)).
const MaxErrorsBeforeClose = 200

// Connection is a logical agent/peer connection: stable identity plus a
// swappable socket.
type Connection struct {
	id   string
	kind Kind
	name string

	mu     sync.Mutex
	socket transport.Conn
	errLog []time.Time
	closed bool
}

// New wraps socket as a fresh Connection with the given id/kind/name.
func New(id string, kind Kind, name string, socket transport.Conn) *Connection {
	return &Connection{id: id, kind: kind, name: name, socket: socket}
}

func (c *Connection) ID() string   { return c.id }
func (c *Connection) Kind() Kind   { return c.kind }
func (c *Connection) Name() string { return c.name }

// Send writes f to the current socket, minting a msg_id if one is not
// already set.
func (c *Connection) Send(f *frame.Frame) error {
	if f.MsgID == "" {
		f.MsgID = frame.NewID()
	}
	raw, err := f.Encode()
	if err != nil {
		return err
	}
	c.mu.Lock()
	socket := c.socket
	c.mu.Unlock()
	return socket.WriteFrame(raw)
}

// SendControl wraps payload as a type=control frame with the given
// msg_type, optionally referencing the triggering message via
// inResponseTo (empty string omits the field).
func (c *Connection) SendControl(msgType string, payload map[string]interface{}, inResponseTo string) error {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	if inResponseTo != "" {
		payload["in_response_to"] = inResponseTo
	}
	f := &frame.Frame{
		MsgID:   frame.NewID(),
		From:    frame.From{NodeID: "", ConnID: c.id},
		MsgType: msgType,
		Payload: payload,
		TTL:     0,
		Type:    protocol.FrameControl,
	}
	return c.Send(f)
}

// SendError sends a plain `error` control frame.
func (c *Connection) SendError(errType, message string) error {
	return c.SendControl("error", map[string]interface{}{
		"error_type": errType,
		"message":    message,
	}, "")
}

// RecordError appends now to the error log, prunes entries older than
// MaxErrorWindow, and reports whether the window has exceeded
// MaxErrorsBeforeClose — in which case the caller must send a final
// error and close the socket.
func (c *Connection) RecordError(now time.Time, reason string) (tooMany bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.errLog = append(c.errLog, now)
	cutoff := now.Add(-MaxErrorWindow)
	kept := c.errLog[:0]
	for _, ts := range c.errLog {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	c.errLog = kept

	return len(c.errLog) > MaxErrorsBeforeClose
}

// ErrorCount returns the current error-log length, for diagnostics and
// tests.
func (c *Connection) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.errLog)
}

// Reconnect atomically swaps in a new socket, used when a resumed
// connection rebinds to a fresh transport.
func (c *Connection) Reconnect(socket transport.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.socket = socket
	c.closed = false
}

// Close closes the current socket. Idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.socket.Close()
}

// Closed reports whether Close has been called (and no Reconnect
// since).
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
