// Package transport turns raw sockets (TCP, TLS, or WebSocket) into a
// uniform Conn of JSON frames, so everything above it — the agent
// server, peer server, and router — never sees a net.Conn or
// *websocket.Conn directly.
//
// Grounded on the teacher's pkg/eventstream/eventstream.go framing (one
// message per read/write call) and pkg/registry/server.go's TLS
// bootstrap, generalized to the two transports SPEC_FULL.md names.
package transport

import "net"

// Conn is a bidirectional stream of frames. Implementations enforce
// protocol.MaxFrameSize on both read and write.
type Conn interface {
	// ReadFrame blocks for the next frame. Returns protocol.ErrFrameTooLarge
	// if the peer sent something over the size limit.
	ReadFrame() ([]byte, error)
	// WriteFrame sends one frame.
	WriteFrame(raw []byte) error
	Close() error
	RemoteAddr() net.Addr
}
