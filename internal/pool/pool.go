// Package pool provides reusable byte buffers for frame I/O, avoiding a
// fresh allocation on every read from an agent or peer connection.
package pool

import "sync"

// FrameBufSize matches protocol.MaxFrameSize; duplicated as a constant
// here (rather than imported) to keep this low-level package free of a
// dependency on the frame schema.
const FrameBufSize = 61440

var framePool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, FrameBufSize)
		return &b
	},
}

// GetFrame returns a buffer sized for one maximum-size frame.
func GetFrame() *[]byte {
	return framePool.Get().(*[]byte)
}

// PutFrame returns a buffer to the pool. Buffers with reduced capacity
// (should not happen in practice, since callers only reslice within
// FrameBufSize) are dropped instead of pooled.
func PutFrame(b *[]byte) {
	if b == nil || cap(*b) < FrameBufSize {
		return
	}
	*b = (*b)[:FrameBufSize]
	framePool.Put(b)
}
