// Package agentregistry maps conn_id to the live agent connection and
// issues/verifies the resume auth_key capability described in spec.md
// §4.7.
//
// Grounded on the node map in the teacher's pkg/registry/server.go
// (register/lookup-by-id shape), with the auth-key comparison done in
// constant time per spec.md's resume invariant.
package agentregistry

import (
	"crypto/subtle"
	"sync"

	"github.com/panrelay/pannode/pkg/agentconn"
	"github.com/panrelay/pannode/pkg/frame"
	"github.com/panrelay/pannode/pkg/protocol"
)

// Registry owns the conn_id → connection and conn_id → auth_key maps.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*agentconn.Connection
	keys  map[string]string
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		conns: make(map[string]*agentconn.Connection),
		keys:  make(map[string]string),
	}
}

// Register issues a fresh auth_key for conn and records it under
// conn.ID().
func (r *Registry) Register(conn *agentconn.Connection) string {
	authKey := frame.NewID()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID()] = conn
	r.keys[conn.ID()] = authKey
	return authKey
}

// Resume returns the connection registered under connID if authKey
// matches, using a constant-time comparison so a resume probe cannot
// learn the correct key byte-by-byte via timing.
func (r *Registry) Resume(connID, authKey string) (*agentconn.Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[connID]
	if !ok {
		return nil, protocol.ErrConnNotFound
	}
	want := r.keys[connID]
	if subtle.ConstantTimeCompare([]byte(want), []byte(authKey)) != 1 {
		return nil, protocol.ErrResumeKeyMismatch
	}
	return conn, nil
}

// Unregister drops connID from both maps.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, connID)
	delete(r.keys, connID)
}

// Get returns the connection registered under connID, if any.
func (r *Registry) Get(connID string) (*agentconn.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	return conn, ok
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
