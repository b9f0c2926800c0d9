// Package identity manages this node's own node_id: generating one on
// first run, persisting it, and loading it back on every subsequent
// start so the node's address on the network is stable.
//
// spec.md's design notes call for replacing a "symbol-keyed write-once
// setter" with a capability token: the node_id may only be set once, and
// the right to set it is represented by a value rather than by a magic
// key. SetToken models that — it is minted once by New and is spent (can
// only succeed once) the first time it is presented to Service.Adopt.
package identity

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/panrelay/pannode/internal/fsutil"
	"github.com/panrelay/pannode/pkg/frame"
)

type onDisk struct {
	NodeID string `json:"node_id"`
}

// SetToken grants its holder the one-time right to adopt a node_id into
// a Service. It carries no exported fields, so it cannot be forged by
// constructing a zero value elsewhere — only New can produce one that a
// Service will accept.
type SetToken struct {
	svc *Service
}

// Service holds this node's identity. The zero value is not usable; use
// New.
type Service struct {
	mu     sync.RWMutex
	path   string
	nodeID string
	spent  bool
}

// New loads a persisted node_id from path, or derives/generates and
// persists a new one if path does not yet exist. It returns the Service
// plus a SetToken that can be used at most once to override the
// loaded/generated ID (used by callers that derive node_id from an
// externally supplied seed, e.g. a test harness pinning a deterministic
// ID).
//
// If nodeIdentifier is non-empty, a fresh node_id is derived
// deterministically from it via frame.DeriveID (UUIDv5) rather than
// generated at random — two nodes configured with the same identifier
// always agree on the same node_id without exchanging it out of band.
// nodeIdentifier only applies when path does not already hold a valid
// node_id; an existing identity is never overwritten by it.
//
// crashOnCorrupt controls what happens when path exists but cannot be
// parsed into a valid node_id: false (the default a caller should pass
// when unsure) discards the corrupt file and derives/generates a fresh
// node_id in its place; true propagates the error instead, for operators
// who would rather halt than silently mint a new identity.
func New(path, nodeIdentifier string, crashOnCorrupt bool) (*Service, SetToken, error) {
	svc := &Service{path: path}

	id, err := load(path)
	if err != nil {
		if crashOnCorrupt {
			return nil, SetToken{}, err
		}
		id = ""
	}
	if id == "" {
		if nodeIdentifier != "" {
			id = frame.DeriveID(nodeIdentifier)
		} else {
			id = frame.NewID()
		}
		if err := persist(path, id); err != nil {
			return nil, SetToken{}, fmt.Errorf("persist generated node_id: %w", err)
		}
	}
	svc.nodeID = id

	return svc, SetToken{svc: svc}, nil
}

// NodeID returns the node's current identity.
func (s *Service) NodeID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodeID
}

// Adopt spends tok to replace the node's identity with id, persisting it.
// Returns an error if tok was already spent, if tok belongs to a
// different Service, or if id is not a well-formed identifier.
func (s *Service) Adopt(tok SetToken, id string) error {
	if tok.svc != s {
		return fmt.Errorf("identity: token does not belong to this service")
	}
	if !frame.ValidID(id) {
		return fmt.Errorf("identity: %q is not a valid node_id", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.spent {
		return fmt.Errorf("identity: set token already spent")
	}
	s.spent = true
	s.nodeID = id
	return persist(s.path, id)
}

func load(path string) (string, error) {
	data, err := fsutil.ReadFile(path)
	if err != nil {
		if fsutil.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read node identity: %w", err)
	}
	var rec onDisk
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", fmt.Errorf("parse node identity file %s: %w", path, err)
	}
	if !frame.ValidID(rec.NodeID) {
		return "", fmt.Errorf("node identity file %s contains invalid node_id %q", path, rec.NodeID)
	}
	return rec.NodeID, nil
}

func persist(path, id string) error {
	data, err := json.MarshalIndent(onDisk{NodeID: id}, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.AtomicWrite(path, data)
}
