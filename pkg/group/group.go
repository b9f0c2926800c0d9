// Package group implements the two-level group subscription index: which
// local connections are subscribed to which msg_types within which
// groups, and its inverse for O(subscriptions) cleanup on disconnect.
//
// Grounded on the teacher's pkg/eventstream/server.go subscriber map,
// generalized from a flat topic→[]conn list into the spec's two-level
// (group, msg_type) → conns index plus its symmetric inverse.
package group

import (
	"fmt"
	"sync"

	"github.com/panrelay/pannode/pkg/metrics"
	"github.com/panrelay/pannode/pkg/protocol"
)

// MaxMsgTypesPerGroup caps how many distinct msg_types a single
// connection may subscribe to within one group.
const MaxMsgTypesPerGroup = protocol.MaxMsgTypesPerGroup

type connSet map[string]struct{}
type msgTypeSet map[string]struct{}

// Manager owns the subscription index. The zero value is not usable; use
// New. All methods are safe for concurrent use.
type Manager struct {
	// Metrics, if set, is kept in sync with the number of distinct
	// (conn, group, msg_type) subscriptions (pan_group_subscriptions).
	Metrics *metrics.Metrics

	mu sync.Mutex
	// groups[groupID][msgType] = set of conn_id
	groups map[string]map[string]connSet
	// agentSubs[connID][groupID] = set of msgType
	agentSubs map[string]map[string]msgTypeSet
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{
		groups:    make(map[string]map[string]connSet),
		agentSubs: make(map[string]map[string]msgTypeSet),
	}
}

// JoinGroup subscribes connID to msgTypes within groupID. Idempotent per
// (conn, group, msg_type). Rejects with protocol.ErrGroupCapExceeded once
// the (conn, group) pair would hold more than MaxMsgTypesPerGroup
// distinct msg_types; additions applied before the cap was hit stand, per
// spec.md §4.9/§9's "reject after partial success is acceptable, but the
// cap must never be silently exceeded" guidance.
func (m *Manager) JoinGroup(connID, groupID string, msgTypes []string) error {
	if len(msgTypes) == 0 {
		return fmt.Errorf("join_group: msg_types must be non-empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, mt := range msgTypes {
		if err := m.joinOne(connID, groupID, mt); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) joinOne(connID, groupID, msgType string) error {
	existing := m.agentSubs[connID][groupID]
	if _, already := existing[msgType]; already {
		return nil
	}
	if len(existing) >= MaxMsgTypesPerGroup {
		return fmt.Errorf("%w: conn %s group %s", protocol.ErrGroupCapExceeded, connID, groupID)
	}

	if m.groups[groupID] == nil {
		m.groups[groupID] = make(map[string]connSet)
	}
	if m.groups[groupID][msgType] == nil {
		m.groups[groupID][msgType] = make(connSet)
	}
	m.groups[groupID][msgType][connID] = struct{}{}

	if m.agentSubs[connID] == nil {
		m.agentSubs[connID] = make(map[string]msgTypeSet)
	}
	if m.agentSubs[connID][groupID] == nil {
		m.agentSubs[connID][groupID] = make(msgTypeSet)
	}
	m.agentSubs[connID][groupID][msgType] = struct{}{}
	if m.Metrics != nil {
		m.Metrics.GroupSubscriptions.Inc()
	}
	return nil
}

// LeaveGroup removes connID from every msg_type it held within groupID,
// pruning empty sets and maps eagerly in both the forward and inverse
// index.
func (m *Manager) LeaveGroup(connID, groupID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveGroupLocked(connID, groupID)
}

func (m *Manager) leaveGroupLocked(connID, groupID string) {
	msgTypes := m.agentSubs[connID][groupID]
	for mt := range msgTypes {
		m.removeConnFromGroupMsgType(connID, groupID, mt)
	}

	delete(m.agentSubs[connID], groupID)
	if len(m.agentSubs[connID]) == 0 {
		delete(m.agentSubs, connID)
	}
}

func (m *Manager) removeConnFromGroupMsgType(connID, groupID, msgType string) {
	set := m.groups[groupID][msgType]
	if _, ok := set[connID]; !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(m.groups[groupID], msgType)
	}
	if len(m.groups[groupID]) == 0 {
		delete(m.groups, groupID)
	}
	if m.Metrics != nil {
		m.Metrics.GroupSubscriptions.Dec()
	}
}

// GetRecipients returns the set of conn_ids subscribed to msgType within
// groupID. May be empty.
func (m *Manager) GetRecipients(groupID, msgType string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.groups[groupID][msgType]
	out := make([]string, 0, len(set))
	for connID := range set {
		out = append(out, connID)
	}
	return out
}

// RemoveFromAll removes connID from every group it belongs to. Takes a
// snapshot of the conn's groups first so that mutating the inverse index
// while iterating cannot invalidate the iteration (spec.md §4.9).
func (m *Manager) RemoveFromAll(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make([]string, 0, len(m.agentSubs[connID]))
	for groupID := range m.agentSubs[connID] {
		snapshot = append(snapshot, groupID)
	}
	for _, groupID := range snapshot {
		m.leaveGroupLocked(connID, groupID)
	}
}

// MsgTypesFor returns the msg_types connID is subscribed to within
// groupID, for diagnostics and tests.
func (m *Manager) MsgTypesFor(connID, groupID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.agentSubs[connID][groupID]
	out := make([]string, 0, len(set))
	for mt := range set {
		out = append(out, mt)
	}
	return out
}
