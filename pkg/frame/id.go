package frame

import (
	"fmt"

	"github.com/google/uuid"
)

// Namespace is the fixed UUIDv5 namespace this node uses to derive
// deterministic IDs (e.g. a node_id from a configured node identifier).
var Namespace = uuid.MustParse("219dd24f-63c4-5e35-b886-da1b21ecc0e0")

// NullID is the all-zero sentinel "no identity" value. Nothing in this
// module sets or checks it: frames the node sends before authentication
// completes carry an empty from.conn_id, and the from of an inbound
// unauthenticated frame is not compared against it.
const NullID = "00000000-0000-0000-0000-000000000000"

// NewID returns a freshly generated random (v4) ID in canonical
// 36-character dashed form.
func NewID() string {
	return uuid.New().String()
}

// DeriveID deterministically derives a v5 ID from name under Namespace.
// Used whenever two independent components must agree on an ID for the
// same logical entity without exchanging it out of band.
func DeriveID(name string) string {
	return uuid.NewSHA1(Namespace, []byte(name)).String()
}

// ValidID reports whether s is a syntactically valid canonical UUID.
func ValidID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// From identifies the originating node and connection of a frame.
type From struct {
	NodeID string `json:"node_id"`
	ConnID string `json:"conn_id"`
}

// String renders a From for log lines: "node_id/conn_id".
func (f From) String() string {
	return fmt.Sprintf("%s/%s", f.NodeID, f.ConnID)
}
