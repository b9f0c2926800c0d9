package group

import (
	"sort"
	"strconv"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/panrelay/pannode/pkg/metrics"
)

func TestGroupSubscriptionsGaugeTracksJoinAndLeave(t *testing.T) {
	m := New()
	m.Metrics = metrics.New(prometheus.NewRegistry())

	if err := m.JoinGroup("c1", "g1", []string{"chat", "presence"}); err != nil {
		t.Fatalf("JoinGroup: %v", err)
	}
	if got := testutil.ToFloat64(m.Metrics.GroupSubscriptions); got != 2 {
		t.Fatalf("GroupSubscriptions = %v, want 2", got)
	}

	// Re-joining an already-held msg_type must not double-count.
	if err := m.JoinGroup("c1", "g1", []string{"chat"}); err != nil {
		t.Fatalf("JoinGroup (repeat): %v", err)
	}
	if got := testutil.ToFloat64(m.Metrics.GroupSubscriptions); got != 2 {
		t.Fatalf("GroupSubscriptions after repeat join = %v, want 2", got)
	}

	m.LeaveGroup("c1", "g1")
	if got := testutil.ToFloat64(m.Metrics.GroupSubscriptions); got != 0 {
		t.Fatalf("GroupSubscriptions after leave = %v, want 0", got)
	}
}

func TestJoinGroupIsIdempotent(t *testing.T) {
	m := New()
	if err := m.JoinGroup("c1", "g1", []string{"chat"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := m.JoinGroup("c1", "g1", []string{"chat"}); err != nil {
		t.Fatalf("second join: %v", err)
	}
	if got := m.GetRecipients("g1", "chat"); len(got) != 1 || got[0] != "c1" {
		t.Fatalf("recipients = %v, want [c1]", got)
	}
}

func TestSymmetryInvariant(t *testing.T) {
	m := New()
	_ = m.JoinGroup("c1", "g1", []string{"chat", "presence"})

	recips := m.GetRecipients("g1", "chat")
	if len(recips) != 1 || recips[0] != "c1" {
		t.Fatalf("expected c1 to be a recipient, got %v", recips)
	}
	subs := m.MsgTypesFor("c1", "g1")
	sort.Strings(subs)
	want := []string{"chat", "presence"}
	if len(subs) != len(want) || subs[0] != want[0] || subs[1] != want[1] {
		t.Fatalf("agentSubs mismatch: got %v want %v", subs, want)
	}
}

func TestLeaveGroupPrunesEmptyEntries(t *testing.T) {
	m := New()
	_ = m.JoinGroup("c1", "g1", []string{"chat"})
	m.LeaveGroup("c1", "g1")

	if got := m.GetRecipients("g1", "chat"); len(got) != 0 {
		t.Fatalf("expected no recipients after leave, got %v", got)
	}
	if got := m.MsgTypesFor("c1", "g1"); len(got) != 0 {
		t.Fatalf("expected no subs after leave, got %v", got)
	}
	if _, ok := m.groups["g1"]; ok {
		t.Fatal("expected empty group map to be pruned")
	}
	if _, ok := m.agentSubs["c1"]; ok {
		t.Fatal("expected empty agentSubs entry to be pruned")
	}
}

func TestJoinGroupEnforcesCap(t *testing.T) {
	m := New()
	msgTypes := make([]string, MaxMsgTypesPerGroup+1)
	for i := range msgTypes {
		msgTypes[i] = "mt" + strconv.Itoa(i)
	}
	err := m.JoinGroup("c1", "g1", msgTypes)
	if err == nil {
		t.Fatal("expected cap error when exceeding MaxMsgTypesPerGroup")
	}
	if len(m.MsgTypesFor("c1", "g1")) > MaxMsgTypesPerGroup {
		t.Fatal("cap was silently exceeded")
	}
}

func TestGetRecipientsListsEachSubscriberOnce(t *testing.T) {
	m := New()
	_ = m.JoinGroup("x", "g", []string{"chat"})
	_ = m.JoinGroup("y", "g", []string{"chat"})
	_ = m.JoinGroup("z", "g", []string{"chat"})

	recips := m.GetRecipients("g", "chat")
	if len(recips) != 3 {
		t.Fatalf("expected 3 recipients, got %d", len(recips))
	}
	// Fan-out itself (excluding the sender) is the router's job; here we
	// just confirm the index has exactly one entry per subscriber.
	seen := map[string]int{}
	for _, r := range recips {
		seen[r]++
	}
	for _, c := range []string{"x", "y", "z"} {
		if seen[c] != 1 {
			t.Fatalf("expected exactly one entry for %s, got %d", c, seen[c])
		}
	}
}

func TestRemoveFromAllClearsEverySubscription(t *testing.T) {
	m := New()
	_ = m.JoinGroup("c1", "g1", []string{"chat"})
	_ = m.JoinGroup("c1", "g2", []string{"presence"})

	m.RemoveFromAll("c1")

	if got := m.GetRecipients("g1", "chat"); len(got) != 0 {
		t.Fatalf("expected c1 removed from g1, got %v", got)
	}
	if got := m.GetRecipients("g2", "presence"); len(got) != 0 {
		t.Fatalf("expected c1 removed from g2, got %v", got)
	}
	if _, ok := m.agentSubs["c1"]; ok {
		t.Fatal("expected agentSubs entry for c1 to be gone")
	}
}
