package router

import (
	"net"
	"testing"
	"time"

	"github.com/panrelay/pannode/internal/bus"
	"github.com/panrelay/pannode/pkg/agentconn"
	"github.com/panrelay/pannode/pkg/agentregistry"
	"github.com/panrelay/pannode/pkg/control"
	"github.com/panrelay/pannode/pkg/frame"
	"github.com/panrelay/pannode/pkg/group"
	"github.com/panrelay/pannode/pkg/protocol"
	"github.com/panrelay/pannode/pkg/transport"
)

const localNodeID = "11111111-1111-1111-1111-111111111111"

func pipeConn(t *testing.T, kind agentconn.Kind) (*agentconn.Connection, transport.Conn) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() { serverSide.Close(); clientSide.Close() })
	conn := agentconn.New(frame.NewID(), kind, "urn:agent", transport.NewTCP(serverSide))
	return conn, transport.NewTCP(clientSide)
}

func readFrame(t *testing.T, conn transport.Conn) *frame.Frame {
	t.Helper()
	raw, err := conn.ReadFrame()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	f, err := frame.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return f
}

// routeAsync runs r.Route on its own goroutine so that a reply written
// synchronously inside Route (over an unbuffered net.Pipe) doesn't
// deadlock against a test that reads the reply afterward.
func routeAsync(r *Router, conn *agentconn.Connection, f *frame.Frame) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- r.Route(conn, f) }()
	return errCh
}

func newTestRouter() (*Router, *group.Manager, *agentregistry.Registry, *bus.Bus) {
	groups := group.New()
	agents := agentregistry.New()
	b := bus.New()
	ctrl := &control.Handlers{Groups: groups, Bus: b}
	r := &Router{
		LocalNodeID: localNodeID,
		Groups:      groups,
		Agents:      agents,
		Bus:         b,
		Control:     ctrl,
	}
	return r, groups, agents, b
}

func TestRouteBroadcastFansOutToGroupMembersExceptSelf(t *testing.T) {
	r, groups, agents, b := newTestRouter()

	senderConn, _ := pipeConn(t, agentconn.KindAgent)
	agents.Register(senderConn)
	recipientConn, recipientClient := pipeConn(t, agentconn.KindAgent)
	agents.Register(recipientConn)

	groupID := frame.NewID()
	if err := groups.JoinGroup(senderConn.ID(), groupID, []string{"chat.message"}); err != nil {
		t.Fatalf("JoinGroup sender: %v", err)
	}
	if err := groups.JoinGroup(recipientConn.ID(), groupID, []string{"chat.message"}); err != nil {
		t.Fatalf("JoinGroup recipient: %v", err)
	}

	received := make(chan OutboundBroadcast, 1)
	b.Subscribe("outbound:agent_broadcast", func(payload interface{}) {
		if ev, ok := payload.(OutboundBroadcast); ok {
			received <- ev
		}
	})

	f := &frame.Frame{
		MsgID:   frame.NewID(),
		From:    frame.From{NodeID: localNodeID, ConnID: senderConn.ID()},
		MsgType: "chat.message",
		Payload: map[string]interface{}{},
		GroupID: groupID,
		Type:    protocol.FrameBroadcast,
	}
	errCh := routeAsync(r, senderConn, f)

	got := readFrame(t, recipientClient)
	if err := <-errCh; err != nil {
		t.Fatalf("Route: %v", err)
	}
	if got.MsgID != f.MsgID {
		t.Fatalf("recipient got %+v, want msg_id %q", got, f.MsgID)
	}

	select {
	case ev := <-received:
		if ev.Message.MsgID != f.MsgID {
			t.Fatalf("bus emission carried the wrong message: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("outbound:agent_broadcast was never emitted")
	}
}

func TestRouteBroadcastNeverLoopsBackToSender(t *testing.T) {
	r, groups, agents, _ := newTestRouter()

	senderConn, senderClient := pipeConn(t, agentconn.KindAgent)
	agents.Register(senderConn)

	groupID := frame.NewID()
	if err := groups.JoinGroup(senderConn.ID(), groupID, []string{"chat.message"}); err != nil {
		t.Fatalf("JoinGroup: %v", err)
	}

	f := &frame.Frame{
		MsgID:   frame.NewID(),
		From:    frame.From{NodeID: localNodeID, ConnID: senderConn.ID()},
		MsgType: "chat.message",
		Payload: map[string]interface{}{},
		GroupID: groupID,
		Type:    protocol.FrameBroadcast,
	}
	if err := r.Route(senderConn, f); err != nil {
		t.Fatalf("Route: %v", err)
	}

	readDone := make(chan *frame.Frame, 1)
	go func() {
		raw, err := senderClient.ReadFrame()
		if err != nil {
			return
		}
		if got, err := frame.Decode(raw); err == nil {
			readDone <- got
		}
	}()
	select {
	case got := <-readDone:
		t.Fatalf("sender must not receive its own broadcast back, got %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRouteDirectDeliversLocallyWithRewrittenFrom(t *testing.T) {
	r, _, agents, _ := newTestRouter()

	senderConn, _ := pipeConn(t, agentconn.KindAgent)
	agents.Register(senderConn)
	recipientConn, recipientClient := pipeConn(t, agentconn.KindAgent)
	agents.Register(recipientConn)

	f := &frame.Frame{
		MsgID:   frame.NewID(),
		From:    frame.From{NodeID: localNodeID, ConnID: senderConn.ID()},
		To:      frame.From{NodeID: localNodeID, ConnID: recipientConn.ID()},
		MsgType: "chat.message",
		Payload: map[string]interface{}{},
		Type:    protocol.FrameDirect,
	}
	errCh := routeAsync(r, senderConn, f)

	got := readFrame(t, recipientClient)
	if err := <-errCh; err != nil {
		t.Fatalf("Route: %v", err)
	}
	if got.From.ConnID != senderConn.ID() {
		t.Fatalf("From.ConnID = %q, want %q", got.From.ConnID, senderConn.ID())
	}
	if got.Payload["in_response_to"] != f.MsgID {
		t.Fatalf("payload[in_response_to] = %v, want %q", got.Payload["in_response_to"], f.MsgID)
	}
}

func TestRouteDirectToUnknownLocalConnReturnsError(t *testing.T) {
	r, _, agents, _ := newTestRouter()
	senderConn, senderClient := pipeConn(t, agentconn.KindAgent)
	agents.Register(senderConn)

	f := &frame.Frame{
		MsgID:   frame.NewID(),
		From:    frame.From{NodeID: localNodeID, ConnID: senderConn.ID()},
		To:      frame.From{NodeID: localNodeID, ConnID: frame.NewID()},
		MsgType: "chat.message",
		Payload: map[string]interface{}{},
		Type:    protocol.FrameDirect,
	}
	errCh := routeAsync(r, senderConn, f)

	reply := readFrame(t, senderClient)
	if err := <-errCh; err != nil {
		t.Fatalf("Route: %v", err)
	}
	if reply.MsgType != "error" || reply.Payload["error_type"] != "target_not_found" {
		t.Fatalf("reply = %+v, want a target_not_found error", reply)
	}
}

func TestRouteDirectToRemoteNodeEmitsOnBus(t *testing.T) {
	r, _, agents, b := newTestRouter()
	senderConn, _ := pipeConn(t, agentconn.KindAgent)
	agents.Register(senderConn)

	remoteNodeID := frame.NewID()
	received := make(chan OutboundDirect, 1)
	b.Subscribe("outbound:agent_direct", func(payload interface{}) {
		if ev, ok := payload.(OutboundDirect); ok {
			received <- ev
		}
	})

	f := &frame.Frame{
		MsgID:   frame.NewID(),
		From:    frame.From{NodeID: localNodeID, ConnID: senderConn.ID()},
		To:      frame.From{NodeID: remoteNodeID, ConnID: frame.NewID()},
		MsgType: "chat.message",
		Payload: map[string]interface{}{},
		Type:    protocol.FrameDirect,
	}
	if err := r.Route(senderConn, f); err != nil {
		t.Fatalf("Route: %v", err)
	}

	select {
	case ev := <-received:
		if ev.To.NodeID != remoteNodeID {
			t.Fatalf("bus emission = %+v, want To.NodeID %q", ev, remoteNodeID)
		}
	case <-time.After(time.Second):
		t.Fatal("outbound:agent_direct was never emitted")
	}
}

func TestRouteDispatchesControlFramesToHandlers(t *testing.T) {
	r, groups, agents, _ := newTestRouter()
	conn, client := pipeConn(t, agentconn.KindAgent)
	agents.Register(conn)

	groupID := frame.NewID()
	f := &frame.Frame{
		MsgID:   frame.NewID(),
		From:    frame.From{NodeID: localNodeID, ConnID: conn.ID()},
		MsgType: "join_group",
		Payload: map[string]interface{}{"group": groupID, "msg_types": []interface{}{"chat.message"}},
		Type:    protocol.FrameControl,
	}
	errCh := routeAsync(r, conn, f)

	reply := readFrame(t, client)
	if err := <-errCh; err != nil {
		t.Fatalf("Route: %v", err)
	}
	if reply.MsgType != "join_group_reply" || reply.Payload["status"] != "ok" {
		t.Fatalf("reply = %+v, want ok join_group_reply", reply)
	}
	if got := groups.MsgTypesFor(conn.ID(), groupID); len(got) != 1 {
		t.Fatalf("expected the control handler to actually join the group, got %v", got)
	}
}

func TestRouteRejectsUnsupportedFrameType(t *testing.T) {
	r, _, agents, _ := newTestRouter()
	conn, client := pipeConn(t, agentconn.KindAgent)
	agents.Register(conn)

	f := &frame.Frame{
		MsgID:   frame.NewID(),
		From:    frame.From{NodeID: localNodeID, ConnID: conn.ID()},
		MsgType: "chat.message",
		Payload: map[string]interface{}{},
		Type:    protocol.FrameType("bogus"),
	}
	errCh := routeAsync(r, conn, f)

	reply := readFrame(t, client)
	if err := <-errCh; err != nil {
		t.Fatalf("Route: %v", err)
	}
	if reply.MsgType != "error" || reply.Payload["error_type"] != "unsupported_frame_type" {
		t.Fatalf("reply = %+v, want an unsupported_frame_type error", reply)
	}
}
