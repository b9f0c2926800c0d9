// Package agentserver implements the Agent Server (spec.md §4.11): the
// central per-connection state machine that turns a raw framed
// transport into an authenticated, routed AgentConnection. It owns the
// per-frame pipeline (spam check, size check, parse, schema validate,
// auth-or-route), the pending-connection sweep, and the resume grace
// window.
//
// Grounded on the accept-loop/per-connection-goroutine shape of the
// teacher's pkg/registry/server.go (ListenAndServe/handleConn) and its
// reapLoop maintenance ticker, generalized from a single request/reply
// cycle into the spec's stateful per-frame pipeline with an injectable
// clock (github.com/benbjohnson/clock) standing in for time.Now/
// time.AfterFunc so the sweep and resume-grace paths are testable.
package agentserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/panrelay/pannode/pkg/agentconn"
	"github.com/panrelay/pannode/pkg/agentregistry"
	"github.com/panrelay/pannode/pkg/auth"
	"github.com/panrelay/pannode/pkg/frame"
	"github.com/panrelay/pannode/pkg/group"
	"github.com/panrelay/pannode/pkg/metrics"
	"github.com/panrelay/pannode/pkg/protocol"
	"github.com/panrelay/pannode/pkg/router"
	"github.com/panrelay/pannode/pkg/spamguard"
	"github.com/panrelay/pannode/pkg/transport"
	"github.com/panrelay/pannode/pkg/webhook"
)

// Config holds the server's timing parameters. A Config that is zero as
// a whole is replaced by DefaultConfig(); a zero field inside an
// otherwise non-zero Config is used as given.
type Config struct {
	// ConnectTimeout is how long an unauthenticated connection may stay
	// open before the pending-connection sweep closes it.
	ConnectTimeout time.Duration
	// SweepInterval is how often the pending-connection sweep runs.
	SweepInterval time.Duration
	// ResumeGrace is how long an authenticated connection's
	// subscriptions and registry entry survive an unexpected socket
	// close, waiting for a resume.
	ResumeGrace time.Duration
}

// DefaultConfig matches spec.md §4.11's documented defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 3 * time.Second,
		SweepInterval:  time.Second,
		ResumeGrace:    2 * time.Minute,
	}
}

// Deps are the subsystems the server dispatches into. Router is not
// included here: it depends on a control.Handlers whose Cleanup callback
// closes back over the Server, so it is wired after construction via
// SetRouter (the same capability-handoff shape used elsewhere in this
// node for breaking constructor cycles).
type Deps struct {
	LocalNodeID string
	Groups      *group.Manager
	Agents      *agentregistry.Registry
	Auth        *auth.Manager
	SpamGuard   *spamguard.Guard
	Metrics     *metrics.Metrics // nil disables metrics
	Clock       clock.Clock      // nil defaults to the real wall clock
	Webhook     *webhook.Client  // nil disables lifecycle-event delivery
}

// Server is the agent-facing connection state machine described in
// spec.md §4.11.
type Server struct {
	cfg     Config
	localID string
	groups  *group.Manager
	agents  *agentregistry.Registry
	authMgr *auth.Manager
	spam    *spamguard.Guard
	metrics *metrics.Metrics
	clk     clock.Clock
	whook   *webhook.Client

	router *router.Router // set via SetRouter before Serve/HandleConn is used

	mu            sync.Mutex
	pending       map[string]*pendingConn
	resumeTimers  map[string]*clock.Timer
	explicitClose map[string]bool

	done     chan struct{}
	closeCh  sync.Once
	listener net.Listener
}

type pendingConn struct {
	openedAt time.Time
	closeFn  func() error
}

// New builds a Server. Call SetRouter before Serve or HandleConn is
// used — routing an authenticated frame with no router configured is a
// programming error, not a runtime one.
func New(cfg Config, deps Deps) *Server {
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Server{
		cfg:           cfg,
		localID:       deps.LocalNodeID,
		groups:        deps.Groups,
		agents:        deps.Agents,
		authMgr:       deps.Auth,
		spam:          deps.SpamGuard,
		metrics:       deps.Metrics,
		clk:           clk,
		whook:         deps.Webhook,
		pending:       make(map[string]*pendingConn),
		resumeTimers:  make(map[string]*clock.Timer),
		explicitClose: make(map[string]bool),
		done:          make(chan struct{}),
	}
}

// SetRouter wires the router this server dispatches authenticated
// frames to.
func (s *Server) SetRouter(r *router.Router) { s.router = r }

// Cleanup is the callback the composition root should hand to
// control.Handlers.Cleanup: it tears a connection's state down
// immediately on an explicit disconnect, bypassing the resume grace
// window that an unexpected socket close would otherwise start.
func (s *Server) Cleanup(connID string) { s.markExplicitDisconnect(connID) }

// Start launches the pending-connection sweep loop.
func (s *Server) Start() {
	go s.sweepLoop()
}

// Shutdown stops the sweep loop and, if Serve is running, the listener.
// Idempotent.
func (s *Server) Shutdown() {
	s.closeCh.Do(func() { close(s.done) })
	if s.listener != nil {
		s.listener.Close()
	}
}

// Serve accepts TCP connections on ln, wraps each as a newline-delimited
// JSON transport.Conn, and handles it on its own goroutine. It blocks
// until ln is closed (typically by Shutdown).
func (s *Server) Serve(ln net.Listener) error {
	s.listener = ln
	consecutiveErrors := 0
	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			consecutiveErrors++
			if consecutiveErrors >= 10 {
				return fmt.Errorf("agentserver: accept: %d consecutive errors, last: %w", consecutiveErrors, err)
			}
			backoff := time.Duration(consecutiveErrors) * 100 * time.Millisecond
			if backoff > 2*time.Second {
				backoff = 2 * time.Second
			}
			s.clk.Sleep(backoff)
			continue
		}
		consecutiveErrors = 0
		go s.HandleConn(transport.NewTCP(c))
	}
}

// HandleConn runs the per-frame pipeline for one already-accepted
// transport connection until it closes. Safe to call directly for
// non-TCP transports (e.g. an upgraded WebSocket).
func (s *Server) HandleConn(raw transport.Conn) {
	tempID := frame.NewID()
	s.trackPending(tempID, raw)
	defer s.untrackPending(tempID)

	bucket := s.spam.NewBucket()
	var conn *agentconn.Connection

	defer func() {
		if conn != nil {
			s.handleClosedSocket(conn)
		} else {
			raw.Close()
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("agentserver: recovered panic in frame handler", "recovered", r)
			s.sendControl(raw, conn, "message_failure", map[string]interface{}{
				"error": "internal error",
			}, "")
		}
	}()

	for {
		rawBytes, err := raw.ReadFrame()
		tooLarge := errors.Is(err, protocol.ErrFrameTooLarge)
		if err != nil && !tooLarge {
			return
		}

		if res := bucket.Check(); !res.Allowed {
			if s.metrics != nil {
				s.metrics.SpamViolationsTotal.Inc()
			}
			s.sendControl(raw, conn, "speed_limit_exceeded", map[string]interface{}{
				"violations": bucket.Violations(),
			}, "")
			if res.Disconnect {
				connID := tempID
				if conn != nil {
					connID = conn.ID()
				}
				s.whook.Emit("spam.disconnected", map[string]interface{}{"conn_id": connID})
				return
			}
			continue
		}

		if tooLarge {
			s.sendControl(raw, conn, "bad_packet", map[string]interface{}{
				"error": "frame exceeds maximum size",
			}, "")
			continue
		}

		f, err := frame.Decode(rawBytes)
		if err != nil {
			s.sendControl(raw, conn, "message_failure", map[string]interface{}{
				"error": err.Error(),
			}, "")
			return
		}

		if err := f.Validate(protocol.MaxTTL); err != nil {
			tooMany := false
			if conn != nil {
				tooMany = conn.RecordError(s.clk.Now(), err.Error())
			}
			s.sendControl(raw, conn, "invalid_message", map[string]interface{}{
				"error": err.Error(),
			}, f.MsgID)
			if tooMany {
				s.sendControl(raw, conn, "too_many_bad_messages", nil, "")
				return
			}
			continue
		}

		if conn == nil {
			if f.Type != protocol.FrameControl || f.MsgType != "auth" {
				s.sendControl(raw, nil, "auth.failed", map[string]interface{}{
					"error": "Authorization required",
				}, f.MsgID)
				return
			}
			newConn, err := s.handleAuth(tempID, raw, f)
			if err != nil {
				return
			}
			conn = newConn
			continue
		}

		if f.From.NodeID != s.localID || f.From.ConnID != conn.ID() {
			slog.Warn("agentserver: from-spoofing protocol violation", "conn_id", conn.ID())
			return
		}
		f.From = frame.From{NodeID: s.localID, ConnID: conn.ID()}

		if s.router == nil {
			slog.Error("agentserver: no router configured, dropping frame")
			continue
		}
		if err := s.router.Route(conn, f); err != nil {
			slog.Debug("agentserver: route error", "err", err, "conn_id", conn.ID())
		}
	}
}

// handleAuth resolves the unauthenticated connection's auth frame into
// either a fresh AgentConnection or a resumed one, per spec.md §4.11
// step 5.
func (s *Server) handleAuth(tempID string, raw transport.Conn, f *frame.Frame) (*agentconn.Connection, error) {
	outcome, err := s.authMgr.Submit(context.Background(), f.Payload)
	if err != nil || !outcome.Success {
		reason := outcome.Reason
		if reason == "" {
			reason = "authentication failed"
		}
		s.sendControl(raw, nil, "auth.failed", map[string]interface{}{"error": reason}, f.MsgID)
		return nil, fmt.Errorf("auth failed: %s", reason)
	}

	if outcome.Reconnect != nil {
		existing, rerr := s.agents.Resume(outcome.Reconnect.ConnID, outcome.Reconnect.AuthKey)
		if rerr != nil {
			s.sendControl(raw, nil, "auth.failed", map[string]interface{}{
				"error": "Invalid resume credentials",
			}, f.MsgID)
			return nil, rerr
		}
		s.cancelResumeTimer(existing.ID())
		existing.Reconnect(raw)
		s.untrackPending(tempID)
		s.sendControl(raw, existing, "auth.ok", map[string]interface{}{
			"node_id":  s.localID,
			"conn_id":  existing.ID(),
			"auth_key": outcome.Reconnect.AuthKey,
		}, f.MsgID)
		slog.Info("agentserver: agent resumed", "conn_id", existing.ID())
		s.whook.Emit("agent.resumed", map[string]interface{}{
			"conn_id": existing.ID(),
			"name":    existing.Name(),
		})
		return existing, nil
	}

	connID := frame.NewID()
	newConn := agentconn.New(connID, agentconn.KindAgent, outcome.AgentName, raw)
	authKey := s.agents.Register(newConn)
	s.untrackPending(tempID)
	if s.metrics != nil {
		s.metrics.AgentConnections.Inc()
	}
	s.sendControl(raw, newConn, "auth.ok", map[string]interface{}{
		"node_id":  s.localID,
		"conn_id":  connID,
		"auth_key": authKey,
	}, f.MsgID)
	slog.Info("agentserver: agent authenticated", "conn_id", connID, "name", outcome.AgentName)
	s.whook.Emit("agent.authenticated", map[string]interface{}{
		"conn_id": connID,
		"name":    outcome.AgentName,
	})
	return newConn, nil
}

// handleClosedSocket runs when a connection's read loop ends. An
// explicit disconnect has already been cleaned up by
// markExplicitDisconnect; anything else is an unexpected close, which
// starts the resume grace timer instead of tearing the connection down
// immediately.
func (s *Server) handleClosedSocket(conn *agentconn.Connection) {
	conn.Close()

	connID := conn.ID()
	s.mu.Lock()
	explicit := s.explicitClose[connID]
	delete(s.explicitClose, connID)
	s.mu.Unlock()

	if explicit {
		return
	}
	s.startResumeTimer(connID)
}

// markExplicitDisconnect is passed to control.Handlers as its Cleanup
// callback: it tears the connection's state down immediately, bypassing
// the resume grace window, and records that this connection's closure
// was intentional so handleClosedSocket does not also start a timer.
func (s *Server) markExplicitDisconnect(connID string) {
	s.mu.Lock()
	s.explicitClose[connID] = true
	s.mu.Unlock()
	s.cleanupConn(connID)
}

func (s *Server) startResumeTimer(connID string) {
	timer := s.clk.AfterFunc(s.cfg.ResumeGrace, func() {
		s.cleanupConn(connID)
		s.mu.Lock()
		delete(s.resumeTimers, connID)
		s.mu.Unlock()
	})
	s.mu.Lock()
	s.resumeTimers[connID] = timer
	s.mu.Unlock()
}

func (s *Server) cancelResumeTimer(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.resumeTimers[connID]; ok {
		t.Stop()
		delete(s.resumeTimers, connID)
	}
}

func (s *Server) cleanupConn(connID string) {
	if _, ok := s.agents.Get(connID); !ok {
		return
	}
	s.groups.RemoveFromAll(connID)
	s.agents.Unregister(connID)
	if s.metrics != nil {
		s.metrics.AgentConnections.Dec()
	}
	s.whook.Emit("agent.disconnected", map[string]interface{}{"conn_id": connID})
}

func (s *Server) trackPending(tempID string, raw transport.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[tempID] = &pendingConn{openedAt: s.clk.Now(), closeFn: raw.Close}
}

func (s *Server) untrackPending(tempID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, tempID)
}

func (s *Server) sweepLoop() {
	ticker := s.clk.Ticker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweepPending()
		case <-s.done:
			return
		}
	}
}

func (s *Server) sweepPending() {
	now := s.clk.Now()
	s.mu.Lock()
	var stale []*pendingConn
	for id, p := range s.pending {
		if now.Sub(p.openedAt) > s.cfg.ConnectTimeout {
			stale = append(stale, p)
			delete(s.pending, id)
		}
	}
	s.mu.Unlock()
	for _, p := range stale {
		p.closeFn()
	}
}

// sendControl sends a control-type frame either through conn (once
// authenticated, so it goes through the usual send helpers) or directly
// over raw (before a logical connection identity exists).
func (s *Server) sendControl(raw transport.Conn, conn *agentconn.Connection, msgType string, payload map[string]interface{}, inResponseTo string) error {
	if conn != nil {
		return conn.SendControl(msgType, payload, inResponseTo)
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	if inResponseTo != "" {
		payload["in_response_to"] = inResponseTo
	}
	f := &frame.Frame{
		MsgID:   frame.NewID(),
		From:    frame.From{NodeID: s.localID},
		MsgType: msgType,
		Payload: payload,
		TTL:     0,
		Type:    protocol.FrameControl,
	}
	encoded, err := f.Encode()
	if err != nil {
		return err
	}
	return raw.WriteFrame(encoded)
}
