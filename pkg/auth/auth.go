// Package auth implements the Auth Manager: an ordered, retrying, timed
// dispatcher over pluggable authentication methods.
//
// spec.md §9 redesigns the teacher's callback-racing-a-promise pattern
// into structured asynchrony: Submit is a single function call that
// blocks until a result is available, with per-attempt timeout and
// cancellation expressed through context.Context and an injectable
// clock rather than ad-hoc timers. A late-resolving attempt (one whose
// goroutine finishes after its timeout already fired) is simply
// discarded — nothing reads from its result channel again, which is the
// structured-asynchrony equivalent of the pending-map "is this request
// still live" guard described in spec.md §4.6/§9.
package auth

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/panrelay/pannode/pkg/metrics"
	"github.com/panrelay/pannode/pkg/protocol"
)

// ReconnectRequest is present on an Outcome when the authenticating
// frame asked to resume an existing logical connection.
type ReconnectRequest struct {
	ConnID  string
	AuthKey string
}

// Outcome is what one auth method attempt resolves to.
type Outcome struct {
	Success   bool
	AgentName string
	Token     string
	Reconnect *ReconnectRequest
	Reason    string
}

// Method is one pluggable way to authenticate an agent.
type Method interface {
	Name() string
	Attempt(ctx context.Context, payload map[string]interface{}) (Outcome, error)
}

// Config holds the manager's ordered method list and retry policy.
type Config struct {
	Order    []string
	Timeout  time.Duration
	MaxTries int
}

// DefaultConfig matches spec.md §4.6/§5's documented defaults.
func DefaultConfig() Config {
	return Config{Order: []string{"local"}, Timeout: 3 * time.Second, MaxTries: 1}
}

// Manager dispatches authentication requests across Config.Order.
type Manager struct {
	cfg     Config
	methods map[string]Method
	clk     clock.Clock
	metrics *metrics.Metrics // nil disables metrics
}

// New builds a Manager from cfg and the given methods, keyed by
// Method.Name(). A nil clk defaults to the real wall clock. A nil met
// disables the pan_auth_attempts_total counter.
func New(cfg Config, methods []Method, clk clock.Clock, met *metrics.Metrics) *Manager {
	if cfg.MaxTries <= 0 {
		cfg = DefaultConfig()
	}
	if clk == nil {
		clk = clock.New()
	}
	byName := make(map[string]Method, len(methods))
	for _, m := range methods {
		byName[m.Name()] = m
	}
	return &Manager{cfg: cfg, methods: byName, clk: clk, metrics: met}
}

// Submit iterates Config.Order, racing each configured method against
// Config.Timeout, until one succeeds, the order is exhausted, or
// Config.MaxTries attempts have been made — whichever comes first. Per
// spec.md §9's Open Question (a), "max_tries" is interpreted as exactly
// that many attempts permitted, counted before each dispatch.
func (m *Manager) Submit(ctx context.Context, payload map[string]interface{}) (Outcome, error) {
	tries := 0
	var lastReason string

	for _, name := range m.cfg.Order {
		if tries >= m.cfg.MaxTries {
			break
		}
		method, ok := m.methods[name]
		if !ok {
			continue
		}
		tries++

		outcome, err := m.attempt(ctx, method, payload)
		if err == nil && outcome.Success {
			m.recordAttempt("success")
			return outcome, nil
		}
		if err != nil {
			lastReason = err.Error()
		} else {
			lastReason = outcome.Reason
		}
	}

	m.recordAttempt("failure")
	return Outcome{Success: false, Reason: lastReason}, protocol.ErrAuthExhausted
}

func (m *Manager) recordAttempt(result string) {
	if m.metrics != nil {
		m.metrics.AuthAttemptsTotal.WithLabelValues(result).Inc()
	}
}

type attemptResult struct {
	outcome Outcome
	err     error
}

func (m *Manager) attempt(ctx context.Context, method Method, payload map[string]interface{}) (Outcome, error) {
	resultCh := make(chan attemptResult, 1)
	go func() {
		o, err := method.Attempt(ctx, payload)
		resultCh <- attemptResult{o, err}
	}()

	timer := m.clk.Timer(m.cfg.Timeout)
	defer timer.Stop()

	select {
	case r := <-resultCh:
		return r.outcome, r.err
	case <-timer.C:
		return Outcome{}, protocol.ErrAuthTimeout
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
