// Package spamguard implements the per-socket token-bucket rate limiter
// described in spec.md §4.4: every inbound frame consumes one token, a
// violation is reported (never silently dropped) when the bucket is
// empty, and the socket is closed once too many violations accumulate.
//
// Grounded on the token-bucket shape of the teacher's daemon SYN guard
// (pkg/daemon/daemon.go's allowSYN) and registry RateLimiter
// (pkg/registry/server.go), both of which use an injectable clock for
// deterministic tests — kept here via github.com/benbjohnson/clock.
package spamguard

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Config holds the tunable parameters of the guard. A Config that is
// zero as a whole is replaced by Defaults(); inside a non-zero Config
// only a non-positive MaxRefillSeconds is defaulted (to WindowSeconds),
// and every other field is used as given.
type Config struct {
	WindowSeconds       float64
	MessageLimit        float64
	DisconnectThreshold int
	MaxRefillSeconds    float64
}

// Defaults returns spec.md §4.4's default parameters.
func Defaults() Config {
	return Config{
		WindowSeconds:       10,
		MessageLimit:        50,
		DisconnectThreshold: 5,
		MaxRefillSeconds:    10,
	}
}

// Guard constructs Buckets sharing a common configuration and clock.
type Guard struct {
	cfg   Config
	clock clock.Clock
}

// New returns a Guard. If cfg is the zero value, Defaults() is used. A
// nil clk defaults to the real wall clock.
func New(cfg Config, clk clock.Clock) *Guard {
	if cfg == (Config{}) {
		cfg = Defaults()
	}
	if cfg.MaxRefillSeconds <= 0 {
		cfg.MaxRefillSeconds = cfg.WindowSeconds
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Guard{cfg: cfg, clock: clk}
}

// NewBucket returns a fresh, full bucket for one socket.
func (g *Guard) NewBucket() *Bucket {
	return &Bucket{
		guard:      g,
		tokens:     g.cfg.MessageLimit,
		lastRefill: g.clock.Now(),
	}
}

// Bucket is the per-socket rate-limiting state.
type Bucket struct {
	mu         sync.Mutex
	guard      *Guard
	tokens     float64
	lastRefill time.Time
	violations int
}

// Result reports the outcome of one Check call.
type Result struct {
	Allowed    bool
	Violation  bool
	Disconnect bool
}

// Check consumes one token for an inbound frame. If the bucket is empty,
// it reports a violation and increments the violation count; once the
// count reaches the guard's DisconnectThreshold, Disconnect is set and
// the caller must close the socket.
func (b *Bucket) Check() Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.guard.clock.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > b.guard.cfg.MaxRefillSeconds {
		elapsed = b.guard.cfg.MaxRefillSeconds
	}
	if elapsed > 0 {
		refillRate := b.guard.cfg.MessageLimit / b.guard.cfg.WindowSeconds
		b.tokens += elapsed * refillRate
		if b.tokens > b.guard.cfg.MessageLimit {
			b.tokens = b.guard.cfg.MessageLimit
		}
		b.lastRefill = now
	}

	if b.tokens < 1 {
		b.violations++
		return Result{
			Allowed:    false,
			Violation:  true,
			Disconnect: b.violations >= b.guard.cfg.DisconnectThreshold,
		}
	}

	b.tokens--
	return Result{Allowed: true}
}

// Violations returns the current violation count, for diagnostics and
// tests.
func (b *Bucket) Violations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.violations
}
