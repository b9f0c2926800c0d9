// Package trust implements the trust-chain validator: it decodes bearer
// tokens (pkg/token) and checks whether the issuing chain terminates at
// an issuer this node's config lists as trusted for a required purpose.
//
// A Validator is created per domain (spec.md §4.5 — "agent trust" and
// "peer trust" get separate instances with separate config files), each
// with its own reload TTL and cache. Grounded on the persistence and
// reload-on-access pattern of the teacher's pkg/daemon/handshake.go trust
// snapshot, generalized into a lazily-reloaded, keep-previous-on-failure
// cache.
package trust

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/tidwall/jsonc"

	"github.com/panrelay/pannode/internal/fsutil"
	"github.com/panrelay/pannode/pkg/protocol"
	"github.com/panrelay/pannode/pkg/token"
	"github.com/panrelay/pannode/pkg/webhook"
)

// Config is the on-disk shape of a trust config file: issuer URN to the
// set of purposes it is trusted for.
type Config struct {
	TrustedIssuers map[string][]string `json:"trusted_issuers"`
}

func (c Config) trustedFor(issuer string, purposes []string) bool {
	granted := c.TrustedIssuers[issuer]
	if granted == nil {
		return false
	}
	grantedSet := make(map[string]struct{}, len(granted))
	for _, p := range granted {
		grantedSet[p] = struct{}{}
	}
	for _, want := range purposes {
		if _, ok := grantedSet[want]; !ok {
			return false
		}
	}
	return true
}

// Result is the outcome of IsTokenTrusted.
type Result struct {
	Trusted  bool
	Issuer   string
	Decoded  token.Claims
	Chain    []token.Claims
	Purposes []string
	Reason   string
}

// Validator decodes and trust-checks bearer tokens against a reloadable
// config file.
type Validator struct {
	// Webhook, if set, receives trust.reload_failed when a reload
	// attempt fails. Set directly by the composition root; New leaves
	// it nil.
	Webhook *webhook.Client

	path string
	ttl  time.Duration
	clk  clock.Clock

	mu       sync.Mutex
	cfg      Config
	loadedAt time.Time
}

// New loads path immediately (a missing or unparsable file at startup is
// fatal, per spec.md §4.15 — the caller decides what "fatal" means, this
// just returns the error) and returns a Validator that reloads lazily on
// access once ttl has elapsed.
func New(path string, ttl time.Duration, clk clock.Clock) (*Validator, error) {
	if clk == nil {
		clk = clock.New()
	}
	v := &Validator{path: path, ttl: ttl, clk: clk}
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("trust: initial load of %s: %w", path, err)
	}
	v.cfg = cfg
	v.loadedAt = clk.Now()
	return v, nil
}

func loadConfig(path string) (Config, error) {
	raw, err := fsutil.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	stripped := jsonc.ToJSON(raw)
	var cfg Config
	if err := json.Unmarshal(stripped, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// maybeReload reloads the config if the cache has aged past ttl. On a
// reload failure the previous config is retained (spec.md §3, §7).
func (v *Validator) maybeReload() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.clk.Now().Sub(v.loadedAt) < v.ttl {
		return
	}
	cfg, err := loadConfig(v.path)
	if err != nil {
		// keep previous config and log the failure: the validator keeps
		// answering with stale data rather than failing every check.
		slog.Warn("trust: reload failed, keeping previous config", "path", v.path, "error", err)
		v.loadedAt = v.clk.Now()
		v.Webhook.Emit("trust.reload_failed", map[string]interface{}{
			"path":  v.path,
			"error": err.Error(),
		})
		return
	}
	v.cfg = cfg
	v.loadedAt = v.clk.Now()
}

// ValidateToken performs purely structural/cryptographic validation: it
// decodes raw and rejects it if the signature is invalid or it has
// expired. It does not consult trust configuration.
func (v *Validator) ValidateToken(raw string) (token.Claims, error) {
	claims, err := token.Decode(raw)
	if err != nil {
		return token.Claims{}, err
	}
	if claims.Expired(v.clk.Now()) {
		return token.Claims{}, fmt.Errorf("trust: token expired")
	}
	return claims, nil
}

// IsTokenTrusted decodes raw and, if its issuer is not directly trusted
// for every purpose in requiredPurposes, walks extraTokens as a vouching
// chain: the next link is a token whose subject equals the issuer of the
// previous link, and the walk ends when a trusted issuer is reached or no
// such token remains.
func (v *Validator) IsTokenTrusted(raw string, extraTokens []string, requiredPurposes []string) (Result, error) {
	claims, err := v.ValidateToken(raw)
	if err != nil {
		return Result{Reason: err.Error()}, err
	}

	v.maybeReload()
	v.mu.Lock()
	cfg := v.cfg
	v.mu.Unlock()

	chain := []token.Claims{claims}
	candidate := claims
	remaining := make([]string, len(extraTokens))
	copy(remaining, extraTokens)

	for {
		if cfg.trustedFor(candidate.Issuer, requiredPurposes) {
			return Result{
				Trusted:  true,
				Issuer:   candidate.Issuer,
				Decoded:  claims,
				Chain:    chain,
				Purposes: requiredPurposes,
			}, nil
		}

		next, rest, found := findVoucher(candidate.Issuer, remaining)
		if !found {
			return Result{
				Trusted:  false,
				Issuer:   claims.Issuer,
				Decoded:  claims,
				Chain:    chain,
				Purposes: requiredPurposes,
				Reason:   fmt.Sprintf("%v", protocol.ErrUntrustedIssuer),
			}, nil
		}
		candidate = next
		chain = append(chain, next)
		remaining = rest
	}
}

// findVoucher looks for a token in candidates whose subject matches
// issuer, decodes it, and returns the remaining candidates.
func findVoucher(issuer string, candidates []string) (token.Claims, []string, bool) {
	for i, raw := range candidates {
		claims, err := token.Decode(raw)
		if err != nil {
			continue
		}
		if claims.Subject == issuer {
			rest := make([]string, 0, len(candidates)-1)
			rest = append(rest, candidates[:i]...)
			rest = append(rest, candidates[i+1:]...)
			return claims, rest, true
		}
	}
	return token.Claims{}, candidates, false
}
