package auth

import (
	"context"
	"fmt"

	"github.com/panrelay/pannode/pkg/trust"
)

// LocalMethod is the "local" auth method from spec.md §4.6: it validates
// the bearer token against a Trust Validator and, unless
// AllowUntrustedAgents is set, additionally requires the token be
// trusted for the "agent-connect" purpose.
type LocalMethod struct {
	Validator            *trust.Validator
	AllowUntrustedAgents bool
}

// Name implements Method.
func (m *LocalMethod) Name() string { return "local" }

// Attempt implements Method.
func (m *LocalMethod) Attempt(ctx context.Context, payload map[string]interface{}) (Outcome, error) {
	raw, _ := payload["token"].(string)
	if raw == "" {
		return Outcome{Success: false, Reason: "missing token"}, nil
	}

	if m.AllowUntrustedAgents {
		claims, err := m.Validator.ValidateToken(raw)
		if err != nil {
			return Outcome{Success: false, Reason: err.Error()}, nil
		}
		name := claims.Identifier
		if name == "" {
			name = claims.Issuer
		}
		return withReconnect(Outcome{Success: true, AgentName: name, Token: raw}, payload), nil
	}

	var extra []string
	if raws, ok := payload["tokens"].([]interface{}); ok {
		for _, v := range raws {
			if s, ok := v.(string); ok {
				extra = append(extra, s)
			}
		}
	}

	res, err := m.Validator.IsTokenTrusted(raw, extra, []string{"agent-connect"})
	if err != nil {
		return Outcome{Success: false, Reason: err.Error()}, nil
	}
	if !res.Trusted {
		return Outcome{Success: false, Reason: fmt.Sprintf("access denied: %s", res.Reason)}, nil
	}

	name := res.Decoded.Identifier
	if name == "" {
		name = res.Decoded.Issuer
	}
	return withReconnect(Outcome{Success: true, AgentName: name, Token: raw}, payload), nil
}

// withReconnect attaches a ReconnectRequest to outcome when the auth
// payload asked to resume an existing logical connection
// (auth_type=reconnect with conn_id/auth_key present). Resume is
// orthogonal to which method proved the token, so every method's
// successful outcome passes through this the same way.
func withReconnect(outcome Outcome, payload map[string]interface{}) Outcome {
	if authType, _ := payload["auth_type"].(string); authType != "reconnect" {
		return outcome
	}
	connID, _ := payload["conn_id"].(string)
	authKey, _ := payload["auth_key"].(string)
	if connID == "" || authKey == "" {
		return outcome
	}
	outcome.Reconnect = &ReconnectRequest{ConnID: connID, AuthKey: authKey}
	return outcome
}
