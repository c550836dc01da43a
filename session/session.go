// Package session provides session validation for the sync engine's access
// guard. Two validators exist: a JWT validator for user tokens minted by the
// auth service, and a SQLite-backed store validator for long-lived service
// tokens. Both produce the same Session shape; the guard does not care which
// one backed it.
package session

import (
	"context"
	"time"
)

// Session is a validated caller identity. The engine only reads sessions;
// the issuing service owns their lifecycle.
type Session struct {
	Token     string    `json:"-"`
	UserID    string    `json:"user_id"`
	Roles     []string  `json:"roles"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session is past its expiry at time now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// HasRole reports whether the session carries the role.
func (s *Session) HasRole(role string) bool {
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Validator resolves a bearer token into a Session. Implementations return
// an error for unknown, malformed, or expired tokens; they never return a
// stale cached result.
type Validator interface {
	Validate(ctx context.Context, token string) (*Session, error)
}
