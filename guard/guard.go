// Package guard gates every versioned mutation behind session validation
// and role-based permission checks. Authorization results are never cached;
// a token revoked between two calls is rejected on the second.
package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/hazyhaar/ctxsync/session"
)

// Permission names one guarded capability.
type Permission string

const (
	// PermContextRead covers context reads, the change feed, and
	// subscriptions.
	PermContextRead Permission = "context.read"
	// PermContextWrite covers create, update and delete of contexts.
	PermContextWrite Permission = "context.write"
	// PermSyncAdmin covers administrative operations: reset and compaction.
	PermSyncAdmin Permission = "sync.admin"
)

// rolePerms maps roles to the permissions they grant. admin holds
// everything; editor reads and writes contexts; viewer only reads.
var rolePerms = map[string][]Permission{
	"admin":  {PermContextRead, PermContextWrite, PermSyncAdmin},
	"editor": {PermContextRead, PermContextWrite},
	"viewer": {PermContextRead},
}

// AuthenticationError reports a token that could not be resolved into a
// live session: unknown, malformed, or expired.
type AuthenticationError struct {
	Reason string
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("guard: authentication failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("guard: authentication failed: %s", e.Reason)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// AuthorizationError reports a valid session whose roles do not grant the
// required permission.
type AuthorizationError struct {
	UserID     string
	Permission Permission
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("guard: user %q lacks permission %q", e.UserID, e.Permission)
}

// Guard authorizes operations against a session validator.
type Guard struct {
	validator session.Validator
	now       func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock overrides the guard's time source.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// New returns a guard backed by v.
func New(v session.Validator, opts ...Option) *Guard {
	g := &Guard{validator: v, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authorize validates token and checks that the session's roles grant perm.
// Both steps run on every call.
func (g *Guard) Authorize(ctx context.Context, token string, perm Permission) (*session.Session, error) {
	if token == "" {
		return nil, &AuthenticationError{Reason: "empty token"}
	}
	s, err := g.validator.Validate(ctx, token)
	if err != nil {
		return nil, &AuthenticationError{Reason: "token rejected", Err: err}
	}
	if s.Expired(g.now()) {
		return nil, &AuthenticationError{Reason: "session expired"}
	}
	for _, role := range s.Roles {
		for _, p := range rolePerms[role] {
			if p == perm {
				return s, nil
			}
		}
	}
	return nil, &AuthorizationError{UserID: s.UserID, Permission: perm}
}
