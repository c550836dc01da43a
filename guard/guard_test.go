package guard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hazyhaar/ctxsync/session"
)

// fakeValidator returns canned sessions per token and counts calls, so
// tests can assert caching never happens.
type fakeValidator struct {
	sessions map[string]*session.Session
	calls    int
}

func (f *fakeValidator) Validate(_ context.Context, token string) (*session.Session, error) {
	f.calls++
	s, ok := f.sessions[token]
	if !ok {
		return nil, errors.New("unknown token")
	}
	return s, nil
}

func newTestGuard(sessions map[string]*session.Session) (*Guard, *fakeValidator) {
	fv := &fakeValidator{sessions: sessions}
	return New(fv), fv
}

func TestAuthorize_RoleMatrix(t *testing.T) {
	g, _ := newTestGuard(map[string]*session.Session{
		"t-admin":  {UserID: "a", Roles: []string{"admin"}},
		"t-editor": {UserID: "e", Roles: []string{"editor"}},
		"t-viewer": {UserID: "v", Roles: []string{"viewer"}},
	})
	ctx := context.Background()

	cases := []struct {
		token string
		perm  Permission
		allow bool
	}{
		{"t-admin", PermSyncAdmin, true},
		{"t-admin", PermContextWrite, true},
		{"t-editor", PermContextWrite, true},
		{"t-editor", PermContextRead, true},
		{"t-editor", PermSyncAdmin, false},
		{"t-viewer", PermContextRead, true},
		{"t-viewer", PermContextWrite, false},
	}
	for _, tc := range cases {
		_, err := g.Authorize(ctx, tc.token, tc.perm)
		if tc.allow && err != nil {
			t.Errorf("%s/%s: unexpected deny: %v", tc.token, tc.perm, err)
		}
		if !tc.allow {
			var aerr *AuthorizationError
			if !errors.As(err, &aerr) {
				t.Errorf("%s/%s: want *AuthorizationError, got %v", tc.token, tc.perm, err)
			}
		}
	}
}

func TestAuthorize_UnknownToken(t *testing.T) {
	g, _ := newTestGuard(nil)

	_, err := g.Authorize(context.Background(), "nope", PermContextRead)
	var aerr *AuthenticationError
	if !errors.As(err, &aerr) {
		t.Fatalf("want *AuthenticationError, got %v", err)
	}
}

func TestAuthorize_EmptyToken(t *testing.T) {
	g, fv := newTestGuard(nil)

	_, err := g.Authorize(context.Background(), "", PermContextRead)
	var aerr *AuthenticationError
	if !errors.As(err, &aerr) {
		t.Fatalf("want *AuthenticationError, got %v", err)
	}
	if fv.calls != 0 {
		t.Fatal("validator consulted for an empty token")
	}
}

func TestAuthorize_ExpiredSession(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fv := &fakeValidator{sessions: map[string]*session.Session{
		"t": {UserID: "u", Roles: []string{"admin"}, ExpiresAt: now.Add(-time.Minute)},
	}}
	g := New(fv, WithClock(func() time.Time { return now }))

	_, err := g.Authorize(context.Background(), "t", PermContextRead)
	var aerr *AuthenticationError
	if !errors.As(err, &aerr) {
		t.Fatalf("want *AuthenticationError, got %v", err)
	}
}

func TestAuthorize_NoCaching(t *testing.T) {
	g, fv := newTestGuard(map[string]*session.Session{
		"t": {UserID: "u", Roles: []string{"editor"}},
	})
	ctx := context.Background()

	if _, err := g.Authorize(ctx, "t", PermContextWrite); err != nil {
		t.Fatal(err)
	}
	// token invalidated between calls must be rejected on the next call
	delete(fv.sessions, "t")
	if _, err := g.Authorize(ctx, "t", PermContextWrite); err == nil {
		t.Fatal("revoked token authorized from a cache")
	}
	if fv.calls != 2 {
		t.Fatalf("validator calls = %d, want 2", fv.calls)
	}
}
