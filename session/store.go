package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/ctxsync/dbopen"
	"github.com/hazyhaar/ctxsync/idgen"
)

// tokenPrefix marks service tokens so they are distinguishable from JWTs at
// a glance and in logs.
const tokenPrefix = "sst_"

const storeSchema = `
CREATE TABLE IF NOT EXISTS service_tokens (
	id         TEXT PRIMARY KEY,
	token_hash TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	roles      TEXT NOT NULL,
	expires_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
`

// StoreValidator validates long-lived service tokens against a SQLite table.
// Only a bcrypt hash of the token secret is stored; the cleartext exists
// exactly once, in the return value of CreateToken.
type StoreValidator struct {
	db    *sql.DB
	newID idgen.Generator
	now   func() time.Time
}

// StoreOption configures a StoreValidator.
type StoreOption func(*StoreValidator)

// WithStoreClock overrides the validator's time source.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(v *StoreValidator) { v.now = now }
}

// NewStoreValidator prepares the service-token table on db and returns a
// validator over it.
func NewStoreValidator(ctx context.Context, db *sql.DB, opts ...StoreOption) (*StoreValidator, error) {
	if _, err := dbopen.Exec(ctx, db, storeSchema); err != nil {
		return nil, fmt.Errorf("session: create token table: %w", err)
	}
	v := &StoreValidator{
		db:    db,
		newID: idgen.NanoID(12),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// CreateToken mints a service token for userID with the given roles and
// time-to-live, stores its bcrypt hash, and returns the cleartext token.
func (v *StoreValidator) CreateToken(ctx context.Context, userID string, roles []string, ttl time.Duration) (string, error) {
	id := v.newID()
	secret := idgen.NanoID(32)()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("session: hash token: %w", err)
	}
	now := v.now()
	_, err = dbopen.Exec(ctx, v.db,
		`INSERT INTO service_tokens (id, token_hash, user_id, roles, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, string(hash), userID, strings.Join(roles, ","), now.Add(ttl).Unix(), now.Unix())
	if err != nil {
		return "", fmt.Errorf("session: store token: %w", err)
	}
	return tokenPrefix + id + "." + secret, nil
}

// Validate resolves a service token. Every call hits the database and
// re-runs the bcrypt comparison; revocation takes effect immediately.
func (v *StoreValidator) Validate(ctx context.Context, token string) (*Session, error) {
	rest, ok := strings.CutPrefix(token, tokenPrefix)
	if !ok {
		return nil, errors.New("session: not a service token")
	}
	id, secret, ok := strings.Cut(rest, ".")
	if !ok {
		return nil, errors.New("session: malformed service token")
	}

	var hash, userID, roles string
	var expiresAt int64
	err := v.db.QueryRowContext(ctx,
		`SELECT token_hash, user_id, roles, expires_at FROM service_tokens WHERE id = ?`, id).
		Scan(&hash, &userID, &roles, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.New("session: unknown service token")
	}
	if err != nil {
		return nil, fmt.Errorf("session: lookup token: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return nil, errors.New("session: service token mismatch")
	}
	exp := time.Unix(expiresAt, 0)
	if !v.now().Before(exp) {
		return nil, errors.New("session: service token expired")
	}

	var roleList []string
	if roles != "" {
		roleList = strings.Split(roles, ",")
	}
	return &Session{
		Token:     token,
		UserID:    userID,
		Roles:     roleList,
		ExpiresAt: exp,
	}, nil
}

// Revoke deletes a service token by its cleartext form. Unknown tokens are
// not an error.
func (v *StoreValidator) Revoke(ctx context.Context, token string) error {
	rest, ok := strings.CutPrefix(token, tokenPrefix)
	if !ok {
		return errors.New("session: not a service token")
	}
	id, _, _ := strings.Cut(rest, ".")
	if _, err := dbopen.Exec(ctx, v.db, `DELETE FROM service_tokens WHERE id = ?`, id); err != nil {
		return fmt.Errorf("session: revoke token: %w", err)
	}
	return nil
}
