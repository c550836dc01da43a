package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hazyhaar/ctxsync/horosafe"
)

// Claims is the JWT claims shape for sync-engine tokens. It embeds
// jwt.RegisteredClaims for the standard fields (exp, iat, sub) and adds the
// role list the guard authorizes against.
type Claims struct {
	jwt.RegisteredClaims
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
}

// JWTValidator validates HS256-signed user tokens against a pinned secret.
type JWTValidator struct {
	secret []byte
	now    func() time.Time
}

// NewJWTValidator returns a validator for the given symmetric secret.
// Secrets shorter than horosafe.MinSecretLen are rejected.
func NewJWTValidator(secret []byte) (*JWTValidator, error) {
	if err := horosafe.ValidateSecret(secret); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	return &JWTValidator{secret: secret, now: time.Now}, nil
}

// Validate parses and verifies tokenStr. The signing method is strictly
// pinned to HS256 to prevent algorithm confusion attacks.
func (v *JWTValidator) Validate(_ context.Context, tokenStr string) (*Session, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v (only HS256 allowed)", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now))
	if err != nil {
		return nil, fmt.Errorf("session: validate token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("session: invalid token")
	}
	s := &Session{
		Token:  tokenStr,
		UserID: claims.UserID,
		Roles:  claims.Roles,
	}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
	}
	return s, nil
}

// MintToken creates a signed HS256 token for userID with the given roles and
// expiry. Intended for the auth service and for tests.
func MintToken(secret []byte, userID string, roles []string, expiry time.Duration) (string, error) {
	if err := horosafe.ValidateSecret(secret); err != nil {
		return "", fmt.Errorf("session: %w", err)
	}
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
		UserID: userID,
		Roles:  roles,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
