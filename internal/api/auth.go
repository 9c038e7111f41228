package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const RoleAdmin = "admin"

var errUnauthorized = errors.New("invalid or missing credentials")

// Claims identifies the caller. Subject is the user id.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

func (c Claims) UserID() string { return c.Subject }

func (c Claims) IsAdmin() bool { return c.Role == RoleAdmin }

// Tokens signs and verifies HS256 bearer tokens.
type Tokens struct {
	secret []byte
	nowFn  func() time.Time
}

func NewTokens(secret string) *Tokens {
	return &Tokens{secret: []byte(secret), nowFn: time.Now}
}

// Sign issues a token for userID valid for ttl.
func (t *Tokens) Sign(userID, role string, ttl time.Duration) (string, error) {
	now := t.nowFn()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(t.secret)
}

func (t *Tokens) Verify(raw string) (Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(t.nowFn))
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", errUnauthorized, err)
	}
	if !token.Valid || claims.Subject == "" {
		return Claims{}, errUnauthorized
	}
	return claims, nil
}

type ctxKey string

const (
	ctxKeyRequestID ctxKey = "request_id"
	ctxKeyClaims    ctxKey = "claims"
)

func claimsFromContext(ctx context.Context) (Claims, bool) {
	claims, ok := ctx.Value(ctxKeyClaims).(Claims)
	return claims, ok
}

func requestIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return s
	}
	return ""
}
