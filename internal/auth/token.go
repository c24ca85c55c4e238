// Package auth issues and verifies bearer access tokens.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fenceit/trackit/internal/errs"
	"github.com/fenceit/trackit/internal/model"
)

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Role   model.Role
}

// Claims are the access token claims.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Tokens issues and verifies HS256 access tokens.
type Tokens struct {
	signKey []byte
	ttl     time.Duration
	now     func() time.Time
}

// NewTokens constructs Tokens with a signing key and access TTL.
func NewTokens(signKey []byte, ttl time.Duration) *Tokens {
	return &Tokens{signKey: signKey, ttl: ttl, now: time.Now}
}

// Issue creates a signed HS256 JWT for the given subject and role.
func (t *Tokens) Issue(userID string, role model.Role) (string, time.Time, error) {
	if !model.ValidID(userID) {
		return "", time.Time{}, fmt.Errorf("%w: subject %q", errs.ErrInvalidArgument, userID)
	}
	now := t.now()
	exp := now.Add(t.ttl)
	claims := Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(t.signKey)
	return signed, exp, err
}

// Verify parses and validates raw, returning its principal.
func (t *Tokens) Verify(raw string) (Principal, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return t.signKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
		jwt.WithLeeway(30*time.Second),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", errs.ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: missing subject", errs.ErrUnauthorized)
	}
	return Principal{UserID: claims.Subject, Role: model.Role(claims.Role)}, nil
}
