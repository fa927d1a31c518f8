// Package auth issues and checks chat credentials: static passwords and
// HS256-signed session tokens.
//
// It holds no user storage; callers supply the password table.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrNoSecret     = errors.New("auth: signing secret required")
)

// Passwords maps user id to password. A nil table accepts any non-empty user.
type Passwords map[string]string

func (p Passwords) Check(userID, password string) error {
	if userID == "" {
		return fmt.Errorf("%w: missing user id", ErrUnauthorized)
	}
	if p == nil {
		return nil
	}
	want, ok := p[userID]
	if !ok || subtle.ConstantTimeCompare([]byte(want), []byte(password)) != 1 {
		return fmt.Errorf("%w: invalid credentials for %s", ErrUnauthorized, userID)
	}
	return nil
}

// Issuer signs and verifies session tokens.
type Issuer struct {
	Secret []byte
	TTL    time.Duration
	// Now defaults to time.Now.
	Now    func() time.Time
}

func (i Issuer) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now()
}

// Issue returns a token for subject carrying iat, exp and a unique jti.
func (i Issuer) Issue(subject string) (string, error) {
	if len(i.Secret) == 0 {
		return "", ErrNoSecret
	}
	now := i.now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.TTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.Secret)
}

// Verify checks signature and expiry and returns the token subject.
func (i Issuer) Verify(token string) (string, error) {
	if len(i.Secret) == 0 {
		return "", ErrNoSecret
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return i.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(i.now))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token without subject", ErrUnauthorized)
	}
	return claims.Subject, nil
}
