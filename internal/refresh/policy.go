package refresh

import (
	"time"

	"github.com/danmuck/chatlink/internal/protocol/session"
	"github.com/golang-jwt/jwt/v5"
)

// Credential is the active token and when it was issued.
type Credential struct {
	Token    string
	IssuedAt time.Time
}

func (c Credential) IsZero() bool {
	return c.Token == ""
}

// Policy decides whether a credential should be renewed at now.
type Policy interface {
	Stale(cred Credential, now time.Time) bool
}

// AlwaysStale renews on every check.
type AlwaysStale struct{}

func (AlwaysStale) Stale(Credential, time.Time) bool {
	return true
}

// AgeBased renews once the credential is at least Validity-Margin old.
type AgeBased struct {
	Validity time.Duration
	Margin   time.Duration
}

func (p AgeBased) Stale(cred Credential, now time.Time) bool {
	if cred.IssuedAt.IsZero() {
		return true
	}
	return now.Sub(cred.IssuedAt) >= p.Validity-p.Margin
}

// TokenExpiry reads the exp claim of a JWT credential without verifying it
// and renews Margin before expiry. Tokens that are not JWTs or carry no exp
// use Fallback.
type TokenExpiry struct {
	Margin   time.Duration
	Fallback Policy
}

func (p TokenExpiry) Stale(cred Credential, now time.Time) bool {
	if exp, ok := ExpiresAt(cred.Token); ok {
		return !now.Before(exp.Add(-p.Margin))
	}
	if p.Fallback == nil {
		return true
	}
	return p.Fallback.Stale(cred, now)
}

// ExpiresAt returns the unverified exp claim of token.
func ExpiresAt(token string) (time.Time, bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// PolicyFor maps a refresh config to its staleness policy.
func PolicyFor(cfg session.RefreshConfig) Policy {
	age := AgeBased{Validity: cfg.Validity, Margin: cfg.Margin}
	switch session.NormalizeRefreshMode(cfg.Mode) {
	case session.RefreshModeTest:
		return AlwaysStale{}
	case session.RefreshModeToken:
		return TokenExpiry{Margin: cfg.Margin, Fallback: age}
	default:
		return age
	}
}
