package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidRefreshMode = errors.New("session: invalid refresh mode")
	ErrInvalidConfig      = errors.New("session: invalid config")
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// ReconnectConfig bounds automatic recovery after an unexpected close.
type ReconnectConfig struct {
	Backoff     BackoffConfig
	MaxAttempts int
}

// RefreshMode selects the credential staleness policy.
type RefreshMode string

const (
	// every tick refreshes
	RefreshModeTest RefreshMode = "test"
	// age >= validity - margin since issuance
	RefreshModeProduction RefreshMode = "production"
	// exp claim of the JWT credential minus margin, age policy as fallback
	RefreshModeToken RefreshMode = "token"
)

// RefreshConfig drives the credential refresh scheduler.
type RefreshConfig struct {
	Mode     RefreshMode
	Period   time.Duration
	Validity time.Duration
	Margin   time.Duration
}

// Config defines client session reliability defaults.
type Config struct {
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	CloseTimeout      time.Duration
	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	Reconnect         ReconnectConfig
	Refresh           RefreshConfig
	TLS               TLSConfig
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:  5 * time.Second,
		WriteTimeout:      5 * time.Second,
		CloseTimeout:      2 * time.Second,
		RequestTimeout:    10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
		Reconnect: ReconnectConfig{
			Backoff: BackoffConfig{
				InitialDelay: 2 * time.Second,
				Multiplier:   2.0,
			},
			MaxAttempts: 5,
		},
		Refresh: DefaultRefreshConfig(RefreshModeProduction),
	}
}

// TestModeConfig returns DefaultConfig with the always-stale refresh policy.
func TestModeConfig() Config {
	cfg := DefaultConfig()
	cfg.Refresh = DefaultRefreshConfig(RefreshModeTest)
	return cfg
}

// DefaultRefreshConfig returns the period and validity window for mode.
func DefaultRefreshConfig(mode RefreshMode) RefreshConfig {
	cfg := RefreshConfig{
		Mode:     NormalizeRefreshMode(mode),
		Validity: 30 * time.Minute,
		Margin:   5 * time.Minute,
	}
	switch cfg.Mode {
	case RefreshModeProduction:
		cfg.Period = 25 * time.Minute
	default:
		cfg.Period = time.Minute
	}
	return cfg
}

func NormalizeRefreshMode(mode RefreshMode) RefreshMode {
	if strings.TrimSpace(string(mode)) == "" {
		return RefreshModeProduction
	}
	return RefreshMode(strings.ToLower(strings.TrimSpace(string(mode))))
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = def.CloseTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.Reconnect.Backoff.InitialDelay <= 0 {
		c.Reconnect.Backoff.InitialDelay = def.Reconnect.Backoff.InitialDelay
	}
	if c.Reconnect.Backoff.Multiplier == 0 {
		c.Reconnect.Backoff.Multiplier = def.Reconnect.Backoff.Multiplier
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = def.Reconnect.MaxAttempts
	}
	refreshDef := DefaultRefreshConfig(c.Refresh.Mode)
	c.Refresh.Mode = refreshDef.Mode
	if c.Refresh.Period <= 0 {
		c.Refresh.Period = refreshDef.Period
	}
	if c.Refresh.Validity <= 0 {
		c.Refresh.Validity = refreshDef.Validity
	}
	if c.Refresh.Margin <= 0 {
		c.Refresh.Margin = refreshDef.Margin
	}
	return c
}

// Validate checks a defaulted config for contradictory values.
func (c Config) Validate() error {
	switch c.Refresh.Mode {
	case RefreshModeTest, RefreshModeProduction, RefreshModeToken:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidRefreshMode, c.Refresh.Mode)
	}
	if c.Refresh.Margin >= c.Refresh.Validity {
		return fmt.Errorf("%w: refresh margin %v must be below validity %v", ErrInvalidConfig, c.Refresh.Margin, c.Refresh.Validity)
	}
	if c.HeartbeatTimeout > c.HeartbeatInterval {
		return fmt.Errorf("%w: heartbeat timeout %v exceeds interval %v", ErrInvalidConfig, c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.Reconnect.MaxAttempts < 1 {
		return fmt.Errorf("%w: reconnect max attempts %d", ErrInvalidConfig, c.Reconnect.MaxAttempts)
	}
	return c.TLS.Validate()
}
