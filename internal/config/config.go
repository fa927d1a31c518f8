package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/danmuck/chatlink/internal/protocol/session"
	"github.com/pelletier/go-toml/v2"
)

var ErrInvalidConfig = errors.New("config: invalid")

// TLSFile is the [tls] table of a client config.
type TLSFile struct {
	CAFile             string `toml:"ca_file"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// File is the on-disk chatctl config. Durations are Go duration strings.
type File struct {
	Address              string   `toml:"address"`
	User                 string   `toml:"user"`
	Secret               string   `toml:"secret"`
	StatusAddr           string   `toml:"status_addr"`
	StatusCORSOrigins    []string `toml:"status_cors_origins"`
	RequestTimeout       string   `toml:"request_timeout"`
	HeartbeatInterval    string   `toml:"heartbeat_interval"`
	HeartbeatTimeout     string   `toml:"heartbeat_timeout"`
	ReconnectDelay       string   `toml:"reconnect_delay"`
	ReconnectMaxAttempts int      `toml:"reconnect_max_attempts"`
	RefreshMode          string   `toml:"refresh_mode"`
	RefreshPeriod        string   `toml:"refresh_period"`
	RefreshValidity      string   `toml:"refresh_validity"`
	RefreshMargin        string   `toml:"refresh_margin"`
	TLS                  TLSFile  `toml:"tls"`
}

// Load strictly decodes path; unknown keys are an error.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (File, error) {
	var f File
	dec := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return File{}, fmt.Errorf("%w: %s", ErrInvalidConfig, strict.String())
		}
		return File{}, fmt.Errorf("config parse failed: %w", err)
	}
	return f, nil
}

// Validate checks the values Load cannot: address shape, durations and the
// refresh mode.
func Validate(f File) error {
	for _, origin := range f.StatusCORSOrigins {
		u, err := url.Parse(strings.TrimSpace(origin))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: status_cors_origins entry %q", ErrInvalidConfig, origin)
		}
	}
	if strings.TrimSpace(f.Address) != "" {
		if _, err := session.NormalizeAddress(f.Address); err != nil {
			return fmt.Errorf("%w: address: %v", ErrInvalidConfig, err)
		}
	}
	durations := map[string]string{
		"request_timeout":    f.RequestTimeout,
		"heartbeat_interval": f.HeartbeatInterval,
		"heartbeat_timeout":  f.HeartbeatTimeout,
		"reconnect_delay":    f.ReconnectDelay,
		"refresh_period":     f.RefreshPeriod,
		"refresh_validity":   f.RefreshValidity,
		"refresh_margin":     f.RefreshMargin,
	}
	for key, raw := range durations {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
		}
		if d < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, key)
		}
	}
	if f.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("%w: reconnect_max_attempts must not be negative", ErrInvalidConfig)
	}
	if strings.TrimSpace(f.RefreshMode) != "" {
		switch session.NormalizeRefreshMode(session.RefreshMode(f.RefreshMode)) {
		case session.RefreshModeTest, session.RefreshModeProduction, session.RefreshModeToken:
		default:
			return fmt.Errorf("%w: refresh_mode %q", ErrInvalidConfig, f.RefreshMode)
		}
	}
	return nil
}
