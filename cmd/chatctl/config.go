package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/danmuck/chatlink/internal/config"
	"github.com/danmuck/chatlink/internal/protocol/session"
)

type appConfig struct {
	Address           string
	UserID            string
	Secret            string
	StatusAddr        string
	StatusCORSOrigins []string
	Session           session.Config
}

// envConfig overrides the file for values that usually differ per shell.
type envConfig struct {
	Address           string   `env:"CHATLINK_ADDR"`
	User              string   `env:"CHATLINK_USER"`
	Secret            string   `env:"CHATLINK_SECRET"`
	StatusAddr        string   `env:"CHATLINK_STATUS_ADDR"`
	StatusCORSOrigins []string `env:"CHATLINK_STATUS_CORS_ORIGINS" envSeparator:","`
}

func defaultAppConfig() appConfig {
	return appConfig{
		Address: "ws://127.0.0.1:8080/ws",
		Session: session.DefaultConfig(),
	}
}

// loadConfig reads path (optional) and then applies env overrides.
func loadConfig(path string) (appConfig, error) {
	cfg := defaultAppConfig()
	if strings.TrimSpace(path) != "" {
		var err error
		cfg, err = loadFileConfig(cfg, path)
		if err != nil {
			return appConfig{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return appConfig{}, err
	}
	return cfg, nil
}

func loadFileConfig(cfg appConfig, path string) (appConfig, error) {
	var raw config.File
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return appConfig{}, fmt.Errorf("load chatctl config: %w", err)
	}

	if meta.IsDefined("address") {
		cfg.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("user") {
		cfg.UserID = strings.TrimSpace(raw.User)
	}
	if meta.IsDefined("secret") {
		cfg.Secret = raw.Secret
	}
	if meta.IsDefined("status_addr") {
		cfg.StatusAddr = strings.TrimSpace(raw.StatusAddr)
	}
	if meta.IsDefined("status_cors_origins") {
		cfg.StatusCORSOrigins = raw.StatusCORSOrigins
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"request_timeout", raw.RequestTimeout, &cfg.Session.RequestTimeout},
		{"heartbeat_interval", raw.HeartbeatInterval, &cfg.Session.HeartbeatInterval},
		{"heartbeat_timeout", raw.HeartbeatTimeout, &cfg.Session.HeartbeatTimeout},
		{"reconnect_delay", raw.ReconnectDelay, &cfg.Session.Reconnect.Backoff.InitialDelay},
		{"refresh_period", raw.RefreshPeriod, &cfg.Session.Refresh.Period},
		{"refresh_validity", raw.RefreshValidity, &cfg.Session.Refresh.Validity},
		{"refresh_margin", raw.RefreshMargin, &cfg.Session.Refresh.Margin},
	}

	// the mode picks period defaults; explicit durations below still win
	if meta.IsDefined("refresh_mode") {
		cfg.Session.Refresh = session.DefaultRefreshConfig(session.RefreshMode(raw.RefreshMode))
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return appConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("reconnect_max_attempts") {
		cfg.Session.Reconnect.MaxAttempts = raw.ReconnectMaxAttempts
	}

	if meta.IsDefined("tls", "ca_file") {
		cfg.Session.TLS.CAFile = strings.TrimSpace(raw.TLS.CAFile)
	}
	if meta.IsDefined("tls", "cert_file") {
		cfg.Session.TLS.CertFile = strings.TrimSpace(raw.TLS.CertFile)
	}
	if meta.IsDefined("tls", "key_file") {
		cfg.Session.TLS.KeyFile = strings.TrimSpace(raw.TLS.KeyFile)
	}
	if meta.IsDefined("tls", "server_name") {
		cfg.Session.TLS.ServerName = strings.TrimSpace(raw.TLS.ServerName)
	}
	if meta.IsDefined("tls", "insecure_skip_verify") {
		cfg.Session.TLS.InsecureSkipVerify = raw.TLS.InsecureSkipVerify
	}

	return cfg, nil
}

func applyEnv(cfg *appConfig) error {
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return fmt.Errorf("load chatctl env: %w", err)
	}
	if v := strings.TrimSpace(raw.Address); v != "" {
		cfg.Address = v
	}
	if v := strings.TrimSpace(raw.User); v != "" {
		cfg.UserID = v
	}
	if raw.Secret != "" {
		cfg.Secret = raw.Secret
	}
	if v := strings.TrimSpace(raw.StatusAddr); v != "" {
		cfg.StatusAddr = v
	}
	if len(raw.StatusCORSOrigins) > 0 {
		cfg.StatusCORSOrigins = raw.StatusCORSOrigins
	}
	return nil
}
