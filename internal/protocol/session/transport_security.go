package session

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
)

var (
	ErrInvalidAddress          = errors.New("session: invalid address")
	ErrTLSCertFileRequired     = errors.New("session: tls cert file required")
	ErrTLSKeyFileRequired      = errors.New("session: tls key file required")
	ErrTLSCAFileInvalid        = errors.New("session: tls ca file invalid")
	ErrTLSInsecureSkipNotAllow = errors.New("session: insecure skip verify not allowed with ca file")
)

// TLSConfig configures wss:// dialing. Plain ws:// addresses ignore it.
type TLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

func (c TLSConfig) Validate() error {
	certSet := strings.TrimSpace(c.CertFile) != ""
	keySet := strings.TrimSpace(c.KeyFile) != ""
	if certSet && !keySet {
		return ErrTLSKeyFileRequired
	}
	if keySet && !certSet {
		return ErrTLSCertFileRequired
	}
	if c.InsecureSkipVerify && strings.TrimSpace(c.CAFile) != "" {
		return ErrTLSInsecureSkipNotAllow
	}
	return nil
}

// ClientTLS builds the dialer TLS config. A nil result means system defaults.
func (c TLSConfig) ClientTLS() (*tls.Config, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c == (TLSConfig{}) {
		return nil, nil
	}
	out := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         strings.TrimSpace(c.ServerName),
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
	if caFile := strings.TrimSpace(c.CAFile); caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTLSCAFileInvalid, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: no certificates in %q", ErrTLSCAFileInvalid, caFile)
		}
		out.RootCAs = pool
	}
	if certFile := strings.TrimSpace(c.CertFile); certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, strings.TrimSpace(c.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load client key pair: %w", err)
		}
		out.Certificates = []tls.Certificate{cert}
	}
	return out, nil
}

// NormalizeAddress accepts ws://, wss://, http:// and https:// addresses and
// returns the websocket form.
func NormalizeAddress(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidAddress, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidAddress)
	}
	return u.String(), nil
}
