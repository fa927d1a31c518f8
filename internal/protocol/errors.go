package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedFrame     = errors.New("protocol: malformed frame")
	ErrUndecodablePayload = errors.New("protocol: undecodable payload")
	ErrEmptyPayload       = errors.New("protocol: empty payload")
)

// StatusError is a non-success status carried in a server reply payload.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("protocol: status %d", e.Code)
	}
	return fmt.Sprintf("protocol: status %d: %s", e.Code, e.Message)
}

// Unauthorized reports an authorization-class status (401/403).
func (e *StatusError) Unauthorized() bool {
	return e.Code == StatusUnauthorized || e.Code == StatusForbidden
}

// IsUnauthorized reports whether err carries an authorization-class status.
func IsUnauthorized(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Unauthorized()
	}
	return false
}
