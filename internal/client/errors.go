package client

import (
	"errors"
	"fmt"

	"github.com/danmuck/chatlink/internal/correlator"
	"github.com/danmuck/chatlink/internal/transport"
)

var (
	ErrAlreadyConnecting    = errors.New("client: already connecting")
	ErrAlreadyConnected     = errors.New("client: already connected")
	ErrNotConnected         = transport.ErrNotConnected
	ErrNoSession            = errors.New("client: no session")
	ErrAuthenticationFailed = errors.New("client: authentication failed")
	ErrCredentialExpired    = errors.New("client: credential expired")
	ErrClosed               = errors.New("client: coordinator closed")
	ErrConnectionLost       = correlator.ErrConnectionLost
	ErrRequestTimeout       = correlator.ErrRequestTimeout
)

// AuthError is a rejected authentication with the server's status.
type AuthError struct {
	Code    int
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("client: authentication failed: code=%d message=%q", e.Code, e.Message)
}

func (e *AuthError) Is(target error) bool {
	return target == ErrAuthenticationFailed
}
