package protocol

import (
	"encoding/json"
	"strings"
)

const (
	StatusOK           = 200
	StatusUnauthorized = 401
	StatusForbidden    = 403
	StatusNotFound     = 404
	StatusServerError  = 500
)

// Status is the code/message pair carried by every server reply payload.
type Status struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s Status) OK() bool {
	return s.Code == StatusOK
}

// Err returns a *StatusError for any non-success code.
func (s Status) Err() error {
	if s.OK() {
		return nil
	}
	return &StatusError{Code: s.Code, Message: s.Message}
}

// AuthRequest is the Auth (0,1) payload.
type AuthRequest struct {
	UserID   string `json:"userId"`
	Password string `json:"password"`
}

// AuthReply is the AuthResult (0,2) payload.
type AuthReply struct {
	Status
	SessionID SessionID `json:"sessionId"`
	Token     string    `json:"token"`
}

// RefreshRequest is the RefreshCredential (0,125) request payload.
type RefreshRequest struct {
	Token string `json:"token"`
}

// RefreshReply is the RefreshCredential (0,125) reply payload.
type RefreshReply struct {
	Status
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresIn"`
}

// PingRequest is the probe body; the server echoes a raw "pong".
type PingRequest struct {
	Ping string `json:"ping"`
}

// ChatMessage is one broadcast chat line.
type ChatMessage struct {
	MessageType int             `json:"messageType"`
	MessageID   json.Number     `json:"messageId"`
	UserID      string          `json:"userId"`
	UserName    string          `json:"userName"`
	Content     string          `json:"content"`
	Timestamp   json.RawMessage `json:"timestamp,omitempty"`
}

// Valid reports the minimum structure a broadcast needs to be forwarded.
func (m ChatMessage) Valid() bool {
	return strings.TrimSpace(m.Content) != ""
}

// DecodeBroadcast extracts the chat message from a broadcast payload. Both the
// nested {"message":{...}} shape and a flat message object are accepted.
func DecodeBroadcast(p Payload) (ChatMessage, error) {
	var nested struct {
		Message *ChatMessage `json:"message"`
	}
	if err := p.Decode(&nested); err != nil {
		return ChatMessage{}, err
	}
	if nested.Message != nil {
		return *nested.Message, nil
	}
	var flat ChatMessage
	if err := p.Decode(&flat); err != nil {
		return ChatMessage{}, err
	}
	return flat, nil
}
