package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Version is the header version stamped on every outbound envelope.
const Version = "0.0.1"

// SessionID is the server-assigned session identity. The server emits it as a
// JSON number (a 64-bit long); the zero value means no session, and encodes as
// the numeric placeholder 0 used by pre-authentication frames.
type SessionID string

func (s SessionID) IsZero() bool {
	return strings.TrimSpace(string(s)) == ""
}

func (s SessionID) MarshalJSON() ([]byte, error) {
	v := strings.TrimSpace(string(s))
	if v == "" {
		return []byte("0"), nil
	}
	if isNumeric(v) {
		return []byte(v), nil
	}
	return json.Marshal(v)
}

func (s *SessionID) UnmarshalJSON(data []byte) error {
	raw := bytes.TrimSpace(data)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		*s = ""
		return nil
	}
	if raw[0] == '"' {
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		*s = normalizeSessionID(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return err
	}
	*s = normalizeSessionID(n.String())
	return nil
}

func normalizeSessionID(v string) SessionID {
	v = strings.TrimSpace(v)
	if v == "0" {
		return ""
	}
	return SessionID(v)
}

func isNumeric(v string) bool {
	if v == "" || (len(v) > 1 && v[0] == '0') {
		return false
	}
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return false
		}
	}
	return true
}

// Header is the envelope routing and identity block.
type Header struct {
	Version    string    `json:"version"`
	MainNo     uint32    `json:"mainNo"`
	SubNo      uint32    `json:"subNo"`
	IsCompress bool      `json:"isCompress"`
	SessionID  SessionID `json:"sessionId"`
	RequestID  uint64    `json:"requestId"`
	UserID     string    `json:"userId"`
	Token      string    `json:"token"`
}

func (h Header) Key() Key {
	return Key{Main: h.MainNo, Sub: h.SubNo}
}

// Envelope is one wire message unit.
type Envelope struct {
	Header  Header
	Payload Payload
}

// NewEnvelope builds an outbound envelope for key with the current version stamp.
func NewEnvelope(key Key, requestID uint64, payload Payload) Envelope {
	return Envelope{
		Header: Header{
			Version:   Version,
			MainNo:    key.Main,
			SubNo:     key.Sub,
			RequestID: requestID,
		},
		Payload: payload,
	}
}

func (e Envelope) Key() Key {
	return e.Header.Key()
}
