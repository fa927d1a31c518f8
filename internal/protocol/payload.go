package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Payload is an opaque, independently encoded envelope body. Consumers decode
// it at use; a payload that is not JSON stays available through Raw.
type Payload struct {
	raw string
}

// NewPayload encodes v as the envelope body.
func NewPayload(v any) (Payload, error) {
	switch t := v.(type) {
	case nil:
		return Payload{}, nil
	case Payload:
		return t, nil
	case json.RawMessage:
		return Payload{raw: string(t)}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrUndecodablePayload, err)
	}
	return Payload{raw: string(b)}, nil
}

// RawPayload wraps already-encoded body text without validation.
func RawPayload(raw string) Payload {
	return Payload{raw: raw}
}

func (p Payload) Raw() string {
	return p.raw
}

func (p Payload) Bytes() []byte {
	return []byte(p.raw)
}

func (p Payload) IsEmpty() bool {
	return strings.TrimSpace(p.raw) == ""
}

// Valid reports whether the payload is itself well-formed JSON.
func (p Payload) Valid() bool {
	return !p.IsEmpty() && json.Valid([]byte(p.raw))
}

// Decode unmarshals the payload into v.
func (p Payload) Decode(v any) error {
	if p.IsEmpty() {
		return ErrEmptyPayload
	}
	if err := json.Unmarshal([]byte(p.raw), v); err != nil {
		return fmt.Errorf("%w: %v", ErrUndecodablePayload, err)
	}
	return nil
}

func (p Payload) String() string {
	return p.raw
}
