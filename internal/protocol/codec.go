package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type wireEnvelope struct {
	Header *Header         `json:"header"`
	Buffer json.RawMessage `json:"buffer"`
}

// Encode serializes env with its payload embedded as a JSON string.
func Encode(env Envelope) ([]byte, error) {
	if env.Header.Version == "" {
		env.Header.Version = Version
	}
	buffer, err := json.Marshal(env.Payload.raw)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{
		Header: &env.Header,
		Buffer: buffer,
	})
}

// Decode parses one envelope. Only syntactic failures and a missing header are
// errors; the payload is not interpreted. A buffer sent as inline JSON instead
// of a string is kept as its raw text.
func Decode(data []byte) (Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if wire.Header == nil {
		return Envelope{}, fmt.Errorf("%w: missing header", ErrMalformedFrame)
	}
	env := Envelope{Header: *wire.Header}

	buffer := bytes.TrimSpace(wire.Buffer)
	switch {
	case len(buffer) == 0, bytes.Equal(buffer, []byte("null")):
	case buffer[0] == '"':
		var raw string
		if err := json.Unmarshal(buffer, &raw); err != nil {
			return Envelope{}, fmt.Errorf("%w: buffer: %v", ErrMalformedFrame, err)
		}
		env.Payload = RawPayload(raw)
	default:
		env.Payload = RawPayload(string(buffer))
	}
	return env, nil
}
