// Package protocol defines the wire formats used by chatsync: the events
// carried on transport topics and the frames exchanged with UI processes over
// the local WebSocket bridge. All messages are JSON objects with a "type"
// discriminator.
package protocol

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ---------------------------------------------------------------------------
// Envelope is used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string              `json:"type"`
	Raw  jsoniter.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later into the
// appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(jsoniter.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// decoder turns a raw payload into one concrete message struct.
type decoder func(raw []byte) (interface{}, error)

func as[T any]() decoder {
	return func(raw []byte) (interface{}, error) {
		var m T
		err := json.Unmarshal(raw, &m)
		return m, err
	}
}

// decode parses data with the given per-type decoder table.
func decode(data []byte, kinds map[string]decoder, side string) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}
	dec, ok := kinds[env.Type]
	if !ok {
		return env.Type, nil, fmt.Errorf("protocol: unknown %s message type: %q", side, env.Type)
	}
	msg, err := dec(env.Raw)
	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// encode marshals payload and injects msgType under the "type" key.
func encode(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]interface{})
	}
	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal message: %w", err)
	}
	return out, nil
}
