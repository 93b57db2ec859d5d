package messaging

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Envelope is the wire shape of every event: a name plus an opaque payload.
// The metadata fields are optional; readers must not depend on them.
type Envelope struct {
	ID         string          `json:"event_id,omitempty"`
	Name       string          `json:"event_name"`
	OccurredAt time.Time       `json:"occurred_at,omitzero"`
	Producer   string          `json:"producer,omitempty"`
	Data       json.RawMessage `json:"data"`
}

// DecodeError reports a message that can never be applied. It is dropped,
// never retried.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode envelope: %s: %v", e.Reason, e.Err)
	}
	return "decode envelope: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

var errEmptyName = errors.New("event name is required")

// Encode serializes payload under eventName.
func Encode(eventName string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventName, err)
	}
	return EncodeEnvelope(Envelope{Name: eventName, Data: data})
}

func EncodeEnvelope(env Envelope) ([]byte, error) {
	if env.Name == "" {
		return nil, errEmptyName
	}
	if len(env.Data) == 0 {
		env.Data = json.RawMessage("{}")
	}
	return json.Marshal(env)
}

// Decode parses an envelope. Unknown fields at any level are ignored.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, &DecodeError{Reason: "invalid json", Err: err}
	}
	if env.Name == "" {
		return Envelope{}, &DecodeError{Reason: "missing event_name"}
	}
	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 || data[0] != '{' {
		return Envelope{}, &DecodeError{Reason: "data must be an object"}
	}
	env.Data = data
	return env, nil
}

// DecodePayload unmarshals the envelope data into T. A shape mismatch is a
// DecodeError so the consumer drops the message instead of retrying it.
func DecodePayload[T any](env Envelope) (T, error) {
	var out T
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return out, &DecodeError{Reason: fmt.Sprintf("%s payload", env.Name), Err: err}
	}
	return out, nil
}

// IsDecodeError reports whether err is, or wraps, a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
