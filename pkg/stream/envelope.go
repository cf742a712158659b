package stream

import (
	"encoding/json"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
)

// Reserved envelope types. Ping and pong belong to the transport and are
// never forwarded to message handlers; subscribe and unsubscribe are the
// topic control messages sent by the distribution layer.
const (
	TypePing        = "ping"
	TypePong        = "pong"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)

// Envelope is the unit of wire exchange in both directions. Type is
// required and drives routing; everything else is optional. Data stays
// raw so the transport never depends on message semantics.
type Envelope struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// Validator rejects malformed inbound payloads before dispatch. A non-nil
// error drops the payload with a single warning log.
type Validator func(raw []byte) (Envelope, error)

// ValidateEnvelope is the default Validator: the payload must be a JSON
// object carrying a non-empty type field.
func ValidateEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := sonic.ConfigFastest.Unmarshal(raw, &env); err != nil {
		return Envelope{}, errors.Wrap(err, "parse envelope")
	}
	if env.Type == "" {
		return Envelope{}, ErrMissingType
	}
	return env, nil
}

// encodeOutbound serializes an outbound message. Strings and byte slices
// pass through unchanged; everything else is JSON-encoded.
func encodeOutbound(v any) ([]byte, error) {
	switch p := v.(type) {
	case string:
		return []byte(p), nil
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	default:
		payload, err := sonic.ConfigFastest.Marshal(v)
		if err != nil {
			return nil, errors.Wrap(err, "encode message")
		}
		return payload, nil
	}
}
