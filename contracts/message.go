package contracts

import (
	"encoding/json"
	"fmt"

	"github.com/glimte/servicebus/internal/codec"
)

// Message is the unit carried by the bus.
type Message struct {
	// CorrelationID is application-level and unrelated to request/reply matching.
	CorrelationID string          `json:"correlationId,omitempty"`
	Body          json.RawMessage `json:"body,omitempty"`
}

// NewMessage encodes payload as the message body.
func NewMessage(payload any) (*Message, error) {
	if payload == nil {
		return &Message{}, nil
	}
	body, err := codec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message body: %w", err)
	}
	return &Message{Body: body}, nil
}

// WithCorrelationID sets the application correlation id and returns the message.
func (m *Message) WithCorrelationID(id string) *Message {
	m.CorrelationID = id
	return m
}

// Decode unmarshals the body into v.
func (m *Message) Decode(v any) error {
	if len(m.Body) == 0 {
		return ErrEmptyBody
	}
	if err := codec.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("failed to decode message body: %w", err)
	}
	return nil
}

// Clone returns a copy that does not share the body buffer.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := &Message{CorrelationID: m.CorrelationID}
	if m.Body != nil {
		out.Body = append(json.RawMessage(nil), m.Body...)
	}
	return out
}
