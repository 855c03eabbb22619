package bus

import (
	"time"

	"github.com/google/uuid"
)

// MessageType tags the intent of a message.
type MessageType string

const (
	TypeRequest  MessageType = "REQUEST"
	TypeResponse MessageType = "RESPONSE"
	TypeEvent    MessageType = "EVENT"
	TypeAlert    MessageType = "ALERT"
	TypeCommand  MessageType = "COMMAND"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeRequest, TypeResponse, TypeEvent, TypeAlert, TypeCommand:
		return true
	}
	return false
}

// Message is an addressed unit of communication between agents.
// It is treated as read-only once published.
type Message struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	From          string         `json:"from_agent"`
	To            string         `json:"to_agent,omitempty"` // empty = broadcast
	Type          MessageType    `json:"message_type"`
	Topic         string         `json:"topic"`
	Data          map[string]any `json:"data"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// NewMessage builds a message with a fresh id and a UTC timestamp.
func NewMessage(from, to string, typ MessageType, topic string, data map[string]any) *Message {
	if data == nil {
		data = map[string]any{}
	}
	return &Message{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		From:      from,
		To:        to,
		Type:      typ,
		Topic:     topic,
		Data:      data,
	}
}

// IsBroadcast reports whether the message has no explicit recipient.
func (m *Message) IsBroadcast() bool {
	return m.To == ""
}

// AddressedTo reports whether an agent with the given id should see m.
func (m *Message) AddressedTo(agentID string) bool {
	return m.To == "" || m.To == agentID
}
