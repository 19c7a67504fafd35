package models

import "time"

// AgentSender is the reserved sender value for messages authored by the
// agent itself.
const AgentSender = "agent"

// Kind classifies a logged message.
type Kind string

const (
	KindIncoming Kind = "incoming"
	KindOutgoing Kind = "outgoing"
	KindError    Kind = "error"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindIncoming, KindOutgoing, KindError:
		return true
	}
	return false
}

// Message is a single entry in the durable message log. Messages are
// append-only: once inserted they are never updated or deleted.
type Message struct {
	ID             int64     `json:"id"`              // assigned by the store on insert
	ConversationID string    `json:"conversation_id"` // sender address grouping the thread
	Sender         string    `json:"sender"`          // counterpart address or AgentSender
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"` // logical event time, orders the conversation
	Kind           Kind      `json:"kind"`
	CreatedAt      time.Time `json:"created_at"` // wall-clock insert time, audit only
}
