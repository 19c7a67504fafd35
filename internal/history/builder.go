// Package history assembles bounded conversational context from the
// durable message log.
package history

import (
	"context"

	"github.com/alifeinbinary/penny/internal/models"
	"github.com/alifeinbinary/penny/internal/store"
)

// Role identifies the author of a turn as seen by the model.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Turn is one entry of the prompt window sent to the model.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Builder produces a bounded, ordered prompt window for a conversation.
// Each Build call recomputes the window from the store; nothing is cached,
// so concurrent calls for different conversations are safe.
type Builder struct {
	store  store.MessageStore
	window int
}

// NewBuilder creates a Builder returning at most window turns per call.
func NewBuilder(st store.MessageStore, window int) *Builder {
	return &Builder{store: st, window: window}
}

// Build returns the last messages of the conversation as model turns,
// oldest first. Error records are excluded; incoming messages map to the
// user role and outgoing to the assistant role. A conversation with no
// history yields an empty (non-nil) slice.
func (b *Builder) Build(ctx context.Context, conversationID string) ([]Turn, error) {
	msgs, err := b.store.RecentByConversation(ctx, conversationID, b.window)
	if err != nil {
		return nil, err
	}

	turns := make([]Turn, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Kind {
		case models.KindIncoming:
			turns = append(turns, Turn{Role: RoleUser, Content: msg.Content})
		case models.KindOutgoing:
			turns = append(turns, Turn{Role: RoleAssistant, Content: msg.Content})
		}
	}
	return turns, nil
}
