package store

import (
	"context"
	"time"

	"github.com/alifeinbinary/penny/internal/models"
)

// MessageStore defines the interface for the durable message log. The log
// is append-only: implementations expose no update or delete operations.
type MessageStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Append inserts a message and returns it with ID and CreatedAt set.
	// IDs are assigned monotonically increasing on insert.
	Append(ctx context.Context, msg models.Message) (*models.Message, error)

	// RecentByConversation returns the newest limit messages for a
	// conversation, ordered oldest first.
	RecentByConversation(ctx context.Context, conversationID string, limit int) ([]models.Message, error)

	// Recent returns the newest limit messages across all conversations,
	// newest first, for operational inspection.
	Recent(ctx context.Context, limit int) ([]models.Message, error)

	// HasIncoming reports whether an identical incoming message
	// (conversation, sender, content, timestamp) was already logged within
	// the lookback window. Used to skip transport redeliveries.
	HasIncoming(ctx context.Context, conversationID, sender, content string, timestamp time.Time, lookback time.Duration) (bool, error)

	// CountByKind returns the number of logged messages of the given kind.
	CountByKind(ctx context.Context, kind models.Kind) (int64, error)
}
