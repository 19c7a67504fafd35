package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/alifeinbinary/penny/internal/models"
)

// SQLiteStore is the file-backed MessageStore implementation.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the SQLite database at dbPath.
// If dbPath is empty, defaults to "./data/penny.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/penny.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('incoming', 'outgoing', 'error')),
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation_ts ON messages(conversation_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(timestamp DESC);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Append inserts a message and returns it with ID and CreatedAt set.
func (s *SQLiteStore) Append(ctx context.Context, msg models.Message) (*models.Message, error) {
	if !msg.Kind.Valid() {
		return nil, fmt.Errorf("invalid message kind %q", msg.Kind)
	}

	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, sender, content, timestamp, kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ConversationID, msg.Sender, msg.Content, msg.Timestamp.UTC(), string(msg.Kind), now)
	if err != nil {
		return nil, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	msg.ID = id
	msg.CreatedAt = now
	return &msg, nil
}

// RecentByConversation returns the newest limit messages for a conversation,
// ordered oldest first.
func (s *SQLiteStore) RecentByConversation(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	// Newest N by (timestamp, id), then flipped to chronological order.
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender, content, timestamp, kind, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Recent returns the newest limit messages across all conversations,
// newest first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender, content, timestamp, kind, created_at
		FROM messages
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows)
}

// HasIncoming reports whether an identical incoming message was already
// logged within the lookback window ending at the message's timestamp.
func (s *SQLiteStore) HasIncoming(ctx context.Context, conversationID, sender, content string, timestamp time.Time, lookback time.Duration) (bool, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = ? AND sender = ? AND content = ?
		  AND timestamp = ? AND kind = 'incoming'
		  AND created_at >= ?
	`, conversationID, sender, content, timestamp.UTC(), time.Now().UTC().Add(-lookback)).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// CountByKind returns the number of logged messages of the given kind.
func (s *SQLiteStore) CountByKind(ctx context.Context, kind models.Kind) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE kind = ?`, string(kind)).Scan(&count)
	return count, err
}

func scanMessages(rows *sql.Rows) ([]models.Message, error) {
	var msgs []models.Message
	for rows.Next() {
		var msg models.Message
		var kind string

		err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.Sender,
			&msg.Content,
			&msg.Timestamp,
			&kind,
			&msg.CreatedAt,
		)
		if err != nil {
			return nil, err
		}

		msg.Kind = models.Kind(kind)
		msgs = append(msgs, msg)
	}

	return msgs, rows.Err()
}
