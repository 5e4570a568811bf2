package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    channel_type TEXT NOT NULL,
    chat_id TEXT NOT NULL,
    messages TEXT NOT NULL DEFAULT '[]',
    metadata TEXT NOT NULL DEFAULT '{}',
    state TEXT NOT NULL DEFAULT 'active',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE(channel_type, chat_id)
);

CREATE INDEX IF NOT EXISTS idx_sessions_key ON sessions(channel_type, chat_id);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
`

// SQLiteStore persists sessions to a local SQLite database. History and
// metadata are stored as JSON columns; the (channel_type, chat_id) pair is
// unique so GetOrCreate can upsert without a separate existence check.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the sessions database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sessions db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sessions schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// GetOrCreate implements Store.
func (s *SQLiteStore) GetOrCreate(ctx context.Context, channelType, chatID string) (*Session, error) {
	sess, err := s.get(ctx, channelType, chatID)
	if err == nil {
		return sess, nil
	}
	if err != ErrNotFound {
		return nil, err
	}
	sess = New(channelType, chatID)
	if err := s.Save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SQLiteStore) get(ctx context.Context, channelType, chatID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, channel_type, chat_id, messages, metadata, state, created_at, updated_at
		 FROM sessions WHERE channel_type = ? AND chat_id = ?`, channelType, chatID)

	var sess Session
	var messages, metadata, state string
	err := row.Scan(&sess.ID, &sess.ChannelType, &sess.ChatID, &messages, &metadata, &state,
		&sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading session %s/%s: %w", channelType, chatID, err)
	}
	sess.State = State(state)
	if err := json.Unmarshal([]byte(messages), &sess.Messages); err != nil {
		return nil, fmt.Errorf("decoding session messages: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &sess.Metadata); err != nil {
		return nil, fmt.Errorf("decoding session metadata: %w", err)
	}
	return &sess, nil
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, sess *Session) error {
	messages, err := json.Marshal(sess.Messages)
	if err != nil {
		return fmt.Errorf("encoding session messages: %w", err)
	}
	metadata, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("encoding session metadata: %w", err)
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, channel_type, chat_id, messages, metadata, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(channel_type, chat_id) DO UPDATE SET
		   messages = excluded.messages,
		   metadata = excluded.metadata,
		   state = excluded.state,
		   updated_at = excluded.updated_at`,
		sess.ID, sess.ChannelType, sess.ChatID, string(messages), string(metadata),
		string(sess.State), sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving session %s: %w", sess.ID, err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
