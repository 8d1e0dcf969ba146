// Package transcript persists conversation history to SQLite.
package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"roundtable/internal/bus"
	"roundtable/internal/domain"
)

// SQLiteStore implements domain.TranscriptStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: logger}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id          TEXT PRIMARY KEY,
		title       TEXT,
		started_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id      TEXT NOT NULL,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		author          TEXT NOT NULL,
		kind            TEXT NOT NULL,
		content         TEXT,
		action          TEXT,
		mentions        TEXT,
		involve         TEXT,
		session_id      TEXT,
		metadata        TEXT,
		created_at      DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) BeginConversation(ctx context.Context, conv domain.ConversationRecord) error {
	now := time.Now()
	if conv.StartedAt.IsZero() {
		conv.StartedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversations (id, title, started_at, updated_at)
		 VALUES (?, ?, ?, ?)`,
		conv.ID, conv.Title, conv.StartedAt, conv.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID string, msg domain.Message) error {
	mentions, _ := json.Marshal(msg.Mentions)
	involve, _ := json.Marshal(msg.Involve)
	var metadata []byte
	if msg.Metadata != nil {
		metadata, _ = json.Marshal(msg.Metadata)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (message_id, conversation_id, author, kind, content, action, mentions, involve, session_id, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, conversationID, msg.Author, string(msg.Kind), msg.Content,
		string(msg.Action), string(mentions), string(involve), msg.SessionID,
		string(metadata), msg.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, time.Now(), conversationID)
	return err
}

func (s *SQLiteStore) ListConversations(ctx context.Context, limit int) ([]domain.ConversationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, started_at, updated_at FROM conversations
		 ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ConversationRecord
	for rows.Next() {
		var c domain.ConversationRecord
		if err := rows.Scan(&c.ID, &c.Title, &c.StartedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, author, kind, content, action, mentions, involve, session_id, metadata, created_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY created_at ASC, id ASC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var (
			msg                         domain.Message
			kind, action                string
			mentions, involve, metadata sql.NullString
		)
		if err := rows.Scan(&msg.ID, &msg.Author, &kind, &msg.Content, &action,
			&mentions, &involve, &msg.SessionID, &metadata, &msg.Timestamp); err != nil {
			return nil, err
		}
		msg.Kind = domain.MessageKind(kind)
		msg.Action = domain.Action(action)
		if mentions.Valid && mentions.String != "" {
			_ = json.Unmarshal([]byte(mentions.String), &msg.Mentions)
		}
		if involve.Valid && involve.String != "" {
			_ = json.Unmarshal([]byte(involve.String), &msg.Involve)
		}
		if metadata.Valid && metadata.String != "" {
			_ = json.Unmarshal([]byte(metadata.String), &msg.Metadata)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// Attach subscribes the store to the event bus so every published message
// is persisted. Returns the handler ID for detaching.
func Attach(eb *bus.EventBus, store domain.TranscriptStore, logger *slog.Logger) string {
	return eb.On(bus.EventMessage, func(ev bus.Event) {
		if ev.Message == nil || ev.ConversationID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.BeginConversation(ctx, domain.ConversationRecord{
			ID:    ev.ConversationID,
			Title: titleFrom(ev.Message),
		}); err != nil {
			logger.Warn("begin conversation", "error", err)
			return
		}
		if err := store.AppendMessage(ctx, ev.ConversationID, *ev.Message); err != nil {
			logger.Warn("append message", "error", err)
		}
	})
}

// titleFrom derives a conversation title from its first message.
func titleFrom(msg *domain.Message) string {
	const maxTitle = 80
	title := msg.Content
	if len(title) > maxTitle {
		title = title[:maxTitle]
	}
	return title
}
