package domain

import (
	"context"
	"time"
)

// TranscriptStore persists published conversation messages. The engine never
// touches storage directly; a store is wired as an event-stream observer.
type TranscriptStore interface {
	BeginConversation(ctx context.Context, conv ConversationRecord) error
	AppendMessage(ctx context.Context, conversationID string, msg Message) error
	ListConversations(ctx context.Context, limit int) ([]ConversationRecord, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	Close() error
}

// ConversationRecord is the stored header row for one conversation.
type ConversationRecord struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
