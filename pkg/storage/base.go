// Package storage provides interfaces and types for persistence backends.
//
// It defines the Store interface that all backends must satisfy, along with
// the conversation, message, and memory record types. All queries are scoped
// by the owning user id; a turn's writes are committed in a single
// transaction via CommitTurn.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates that a requested record does not exist or is not
// visible to the requesting user.
var ErrNotFound = errors.New("record not found")

// Conversation represents one chat thread owned by a single user.
type Conversation struct {
	// ID is the unique identifier of the conversation.
	ID string

	// UserID identifies the user who owns this conversation.
	UserID string

	// CreatedAt is when the conversation was created.
	CreatedAt time.Time

	// UpdatedAt is when the conversation last received a message.
	UpdatedAt time.Time
}

// Message represents a single turn message inside a conversation.
// Messages are immutable once written.
type Message struct {
	// ID is the unique identifier of the message.
	ID int64

	// ConversationID identifies the parent conversation.
	ConversationID string

	// Role is the message role: "user" or "assistant".
	Role string

	// Content is the message text.
	Content string

	// CreatedAt is when the message was written.
	CreatedAt time.Time
}

// MemoryEntry represents a stored fact or preference about a user.
type MemoryEntry struct {
	// ID is the unique identifier of the memory entry.
	ID int64

	// UserID identifies the user who owns this entry.
	UserID string

	// Content is the free-text content of the entry.
	Content string

	// Category classifies the entry: preference, fact, style, contact,
	// project, or schedule.
	Category string

	// Source records where the entry came from: chat, email, calendar,
	// or explicit.
	Source string

	// Confidence is the certainty score in [0,1].
	Confidence float64

	// Metadata contains additional structured information.
	Metadata map[string]interface{}

	// Embedding is the optional vector embedding for semantic lookup.
	Embedding []float64

	// CreatedAt is when the entry was created.
	CreatedAt time.Time

	// UpdatedAt is when the entry was last modified.
	UpdatedAt time.Time

	// Score is the similarity score from search operations.
	Score float64
}

// MemoryUpdate describes an in-place revision of an existing memory entry,
// produced when new information corroborates or contradicts it.
type MemoryUpdate struct {
	// ID identifies the entry to revise.
	ID int64

	// Content is the replacement content.
	Content string

	// Confidence is the new confidence score.
	Confidence float64

	// Embedding is the replacement embedding (nil keeps the stored one).
	Embedding []float64
}

// TurnWrite is the full set of writes produced by one agent turn.
//
// CommitTurn applies all of it in a single transaction: either the
// conversation bump, both messages, and every memory mutation land, or
// none of them do.
type TurnWrite struct {
	// Conversation is the conversation receiving the turn. If it does not
	// exist yet it is created inside the transaction.
	Conversation *Conversation

	// UserMessage is the inbound user message.
	UserMessage *Message

	// AssistantMessage is the generated reply.
	AssistantMessage *Message

	// MemoryInserts are new memory entries extracted during the turn.
	MemoryInserts []*MemoryEntry

	// MemoryUpdates are revisions of existing entries.
	MemoryUpdates []*MemoryUpdate
}

// SearchOptions contains options for memory search operations.
type SearchOptions struct {
	// UserID scopes results to a specific user. Required.
	UserID string

	// Embedding is the query vector. When nil, backends fall back to
	// confidence/recency ordering and leave relevance ranking to the caller.
	Embedding []float64

	// Categories filters results to the given categories (empty = all).
	Categories []string

	// Limit sets the maximum number of results to return.
	Limit int

	// MinScore sets the minimum similarity score for vector results.
	MinScore float64
}

// ListOptions contains options for memory listing operations.
type ListOptions struct {
	// UserID scopes results to a specific user. Required.
	UserID string

	// Limit sets the maximum number of results (0 = no limit).
	Limit int

	// Offset sets the number of results to skip.
	Offset int
}

// Store defines the interface for persistence backends.
//
// All backends (SQLite, PostgreSQL, MySQL) must implement this interface.
// Every read is scoped by user id; no query may return another user's
// conversations or memory entries.
type Store interface {
	// GetConversation returns the conversation with the given id if it is
	// owned by userID, otherwise ErrNotFound.
	GetConversation(ctx context.Context, id, userID string) (*Conversation, error)

	// ListConversations returns the user's conversations, most recently
	// updated first.
	ListConversations(ctx context.Context, userID string) ([]*Conversation, error)

	// ListMessages returns a conversation's messages in write order.
	ListMessages(ctx context.Context, conversationID string) ([]*Message, error)

	// CommitTurn atomically applies all writes produced by one turn.
	CommitTurn(ctx context.Context, turn *TurnWrite) error

	// SearchMemories returns the user's memory entries relevant to the
	// query. With an embedding, results are ordered by similarity; without
	// one, by confidence then recency.
	SearchMemories(ctx context.Context, opts *SearchOptions) ([]*MemoryEntry, error)

	// ListMemories returns the user's memory entries, most recently
	// updated first.
	ListMemories(ctx context.Context, opts *ListOptions) ([]*MemoryEntry, error)

	// InsertMemory inserts a single memory entry outside a turn (used for
	// email/calendar ingestion).
	InsertMemory(ctx context.Context, entry *MemoryEntry) error

	// UpdateMemory revises a single entry owned by userID.
	UpdateMemory(ctx context.Context, userID string, update *MemoryUpdate) error

	// DeleteMemory deletes one entry owned by userID.
	DeleteMemory(ctx context.Context, userID string, id int64) error

	// DeleteAllMemories erases every entry owned by userID (account
	// erasure).
	DeleteAllMemories(ctx context.Context, userID string) error

	// Close closes the store and releases resources.
	Close() error
}
