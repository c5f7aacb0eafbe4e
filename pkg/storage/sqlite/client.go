// Package sqlite provides the SQLite implementation of the storage.Store
// interface.
//
// SQLite is a lightweight, file-based database suitable for local development
// and single-host deployments. Embedding vectors are stored as JSON strings
// in TEXT fields, and similarity search uses in-memory cosine similarity
// calculation.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/aide-labs/aide-go/pkg/storage"
)

// Client implements storage.Store using SQLite as the backend.
type Client struct {
	// db is the SQLite database connection.
	db *sql.DB
}

// Config contains configuration for creating a SQLite store.
type Config struct {
	// DBPath is the path to the SQLite database file.
	DBPath string
}

// NewClient creates a new SQLite store.
//
// Parameters:
//   - cfg: Configuration containing the database path
//
// Returns:
//   - *Client: The SQLite store instance
//   - error: Error if database connection or schema creation fails
func NewClient(cfg *Config) (*Client, error) {
	// Create parent directory if it doesn't exist
	dbDir := filepath.Dir(cfg.DBPath)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return nil, fmt.Errorf("NewSQLiteClient: failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("NewSQLiteClient: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewSQLiteClient: %w", err)
	}

	client := &Client{db: db}

	if err := client.initTables(context.Background()); err != nil {
		return nil, err
	}

	return client, nil
}

// initTables initializes the database schema.
//
// Embedding vectors and metadata are stored as JSON strings in TEXT fields.
func (c *Client) initTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id)`,
		`CREATE TABLE IF NOT EXISTS memories (
			id INTEGER PRIMARY KEY,
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			category TEXT NOT NULL,
			source TEXT NOT NULL,
			confidence REAL NOT NULL DEFAULT 0.5,
			metadata TEXT,
			embedding TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id, category)`,
	}

	for _, stmt := range statements {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initTables: %w", err)
		}
	}

	return nil
}

// GetConversation returns the conversation if it is owned by userID.
func (c *Client) GetConversation(ctx context.Context, id, userID string) (*storage.Conversation, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, user_id, created_at, updated_at
		FROM conversations
		WHERE id = ? AND user_id = ?
	`, id, userID)

	conv := &storage.Conversation{}
	err := row.Scan(&conv.ID, &conv.UserID, &conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetConversation: %w", err)
	}

	return conv, nil
}

// ListConversations returns the user's conversations, most recently updated first.
func (c *Client) ListConversations(ctx context.Context, userID string) ([]*storage.Conversation, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, user_id, created_at, updated_at
		FROM conversations
		WHERE user_id = ?
		ORDER BY updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("ListConversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var conversations []*storage.Conversation
	for rows.Next() {
		conv := &storage.Conversation{}
		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("ListConversations: %w", err)
		}
		conversations = append(conversations, conv)
	}

	return conversations, rows.Err()
}

// ListMessages returns a conversation's messages in write order.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]*storage.Message, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY id
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("ListMessages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*storage.Message
	for rows.Next() {
		msg := &storage.Message{}
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("ListMessages: %w", err)
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// CommitTurn atomically applies all writes produced by one turn.
//
// The conversation upsert, both messages, and every memory mutation are
// executed in a single transaction. Any failure rolls back the whole turn.
func (c *Client) CommitTurn(ctx context.Context, turn *storage.TurnWrite) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("CommitTurn: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()

	// Upsert the conversation and bump its updated_at.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at
	`, turn.Conversation.ID, turn.Conversation.UserID, now, now)
	if err != nil {
		return fmt.Errorf("CommitTurn: conversation: %w", err)
	}

	for _, msg := range []*storage.Message{turn.UserMessage, turn.AssistantMessage} {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, role, content, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, msg.ID, msg.ConversationID, msg.Role, msg.Content, now)
		if err != nil {
			return fmt.Errorf("CommitTurn: message: %w", err)
		}
	}

	for _, entry := range turn.MemoryInserts {
		if err := insertMemoryTx(ctx, tx, entry, now); err != nil {
			return fmt.Errorf("CommitTurn: %w", err)
		}
	}

	for _, update := range turn.MemoryUpdates {
		if err := updateMemoryTx(ctx, tx, turn.Conversation.UserID, update, now); err != nil {
			return fmt.Errorf("CommitTurn: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("CommitTurn: %w", err)
	}

	return nil
}

// insertMemoryTx inserts a memory entry inside a transaction.
func insertMemoryTx(ctx context.Context, tx *sql.Tx, entry *storage.MemoryEntry, now time.Time) error {
	metadataJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}

	embeddingJSON, err := json.Marshal(entry.Embedding)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memories
		(id, user_id, content, category, source, confidence, metadata, embedding, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.UserID, entry.Content, entry.Category, entry.Source,
		entry.Confidence, string(metadataJSON), string(embeddingJSON), now, now)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}

	return nil
}

// updateMemoryTx revises a memory entry inside a transaction, scoped by user.
func updateMemoryTx(ctx context.Context, tx *sql.Tx, userID string, update *storage.MemoryUpdate, now time.Time) error {
	if update.Embedding != nil {
		embeddingJSON, err := json.Marshal(update.Embedding)
		if err != nil {
			return fmt.Errorf("update memory: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE memories
			SET content = ?, confidence = ?, embedding = ?, updated_at = ?
			WHERE id = ? AND user_id = ?
		`, update.Content, update.Confidence, string(embeddingJSON), now, update.ID, userID)
		if err != nil {
			return fmt.Errorf("update memory: %w", err)
		}
		return nil
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE memories
		SET content = ?, confidence = ?, updated_at = ?
		WHERE id = ? AND user_id = ?
	`, update.Content, update.Confidence, now, update.ID, userID)
	if err != nil {
		return fmt.Errorf("update memory: %w", err)
	}

	return nil
}

// SearchMemories returns the user's memory entries relevant to the query.
//
// SQLite does not have native vector operations, so similarity is calculated
// in memory after loading the user's matching records. Without an embedding
// the rows come back ordered by confidence then recency and relevance
// ranking is left to the caller.
func (c *Client) SearchMemories(ctx context.Context, opts *storage.SearchOptions) ([]*storage.MemoryEntry, error) {
	whereClause, args := buildWhereClause(opts.UserID, opts.Categories)

	query := fmt.Sprintf(`
		SELECT id, user_id, content, category, source, confidence, metadata, embedding,
		       created_at, updated_at
		FROM memories
		%s
		ORDER BY confidence DESC, updated_at DESC
	`, whereClause)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("SearchMemories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*storage.MemoryEntry
	for rows.Next() {
		entry, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}

		if opts.Embedding != nil {
			score := cosineSimilarity(opts.Embedding, entry.Embedding)
			entry.Score = score
			if score < opts.MinScore {
				continue
			}
		}

		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if opts.Embedding != nil {
		entries = sortByScore(entries, opts.Limit)
	} else if opts.Limit > 0 && len(entries) > opts.Limit {
		entries = entries[:opts.Limit]
	}

	return entries, nil
}

// ListMemories returns the user's memory entries, most recently updated first.
func (c *Client) ListMemories(ctx context.Context, opts *storage.ListOptions) ([]*storage.MemoryEntry, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT id, user_id, content, category, source, confidence, metadata, embedding,
		       created_at, updated_at
		FROM memories
		WHERE user_id = ?
		ORDER BY updated_at DESC
		LIMIT ? OFFSET ?
	`, opts.UserID, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("ListMemories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*storage.MemoryEntry
	for rows.Next() {
		entry, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// InsertMemory inserts a single memory entry outside a turn.
func (c *Client) InsertMemory(ctx context.Context, entry *storage.MemoryEntry) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("InsertMemory: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertMemoryTx(ctx, tx, entry, time.Now()); err != nil {
		return fmt.Errorf("InsertMemory: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("InsertMemory: %w", err)
	}
	return nil
}

// UpdateMemory revises a single entry owned by userID.
func (c *Client) UpdateMemory(ctx context.Context, userID string, update *storage.MemoryUpdate) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("UpdateMemory: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := updateMemoryTx(ctx, tx, userID, update, time.Now()); err != nil {
		return fmt.Errorf("UpdateMemory: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("UpdateMemory: %w", err)
	}
	return nil
}

// DeleteMemory deletes one entry owned by userID.
func (c *Client) DeleteMemory(ctx context.Context, userID string, id int64) error {
	result, err := c.db.ExecContext(ctx,
		`DELETE FROM memories WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("DeleteMemory: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("DeleteMemory: %w", err)
	}
	if rowsAffected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// DeleteAllMemories erases every entry owned by userID.
func (c *Client) DeleteAllMemories(ctx context.Context, userID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM memories WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("DeleteAllMemories: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// scanMemory scans a memory row into a storage.MemoryEntry.
func scanMemory(row interface{ Scan(...interface{}) error }) (*storage.MemoryEntry, error) {
	entry := &storage.MemoryEntry{}
	var metadataJSON, embeddingJSON sql.NullString

	err := row.Scan(
		&entry.ID, &entry.UserID, &entry.Content, &entry.Category, &entry.Source,
		&entry.Confidence, &metadataJSON, &embeddingJSON,
		&entry.CreatedAt, &entry.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanMemory: %w", err)
	}

	if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &entry.Metadata); err != nil {
			return nil, fmt.Errorf("scanMemory: metadata: %w", err)
		}
	}
	if embeddingJSON.Valid && embeddingJSON.String != "" && embeddingJSON.String != "null" {
		if err := json.Unmarshal([]byte(embeddingJSON.String), &entry.Embedding); err != nil {
			return nil, fmt.Errorf("scanMemory: embedding: %w", err)
		}
	}

	return entry, nil
}
