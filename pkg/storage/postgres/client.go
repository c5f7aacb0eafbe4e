// Package postgres provides the PostgreSQL implementation of the
// storage.Store interface.
//
// Memory embeddings are stored with pgvector and searched with its cosine
// distance operator. Postgres is the recommended backend for multi-host
// deployments.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/aide-labs/aide-go/pkg/storage"
)

// Client implements storage.Store using PostgreSQL + pgvector.
type Client struct {
	db         *sql.DB
	dimensions int
}

// Config contains PostgreSQL configuration.
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	DBName             string
	EmbeddingModelDims int
	SSLMode            string
}

// NewClient creates a new PostgreSQL store.
func NewClient(cfg *Config) (*Client, error) {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, sslMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("NewPostgresClient: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewPostgresClient: %w", err)
	}

	client := &Client{
		db:         db,
		dimensions: cfg.EmbeddingModelDims,
	}

	if err := client.initTables(context.Background()); err != nil {
		return nil, err
	}

	return client, nil
}

// initTables initializes the pgvector extension and schema.
func (c *Client) initTables(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("initTables: pgvector extension: %w", err)
	}

	dims := c.dimensions
	if dims == 0 {
		dims = 1536
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id VARCHAR(64) PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id BIGINT PRIMARY KEY,
			conversation_id VARCHAR(64) NOT NULL REFERENCES conversations(id),
			role VARCHAR(16) NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memories (
			id BIGINT PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			content TEXT NOT NULL,
			category VARCHAR(32) NOT NULL,
			source VARCHAR(32) NOT NULL,
			confidence FLOAT NOT NULL DEFAULT 0.5,
			metadata JSONB,
			embedding vector(%d),
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`, dims),
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
		WHERE id = $1 AND user_id = $2
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
		WHERE user_id = $1
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
		WHERE conversation_id = $1
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
func (c *Client) CommitTurn(ctx context.Context, turn *storage.TurnWrite) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("CommitTurn: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET updated_at = EXCLUDED.updated_at
	`, turn.Conversation.ID, turn.Conversation.UserID, now, now)
	if err != nil {
		return fmt.Errorf("CommitTurn: conversation: %w", err)
	}

	for _, msg := range []*storage.Message{turn.UserMessage, turn.AssistantMessage} {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, role, content, created_at)
			VALUES ($1, $2, $3, $4, $5)
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

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memories
		(id, user_id, content, category, source, confidence, metadata, embedding, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, entry.ID, entry.UserID, entry.Content, entry.Category, entry.Source,
		entry.Confidence, string(metadataJSON), vectorParam(entry.Embedding), now, now)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}

	return nil
}

// updateMemoryTx revises a memory entry inside a transaction, scoped by user.
func updateMemoryTx(ctx context.Context, tx *sql.Tx, userID string, update *storage.MemoryUpdate, now time.Time) error {
	if update.Embedding != nil {
		_, err := tx.ExecContext(ctx, `
			UPDATE memories
			SET content = $1, confidence = $2, embedding = $3, updated_at = $4
			WHERE id = $5 AND user_id = $6
		`, update.Content, update.Confidence, vectorToString(update.Embedding), now, update.ID, userID)
		if err != nil {
			return fmt.Errorf("update memory: %w", err)
		}
		return nil
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE memories
		SET content = $1, confidence = $2, updated_at = $3
		WHERE id = $4 AND user_id = $5
	`, update.Content, update.Confidence, now, update.ID, userID)
	if err != nil {
		return fmt.Errorf("update memory: %w", err)
	}

	return nil
}

// SearchMemories returns the user's memory entries relevant to the query.
//
// With an embedding the query uses pgvector's <=> operator (cosine distance);
// without one, rows come back ordered by confidence then recency.
func (c *Client) SearchMemories(ctx context.Context, opts *storage.SearchOptions) ([]*storage.MemoryEntry, error) {
	if opts.Embedding == nil {
		return c.searchByConfidence(ctx, opts)
	}

	whereClause, args := buildWhereClause(opts.UserID, opts.Categories, 2)

	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	// Rows stored without an embedding have a NULL vector column; they
	// would make the similarity expression NULL and break the scan, so
	// the vector path skips them. They still surface via searchByConfidence.
	query := fmt.Sprintf(`
		SELECT id, user_id, content, category, source, confidence, metadata,
		       created_at, updated_at,
		       1 - (embedding <=> $1) AS similarity
		FROM memories
		%s AND embedding IS NOT NULL
		ORDER BY embedding <=> $1
		LIMIT %d
	`, whereClause, limit)

	queryArgs := append([]interface{}{vectorToString(opts.Embedding)}, args...)

	rows, err := c.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("SearchMemories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*storage.MemoryEntry
	for rows.Next() {
		entry := &storage.MemoryEntry{}
		var metadataJSON sql.NullString
		err := rows.Scan(
			&entry.ID, &entry.UserID, &entry.Content, &entry.Category, &entry.Source,
			&entry.Confidence, &metadataJSON, &entry.CreatedAt, &entry.UpdatedAt, &entry.Score,
		)
		if err != nil {
			return nil, fmt.Errorf("SearchMemories: %w", err)
		}
		if err := unmarshalMetadata(metadataJSON, entry); err != nil {
			return nil, err
		}
		if entry.Score >= opts.MinScore {
			entries = append(entries, entry)
		}
	}

	return entries, rows.Err()
}

// searchByConfidence is the no-embedding search path.
func (c *Client) searchByConfidence(ctx context.Context, opts *storage.SearchOptions) ([]*storage.MemoryEntry, error) {
	whereClause, args := buildWhereClause(opts.UserID, opts.Categories, 1)

	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	query := fmt.Sprintf(`
		SELECT id, user_id, content, category, source, confidence, metadata,
		       created_at, updated_at
		FROM memories
		%s
		ORDER BY confidence DESC, updated_at DESC
		LIMIT %d
	`, whereClause, limit)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("SearchMemories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*storage.MemoryEntry
	for rows.Next() {
		entry := &storage.MemoryEntry{}
		var metadataJSON sql.NullString
		err := rows.Scan(
			&entry.ID, &entry.UserID, &entry.Content, &entry.Category, &entry.Source,
			&entry.Confidence, &metadataJSON, &entry.CreatedAt, &entry.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("SearchMemories: %w", err)
		}
		if err := unmarshalMetadata(metadataJSON, entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// ListMemories returns the user's memory entries, most recently updated first.
func (c *Client) ListMemories(ctx context.Context, opts *storage.ListOptions) ([]*storage.MemoryEntry, error) {
	query := `
		SELECT id, user_id, content, category, source, confidence, metadata,
		       created_at, updated_at
		FROM memories
		WHERE user_id = $1
		ORDER BY updated_at DESC
	`
	args := []interface{}{opts.UserID}
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", opts.Limit, opts.Offset)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ListMemories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*storage.MemoryEntry
	for rows.Next() {
		entry := &storage.MemoryEntry{}
		var metadataJSON sql.NullString
		err := rows.Scan(
			&entry.ID, &entry.UserID, &entry.Content, &entry.Category, &entry.Source,
			&entry.Confidence, &metadataJSON, &entry.CreatedAt, &entry.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("ListMemories: %w", err)
		}
		if err := unmarshalMetadata(metadataJSON, entry); err != nil {
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
		`DELETE FROM memories WHERE id = $1 AND user_id = $2`, id, userID)
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
	_, err := c.db.ExecContext(ctx, `DELETE FROM memories WHERE user_id = $1`, userID)
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

// unmarshalMetadata decodes the metadata column into the entry.
func unmarshalMetadata(metadataJSON sql.NullString, entry *storage.MemoryEntry) error {
	if !metadataJSON.Valid || metadataJSON.String == "" || metadataJSON.String == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(metadataJSON.String), &entry.Metadata); err != nil {
		return fmt.Errorf("metadata: %w", err)
	}
	return nil
}
