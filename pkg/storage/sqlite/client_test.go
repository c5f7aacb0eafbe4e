package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aide-labs/aide-go/pkg/storage"
	sqliteStore "github.com/aide-labs/aide-go/pkg/storage/sqlite"
)

func setupSQLiteTest(t *testing.T) storage.Store {
	t.Helper()

	store, err := sqliteStore.NewClient(&sqliteStore.Config{
		DBPath: filepath.Join(t.TempDir(), "aide_test.db"),
	})
	require.NoError(t, err)
	require.NotNil(t, store)

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func turnWrite(convID, userID, question, answer string, msgID int64) *storage.TurnWrite {
	now := time.Now().UTC()
	return &storage.TurnWrite{
		Conversation: &storage.Conversation{
			ID:        convID,
			UserID:    userID,
			CreatedAt: now,
			UpdatedAt: now,
		},
		UserMessage: &storage.Message{
			ID:             msgID,
			ConversationID: convID,
			Role:           "user",
			Content:        question,
			CreatedAt:      now,
		},
		AssistantMessage: &storage.Message{
			ID:             msgID + 1,
			ConversationID: convID,
			Role:           "assistant",
			Content:        answer,
			CreatedAt:      now,
		},
	}
}

func TestSQLiteClient_CommitTurn(t *testing.T) {
	store := setupSQLiteTest(t)
	ctx := context.Background()

	turn := turnWrite("conv-1", "user_a", "Hello", "Hi there", 100)
	turn.MemoryInserts = []*storage.MemoryEntry{{
		ID:         500,
		UserID:     "user_a",
		Content:    "I hate 9 AM meetings",
		Category:   "preference",
		Source:     "chat",
		Confidence: 0.9,
		Metadata:   map[string]interface{}{"extracted_value": "9 AM meetings"},
	}}

	require.NoError(t, store.CommitTurn(ctx, turn))

	conv, err := store.GetConversation(ctx, "conv-1", "user_a")
	require.NoError(t, err)
	assert.Equal(t, "user_a", conv.UserID)

	msgs, err := store.ListMessages(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "assistant", msgs[1].Role)

	entries, err := store.ListMemories(ctx, &storage.ListOptions{UserID: "user_a"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "I hate 9 AM meetings", entries[0].Content)
	assert.Equal(t, 0.9, entries[0].Confidence)
}

func TestSQLiteClient_CommitTurnRollsBack(t *testing.T) {
	store := setupSQLiteTest(t)
	ctx := context.Background()

	require.NoError(t, store.CommitTurn(ctx, turnWrite("conv-1", "user_a", "first", "reply", 100)))

	// Reusing a message id violates the primary key mid-transaction;
	// the whole turn must roll back, memory insert included.
	bad := turnWrite("conv-1", "user_a", "second", "reply", 101)
	bad.MemoryInserts = []*storage.MemoryEntry{{
		ID: 600, UserID: "user_a", Content: "x", Category: "fact", Source: "chat", Confidence: 0.5,
	}}
	require.Error(t, store.CommitTurn(ctx, bad))

	msgs, err := store.ListMessages(ctx, "conv-1")
	require.NoError(t, err)
	assert.Len(t, msgs, 2, "failed turn must not append messages")

	entries, err := store.ListMemories(ctx, &storage.ListOptions{UserID: "user_a"})
	require.NoError(t, err)
	assert.Empty(t, entries, "failed turn must not commit memory writes")
}

func TestSQLiteClient_MessageOrder(t *testing.T) {
	store := setupSQLiteTest(t)
	ctx := context.Background()

	require.NoError(t, store.CommitTurn(ctx, turnWrite("conv-1", "user_a", "one", "1", 100)))
	require.NoError(t, store.CommitTurn(ctx, turnWrite("conv-1", "user_a", "two", "2", 200)))
	require.NoError(t, store.CommitTurn(ctx, turnWrite("conv-1", "user_a", "three", "3", 300)))

	msgs, err := store.ListMessages(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 6)

	var questions []string
	for _, msg := range msgs {
		if msg.Role == "user" {
			questions = append(questions, msg.Content)
		}
	}
	assert.Equal(t, []string{"one", "two", "three"}, questions)
}

func TestSQLiteClient_UserIsolation(t *testing.T) {
	store := setupSQLiteTest(t)
	ctx := context.Background()

	require.NoError(t, store.CommitTurn(ctx, turnWrite("conv-x", "user_x", "hi", "hello", 100)))

	_, err := store.GetConversation(ctx, "conv-x", "user_y")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	entries, err := store.SearchMemories(ctx, &storage.SearchOptions{UserID: "user_y", Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSQLiteClient_SearchByEmbedding(t *testing.T) {
	store := setupSQLiteTest(t)
	ctx := context.Background()

	insert := func(id int64, content string, embedding []float64) {
		require.NoError(t, store.InsertMemory(ctx, &storage.MemoryEntry{
			ID: id, UserID: "user_a", Content: content,
			Category: "preference", Source: "chat",
			Confidence: 0.8, Embedding: embedding,
		}))
	}
	insert(1, "likes short meetings", []float64{1, 0, 0})
	insert(2, "prefers async updates", []float64{0, 1, 0})

	results, err := store.SearchMemories(ctx, &storage.SearchOptions{
		UserID:    "user_a",
		Embedding: []float64{0.9, 0.1, 0},
		Limit:     2,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, int64(1), results[0].ID, "closest vector first")
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestSQLiteClient_SearchWithoutEmbedding(t *testing.T) {
	store := setupSQLiteTest(t)
	ctx := context.Background()

	require.NoError(t, store.InsertMemory(ctx, &storage.MemoryEntry{
		ID: 1, UserID: "user_a", Content: "low", Category: "fact", Source: "chat", Confidence: 0.4,
	}))
	require.NoError(t, store.InsertMemory(ctx, &storage.MemoryEntry{
		ID: 2, UserID: "user_a", Content: "high", Category: "fact", Source: "chat", Confidence: 0.95,
	}))

	results, err := store.SearchMemories(ctx, &storage.SearchOptions{UserID: "user_a", Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "high", results[0].Content, "confidence ordering without a query vector")
}

func TestSQLiteClient_UpdateMemoryScoped(t *testing.T) {
	store := setupSQLiteTest(t)
	ctx := context.Background()

	require.NoError(t, store.InsertMemory(ctx, &storage.MemoryEntry{
		ID: 1, UserID: "user_a", Content: "original", Category: "fact", Source: "chat", Confidence: 0.5,
	}))

	// Another user's update must not touch the row.
	require.NoError(t, store.UpdateMemory(ctx, "user_b", &storage.MemoryUpdate{
		ID: 1, Content: "hijacked", Confidence: 0.1,
	}))

	entries, err := store.ListMemories(ctx, &storage.ListOptions{UserID: "user_a"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "original", entries[0].Content)
}

func TestSQLiteClient_DeleteAllMemories(t *testing.T) {
	store := setupSQLiteTest(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, store.InsertMemory(ctx, &storage.MemoryEntry{
			ID: i, UserID: "user_a", Content: "m", Category: "fact", Source: "chat", Confidence: 0.5,
		}))
	}
	require.NoError(t, store.InsertMemory(ctx, &storage.MemoryEntry{
		ID: 10, UserID: "user_b", Content: "keep", Category: "fact", Source: "chat", Confidence: 0.5,
	}))

	require.NoError(t, store.DeleteAllMemories(ctx, "user_a"))

	gone, err := store.ListMemories(ctx, &storage.ListOptions{UserID: "user_a"})
	require.NoError(t, err)
	assert.Empty(t, gone)

	kept, err := store.ListMemories(ctx, &storage.ListOptions{UserID: "user_b"})
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}
