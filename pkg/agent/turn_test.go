package agent_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aide-labs/aide-go/pkg/agent"
	"github.com/aide-labs/aide-go/pkg/llm"
	"github.com/aide-labs/aide-go/pkg/memory"
	"github.com/aide-labs/aide-go/pkg/storage"
	"github.com/aide-labs/aide-go/pkg/tools"
)

// fakeLLM is a scripted language model provider. It captures the system
// prompt of every call and can fail the first N calls.
type fakeLLM struct {
	mu       sync.Mutex
	reply    string
	failures int
	calls    int
	prompts  []string
}

func (f *fakeLLM) Generate(ctx context.Context, prompt string, opts ...llm.GenerateOption) (string, error) {
	return f.GenerateWithMessages(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}}, opts...)
}

func (f *fakeLLM) GenerateWithMessages(ctx context.Context, messages []llm.Message, opts ...llm.GenerateOption) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if len(messages) > 0 && messages[0].Role == llm.RoleSystem {
		f.prompts = append(f.prompts, messages[0].Content)
	}
	if f.calls <= f.failures {
		return "", errors.New("model overloaded")
	}
	if f.reply == "" {
		return "Understood.", nil
	}
	return f.reply, nil
}

func (f *fakeLLM) Close() error { return nil }

func (f *fakeLLM) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return ""
	}
	return f.prompts[len(f.prompts)-1]
}

// fakeStore is an in-memory storage.Store.
type fakeStore struct {
	mu            sync.Mutex
	conversations map[string]*storage.Conversation
	messages      map[string][]*storage.Message
	memories      map[int64]*storage.MemoryEntry

	commitErr  error
	listMemErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conversations: make(map[string]*storage.Conversation),
		messages:      make(map[string][]*storage.Message),
		memories:      make(map[int64]*storage.MemoryEntry),
	}
}

func (s *fakeStore) GetConversation(ctx context.Context, id, userID string) (*storage.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok || conv.UserID != userID {
		return nil, storage.ErrNotFound
	}
	copied := *conv
	return &copied, nil
}

func (s *fakeStore) ListConversations(ctx context.Context, userID string) ([]*storage.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*storage.Conversation
	for _, conv := range s.conversations {
		if conv.UserID == userID {
			copied := *conv
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *fakeStore) ListMessages(ctx context.Context, conversationID string) ([]*storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*storage.Message(nil), s.messages[conversationID]...), nil
}

func (s *fakeStore) CommitTurn(ctx context.Context, turn *storage.TurnWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitErr != nil {
		return s.commitErr
	}
	conv := *turn.Conversation
	s.conversations[conv.ID] = &conv
	s.messages[conv.ID] = append(s.messages[conv.ID], turn.UserMessage, turn.AssistantMessage)
	for _, entry := range turn.MemoryInserts {
		copied := *entry
		s.memories[entry.ID] = &copied
	}
	for _, update := range turn.MemoryUpdates {
		if existing, ok := s.memories[update.ID]; ok {
			existing.Content = update.Content
			existing.Confidence = update.Confidence
			existing.UpdatedAt = time.Now().UTC()
		}
	}
	return nil
}

func (s *fakeStore) SearchMemories(ctx context.Context, opts *storage.SearchOptions) ([]*storage.MemoryEntry, error) {
	return s.ListMemories(ctx, &storage.ListOptions{UserID: opts.UserID, Limit: opts.Limit})
}

func (s *fakeStore) ListMemories(ctx context.Context, opts *storage.ListOptions) ([]*storage.MemoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listMemErr != nil {
		return nil, s.listMemErr
	}
	var out []*storage.MemoryEntry
	for _, entry := range s.memories {
		if entry.UserID == opts.UserID {
			copied := *entry
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *fakeStore) InsertMemory(ctx context.Context, entry *storage.MemoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *entry
	s.memories[entry.ID] = &copied
	return nil
}

func (s *fakeStore) UpdateMemory(ctx context.Context, userID string, update *storage.MemoryUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.memories[update.ID]
	if !ok || existing.UserID != userID {
		return storage.ErrNotFound
	}
	existing.Content = update.Content
	existing.Confidence = update.Confidence
	return nil
}

func (s *fakeStore) DeleteMemory(ctx context.Context, userID string, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.memories, id)
	return nil
}

func (s *fakeStore) DeleteAllMemories(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entry := range s.memories {
		if entry.UserID == userID {
			delete(s.memories, id)
		}
	}
	return nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) userMemories(userID string) []*storage.MemoryEntry {
	out, _ := s.ListMemories(context.Background(), &storage.ListOptions{UserID: userID})
	return out
}

func testConfig() *agent.Config {
	return &agent.Config{
		LLM:   agent.LLMConfig{Provider: "openai", APIKey: "test"},
		Store: agent.StoreConfig{Provider: "sqlite", DBPath: "unused.db"},
		Turn: agent.TurnConfig{
			MaxRetries:   3,
			RetryBackoff: time.Millisecond,
		},
	}
}

func newTestAssistant(t *testing.T, store *fakeStore, model *fakeLLM, opts ...agent.Option) *agent.Assistant {
	t.Helper()
	opts = append([]agent.Option{agent.WithStore(store), agent.WithLLM(model)}, opts...)
	assistant, err := agent.New(testConfig(), opts...)
	require.NoError(t, err)
	return assistant
}

func TestAssistant_HandleTurn_NewConversation(t *testing.T) {
	store := newFakeStore()
	model := &fakeLLM{reply: "Good morning!"}
	assistant := newTestAssistant(t, store, model)

	reply, err := assistant.HandleTurn(context.Background(), "user_a", "", "Hello there")
	require.NoError(t, err)

	assert.Equal(t, "Good morning!", reply.Text)
	_, err = uuid.Parse(reply.ConversationID)
	assert.NoError(t, err, "new conversation id must be a valid uuid")

	msgs, err := store.ListMessages(context.Background(), reply.ConversationID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, llm.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hello there", msgs[0].Content)
	assert.Equal(t, llm.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Good morning!", msgs[1].Content)
}

func TestAssistant_HandleTurn_MessageOrder(t *testing.T) {
	store := newFakeStore()
	assistant := newTestAssistant(t, store, &fakeLLM{})

	ctx := context.Background()
	first, err := assistant.HandleTurn(ctx, "user_a", "", "first question")
	require.NoError(t, err)

	submissions := []string{"second question", "third question", "fourth question"}
	for _, text := range submissions {
		_, err := assistant.HandleTurn(ctx, "user_a", first.ConversationID, text)
		require.NoError(t, err)
	}

	msgs, err := store.ListMessages(ctx, first.ConversationID)
	require.NoError(t, err)
	require.Len(t, msgs, 8)

	var userMessages []string
	for _, msg := range msgs {
		if msg.Role == llm.RoleUser {
			userMessages = append(userMessages, msg.Content)
		}
	}
	assert.Equal(t, []string{"first question", "second question", "third question", "fourth question"}, userMessages)
}

func TestAssistant_HandleTurn_UserIsolation(t *testing.T) {
	store := newFakeStore()
	model := &fakeLLM{}
	assistant := newTestAssistant(t, store, model)

	ctx := context.Background()
	reply, err := assistant.HandleTurn(ctx, "user_x", "", "I hate 9 AM meetings")
	require.NoError(t, err)

	// Another user submitting X's conversation id is rejected before
	// any stage runs.
	res, err := assistant.HandleTurn(ctx, "user_y", reply.ConversationID, "hello")
	require.Error(t, err)
	assert.True(t, errors.Is(err, agent.ErrNotFound))
	assert.Nil(t, res)

	// And X's memories never reach Y's prompt.
	_, err = assistant.HandleTurn(ctx, "user_y", "", "Schedule a meeting for me at 9 AM")
	require.NoError(t, err)
	assert.NotContains(t, model.lastPrompt(), "9 AM meetings")
}

func TestAssistant_HandleTurn_Validation(t *testing.T) {
	assistant := newTestAssistant(t, newFakeStore(), &fakeLLM{})
	ctx := context.Background()

	_, err := assistant.HandleTurn(ctx, "user_a", "", "   ")
	assert.True(t, errors.Is(err, agent.ErrValidation))

	_, err = assistant.HandleTurn(ctx, "", "", "hello")
	assert.True(t, errors.Is(err, agent.ErrValidation))

	_, err = assistant.HandleTurn(ctx, "user_a", "not-a-uuid", "hello")
	assert.True(t, errors.Is(err, agent.ErrValidation))
}

func TestAssistant_HandleTurn_RetryExhaustion(t *testing.T) {
	store := newFakeStore()
	model := &fakeLLM{failures: 100}
	assistant := newTestAssistant(t, store, model)

	_, err := assistant.HandleTurn(context.Background(), "user_a", "", "I hate 9 AM meetings")
	require.Error(t, err)
	assert.True(t, errors.Is(err, agent.ErrUpstreamUnavailable))
	assert.Equal(t, 3, model.calls)

	// Nothing was committed: no messages, no partial memory writes.
	assert.Empty(t, store.conversations)
	assert.Empty(t, store.userMemories("user_a"))

	// The surfaced message is generic and user-safe.
	msg := agent.UserMessage(err)
	assert.NotContains(t, msg, "overloaded")
	assert.NotEmpty(t, msg)
}

func TestAssistant_HandleTurn_RetryRecovers(t *testing.T) {
	model := &fakeLLM{failures: 2, reply: "Recovered."}
	assistant := newTestAssistant(t, newFakeStore(), model)

	reply, err := assistant.HandleTurn(context.Background(), "user_a", "", "Hello")
	require.NoError(t, err)
	assert.Equal(t, "Recovered.", reply.Text)
	assert.Equal(t, 3, model.calls)
}

func TestAssistant_HandleTurn_ExtractsMemory(t *testing.T) {
	store := newFakeStore()
	assistant := newTestAssistant(t, store, &fakeLLM{})

	_, err := assistant.HandleTurn(context.Background(), "user_a", "", "I hate 9 AM meetings")
	require.NoError(t, err)

	entries := store.userMemories("user_a")
	require.Len(t, entries, 1)
	assert.Equal(t, memory.CategoryPreference, entries[0].Category)
	assert.Equal(t, memory.SourceChat, entries[0].Source)
	assert.GreaterOrEqual(t, entries[0].Confidence, 0.9)
	assert.LessOrEqual(t, entries[0].Confidence, 1.0)
}

func TestAssistant_HandleTurn_MemoryInformsLaterTurn(t *testing.T) {
	store := newFakeStore()
	model := &fakeLLM{}
	assistant := newTestAssistant(t, store, model)

	ctx := context.Background()
	_, err := assistant.HandleTurn(ctx, "user_a", "", "I hate 9 AM meetings")
	require.NoError(t, err)

	_, err = assistant.HandleTurn(ctx, "user_a", "", "Schedule something at 9 AM tomorrow")
	require.NoError(t, err)

	prompt := model.lastPrompt()
	assert.Contains(t, prompt, "What I remember about you")
	assert.Contains(t, prompt, "I hate 9 AM meetings")
}

func TestAssistant_HandleTurn_ContradictionUpdatesEntry(t *testing.T) {
	store := newFakeStore()
	assistant := newTestAssistant(t, store, &fakeLLM{})

	ctx := context.Background()
	_, err := assistant.HandleTurn(ctx, "user_a", "", "I love morning meetings")
	require.NoError(t, err)

	_, err = assistant.HandleTurn(ctx, "user_a", "", "I hate morning meetings")
	require.NoError(t, err)

	entries := store.userMemories("user_a")
	require.Len(t, entries, 1, "a contradiction revises the entry, it does not add a second one")
	assert.Equal(t, "I hate morning meetings", entries[0].Content)
	assert.Greater(t, entries[0].Confidence, 0.9)
}

func TestAssistant_HandleTurn_ExtractionFailureStillReplies(t *testing.T) {
	store := newFakeStore()
	store.listMemErr = errors.New("memory table corrupted")
	assistant := newTestAssistant(t, store, &fakeLLM{reply: "Noted."})

	reply, err := assistant.HandleTurn(context.Background(), "user_a", "", "I hate 9 AM meetings")
	require.NoError(t, err)
	assert.Equal(t, "Noted.", reply.Text)

	// The exchange itself is still persisted, without memory writes.
	msgs, err := store.ListMessages(context.Background(), reply.ConversationID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestAssistant_HandleTurn_CapabilityUnavailable(t *testing.T) {
	model := &fakeLLM{}
	assistant := newTestAssistant(t, newFakeStore(), model)

	reply, err := assistant.HandleTurn(context.Background(), "user_a", "", "Anything new in my inbox?")
	require.NoError(t, err, "a missing capability must not fail the turn")
	assert.NotEmpty(t, reply.Text)

	assert.Contains(t, model.lastPrompt(), "Email access is temporarily unavailable")
}

type stubEmail struct{ emails []tools.EmailSummary }

func (s *stubEmail) RecentEmails(ctx context.Context, limit int) ([]tools.EmailSummary, error) {
	return s.emails, nil
}
func (s *stubEmail) SearchEmails(ctx context.Context, query string, limit int) ([]tools.EmailSummary, error) {
	return s.emails, nil
}
func (s *stubEmail) ImportantEmails(ctx context.Context, days, limit int) ([]tools.EmailSummary, error) {
	return s.emails, nil
}
func (s *stubEmail) Close() error { return nil }

func TestAssistant_HandleTurn_CapabilityResultInPrompt(t *testing.T) {
	model := &fakeLLM{}
	registry := tools.NewRegistry(tools.WithEmail(&stubEmail{emails: []tools.EmailSummary{
		{From: "pm@example.com", Subject: "Orion slipped", Date: time.Now()},
	}}))
	assistant := newTestAssistant(t, newFakeStore(), model, agent.WithRegistry(registry))

	reply, err := assistant.HandleTurn(context.Background(), "user_a", "", "Check my inbox please")
	require.NoError(t, err)
	assert.NotEmpty(t, reply.Text)

	prompt := model.lastPrompt()
	assert.Contains(t, prompt, "Data retrieved")
	assert.Contains(t, prompt, "Orion slipped")
}

func TestAssistant_History_Ownership(t *testing.T) {
	store := newFakeStore()
	assistant := newTestAssistant(t, store, &fakeLLM{})

	ctx := context.Background()
	reply, err := assistant.HandleTurn(ctx, "user_x", "", "Hello")
	require.NoError(t, err)

	_, err = assistant.History(ctx, "user_y", reply.ConversationID)
	assert.True(t, errors.Is(err, agent.ErrNotFound))

	msgs, err := assistant.History(ctx, "user_x", reply.ConversationID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestAssistant_Forget(t *testing.T) {
	store := newFakeStore()
	assistant := newTestAssistant(t, store, &fakeLLM{})

	ctx := context.Background()
	_, err := assistant.HandleTurn(ctx, "user_a", "", "I hate 9 AM meetings")
	require.NoError(t, err)
	require.NotEmpty(t, store.userMemories("user_a"))

	require.NoError(t, assistant.Forget(ctx, "user_a"))
	assert.Empty(t, store.userMemories("user_a"))
}

// cancelingLLM aborts the turn from inside generation, standing in for
// a caller that gives up while the model call is in flight.
type cancelingLLM struct {
	cancel context.CancelFunc
}

func (c *cancelingLLM) Generate(ctx context.Context, prompt string, opts ...llm.GenerateOption) (string, error) {
	return c.GenerateWithMessages(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}}, opts...)
}

func (c *cancelingLLM) GenerateWithMessages(ctx context.Context, messages []llm.Message, opts ...llm.GenerateOption) (string, error) {
	c.cancel()
	<-ctx.Done()
	return "", ctx.Err()
}

func (c *cancelingLLM) Close() error { return nil }

func TestAssistant_HandleTurn_CanceledTurnCommitsNothing(t *testing.T) {
	store := newFakeStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	model := &cancelingLLM{cancel: cancel}
	assistant, err := agent.New(testConfig(), agent.WithStore(store), agent.WithLLM(model))
	require.NoError(t, err)

	_, err = assistant.HandleTurn(ctx, "user_a", "", "I hate long meetings")
	require.Error(t, err)
	assert.ErrorIs(t, err, agent.ErrUpstreamUnavailable)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Empty(t, store.conversations, "aborted turn must not create a conversation")
	assert.Empty(t, store.messages, "aborted turn must not store messages")
	assert.Empty(t, store.memories, "aborted turn must not store memories")
}

// gateLLM blocks one scripted call until released, holding that turn
// in flight while later submissions queue behind it.
type gateLLM struct {
	mu      sync.Mutex
	calls   int
	blockOn int
	started chan struct{}
	release chan struct{}
}

func (g *gateLLM) Generate(ctx context.Context, prompt string, opts ...llm.GenerateOption) (string, error) {
	return g.GenerateWithMessages(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}}, opts...)
}

func (g *gateLLM) GenerateWithMessages(ctx context.Context, messages []llm.Message, opts ...llm.GenerateOption) (string, error) {
	g.mu.Lock()
	g.calls++
	call := g.calls
	g.mu.Unlock()
	if call == g.blockOn {
		close(g.started)
		<-g.release
	}
	return "Understood.", nil
}

func (g *gateLLM) Close() error { return nil }

func TestAssistant_HandleTurn_ConcurrentSubmissionOrder(t *testing.T) {
	store := newFakeStore()
	model := &gateLLM{blockOn: 2, started: make(chan struct{}), release: make(chan struct{})}
	assistant, err := agent.New(testConfig(), agent.WithStore(store), agent.WithLLM(model))
	require.NoError(t, err)

	ctx := context.Background()
	setup, err := assistant.HandleTurn(ctx, "user_a", "", "warm up")
	require.NoError(t, err)
	convID := setup.ConversationID

	firstDone := make(chan error, 1)
	go func() {
		_, err := assistant.HandleTurn(ctx, "user_a", convID, "first concurrent")
		firstDone <- err
	}()

	// Once generation starts, the first turn holds the conversation
	// lock; the second submission must queue behind it and commit after.
	<-model.started

	secondDone := make(chan error, 1)
	go func() {
		_, err := assistant.HandleTurn(ctx, "user_a", convID, "second concurrent")
		secondDone <- err
	}()

	close(model.release)
	require.NoError(t, <-firstDone)
	require.NoError(t, <-secondDone)

	msgs, err := store.ListMessages(ctx, convID)
	require.NoError(t, err)
	require.Len(t, msgs, 6)

	var userTexts []string
	for _, msg := range msgs {
		if msg.Role == llm.RoleUser {
			userTexts = append(userTexts, msg.Content)
		}
	}
	assert.Equal(t, []string{"warm up", "first concurrent", "second concurrent"}, userTexts)
}
