package agent

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aide-labs/aide-go/pkg/llm"
	"github.com/aide-labs/aide-go/pkg/memory"
	"github.com/aide-labs/aide-go/pkg/storage"
	"github.com/aide-labs/aide-go/pkg/tools"
)

// Turn states, logged as the loop advances.
const (
	stateRetrievingMemory = "RetrievingMemory"
	stateGenerating       = "GeneratingResponse"
	stateToolDispatch     = "ToolDispatch"
	stateExtractingMemory = "ExtractingMemory"
	stateDone             = "Done"
	stateFailed           = "Failed"
)

// Reply is the outcome of one successful turn.
type Reply struct {
	// Text is the assistant's reply.
	Text string

	// ConversationID identifies the conversation the turn was appended
	// to. For a turn that started without a conversation id, this is
	// the id of the newly created conversation.
	ConversationID string
}

// HandleTurn runs the full agent loop for one user message.
//
// conversationID may be empty, in which case a new conversation is
// created for the user. A non-empty conversationID must reference a
// conversation owned by userID; otherwise the turn fails with
// ErrNotFound before any stage runs.
//
// The loop:
//  1. Retrieve the user's memory entries relevant to the message.
//  2. Generate a reply from history, memory, and the message. When the
//     message asks for an external capability (email, calendar),
//     dispatch it first and fold its result into the prompt.
//  3. Extract new memory from the exchange; reconcile with stored
//     entries rather than duplicating them.
//  4. Commit the user message, the reply, and all memory mutations in
//     one transaction.
//
// Language model failures are retried with bounded backoff; exhaustion
// surfaces ErrUpstreamUnavailable and commits nothing. Capability
// failures degrade to an unavailability notice in the reply. Extraction
// failures are logged and never block the reply.
func (a *Assistant) HandleTurn(ctx context.Context, userID, conversationID, message string) (*Reply, error) {
	message = strings.TrimSpace(message)
	if userID == "" || message == "" {
		return nil, NewAgentError("HandleTurn", ErrValidation)
	}

	timeout := a.cfg.Turn.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	newConversation := conversationID == ""
	if newConversation {
		conversationID = uuid.NewString()
	} else if _, err := uuid.Parse(conversationID); err != nil {
		return nil, NewAgentError("HandleTurn", ErrValidation)
	}

	// Serialize turns within a conversation: a second message queues
	// behind the in-flight one, so messages land in submission order.
	lock := a.lockConversation(conversationID)
	defer a.unlockConversation(conversationID, lock)

	started := time.Now()
	logger := a.logger.With("user_id", userID, "conversation_id", conversationID)

	conv, history, err := a.loadConversation(ctx, userID, conversationID, newConversation)
	if err != nil {
		return nil, err
	}

	logger.Debug("turn state", "state", stateRetrievingMemory)
	memories := a.retrieveMemories(ctx, logger, userID, message)

	reply, err := a.generate(ctx, logger, history, message, memories)
	if err != nil {
		logger.Error("turn state", "state", stateFailed, "error", err)
		return nil, err
	}

	logger.Debug("turn state", "state", stateExtractingMemory)
	inserts, updates := a.extractMemories(ctx, logger, userID, message, reply)

	now := time.Now().UTC()
	conv.UpdatedAt = now
	turn := &storage.TurnWrite{
		Conversation: conv,
		UserMessage: &storage.Message{
			ID:             a.snowflakeNode.Generate().Int64(),
			ConversationID: conversationID,
			Role:           llm.RoleUser,
			Content:        message,
			CreatedAt:      now,
		},
		AssistantMessage: &storage.Message{
			ID:             a.snowflakeNode.Generate().Int64(),
			ConversationID: conversationID,
			Role:           llm.RoleAssistant,
			Content:        reply,
			CreatedAt:      now,
		},
		MemoryInserts: inserts,
		MemoryUpdates: updates,
	}

	if err := a.store.CommitTurn(ctx, turn); err != nil {
		logger.Error("turn state", "state", stateFailed, "error", err)
		return nil, NewAgentError("HandleTurn", err)
	}

	logger.Info("turn state", "state", stateDone,
		"duration", time.Since(started),
		"memories_retrieved", len(memories),
		"memories_inserted", len(inserts),
		"memories_updated", len(updates))

	return &Reply{Text: reply, ConversationID: conversationID}, nil
}

// loadConversation resolves the conversation record and its history.
// For an existing id it enforces ownership; for a new one it builds the
// record that CommitTurn will create.
func (a *Assistant) loadConversation(ctx context.Context, userID, conversationID string, isNew bool) (*storage.Conversation, []*storage.Message, error) {
	if isNew {
		now := time.Now().UTC()
		return &storage.Conversation{
			ID:        conversationID,
			UserID:    userID,
			CreatedAt: now,
			UpdatedAt: now,
		}, nil, nil
	}

	conv, err := a.store.GetConversation(ctx, conversationID, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, NewAgentError("HandleTurn", ErrNotFound)
		}
		return nil, nil, NewAgentError("HandleTurn", err)
	}

	history, err := a.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, nil, NewAgentError("HandleTurn", err)
	}

	limit := a.cfg.Turn.HistoryLimit
	if limit <= 0 {
		limit = 20
	}
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	return conv, history, nil
}

// retrieveMemories returns the user's entries most relevant to the
// message. Retrieval failures degrade to an empty context; the turn
// proceeds without remembered information.
func (a *Assistant) retrieveMemories(ctx context.Context, logger *slog.Logger, userID, message string) []*storage.MemoryEntry {
	opts := &storage.SearchOptions{
		UserID: userID,
		Limit:  a.ranker.TopK * 4,
	}

	if a.embedder != nil {
		embedding, err := a.embedder.Embed(ctx, message)
		if err != nil {
			logger.Warn("query embedding failed, using lexical ranking", "error", err)
		} else {
			opts.Embedding = embedding
		}
	}

	entries, err := a.store.SearchMemories(ctx, opts)
	if err != nil {
		logger.Warn("memory retrieval failed, continuing without context", "error", err)
		return nil
	}
	return a.ranker.Rank(message, entries)
}

// generate produces the reply for the turn, dispatching a capability
// first when the message asks for one.
func (a *Assistant) generate(ctx context.Context, logger *slog.Logger, history []*storage.Message, message string, memories []*storage.MemoryEntry) (string, error) {
	pc := promptContext{memories: memories}

	logger.Debug("turn state", "state", stateGenerating)

	if req, ok := detectIntent(message); ok {
		logger.Debug("turn state", "state", stateToolDispatch, "action", string(req.Action))
		result, err := a.registry.Invoke(ctx, req)
		if err != nil {
			capability, _ := tools.CapabilityFor(req.Action)
			pc.toolNotice = unavailabilityNotice(capability)
			logger.Warn("capability dispatch failed", "action", string(req.Action), "error", err)
		} else {
			pc.toolResult = result
		}
		logger.Debug("turn state", "state", stateGenerating)
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: buildSystemPrompt(pc)})
	for _, msg := range history {
		messages = append(messages, llm.Message{Role: msg.Role, Content: msg.Content})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: message})

	reply, err := a.generateWithRetry(ctx, logger, messages)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(reply) == "" {
		return "", NewAgentError("HandleTurn", ErrUpstreamUnavailable)
	}
	return reply, nil
}

// generateWithRetry calls the language model with bounded backoff.
// Attempts are spaced by the configured base delay, doubled each retry
// with jitter. Exhaustion maps to ErrUpstreamUnavailable.
func (a *Assistant) generateWithRetry(ctx context.Context, logger *slog.Logger, messages []llm.Message) (string, error) {
	attempts := a.cfg.Turn.MaxRetries
	if attempts <= 0 {
		attempts = 3
	}
	backoff := a.cfg.Turn.RetryBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		reply, err := a.llm.GenerateWithMessages(ctx, messages)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		logger.Warn("language model call failed", "attempt", attempt, "error", err)

		if attempt == attempts {
			break
		}
		delay := backoff + time.Duration(rand.Int63n(int64(backoff)))
		select {
		case <-ctx.Done():
			return "", NewAgentError("HandleTurn", ErrUpstreamUnavailable)
		case <-time.After(delay):
		}
		backoff *= 2
	}

	logger.Error("language model attempts exhausted", "attempts", attempts, "error", lastErr)
	return "", NewAgentError("HandleTurn", ErrUpstreamUnavailable)
}

// extractMemories mines the exchange for new facts and reconciles them
// with the user's stored entries. All failures are contained here: an
// extraction or embedding error produces fewer memory writes, never a
// failed turn.
func (a *Assistant) extractMemories(ctx context.Context, logger *slog.Logger, userID, message, reply string) ([]*storage.MemoryEntry, []*storage.MemoryUpdate) {
	facts := a.extractor.Extract(message)

	if a.llmExtractor != nil {
		llmFacts, err := a.llmExtractor.Extract(ctx, message, reply)
		if err != nil {
			logger.Warn("extraction pass failed", "error", NewAgentError("ExtractMemory", ErrExtraction), "cause", err)
		} else {
			facts = mergeFacts(facts, llmFacts)
		}
	}

	if len(facts) == 0 {
		return nil, nil
	}

	existing, err := a.store.ListMemories(ctx, &storage.ListOptions{UserID: userID})
	if err != nil {
		logger.Warn("loading existing memories failed, skipping extraction", "error", err)
		return nil, nil
	}

	var (
		inserts []*storage.MemoryEntry
		updates []*storage.MemoryUpdate
	)
	now := time.Now().UTC()

	for _, decision := range a.resolver.Resolve(facts, existing) {
		switch decision.Event {
		case memory.EventAdd:
			entry := &storage.MemoryEntry{
				ID:         a.snowflakeNode.Generate().Int64(),
				UserID:     userID,
				Content:    decision.Content,
				Category:   decision.Fact.Category,
				Source:     decision.Fact.Source,
				Confidence: decision.Confidence,
				Metadata:   decision.Fact.Metadata,
				Embedding:  a.embedFact(ctx, logger, decision.Content),
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			inserts = append(inserts, entry)

		case memory.EventUpdate:
			updates = append(updates, &storage.MemoryUpdate{
				ID:         decision.Existing.ID,
				Content:    decision.Content,
				Confidence: decision.Confidence,
				Embedding:  a.embedFact(ctx, logger, decision.Content),
			})

		case memory.EventNone:
			// Restated fact: reinforce the stored entry's confidence,
			// keep its wording and embedding.
			updates = append(updates, &storage.MemoryUpdate{
				ID:         decision.Existing.ID,
				Content:    decision.Content,
				Confidence: decision.Confidence,
			})
		}
	}

	return inserts, updates
}

// embedFact embeds memory content, returning nil (lexical-only entry)
// on any failure.
func (a *Assistant) embedFact(ctx context.Context, logger *slog.Logger, content string) []float64 {
	if a.embedder == nil {
		return nil
	}
	embedding, err := a.embedder.Embed(ctx, content)
	if err != nil {
		logger.Warn("memory embedding failed, storing without vector", "error", err)
		return nil
	}
	return embedding
}

// mergeFacts appends LLM-extracted facts that do not restate a
// lexically extracted one.
func mergeFacts(base, extra []memory.Fact) []memory.Fact {
	for _, fact := range extra {
		duplicate := false
		for _, have := range base {
			if strings.EqualFold(have.Content, fact.Content) {
				duplicate = true
				break
			}
		}
		if !duplicate {
			base = append(base, fact)
		}
	}
	return base
}
