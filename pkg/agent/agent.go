package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/bwmarrin/snowflake"

	"github.com/aide-labs/aide-go/pkg/embedder"
	openaiEmbedder "github.com/aide-labs/aide-go/pkg/embedder/openai"
	"github.com/aide-labs/aide-go/pkg/llm"
	anthropicLLM "github.com/aide-labs/aide-go/pkg/llm/anthropic"
	ollamaLLM "github.com/aide-labs/aide-go/pkg/llm/ollama"
	openaiLLM "github.com/aide-labs/aide-go/pkg/llm/openai"
	"github.com/aide-labs/aide-go/pkg/memory"
	"github.com/aide-labs/aide-go/pkg/storage"
	mysqlStore "github.com/aide-labs/aide-go/pkg/storage/mysql"
	postgresStore "github.com/aide-labs/aide-go/pkg/storage/postgres"
	sqliteStore "github.com/aide-labs/aide-go/pkg/storage/sqlite"
	"github.com/aide-labs/aide-go/pkg/tools"
	calendarTool "github.com/aide-labs/aide-go/pkg/tools/calendar"
	emailTool "github.com/aide-labs/aide-go/pkg/tools/email"
)

// Assistant is the conversation agent. Each HandleTurn call runs the
// full loop for one user message: retrieve memory, generate a reply
// (dispatching the email or calendar capability when the message asks
// for it), extract new memory, and persist the turn atomically.
//
// The Assistant is safe for concurrent use. Turns for different
// conversations run in parallel; turns for the same conversation are
// serialized in submission order.
//
// Example usage:
//
//	config, _ := agent.LoadConfigFromEnv()
//	assistant, _ := agent.New(config)
//	defer assistant.Close()
//
//	reply, _ := assistant.HandleTurn(ctx, "user_001", "", "I hate 9 AM meetings")
//	fmt.Println(reply.Text, reply.ConversationID)
type Assistant struct {
	cfg *Config

	store    storage.Store
	llm      llm.Provider
	embedder embedder.Provider
	registry *tools.Registry

	policy       memory.Policy
	extractor    *memory.Extractor
	llmExtractor *memory.LLMExtractor
	resolver     *memory.Resolver
	ranker       *memory.Ranker

	snowflakeNode *snowflake.Node
	logger        *slog.Logger

	// locks serializes turns per conversation. Entries are refcounted
	// and evicted once the last holder releases, so the map stays
	// bounded by the number of in-flight turns.
	locksMu sync.Mutex
	locks   map[string]*conversationLock
}

// conversationLock serializes turns for a single conversation.
type conversationLock struct {
	mu   sync.Mutex
	refs int
}

// Option configures an Assistant beyond its Config. Options run before
// provider initialization, so an injected component suppresses
// construction of its configured counterpart.
type Option func(*Assistant)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(a *Assistant) { a.logger = logger }
}

// WithStore injects a persistence backend, overriding Config.Store.
func WithStore(store storage.Store) Option {
	return func(a *Assistant) { a.store = store }
}

// WithLLM injects a language model provider, overriding Config.LLM.
func WithLLM(provider llm.Provider) Option {
	return func(a *Assistant) { a.llm = provider }
}

// WithEmbedder injects an embedding provider, overriding
// Config.Embedder.
func WithEmbedder(provider embedder.Provider) Option {
	return func(a *Assistant) { a.embedder = provider }
}

// WithRegistry injects a capability registry, overriding the email and
// calendar sections of the Config.
func WithRegistry(registry *tools.Registry) Option {
	return func(a *Assistant) { a.registry = registry }
}

// New creates an Assistant from the given configuration.
//
// The assistant is initialized with:
//   - Persistence backend (SQLite, PostgreSQL, or MySQL)
//   - Language model provider (OpenAI, Anthropic, or Ollama)
//   - Embedding provider (OpenAI, optional)
//   - Email and calendar capabilities (optional)
//
// Returns the Assistant, or an error if initialization fails.
func New(cfg *Config, opts ...Option) (*Assistant, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	policy := memory.DefaultPolicy()
	if cfg.Memory.Policy != nil {
		policy = *cfg.Memory.Policy
	}

	a := &Assistant{
		cfg:       cfg,
		policy:    policy,
		extractor: memory.NewExtractor(policy),
		resolver:  memory.NewResolver(policy),
		ranker:    memory.NewRanker(cfg.Memory.TopK),
		logger:    slog.Default(),
		locks:     make(map[string]*conversationLock),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.store == nil {
		store, err := initStore(cfg.Store)
		if err != nil {
			return nil, err
		}
		a.store = store
	}

	if a.llm == nil {
		provider, err := initLLM(cfg.LLM)
		if err != nil {
			return nil, err
		}
		a.llm = provider
	}

	if a.embedder == nil {
		provider, err := initEmbedder(cfg.Embedder)
		if err != nil {
			return nil, err
		}
		a.embedder = provider
	}

	if a.registry == nil {
		a.registry = initRegistry(cfg, a.logger)
	}

	if cfg.Memory.UseLLMExtraction {
		a.llmExtractor = memory.NewLLMExtractor(a.llm, policy)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, NewAgentError("New", err)
	}
	a.snowflakeNode = node

	return a, nil
}

// initStore creates the persistence backend named by the configuration.
func initStore(cfg StoreConfig) (storage.Store, error) {
	switch cfg.Provider {
	case "sqlite":
		return sqliteStore.NewClient(&sqliteStore.Config{
			DBPath: cfg.DBPath,
		})
	case "postgres":
		return postgresStore.NewClient(&postgresStore.Config{
			Host:               cfg.Host,
			Port:               cfg.Port,
			User:               cfg.User,
			Password:           cfg.Password,
			DBName:             cfg.DBName,
			SSLMode:            cfg.SSLMode,
			EmbeddingModelDims: 1536,
		})
	case "mysql":
		return mysqlStore.NewClient(&mysqlStore.Config{
			Host:     cfg.Host,
			Port:     cfg.Port,
			User:     cfg.User,
			Password: cfg.Password,
			DBName:   cfg.DBName,
		})
	default:
		return nil, NewAgentError("initStore", ErrValidation)
	}
}

// initLLM creates the language model provider named by the
// configuration.
func initLLM(cfg LLMConfig) (llm.Provider, error) {
	switch cfg.Provider {
	case "openai":
		return openaiLLM.NewClient(&openaiLLM.Config{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
	case "ollama":
		return ollamaLLM.NewClient(&ollamaLLM.Config{
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
	case "anthropic":
		return anthropicLLM.NewClient(&anthropicLLM.Config{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
	default:
		return nil, NewAgentError("initLLM", ErrValidation)
	}
}

// initEmbedder creates the embedding provider, or returns nil when none
// is configured. Without an embedder, memory retrieval uses lexical
// ranking only.
func initEmbedder(cfg EmbedderConfig) (embedder.Provider, error) {
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "openai":
		return openaiEmbedder.NewClient(&openaiEmbedder.Config{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Dimensions: cfg.Dimensions,
		})
	default:
		return nil, NewAgentError("initEmbedder", ErrValidation)
	}
}

// initRegistry builds the capability registry from the optional email
// and calendar sections of the configuration.
func initRegistry(cfg *Config, logger *slog.Logger) *tools.Registry {
	var opts []tools.RegistryOption
	if cfg.Email != nil {
		opts = append(opts, tools.WithEmail(emailTool.NewClient(emailTool.Config{
			Host:     cfg.Email.Host,
			Port:     cfg.Email.Port,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			TLS:      cfg.Email.TLS,
			Mailbox:  cfg.Email.Mailbox,
		}, logger)))
	}
	if cfg.Calendar != nil {
		opts = append(opts, tools.WithCalendar(calendarTool.NewClient(calendarTool.Config{
			Endpoint:     cfg.Calendar.Endpoint,
			Username:     cfg.Calendar.Username,
			Password:     cfg.Calendar.Password,
			CalendarPath: cfg.Calendar.CalendarPath,
		}, logger)))
	}
	return tools.NewRegistry(opts...)
}

// Conversations returns the user's conversations, most recently updated
// first.
func (a *Assistant) Conversations(ctx context.Context, userID string) ([]*storage.Conversation, error) {
	if userID == "" {
		return nil, NewAgentError("Conversations", ErrValidation)
	}
	return a.store.ListConversations(ctx, userID)
}

// History returns a conversation's messages in write order, enforcing
// ownership: a conversation id belonging to another user yields
// ErrNotFound.
func (a *Assistant) History(ctx context.Context, userID, conversationID string) ([]*storage.Message, error) {
	if userID == "" || conversationID == "" {
		return nil, NewAgentError("History", ErrValidation)
	}
	if _, err := a.store.GetConversation(ctx, conversationID, userID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, NewAgentError("History", ErrNotFound)
		}
		return nil, NewAgentError("History", err)
	}
	return a.store.ListMessages(ctx, conversationID)
}

// Memories returns the user's memory entries, most recently updated
// first.
func (a *Assistant) Memories(ctx context.Context, userID string, limit int) ([]*storage.MemoryEntry, error) {
	if userID == "" {
		return nil, NewAgentError("Memories", ErrValidation)
	}
	return a.store.ListMemories(ctx, &storage.ListOptions{UserID: userID, Limit: limit})
}

// Forget erases every memory entry owned by the user (account erasure).
func (a *Assistant) Forget(ctx context.Context, userID string) error {
	if userID == "" {
		return NewAgentError("Forget", ErrValidation)
	}
	return a.store.DeleteAllMemories(ctx, userID)
}

// Close releases the assistant's resources: store, providers, and
// capability connections.
func (a *Assistant) Close() error {
	var first error
	if err := a.store.Close(); err != nil {
		first = err
	}
	if err := a.llm.Close(); err != nil && first == nil {
		first = err
	}
	if a.embedder != nil {
		if err := a.embedder.Close(); err != nil && first == nil {
			first = err
		}
	}
	if err := a.registry.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// lockConversation acquires the lock serializing turns for one
// conversation, creating it on first use.
func (a *Assistant) lockConversation(conversationID string) *conversationLock {
	a.locksMu.Lock()
	l, ok := a.locks[conversationID]
	if !ok {
		l = &conversationLock{}
		a.locks[conversationID] = l
	}
	l.refs++
	a.locksMu.Unlock()

	l.mu.Lock()
	return l
}

// unlockConversation releases the lock and drops its map entry once no
// other turn is holding or waiting on it.
func (a *Assistant) unlockConversation(conversationID string, l *conversationLock) {
	l.mu.Unlock()

	a.locksMu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(a.locks, conversationID)
	}
	a.locksMu.Unlock()
}
