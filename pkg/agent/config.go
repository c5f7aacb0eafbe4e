package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/aide-labs/aide-go/pkg/memory"
)

// Config contains the complete configuration for an Assistant.
//
// Example:
//
//	config := &agent.Config{
//	    LLM: agent.LLMConfig{
//	        Provider: "openai",
//	        APIKey:   "sk-...",
//	        Model:    "gpt-4o-mini",
//	    },
//	    Store: agent.StoreConfig{
//	        Provider: "sqlite",
//	        DBPath:   "./aide.db",
//	    },
//	}
type Config struct {
	// LLM contains language model provider configuration.
	LLM LLMConfig `json:"llm"`

	// Embedder contains embedding provider configuration (optional;
	// without it, memory retrieval falls back to lexical ranking).
	Embedder EmbedderConfig `json:"embedder"`

	// Store contains persistence backend configuration.
	Store StoreConfig `json:"store"`

	// Memory contains retrieval and extraction tuning (optional).
	Memory MemoryConfig `json:"memory"`

	// Turn contains per-turn execution limits (optional).
	Turn TurnConfig `json:"turn"`

	// Email contains IMAP settings for the email capability (optional).
	Email *EmailConfig `json:"email,omitempty"`

	// Calendar contains CalDAV settings for the calendar capability
	// (optional).
	Calendar *CalendarConfig `json:"calendar,omitempty"`
}

// LLMConfig contains configuration for the language model provider.
//
// Supported providers: openai, anthropic, ollama.
type LLMConfig struct {
	// Provider is the provider name (openai, anthropic, ollama).
	Provider string `json:"provider"`

	// APIKey is the API key (required for openai and anthropic).
	APIKey string `json:"api_key"`

	// Model is the model name (provider default if empty).
	Model string `json:"model"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `json:"base_url,omitempty"`
}

// EmbedderConfig contains configuration for the embedding provider.
//
// Supported providers: openai, none. An empty provider disables
// semantic search.
type EmbedderConfig struct {
	// Provider is the provider name (openai) or empty to disable.
	Provider string `json:"provider"`

	// APIKey is the API key for the provider.
	APIKey string `json:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `json:"base_url,omitempty"`

	// Dimensions is the embedding vector size (default 1536).
	Dimensions int `json:"dimensions,omitempty"`
}

// StoreConfig contains configuration for the persistence backend.
//
// Supported providers: sqlite, postgres, mysql.
type StoreConfig struct {
	// Provider is the backend name (sqlite, postgres, mysql).
	Provider string `json:"provider"`

	// DBPath is the database file path (sqlite only).
	DBPath string `json:"db_path,omitempty"`

	// Host, Port, User, Password, DBName configure server backends.
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
	DBName   string `json:"db_name,omitempty"`

	// SSLMode is the connection SSL mode (postgres only).
	SSLMode string `json:"ssl_mode,omitempty"`
}

// MemoryConfig contains memory retrieval and extraction tuning.
type MemoryConfig struct {
	// TopK is the number of memory entries injected into the prompt
	// (default 5).
	TopK int `json:"top_k,omitempty"`

	// UseLLMExtraction additionally runs an LLM extraction pass over
	// each exchange, on top of the lexical extractor.
	UseLLMExtraction bool `json:"use_llm_extraction,omitempty"`

	// Policy overrides the extraction and reconciliation parameters.
	// Zero-valued fields fall back to memory.DefaultPolicy.
	Policy *memory.Policy `json:"policy,omitempty"`
}

// TurnConfig contains per-turn execution limits.
type TurnConfig struct {
	// MaxRetries is the number of language model attempts per
	// generation pass (default 3).
	MaxRetries int `json:"max_retries,omitempty"`

	// RetryBackoff is the base delay between attempts, doubled each
	// retry with jitter (default 500ms).
	RetryBackoff time.Duration `json:"retry_backoff,omitempty"`

	// Timeout bounds a whole turn (default 60s).
	Timeout time.Duration `json:"timeout,omitempty"`

	// HistoryLimit is the number of prior messages included in the
	// prompt (default 20).
	HistoryLimit int `json:"history_limit,omitempty"`
}

// EmailConfig contains IMAP account settings for the email capability.
type EmailConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username"`
	Password string `json:"password"`
	TLS      bool   `json:"tls"`
	Mailbox  string `json:"mailbox,omitempty"`
}

// CalendarConfig contains CalDAV account settings for the calendar
// capability.
type CalendarConfig struct {
	Endpoint     string `json:"endpoint"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	CalendarPath string `json:"calendar_path,omitempty"`
}

// Validate validates the configuration.
//
// Returns an error if a required field is missing, nil otherwise.
func (c *Config) Validate() error {
	if c.LLM.Provider == "" {
		return NewAgentError("Validate", fmt.Errorf("llm provider is required"))
	}
	if c.Store.Provider == "" {
		return NewAgentError("Validate", fmt.Errorf("store provider is required"))
	}
	switch c.Store.Provider {
	case "sqlite":
		if c.Store.DBPath == "" {
			return NewAgentError("Validate", fmt.Errorf("sqlite store requires db_path"))
		}
	case "postgres", "mysql":
		if c.Store.Host == "" || c.Store.DBName == "" {
			return NewAgentError("Validate", fmt.Errorf("%s store requires host and db_name", c.Store.Provider))
		}
	default:
		return NewAgentError("Validate", fmt.Errorf("unknown store provider %q", c.Store.Provider))
	}
	if c.Email != nil && (c.Email.Host == "" || c.Email.Username == "") {
		return NewAgentError("Validate", fmt.Errorf("email capability requires host and username"))
	}
	if c.Calendar != nil && c.Calendar.Endpoint == "" {
		return NewAgentError("Validate", fmt.Errorf("calendar capability requires endpoint"))
	}
	return nil
}

// LoadConfigFromEnv loads configuration from environment variables.
//
// The function:
//  1. Searches for a .env file (up to 5 directory levels up)
//  2. Loads environment variables from the found file
//  3. Parses environment variables into a Config
//
// Supported environment variables:
//   - STORE_PROVIDER (sqlite, postgres, mysql)
//   - SQLITE_PATH; POSTGRES_HOST, POSTGRES_PORT, POSTGRES_USER,
//     POSTGRES_PASSWORD, POSTGRES_DATABASE, POSTGRES_SSLMODE;
//     MYSQL_HOST, MYSQL_PORT, MYSQL_USER, MYSQL_PASSWORD, MYSQL_DATABASE
//   - LLM_PROVIDER, LLM_API_KEY, LLM_MODEL, LLM_BASE_URL
//   - EMBEDDING_PROVIDER, EMBEDDING_API_KEY, EMBEDDING_BASE_URL,
//     EMBEDDING_DIMS
//   - MEMORY_TOP_K, MEMORY_LLM_EXTRACTION
//   - IMAP_HOST, IMAP_PORT, IMAP_USERNAME, IMAP_PASSWORD, IMAP_TLS,
//     IMAP_MAILBOX
//   - CALDAV_ENDPOINT, CALDAV_USERNAME, CALDAV_PASSWORD, CALDAV_PATH
func LoadConfigFromEnv() (*Config, error) {
	if envPath, found := findEnvFile(); found {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	provider := getEnvOrDefault("STORE_PROVIDER", "sqlite")

	store := StoreConfig{Provider: provider}
	switch provider {
	case "sqlite":
		store.DBPath = getEnvOrDefault("SQLITE_PATH", "./aide.db")
	case "postgres":
		port, _ := strconv.Atoi(getEnvOrDefault("POSTGRES_PORT", "5432"))
		store.Host = getEnvOrDefault("POSTGRES_HOST", "localhost")
		store.Port = port
		store.User = getEnvOrDefault("POSTGRES_USER", "postgres")
		store.Password = os.Getenv("POSTGRES_PASSWORD")
		store.DBName = getEnvOrDefault("POSTGRES_DATABASE", "aide")
		store.SSLMode = getEnvOrDefault("POSTGRES_SSLMODE", "disable")
	case "mysql":
		port, _ := strconv.Atoi(getEnvOrDefault("MYSQL_PORT", "3306"))
		store.Host = getEnvOrDefault("MYSQL_HOST", "localhost")
		store.Port = port
		store.User = getEnvOrDefault("MYSQL_USER", "root")
		store.Password = os.Getenv("MYSQL_PASSWORD")
		store.DBName = getEnvOrDefault("MYSQL_DATABASE", "aide")
	}

	llmProvider := getEnvOrDefault("LLM_PROVIDER", "openai")
	var llmBaseURL string
	switch llmProvider {
	case "ollama":
		llmBaseURL = getEnvOrDefault("OLLAMA_BASE_URL", "http://localhost:11434")
	default:
		llmBaseURL = os.Getenv("LLM_BASE_URL")
	}

	dims, _ := strconv.Atoi(getEnvOrDefault("EMBEDDING_DIMS", "1536"))
	topK, _ := strconv.Atoi(getEnvOrDefault("MEMORY_TOP_K", "0"))

	config := &Config{
		LLM: LLMConfig{
			Provider: llmProvider,
			APIKey:   os.Getenv("LLM_API_KEY"),
			Model:    os.Getenv("LLM_MODEL"),
			BaseURL:  llmBaseURL,
		},
		Embedder: EmbedderConfig{
			Provider:   os.Getenv("EMBEDDING_PROVIDER"),
			APIKey:     os.Getenv("EMBEDDING_API_KEY"),
			BaseURL:    os.Getenv("EMBEDDING_BASE_URL"),
			Dimensions: dims,
		},
		Store: store,
		Memory: MemoryConfig{
			TopK:             topK,
			UseLLMExtraction: os.Getenv("MEMORY_LLM_EXTRACTION") == "true",
		},
	}

	if host := os.Getenv("IMAP_HOST"); host != "" {
		port, _ := strconv.Atoi(getEnvOrDefault("IMAP_PORT", "993"))
		config.Email = &EmailConfig{
			Host:     host,
			Port:     port,
			Username: os.Getenv("IMAP_USERNAME"),
			Password: os.Getenv("IMAP_PASSWORD"),
			TLS:      getEnvOrDefault("IMAP_TLS", "true") == "true",
			Mailbox:  os.Getenv("IMAP_MAILBOX"),
		}
	}

	if endpoint := os.Getenv("CALDAV_ENDPOINT"); endpoint != "" {
		config.Calendar = &CalendarConfig{
			Endpoint:     endpoint,
			Username:     os.Getenv("CALDAV_USERNAME"),
			Password:     os.Getenv("CALDAV_PASSWORD"),
			CalendarPath: os.Getenv("CALDAV_PATH"),
		}
	}

	return config, nil
}

// LoadConfigFromJSON loads configuration from a JSON file.
func LoadConfigFromJSON(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewAgentError("LoadConfigFromJSON", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, NewAgentError("LoadConfigFromJSON", err)
	}
	return &config, nil
}

// getEnvOrDefault gets an environment variable or returns the default
// value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// findEnvFile searches the current directory and up to 5 parent
// directories for a .env file.
func findEnvFile() (string, bool) {
	dir, _ := os.Getwd()
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			return envPath, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}
