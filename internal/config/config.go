// Package config loads and validates quern's configuration.
//
// Sources, strongest first: environment variables, an optional YAML file
// (~/.quern/config.yaml or ./config.yaml), built-in defaults. DATABASE_URL
// is applied on top of the postgres_* settings after everything else.
//
// Settings are grouped by concern: generation (provider, model,
// temperature), storage (postgres, redis; storage.go), the retrieval
// pipeline (chunking, embedding, retrieval, memory, budgets; pipeline.go)
// and observability (otel, log; observability.go). Validation lives in
// validation.go and runs on every Load. Secrets are masked wherever a
// Config is printed or marshaled, and the config directory is created
// 0750.
//
// Validation failures wrap the sentinel errors below, so callers can
// branch with errors.Is.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil marks a nil *Config handed to Validate.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey means the selected provider needs an API key that
	// is not in the environment.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidModelName rejects an empty or malformed model name.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidTemperature rejects a sampling temperature outside [0, 2].
	ErrInvalidTemperature = errors.New("invalid temperature")

	// ErrInvalidMaxTokens rejects a non-positive or absurd token cap.
	ErrInvalidMaxTokens = errors.New("invalid max tokens")

	// ErrInvalidEmbedderModel rejects an empty embedder model.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidEmbedding rejects embedding settings (dimensions, batch,
	// input cap) the pipeline cannot run with.
	ErrInvalidEmbedding = errors.New("invalid embedding configuration")

	// ErrInvalidChunking rejects chunk sizes that cannot make forward
	// progress, such as overlap at or above the chunk size.
	ErrInvalidChunking = errors.New("invalid chunking configuration")

	// ErrInvalidRetrieval rejects retrieval settings such as a
	// non-positive top_k.
	ErrInvalidRetrieval = errors.New("invalid retrieval configuration")

	// ErrInvalidBudget rejects prompt budgets whose parts exceed the
	// whole.
	ErrInvalidBudget = errors.New("invalid budget configuration")

	// ErrInvalidMemory rejects conversation memory settings.
	ErrInvalidMemory = errors.New("invalid memory configuration")

	// ErrInvalidIndex rejects vector index settings.
	ErrInvalidIndex = errors.New("invalid index configuration")

	// ErrInvalidRetry rejects retry settings.
	ErrInvalidRetry = errors.New("invalid retry configuration")

	// ErrInvalidRateLimit rejects rate limit settings.
	ErrInvalidRateLimit = errors.New("invalid rate limit configuration")

	// ErrInvalidPostgresHost rejects an empty PostgreSQL host.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort rejects a PostgreSQL port outside 1-65535.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName rejects an empty database name.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresPassword rejects an empty password.
	ErrInvalidPostgresPassword = errors.New("invalid PostgreSQL password")

	// ErrInvalidPostgresSSLMode rejects an sslmode libpq does not know.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrInvalidRedisAddr rejects an empty Redis address when the redis
	// memory backend is selected.
	ErrInvalidRedisAddr = errors.New("invalid Redis address")

	// ErrInvalidProvider rejects a provider other than gemini, ollama or
	// openai.
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrInvalidOllamaHost rejects an empty Ollama host URL.
	ErrInvalidOllamaHost = errors.New("invalid Ollama host")
)

const (
	// DefaultEmbedderModel is the default Gemini embedder.
	// text-embedding-004 outputs 768 dimensions natively, matching the
	// pgvector schema; see embedding.dimensions.
	DefaultEmbedderModel = "text-embedding-004"

	// DefaultEmbeddingDimensions is the vector length the schema stores.
	DefaultEmbeddingDimensions = 768
)

// AI provider identifiers used in Config.Provider.
const (
	ProviderGemini   = "gemini"
	ProviderOllama   = "ollama"
	ProviderOpenAI   = "openai"
	ProviderGoogleAI = "googleai"
)

// Conversation memory backend identifiers used in MemoryConfig.Backend.
const (
	MemoryBackendPostgres = "postgres"
	MemoryBackendRedis    = "redis"
	MemoryBackendInMem    = "memory"
)

// Vector index backend identifiers used in IndexConfig.Backend.
const (
	IndexBackendPostgres = "postgres"
	IndexBackendInMem    = "memory"
)

// Summarizer identifiers used in MemoryConfig.Summarizer.
const (
	SummarizerFrequency = "frequency"
	SummarizerModel     = "model"
)

// Tokenizer identifiers used in ChunkingConfig.Tokenizer.
const (
	TokenizerTiktoken = "tiktoken"
	TokenizerWords    = "words"
)

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON.
// When adding a password, API key or token field, update MarshalJSON too.
type Config struct {
	// AI provider and model configuration
	Provider    string  `mapstructure:"provider" json:"provider"`     // "gemini" (default), "ollama", "openai"
	ModelName   string  `mapstructure:"model_name" json:"model_name"` // e.g. "gemini-2.5-flash", "llama3.3", "gpt-4o"
	Temperature float32 `mapstructure:"temperature" json:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens" json:"max_tokens"`

	// Ollama configuration (only used when provider is "ollama")
	OllamaHost string `mapstructure:"ollama_host" json:"ollama_host"`

	// Storage configuration (see storage.go)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password" sensitive:"true"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Redis configuration (only used when memory.backend is "redis")
	Redis RedisConfig `mapstructure:"redis" json:"redis"`

	// Embedding configuration
	EmbedderModel string          `mapstructure:"embedder_model" json:"embedder_model"`
	Embedding     EmbeddingConfig `mapstructure:"embedding" json:"embedding"`

	// Pipeline configuration (see pipeline.go for type definitions)
	Chunking  ChunkingConfig  `mapstructure:"chunking" json:"chunking"`
	Retrieval RetrievalConfig `mapstructure:"retrieval" json:"retrieval"`
	Budget    BudgetConfig    `mapstructure:"budget" json:"budget"`
	Memory    MemoryConfig    `mapstructure:"memory" json:"memory"`
	Index     IndexConfig     `mapstructure:"index" json:"index"`
	Retry     RetryConfig     `mapstructure:"retry" json:"retry"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" json:"rate_limit"`

	// Observability configuration (see observability.go)
	Otel OtelConfig `mapstructure:"otel" json:"otel"`
	Log  LogConfig  `mapstructure:"log" json:"log"`

	// HTTP server configuration (serve mode only)
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`
	TrustProxy  bool     `mapstructure:"trust_proxy" json:"trust_proxy"` // trust X-Real-IP/X-Forwarded-For (set behind a reverse proxy)
}

// Load builds the configuration from defaults, an optional config file
// and environment overrides, applies DATABASE_URL, and validates the
// result before returning it.
func Load() (*Config, error) {
	dir, err := ensureConfigDir()
	if err != nil {
		return nil, err
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(dir)
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Running on defaults alone is the normal quick-start path.
		slog.Debug("no config file found, using defaults",
			"search_paths", []string{dir, "."})
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// ensureConfigDir returns ~/.quern, creating it on first run. 0750 keeps
// a config.yaml holding credentials away from other users.
func ensureConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting user home directory: %w", err)
	}
	dir := filepath.Join(home, ".quern")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}
	return dir, nil
}

// setDefaults registers every default. A fresh install with a local
// postgres and a GEMINI_API_KEY runs on these alone.
func setDefaults() {
	// Generation
	viper.SetDefault("provider", ProviderGemini)
	viper.SetDefault("model_name", "gemini-2.5-flash")
	viper.SetDefault("temperature", 0.7)
	viper.SetDefault("max_tokens", 2048)
	viper.SetDefault("ollama_host", "http://localhost:11434")

	// Postgres (matches docker-compose.yml)
	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "quern")
	viper.SetDefault("postgres_password", "quern_dev_password")
	viper.SetDefault("postgres_db_name", "quern")
	viper.SetDefault("postgres_ssl_mode", "disable")

	// Redis
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)

	// Embedding
	viper.SetDefault("embedder_model", DefaultEmbedderModel)
	viper.SetDefault("embedding.dimensions", DefaultEmbeddingDimensions)
	viper.SetDefault("embedding.max_batch", 64)
	viper.SetDefault("embedding.max_text_tokens", 2048)
	viper.SetDefault("embedding.timeout_ms", 30000)

	// Chunking
	viper.SetDefault("chunking.max_tokens", 200)
	viper.SetDefault("chunking.overlap_tokens", 20)
	viper.SetDefault("chunking.tokenizer", TokenizerTiktoken)

	// Retrieval
	viper.SetDefault("retrieval.top_k", 8)
	viper.SetDefault("retrieval.overfetch_factor", 3)
	viper.SetDefault("retrieval.min_similarity", 0.1)

	// Prompt budget
	viper.SetDefault("budget.total_tokens", 8000)
	viper.SetDefault("budget.context_tokens", 2000)
	viper.SetDefault("budget.memory_tokens", 2000)

	// Conversation memory
	viper.SetDefault("memory.backend", MemoryBackendPostgres)
	viper.SetDefault("memory.cap_tokens", 2048)
	viper.SetDefault("memory.summary_tokens", 256)
	viper.SetDefault("memory.summarizer", SummarizerFrequency)

	// Vector index
	viper.SetDefault("index.backend", IndexBackendPostgres)
	viper.SetDefault("index.snapshot_path", "")

	// Retry
	viper.SetDefault("retry.max_retries", 3)
	viper.SetDefault("retry.initial_interval_ms", 500)
	viper.SetDefault("retry.max_interval_ms", 10000)

	// Rate limits: llm_* throttles outbound model calls, http_* throttles
	// per-client API requests.
	viper.SetDefault("rate_limit.llm_rps", 10)
	viper.SetDefault("rate_limit.llm_burst", 30)
	viper.SetDefault("rate_limit.http_rps", 5)
	viper.SetDefault("rate_limit.http_burst", 60)

	// HTTP server: no cross-origin access, no proxy headers, until
	// configured otherwise.
	viper.SetDefault("cors_origins", []string{})
	viper.SetDefault("trust_proxy", false)

	// Observability (empty otel endpoint = tracing disabled)
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.environment", "dev")
	viper.SetDefault("otel.service_name", "quern")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
}

// bindEnvVariables wires each supported environment variable to its viper
// key. Bindings are explicit rather than AutomaticEnv so a QUERN_* typo
// cannot silently become configuration.
//
// Deliberately absent: GEMINI_API_KEY and OPENAI_API_KEY are read by the
// genkit plugins themselves (validation only checks presence), and
// DATABASE_URL goes through parseDatabaseURL.
func bindEnvVariables() {
	bindings := map[string]string{
		"provider":       "QUERN_PROVIDER",
		"model_name":     "QUERN_MODEL_NAME",
		"ollama_host":    "QUERN_OLLAMA_HOST",
		"embedder_model": "QUERN_EMBEDDER_MODEL",
		"memory.backend": "QUERN_MEMORY_BACKEND",
		"index.backend":  "QUERN_INDEX_BACKEND",
		"redis.addr":     "QUERN_REDIS_ADDR",
		"redis.password": "QUERN_REDIS_PASSWORD",
		"cors_origins":   "QUERN_CORS_ORIGINS",
		"trust_proxy":    "QUERN_TRUST_PROXY",
		"otel.endpoint":  "OTEL_EXPORTER_OTLP_ENDPOINT",
		"log.level":      "QUERN_LOG_LEVEL",
		"log.format":     "QUERN_LOG_FORMAT",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			// BindEnv only fails on an empty key; both strings are
			// hardcoded above.
			panic(fmt.Sprintf("binding %q to %q: %v", key, env, err))
		}
	}
}

// maskedValue replaces secret bytes in logs. Full-width block glyphs
// cannot occur in a real credential, so the mask never matches a
// substring of the secret it replaced; ASCII masks like "****" or
// "[REDACTED]" can.
const maskedValue = "████████"

// maskSecret prepares a secret for logging: first and last two bytes
// survive as a debugging hint, the rest is replaced. Secrets of 8 bytes
// or fewer are fully masked, since a 2-byte hint of a short secret gives
// away too much.
//
// This guards against accidental logging, nothing more. If logs leak,
// rotate the secret.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON masks sensitive fields: PostgresPassword here,
// Redis.Password via RedisConfig.MarshalJSON. New secret fields must be
// added to one of the two.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// FullModelName returns the provider-qualified model name for genkit
// lookups, e.g. "googleai/gemini-2.5-flash" or "ollama/llama3.3". A
// ModelName already carrying a "/" is returned untouched.
func (c *Config) FullModelName() string {
	if strings.Contains(c.ModelName, "/") {
		return c.ModelName
	}
	provider := c.Provider
	switch provider {
	case ProviderOllama, ProviderOpenAI:
	default:
		// genkit registers gemini models under the googleai namespace.
		provider = ProviderGoogleAI
	}
	return provider + "/" + c.ModelName
}

// String renders the masked JSON form, so %v of a Config never prints
// secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
