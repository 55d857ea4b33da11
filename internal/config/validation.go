package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"slices"
)

const (
	// Gemini 2.5 caps the context window at 2,097,152 tokens.
	maxModelTokens = 2097152

	// pgvector refuses vectors wider than 16,000 dimensions.
	maxVectorDimensions = 16000

	// Ships in config.yaml templates; fine for local work, warned about otherwise.
	devPostgresPassword = "quern_dev_password"
)

// Validate checks that every configured value is usable. It inspects shape
// only and never looks for credentials, so commands that do not talk to a
// model (version, sessions) run without API keys; ValidateProvider covers
// the credential half before a provider client is built.
//
// Every failure wraps a sentinel from errors.go, so callers branch with
// errors.Is rather than string matching.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}
	for _, check := range []func() error{
		c.checkProvider,
		c.checkModel,
		c.checkEmbedding,
		c.checkChunking,
		c.checkRetrieval,
		c.checkBudget,
		c.checkMemory,
		c.checkIndex,
		c.checkRetry,
		c.checkRateLimit,
		c.checkPostgres,
		c.checkRedis,
	} {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

// memberOf wraps sentinel when got is outside the allowed set.
func memberOf(sentinel error, field, got string, allowed []string) error {
	if slices.Contains(allowed, got) {
		return nil
	}
	return fmt.Errorf("%w: %s %q is not one of %v", sentinel, field, got, allowed)
}

func (c *Config) checkProvider() error {
	return memberOf(ErrInvalidProvider, "provider", c.Provider,
		[]string{ProviderGemini, ProviderGoogleAI, ProviderOllama, ProviderOpenAI})
}

func (c *Config) checkModel() error {
	if c.ModelName == "" {
		return fmt.Errorf("%w: model_name is empty", ErrInvalidModelName)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("%w: %v is outside [0, 2]", ErrInvalidTemperature, c.Temperature)
	}
	if c.MaxTokens < 1 || c.MaxTokens > maxModelTokens {
		return fmt.Errorf("%w: %d is outside [1, %d]", ErrInvalidMaxTokens, c.MaxTokens, maxModelTokens)
	}
	return nil
}

func (c *Config) checkEmbedding() error {
	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: embedder_model is empty", ErrInvalidEmbedderModel)
	}
	e := c.Embedding
	if e.Dimensions < 1 || e.Dimensions > maxVectorDimensions {
		return fmt.Errorf("%w: dimensions %d outside [1, %d]",
			ErrInvalidEmbedding, e.Dimensions, maxVectorDimensions)
	}
	if e.MaxBatch < 1 {
		return fmt.Errorf("%w: max_batch is %d, need at least 1", ErrInvalidEmbedding, e.MaxBatch)
	}
	if e.TimeoutMs < 0 {
		return fmt.Errorf("%w: timeout_ms %d is negative", ErrInvalidEmbedding, e.TimeoutMs)
	}
	return nil
}

func (c *Config) checkChunking() error {
	ch := c.Chunking
	if ch.MaxTokens < 1 {
		return fmt.Errorf("%w: max_tokens is %d, need at least 1", ErrInvalidChunking, ch.MaxTokens)
	}
	if ch.OverlapTokens < 0 {
		return fmt.Errorf("%w: overlap_tokens %d is negative", ErrInvalidChunking, ch.OverlapTokens)
	}
	// Overlap must leave forward progress or chunking never terminates.
	if ch.OverlapTokens >= ch.MaxTokens {
		return fmt.Errorf("%w: overlap_tokens %d must stay below max_tokens %d",
			ErrInvalidChunking, ch.OverlapTokens, ch.MaxTokens)
	}
	return memberOf(ErrInvalidChunking, "tokenizer", ch.Tokenizer,
		[]string{TokenizerTiktoken, TokenizerWords})
}

func (c *Config) checkRetrieval() error {
	r := c.Retrieval
	if r.TopK < 1 || r.TopK > 100 {
		return fmt.Errorf("%w: top_k %d outside [1, 100]", ErrInvalidRetrieval, r.TopK)
	}
	if r.OverfetchFactor < 1 {
		return fmt.Errorf("%w: overfetch_factor is %d, need at least 1",
			ErrInvalidRetrieval, r.OverfetchFactor)
	}
	// Cosine similarity lands in [0, 1]; a floor of 1.0 would discard every hit.
	if r.MinSimilarity < 0 || r.MinSimilarity >= 1 {
		return fmt.Errorf("%w: min_similarity %v outside [0.0, 1.0)",
			ErrInvalidRetrieval, r.MinSimilarity)
	}
	return nil
}

func (c *Config) checkBudget() error {
	b := c.Budget
	if b.TotalTokens < 1 {
		return fmt.Errorf("%w: total_tokens is %d, need at least 1", ErrInvalidBudget, b.TotalTokens)
	}
	if b.ContextTokens < 1 || b.ContextTokens >= b.TotalTokens {
		return fmt.Errorf("%w: context_tokens %d outside [1, total_tokens %d)",
			ErrInvalidBudget, b.ContextTokens, b.TotalTokens)
	}
	if b.MemoryTokens < 1 || b.MemoryTokens >= b.TotalTokens {
		return fmt.Errorf("%w: memory_tokens %d outside [1, total_tokens %d)",
			ErrInvalidBudget, b.MemoryTokens, b.TotalTokens)
	}
	return nil
}

func (c *Config) checkMemory() error {
	m := c.Memory
	if err := memberOf(ErrInvalidMemory, "backend", m.Backend,
		[]string{MemoryBackendPostgres, MemoryBackendRedis, MemoryBackendInMem}); err != nil {
		return err
	}
	if m.CapTokens < 1 {
		return fmt.Errorf("%w: cap_tokens is %d, need at least 1", ErrInvalidMemory, m.CapTokens)
	}
	// The summary is carved out of the cap; it cannot consume the whole window.
	if m.SummaryTokens < 1 || m.SummaryTokens >= m.CapTokens {
		return fmt.Errorf("%w: summary_tokens %d outside [1, cap_tokens %d)",
			ErrInvalidMemory, m.SummaryTokens, m.CapTokens)
	}
	return memberOf(ErrInvalidMemory, "summarizer", m.Summarizer,
		[]string{SummarizerFrequency, SummarizerModel})
}

func (c *Config) checkIndex() error {
	return memberOf(ErrInvalidIndex, "backend", c.Index.Backend,
		[]string{IndexBackendPostgres, IndexBackendInMem})
}

func (c *Config) checkRetry() error {
	r := c.Retry
	if r.MaxRetries < 0 || r.MaxRetries > 10 {
		return fmt.Errorf("%w: max_retries %d outside [0, 10]", ErrInvalidRetry, r.MaxRetries)
	}
	if r.InitialIntervalMs < 1 {
		return fmt.Errorf("%w: initial_interval_ms is %d, need at least 1",
			ErrInvalidRetry, r.InitialIntervalMs)
	}
	if r.MaxIntervalMs < r.InitialIntervalMs {
		return fmt.Errorf("%w: max_interval_ms %d is below initial_interval_ms %d",
			ErrInvalidRetry, r.MaxIntervalMs, r.InitialIntervalMs)
	}
	return nil
}

func (c *Config) checkRateLimit() error {
	rl := c.RateLimit
	if rl.LLMRPS <= 0 || rl.LLMBurst < 1 {
		return fmt.Errorf("%w: llm_rps must be positive with llm_burst at least 1, got %v/%d",
			ErrInvalidRateLimit, rl.LLMRPS, rl.LLMBurst)
	}
	if rl.HTTPRPS <= 0 || rl.HTTPBurst < 1 {
		return fmt.Errorf("%w: http_rps must be positive with http_burst at least 1, got %v/%d",
			ErrInvalidRateLimit, rl.HTTPRPS, rl.HTTPBurst)
	}
	return nil
}

func (c *Config) checkPostgres() error {
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host is empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: %d outside [1, 65535]", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name is empty", ErrInvalidPostgresDBName)
	}
	if err := c.checkPostgresPassword(); err != nil {
		return err
	}
	return c.checkPostgresSSLMode()
}

func (c *Config) checkPostgresPassword() error {
	switch {
	case c.PostgresPassword == "":
		return fmt.Errorf("%w: postgres_password must be set", ErrInvalidPostgresPassword)
	case c.PostgresPassword == devPostgresPassword:
		// Tolerated so local setups keep working, but loudly.
		slog.Warn("postgres_password is still the development default; rotate it before deploying")
	case len(c.PostgresPassword) < 8:
		return fmt.Errorf("%w: postgres_password needs at least 8 characters, got %d",
			ErrInvalidPostgresPassword, len(c.PostgresPassword))
	}
	return nil
}

// libpq also accepts "allow" and "prefer", but both silently fall back to
// plaintext when the server permits it, so they stay rejected here.
func (c *Config) checkPostgresSSLMode() error {
	if c.PostgresSSLMode == "" {
		return fmt.Errorf("%w: postgres_ssl_mode is empty", ErrInvalidPostgresSSLMode)
	}
	return memberOf(ErrInvalidPostgresSSLMode, "postgres_ssl_mode", c.PostgresSSLMode,
		[]string{"disable", "require", "verify-ca", "verify-full"})
}

func (c *Config) checkRedis() error {
	if c.Memory.Backend == MemoryBackendRedis && c.Redis.Addr == "" {
		return fmt.Errorf("%w: redis.addr is required for the %s memory backend",
			ErrInvalidRedisAddr, MemoryBackendRedis)
	}
	return nil
}

// ValidateProvider checks that credentials for the active provider are
// present. Split off from Validate so key-less commands never demand one.
func (c *Config) ValidateProvider() error {
	if c == nil {
		return ErrConfigNil
	}
	switch c.Provider {
	case ProviderOllama:
		// Ollama is local and keyless; the host just has to be a usable URL.
		u, err := url.Parse(c.OllamaHost)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("%w: ollama_host %q is not an http(s) URL (try http://localhost:11434)",
				ErrInvalidOllamaHost, c.OllamaHost)
		}
		return nil
	case ProviderOpenAI:
		return requireKey("OPENAI_API_KEY", "https://platform.openai.com/api-keys")
	default: // gemini and googleai share a key
		return requireKey("GEMINI_API_KEY", "https://ai.google.dev/gemini-api/docs/api-key")
	}
}

func requireKey(env, docs string) error {
	if os.Getenv(env) == "" {
		return fmt.Errorf("%w: set %s (create one at %s)", ErrMissingAPIKey, env, docs)
	}
	return nil
}
