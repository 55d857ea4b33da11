package config

import "time"

// EmbeddingConfig holds embedding call configuration.
type EmbeddingConfig struct {
	// Dimensions is the vector length the embedder produces (default: 768).
	// Must match the pgvector column width; changing it requires re-ingesting.
	Dimensions int `mapstructure:"dimensions" json:"dimensions"`
	// MaxBatch is max texts per provider call (default: 64)
	MaxBatch int `mapstructure:"max_batch" json:"max_batch"`
	// MaxTextTokens rejects texts over the embedder's limit (default: 2048)
	MaxTextTokens int `mapstructure:"max_text_tokens" json:"max_text_tokens"`
	// TimeoutMs is per-call timeout in milliseconds (default: 30000)
	TimeoutMs int `mapstructure:"timeout_ms" json:"timeout_ms"`
}

// Timeout returns the per-call timeout as a duration.
func (e EmbeddingConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutMs) * time.Millisecond
}

// ChunkingConfig holds document chunking configuration.
type ChunkingConfig struct {
	// MaxTokens is the chunk size ceiling (default: 200)
	MaxTokens int `mapstructure:"max_tokens" json:"max_tokens"`
	// OverlapTokens is how many tokens consecutive chunks share (default: 20)
	OverlapTokens int `mapstructure:"overlap_tokens" json:"overlap_tokens"`
	// Tokenizer selects the counting scheme: "tiktoken" or "words" (default: tiktoken)
	Tokenizer string `mapstructure:"tokenizer" json:"tokenizer"`
}

// RetrievalConfig holds similarity search configuration.
type RetrievalConfig struct {
	// TopK is the number of chunks to aim for per query (default: 8)
	TopK int `mapstructure:"top_k" json:"top_k"`
	// OverfetchFactor multiplies TopK for the index query (default: 3)
	OverfetchFactor int `mapstructure:"overfetch_factor" json:"overfetch_factor"`
	// MinSimilarity discards hits scoring below this (default: 0.1)
	MinSimilarity float64 `mapstructure:"min_similarity" json:"min_similarity"`
}

// BudgetConfig holds the prompt token budget split.
type BudgetConfig struct {
	// TotalTokens is the whole prompt budget (default: 8000)
	TotalTokens int `mapstructure:"total_tokens" json:"total_tokens"`
	// ContextTokens is the ceiling for retrieved chunks (default: 2000)
	ContextTokens int `mapstructure:"context_tokens" json:"context_tokens"`
	// MemoryTokens is the ceiling for the conversation window (default: 2000)
	MemoryTokens int `mapstructure:"memory_tokens" json:"memory_tokens"`
}

// MemoryConfig holds conversation memory configuration.
type MemoryConfig struct {
	// Backend selects persistence: "postgres", "redis", or "memory" (default: postgres)
	Backend string `mapstructure:"backend" json:"backend"`
	// CapTokens is the per-session token cap before eviction (default: 2048)
	CapTokens int `mapstructure:"cap_tokens" json:"cap_tokens"`
	// SummaryTokens caps the eviction summary (default: 256)
	SummaryTokens int `mapstructure:"summary_tokens" json:"summary_tokens"`
	// Summarizer selects the eviction summarizer: "frequency" or "model" (default: frequency)
	Summarizer string `mapstructure:"summarizer" json:"summarizer"`
}

// IndexConfig holds vector index configuration.
type IndexConfig struct {
	// Backend selects the index: "postgres" or "memory" (default: postgres)
	Backend string `mapstructure:"backend" json:"backend"`
	// SnapshotPath persists the in-memory index across restarts.
	// Only used when Backend is "memory"; empty disables snapshots.
	SnapshotPath string `mapstructure:"snapshot_path" json:"snapshot_path"`
}

// RetryConfig holds LLM call retry configuration.
type RetryConfig struct {
	// MaxRetries is retry attempts after the first call (default: 3)
	MaxRetries int `mapstructure:"max_retries" json:"max_retries"`
	// InitialIntervalMs is the first backoff delay in milliseconds (default: 500)
	InitialIntervalMs int `mapstructure:"initial_interval_ms" json:"initial_interval_ms"`
	// MaxIntervalMs is the backoff ceiling in milliseconds (default: 10000)
	MaxIntervalMs int `mapstructure:"max_interval_ms" json:"max_interval_ms"`
}

// InitialInterval returns the first backoff delay as a duration.
func (r RetryConfig) InitialInterval() time.Duration {
	return time.Duration(r.InitialIntervalMs) * time.Millisecond
}

// MaxInterval returns the backoff ceiling as a duration.
func (r RetryConfig) MaxInterval() time.Duration {
	return time.Duration(r.MaxIntervalMs) * time.Millisecond
}

// RateLimitConfig holds rate limiter configuration.
// llm_* throttles outbound model calls process-wide; http_* throttles
// inbound API requests per client IP.
type RateLimitConfig struct {
	LLMRPS    float64 `mapstructure:"llm_rps" json:"llm_rps"`
	LLMBurst  int     `mapstructure:"llm_burst" json:"llm_burst"`
	HTTPRPS   float64 `mapstructure:"http_rps" json:"http_rps"`
	HTTPBurst int     `mapstructure:"http_burst" json:"http_burst"`
}
