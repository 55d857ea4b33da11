// Package retrieve turns a user query into the set of indexed chunks worth
// spending prompt budget on.
package retrieve

import (
	"context"
	"errors"
	"fmt"

	"github.com/quern-ai/quern/internal/index"
	"github.com/quern-ai/quern/internal/log"
)

// Defaults for the selection policy.
const (
	// DefaultTargetCount is the number of chunks a query aims to keep.
	DefaultTargetCount = 8

	// DefaultOverfetchFactor is how many times the target count is
	// fetched from the index so post-filtering has slack to discard.
	DefaultOverfetchFactor = 3

	// DefaultMinSimilarity discards hits with near-zero cosine
	// similarity; they are noise even when the index has nothing better.
	DefaultMinSimilarity = 0.1
)

// Embedder produces the query vector.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Searcher is the slice of the index the retriever needs.
type Searcher interface {
	Query(ctx context.Context, vector []float32, k int, filter index.Filter) ([]index.Hit, error)
}

// Config tunes the selection policy.
type Config struct {
	// TargetCount is the number of chunks to aim for per query.
	TargetCount int

	// OverfetchFactor multiplies TargetCount for the index query, leaving
	// room to drop low-similarity and already-known chunks afterwards.
	OverfetchFactor int

	// MinSimilarity is the score below which hits are discarded.
	MinSimilarity float64
}

// Result is the outcome of one retrieval. An empty Hits slice is a normal
// outcome, not an error: the caller answers from memory and the model alone.
type Result struct {
	Hits       []index.Hit
	TokensUsed int
}

// Retriever embeds queries and selects context chunks under a token budget.
type Retriever struct {
	embedder Embedder
	searcher Searcher
	cfg      Config
	logger   log.Logger
}

// New creates a Retriever. Zero config fields fall back to defaults.
func New(embedder Embedder, searcher Searcher, cfg Config, logger log.Logger) (*Retriever, error) {
	if embedder == nil {
		return nil, errors.New("embedder required")
	}
	if searcher == nil {
		return nil, errors.New("searcher required")
	}
	if cfg.TargetCount == 0 {
		cfg.TargetCount = DefaultTargetCount
	}
	if cfg.OverfetchFactor == 0 {
		cfg.OverfetchFactor = DefaultOverfetchFactor
	}
	if cfg.MinSimilarity == 0 {
		cfg.MinSimilarity = DefaultMinSimilarity
	}
	if cfg.TargetCount < 0 || cfg.OverfetchFactor < 1 {
		return nil, fmt.Errorf("invalid retrieval config: target %d, overfetch %d", cfg.TargetCount, cfg.OverfetchFactor)
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Retriever{embedder: embedder, searcher: searcher, cfg: cfg, logger: logger}, nil
}

// Retrieve embeds queryText, over-fetches candidates from the index and
// greedily keeps the most similar ones until the next chunk would push past
// tokenBudget. A chunk never goes in partially. Chunks whose text already
// appears verbatim in exclude (the conversation window, typically) are
// dropped so the prompt doesn't repeat itself.
func (r *Retriever) Retrieve(ctx context.Context, queryText string, tokenBudget int, filter index.Filter, exclude []string) (*Result, error) {
	if tokenBudget <= 0 {
		return &Result{}, nil
	}

	vector, err := r.embedder.EmbedQuery(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	k := r.cfg.TargetCount * r.cfg.OverfetchFactor
	hits, err := r.searcher.Query(ctx, vector, k, filter)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	known := make(map[string]struct{}, len(exclude))
	for _, text := range exclude {
		known[text] = struct{}{}
	}

	result := &Result{}
	for _, hit := range hits {
		if hit.Score < r.cfg.MinSimilarity {
			// Hits arrive in descending score order; the rest are
			// below threshold too.
			break
		}
		if _, dup := known[hit.Entry.Text]; dup {
			continue
		}
		if result.TokensUsed+hit.Entry.TokenCount > tokenBudget {
			break
		}
		result.Hits = append(result.Hits, hit)
		result.TokensUsed += hit.Entry.TokenCount
	}

	r.logger.Debug("retrieved context",
		"candidates", len(hits),
		"selected", len(result.Hits),
		"tokens", result.TokensUsed,
		"budget", tokenBudget)
	return result, nil
}
