// Package embed wraps a model provider's embedding endpoint behind a batched,
// order-preserving API.
//
// The wrapper holds no mutable state after construction and is safe for
// concurrent use; provider failures and oversized inputs are reported with
// distinct sentinel errors so callers can tell a retryable outage from a
// caller bug.
package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/firebase/genkit/go/ai"

	"github.com/quern-ai/quern/internal/log"
)

var (
	// ErrUnavailable reports that the embedding model could not be reached.
	ErrUnavailable = errors.New("embedding model unavailable")

	// ErrInputTooLarge reports a text exceeding the model's token limit.
	// Callers are expected to chunk before embedding.
	ErrInputTooLarge = errors.New("embedding input too large")
)

// TokenCounter counts tokens for the pre-flight size check.
type TokenCounter interface {
	Count(text string) int
}

// Provider is the outbound embedding surface. Genkit's ai.Embedder satisfies
// it; tests substitute fakes.
type Provider interface {
	Name() string
	Embed(ctx context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error)
}

// Config bounds a single Embedder instance.
type Config struct {
	// ModelID tags every vector this embedder produces.
	ModelID string

	// Dimensions is the vector length the model produces.
	Dimensions int

	// MaxBatch caps texts per provider call. Zero means 64.
	MaxBatch int

	// MaxTextTokens rejects texts over the model's limit. Zero disables the
	// check.
	MaxTextTokens int

	// Timeout bounds each provider call. Zero disables the per-call timeout.
	Timeout time.Duration
}

// Embedder maps texts to fixed-dimension vectors through a Provider.
type Embedder struct {
	provider Provider
	counter  TokenCounter
	cfg      Config
	logger   *slog.Logger
}

const defaultMaxBatch = 64

// New creates an Embedder. counter may be nil when MaxTextTokens is zero.
func New(provider Provider, counter TokenCounter, cfg Config, logger *slog.Logger) (*Embedder, error) {
	if provider == nil {
		return nil, errors.New("embed: nil provider")
	}
	if cfg.ModelID == "" {
		return nil, errors.New("embed: model ID required")
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("embed: dimensions %d must be positive", cfg.Dimensions)
	}
	if cfg.MaxTextTokens > 0 && counter == nil {
		return nil, errors.New("embed: token counter required when MaxTextTokens is set")
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = defaultMaxBatch
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Embedder{
		provider: provider,
		counter:  counter,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// ModelID returns the tag stamped on vectors produced by this embedder.
func (e *Embedder) ModelID() string { return e.cfg.ModelID }

// Dimensions returns the configured vector length.
func (e *Embedder) Dimensions() int { return e.cfg.Dimensions }

// Embed returns one vector per input text, in input order. Inputs over the
// model's token limit fail with ErrInputTooLarge before any provider call;
// provider failures surface as ErrUnavailable.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	if e.cfg.MaxTextTokens > 0 {
		for i, text := range texts {
			if n := e.counter.Count(text); n > e.cfg.MaxTextTokens {
				return nil, fmt.Errorf("%w: text %d is %d tokens, limit %d", ErrInputTooLarge, i, n, e.cfg.MaxTextTokens)
			}
		}
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.cfg.MaxBatch {
		end := min(start+e.cfg.MaxBatch, len(texts))
		batch, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}

	e.logger.Debug("embedded texts", "count", len(texts), "model", e.cfg.ModelID)
	return vectors, nil
}

// EmbedQuery embeds a single text.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *Embedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	docs := make([]*ai.Document, len(texts))
	for i, text := range texts {
		docs[i] = ai.DocumentFromText(text, nil)
	}

	resp, err := e.provider.Embed(ctx, &ai.EmbedRequest{Input: docs})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d texts", ErrUnavailable, len(resp.Embeddings), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for i, emb := range resp.Embeddings {
		if len(emb.Embedding) != e.cfg.Dimensions {
			return nil, fmt.Errorf("%w: vector %d has %d dimensions, expected %d", ErrUnavailable, i, len(emb.Embedding), e.cfg.Dimensions)
		}
		vectors[i] = emb.Embedding
	}
	return vectors, nil
}
