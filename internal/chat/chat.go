// Package chat orchestrates one generation call: retrieve context, fetch the
// conversation window, assemble a budgeted prompt, call the model with retry
// and breaker protection, and commit the exchange to memory.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/quern-ai/quern/internal/index"
	"github.com/quern-ai/quern/internal/log"
	"github.com/quern-ai/quern/internal/retrieve"
	"github.com/quern-ai/quern/internal/session"
)

// fallbackResponse is returned when the model produces empty text.
const fallbackResponse = "I could not generate a response. Please try rephrasing your question."

// Sentinel errors for generation calls.
var (
	// ErrInvalidRequest indicates a malformed request (empty query, nil
	// session id).
	ErrInvalidRequest = errors.New("invalid request")

	// ErrUpstreamFailure indicates the model provider failed after the
	// retry budget was spent, or failed non-transiently.
	ErrUpstreamFailure = errors.New("model upstream failure")

	// ErrBackpressure indicates the provider kept rate-limiting past the
	// retry budget.
	ErrBackpressure = errors.New("model rate limited")
)

// Request is one generation call.
type Request struct {
	SessionID uuid.UUID
	Text      string
	// Filter optionally restricts retrieval to entries whose metadata
	// matches.
	Filter index.Filter
}

// Source attributes part of a response to an indexed chunk.
type Source struct {
	DocumentID uuid.UUID `json:"document_id"`
	SourceURI  string    `json:"source_uri"`
	Start      int       `json:"start"`
	End        int       `json:"end"`
	Score      float64   `json:"score"`
}

// Usage describes what one call cost.
type Usage struct {
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	TotalTokens  int    `json:"total_tokens"`
	Retries      int    `json:"retries"`
	LatencyMS    int64  `json:"latency_ms"`
	Model        string `json:"model"`
}

// Response is a completed generation.
type Response struct {
	Text    string   `json:"answer"`
	Sources []Source `json:"sources,omitempty"`
	Usage   Usage    `json:"usage"`
	State   State    `json:"-"`
}

// Retriever supplies budgeted context for a query.
type Retriever interface {
	Retrieve(ctx context.Context, queryText string, tokenBudget int, filter index.Filter, exclude []string) (*retrieve.Result, error)
}

// Config contains all required parameters for the Orchestrator.
type Config struct {
	Model     Model
	Retriever Retriever
	Sessions  *session.Store
	Tokens    Tokenizer
	Logger    log.Logger

	// Resilience configuration (zero values use defaults).
	RetryConfig          RetryConfig
	CircuitBreakerConfig CircuitBreakerConfig

	// RateLimiter is shared process-wide; every outbound attempt waits on
	// it. Nil installs the default.
	RateLimiter *rate.Limiter

	// TokenBudget governs the prompt split (zero fields use defaults).
	TokenBudget TokenBudget
}

func (cfg Config) validate() error {
	if cfg.Model == nil {
		return errors.New("model is required")
	}
	if cfg.Retriever == nil {
		return errors.New("retriever is required")
	}
	if cfg.Sessions == nil {
		return errors.New("session store is required")
	}
	if cfg.Tokens == nil {
		return errors.New("tokenizer is required")
	}
	return nil
}

// Orchestrator coordinates retrieval, memory and the model for one query at
// a time. It is stateless per call and safe for concurrent use; the rate
// limiter and circuit breaker are shared across all calls.
type Orchestrator struct {
	model     Model
	retriever Retriever
	sessions  *session.Store
	tokens    Tokenizer

	retryConfig RetryConfig
	breaker     *CircuitBreaker
	limiter     *rate.Limiter
	budget      TokenBudget

	logger log.Logger
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	retryConfig := cfg.RetryConfig
	if retryConfig.MaxRetries == 0 {
		retryConfig = DefaultRetryConfig()
	}

	cbConfig := cfg.CircuitBreakerConfig
	if cbConfig.FailureThreshold == 0 {
		cbConfig = DefaultCircuitBreakerConfig()
	}

	budget := cfg.TokenBudget
	if budget.TotalTokens == 0 {
		budget.TotalTokens = DefaultTokenBudget().TotalTokens
	}
	if budget.MaxContextTokens == 0 {
		budget.MaxContextTokens = DefaultTokenBudget().MaxContextTokens
	}
	if budget.MaxMemoryTokens == 0 {
		budget.MaxMemoryTokens = DefaultTokenBudget().MaxMemoryTokens
	}

	// Default: 10 requests/sec sustained, burst of 30.
	limiter := cfg.RateLimiter
	if limiter == nil {
		limiter = rate.NewLimiter(10, 30)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	return &Orchestrator{
		model:       cfg.Model,
		retriever:   cfg.Retriever,
		sessions:    cfg.Sessions,
		tokens:      cfg.Tokens,
		retryConfig: retryConfig,
		breaker:     NewCircuitBreaker(cbConfig),
		limiter:     limiter,
		budget:      budget,
		logger:      logger,
	}, nil
}

// trace follows one call through the state machine.
type trace struct {
	sessionID uuid.UUID
	state     State
}

func (o *Orchestrator) transition(tr *trace, next State) {
	o.logger.Debug("generation state",
		"session_id", tr.sessionID,
		"from", tr.state.String(),
		"to", next.String())
	tr.state = next
}

// Generate answers one query. On success the user and assistant turns are
// appended to the session in a single atomic write; on any failure the
// session is left untouched. The call honors ctx cancellation up to that
// memory commit.
func (o *Orchestrator) Generate(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("%w: empty query text", ErrInvalidRequest)
	}
	if req.SessionID == uuid.Nil {
		return nil, fmt.Errorf("%w: session id required", ErrInvalidRequest)
	}

	tr := &trace{sessionID: req.SessionID, state: StatePending}
	start := time.Now()

	// Budget split: system instructions and the query are charged first
	// and never trimmed.
	fixed := o.tokens.Count(systemInstructions) + o.tokens.Count(req.Text)
	avail := o.budget.available(fixed)

	window, err := o.sessions.Window(ctx, req.SessionID, o.budget.memoryBudget(avail))
	if err != nil {
		o.transition(tr, StateFailed)
		return nil, fmt.Errorf("fetching memory window: %w", err)
	}
	memoryUsed := windowTokens(window)

	exclude := make([]string, len(window))
	for i, turn := range window {
		exclude[i] = turn.Text
	}

	retrieved, err := o.retriever.Retrieve(ctx, req.Text, o.budget.contextBudget(avail, memoryUsed), req.Filter, exclude)
	if err != nil {
		o.transition(tr, StateFailed)
		return nil, fmt.Errorf("retrieving context: %w", err)
	}

	messages, summary := windowMessages(window)
	messages = append(messages, ai.NewUserMessage(ai.NewTextPart(req.Text)))
	system := buildSystem(summary, retrieved.Hits)

	o.transition(tr, StateContextAssembled)
	o.logger.Debug("context assembled",
		"session_id", req.SessionID,
		"memory_turns", len(window),
		"memory_tokens", memoryUsed,
		"context_chunks", len(retrieved.Hits),
		"context_tokens", retrieved.TokensUsed)

	if err := o.breaker.Allow(); err != nil {
		o.transition(tr, StateFailed)
		o.logger.Warn("circuit breaker is open, rejecting request",
			"state", o.breaker.State().String())
		return nil, fmt.Errorf("service unavailable: %w", err)
	}

	resp, retries, err := o.executeWithRetry(ctx, tr, system, messages)
	if err != nil {
		o.breaker.Failure()
		o.transition(tr, StateFailed)
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, classifyModelError(err)
	}
	o.breaker.Success()

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		o.logger.Warn("model returned empty response", "session_id", req.SessionID)
		text = fallbackResponse
	}

	usage := o.buildUsage(resp, system, messages, text, retries, time.Since(start))

	// Memory commit: both turns in one append, atomic relative to other
	// appends for this session.
	err = o.sessions.Append(ctx, req.SessionID,
		session.Turn{Role: session.RoleUser, Text: req.Text},
		session.Turn{Role: session.RoleAssistant, Text: text},
	)
	if err != nil {
		o.transition(tr, StateFailed)
		return nil, fmt.Errorf("recording turns: %w", err)
	}

	o.transition(tr, StateSucceeded)
	o.logger.Debug("generation succeeded",
		"session_id", req.SessionID,
		"retries", retries,
		"latency_ms", usage.LatencyMS,
		"total_tokens", usage.TotalTokens)

	return &Response{
		Text:    text,
		Sources: sourcesFromHits(retrieved.Hits),
		Usage:   usage,
		State:   StateSucceeded,
	}, nil
}

// classifyModelError maps a terminal provider error onto the package
// sentinels the API boundary translates to status codes.
func classifyModelError(err error) error {
	if errors.Is(err, ErrCircuitOpen) {
		return err
	}
	if rateLimitedError(err) {
		return fmt.Errorf("%w: %w", ErrBackpressure, err)
	}
	return fmt.Errorf("%w: %w", ErrUpstreamFailure, err)
}

// buildUsage prefers provider-reported token counts and falls back to the
// local tokenizer estimate when the provider reports nothing.
func (o *Orchestrator) buildUsage(resp *ai.ModelResponse, system string, messages []*ai.Message, text string, retries int, elapsed time.Duration) Usage {
	usage := Usage{
		Retries:   retries,
		LatencyMS: elapsed.Milliseconds(),
		Model:     o.model.Name(),
	}

	if resp.Usage != nil && resp.Usage.TotalTokens > 0 {
		usage.InputTokens = resp.Usage.InputTokens
		usage.OutputTokens = resp.Usage.OutputTokens
		usage.TotalTokens = resp.Usage.TotalTokens
		return usage
	}

	input := o.tokens.Count(system)
	for _, msg := range messages {
		for _, part := range msg.Content {
			input += o.tokens.Count(part.Text)
		}
	}
	usage.InputTokens = input
	usage.OutputTokens = o.tokens.Count(text)
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	return usage
}
