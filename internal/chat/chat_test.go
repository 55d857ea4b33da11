package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"

	"github.com/quern-ai/quern/internal/chunk"
	"github.com/quern-ai/quern/internal/index"
	"github.com/quern-ai/quern/internal/log"
	"github.com/quern-ai/quern/internal/retrieve"
	"github.com/quern-ai/quern/internal/session"
	"github.com/quern-ai/quern/internal/summary"
)

// scriptModel fails with the queued errors first, then answers with text.
type scriptModel struct {
	mu           sync.Mutex
	failures     []error
	alwaysErr    error
	text         string
	usage        *ai.GenerationUsage
	calls        int
	lastSystem   string
	lastMessages []*ai.Message
}

func (m *scriptModel) Generate(_ context.Context, system string, messages []*ai.Message) (*ai.ModelResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.lastSystem = system
	m.lastMessages = messages

	if m.alwaysErr != nil {
		return nil, m.alwaysErr
	}
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return nil, err
	}
	return &ai.ModelResponse{
		Message: &ai.Message{
			Role:    ai.RoleModel,
			Content: []*ai.Part{ai.NewTextPart(m.text)},
		},
		Usage: m.usage,
	}, nil
}

func (*scriptModel) Name() string { return "test/model" }

func (m *scriptModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type stubRetriever struct {
	mu         sync.Mutex
	result     *retrieve.Result
	err        error
	gotBudget  int
	gotExclude []string
}

func (s *stubRetriever) Retrieve(_ context.Context, _ string, tokenBudget int, _ index.Filter, exclude []string) (*retrieve.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gotBudget = tokenBudget
	s.gotExclude = exclude
	if s.err != nil {
		return nil, s.err
	}
	if s.result == nil {
		return &retrieve.Result{}, nil
	}
	return s.result, nil
}

func contextHits() *retrieve.Result {
	docID := uuid.NewSHA1(uuid.NameSpaceURL, []byte("file:///a.txt"))
	return &retrieve.Result{
		Hits: []index.Hit{
			{Entry: index.Entry{ChunkID: uuid.New(), DocumentID: docID, SourceURI: "file:///a.txt", Text: "alpha is the first letter", TokenCount: 5, Start: 0, End: 25}, Score: 0.92},
			{Entry: index.Entry{ChunkID: uuid.New(), DocumentID: docID, SourceURI: "file:///a.txt", Text: "beta follows alpha", TokenCount: 3, Start: 25, End: 43}, Score: 0.85},
		},
		TokensUsed: 8,
	}
}

func newTestSessions(t *testing.T) *session.Store {
	t.Helper()
	store, err := session.NewStore(session.NewInMemory(), summary.NewFrequency(chunk.Words{}), chunk.Words{}, session.Config{}, log.NewNop())
	if err != nil {
		t.Fatalf("session.NewStore() error = %v", err)
	}
	return store
}

func newTestOrchestrator(t *testing.T, model Model, retr Retriever, mutate func(*Config)) (*Orchestrator, *session.Store) {
	t.Helper()
	sessions := newTestSessions(t)
	cfg := Config{
		Model:     model,
		Retriever: retr,
		Sessions:  sessions,
		Tokens:    chunk.Words{},
		Logger:    log.NewNop(),
		RetryConfig: RetryConfig{
			MaxRetries:      3,
			InitialInterval: time.Millisecond,
			MaxInterval:     4 * time.Millisecond,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	o, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return o, sessions
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	model := &scriptModel{text: "ok"}
	retr := &stubRetriever{}
	sessions := newTestSessions(t)

	base := Config{Model: model, Retriever: retr, Sessions: sessions, Tokens: chunk.Words{}}

	for _, tt := range []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "missing model", mutate: func(c *Config) { c.Model = nil }},
		{name: "missing retriever", mutate: func(c *Config) { c.Retriever = nil }},
		{name: "missing sessions", mutate: func(c *Config) { c.Sessions = nil }},
		{name: "missing tokenizer", mutate: func(c *Config) { c.Tokens = nil }},
	} {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			if _, err := New(cfg); err == nil {
				t.Error("New() should fail")
			}
		})
	}

	o, err := New(base)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if o.budget != DefaultTokenBudget() {
		t.Errorf("budget = %+v, want defaults", o.budget)
	}
	if o.limiter == nil {
		t.Error("default rate limiter not installed")
	}
	if o.retryConfig != DefaultRetryConfig() {
		t.Errorf("retry config = %+v, want defaults", o.retryConfig)
	}
}

func TestGenerate_Success(t *testing.T) {
	t.Parallel()

	model := &scriptModel{text: "alpha comes first, per excerpt 1"}
	retr := &stubRetriever{result: contextHits()}
	o, sessions := newTestOrchestrator(t, model, retr, nil)

	sessionID := uuid.New()
	resp, err := o.Generate(context.Background(), Request{SessionID: sessionID, Text: "what is alpha?"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if resp.Text != "alpha comes first, per excerpt 1" {
		t.Errorf("Text = %q", resp.Text)
	}
	if resp.State != StateSucceeded {
		t.Errorf("State = %v, want succeeded", resp.State)
	}
	if len(resp.Sources) != 2 {
		t.Fatalf("got %d sources, want 2", len(resp.Sources))
	}
	if resp.Sources[0].Score < resp.Sources[1].Score {
		t.Error("sources out of similarity order")
	}
	if resp.Sources[0].SourceURI != "file:///a.txt" {
		t.Errorf("source uri = %q", resp.Sources[0].SourceURI)
	}
	if resp.Usage.Retries != 0 {
		t.Errorf("Retries = %d, want 0", resp.Usage.Retries)
	}
	if resp.Usage.Model != "test/model" {
		t.Errorf("Model = %q", resp.Usage.Model)
	}
	if resp.Usage.TotalTokens <= 0 {
		t.Errorf("TotalTokens = %d, want estimate > 0", resp.Usage.TotalTokens)
	}

	// The model saw the excerpts in the system prompt and the query as the
	// final message.
	if !strings.Contains(model.lastSystem, "alpha is the first letter") {
		t.Error("retrieved excerpt missing from system prompt")
	}
	last := model.lastMessages[len(model.lastMessages)-1]
	if last.Content[0].Text != "what is alpha?" {
		t.Errorf("final message = %q, want the query", last.Content[0].Text)
	}

	// Both turns committed in one append.
	turns, err := sessions.Turns(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Turns() error = %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("got %d turns, want 2", len(turns))
	}
	if turns[0].Role != session.RoleUser || turns[1].Role != session.RoleAssistant {
		t.Errorf("turn roles = %v/%v", turns[0].Role, turns[1].Role)
	}
	if turns[1].Text != resp.Text {
		t.Error("assistant turn text differs from response")
	}
}

func TestGenerate_Validation(t *testing.T) {
	t.Parallel()

	o, _ := newTestOrchestrator(t, &scriptModel{text: "ok"}, &stubRetriever{}, nil)

	if _, err := o.Generate(context.Background(), Request{SessionID: uuid.New(), Text: "   "}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("empty text error = %v, want ErrInvalidRequest", err)
	}
	if _, err := o.Generate(context.Background(), Request{Text: "hello"}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("nil session error = %v, want ErrInvalidRequest", err)
	}
}

func TestGenerate_TransientRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	model := &scriptModel{
		failures: []error{
			errors.New("503 Service Unavailable"),
			errors.New("connection reset by peer"),
		},
		text: "recovered answer",
	}
	o, sessions := newTestOrchestrator(t, model, &stubRetriever{}, nil)

	sessionID := uuid.New()
	resp, err := o.Generate(context.Background(), Request{SessionID: sessionID, Text: "hello"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if model.callCount() != 3 {
		t.Errorf("model called %d times, want 3", model.callCount())
	}
	if resp.Usage.Retries != 2 {
		t.Errorf("Retries = %d, want 2", resp.Usage.Retries)
	}

	turns, _ := sessions.Turns(context.Background(), sessionID)
	if len(turns) != 2 {
		t.Errorf("got %d turns, want exactly one user+assistant pair", len(turns))
	}
}

func TestGenerate_RetryCapExceeded(t *testing.T) {
	t.Parallel()

	model := &scriptModel{alwaysErr: errors.New("503 Service Unavailable")}
	o, sessions := newTestOrchestrator(t, model, &stubRetriever{}, func(c *Config) {
		c.RetryConfig = RetryConfig{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
	})

	sessionID := uuid.New()
	_, err := o.Generate(context.Background(), Request{SessionID: sessionID, Text: "hello"})
	if !errors.Is(err, ErrUpstreamFailure) {
		t.Fatalf("error = %v, want ErrUpstreamFailure", err)
	}
	if model.callCount() != 3 {
		t.Errorf("model called %d times, want 3 (initial + 2 retries)", model.callCount())
	}

	// Memory untouched on failure.
	turns, _ := sessions.Turns(context.Background(), sessionID)
	if len(turns) != 0 {
		t.Errorf("got %d turns after failed call, want 0", len(turns))
	}
}

func TestGenerate_NonTransientFailsImmediately(t *testing.T) {
	t.Parallel()

	model := &scriptModel{alwaysErr: errors.New("401 invalid API key")}
	o, sessions := newTestOrchestrator(t, model, &stubRetriever{}, nil)

	sessionID := uuid.New()
	_, err := o.Generate(context.Background(), Request{SessionID: sessionID, Text: "hello"})
	if !errors.Is(err, ErrUpstreamFailure) {
		t.Fatalf("error = %v, want ErrUpstreamFailure", err)
	}
	if model.callCount() != 1 {
		t.Errorf("model called %d times, want 1 (no retries for auth errors)", model.callCount())
	}

	turns, _ := sessions.Turns(context.Background(), sessionID)
	if len(turns) != 0 {
		t.Errorf("memory modified on failure: %d turns", len(turns))
	}
}

func TestGenerate_BackpressureAfterRetryCap(t *testing.T) {
	t.Parallel()

	model := &scriptModel{alwaysErr: errors.New("429 rate limit exceeded")}
	o, _ := newTestOrchestrator(t, model, &stubRetriever{}, func(c *Config) {
		c.RetryConfig = RetryConfig{MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	})

	_, err := o.Generate(context.Background(), Request{SessionID: uuid.New(), Text: "hello"})
	if !errors.Is(err, ErrBackpressure) {
		t.Errorf("error = %v, want ErrBackpressure", err)
	}
}

func TestGenerate_EmptyIndexStillSucceeds(t *testing.T) {
	t.Parallel()

	model := &scriptModel{text: "answered from memory alone"}
	o, _ := newTestOrchestrator(t, model, &stubRetriever{}, nil)

	resp, err := o.Generate(context.Background(), Request{SessionID: uuid.New(), Text: "hello"})
	if err != nil {
		t.Fatalf("Generate() with empty retrieval error = %v", err)
	}
	if len(resp.Sources) != 0 {
		t.Errorf("got %d sources, want 0", len(resp.Sources))
	}
	if strings.Contains(model.lastSystem, "Retrieved excerpts") {
		t.Error("system prompt advertises excerpts that do not exist")
	}
}

func TestGenerate_WindowFlowsIntoPromptAndDedup(t *testing.T) {
	t.Parallel()

	model := &scriptModel{text: "follow-up answer"}
	retr := &stubRetriever{}
	o, sessions := newTestOrchestrator(t, model, retr, nil)

	sessionID := uuid.New()
	err := sessions.Append(context.Background(), sessionID,
		session.Turn{Role: session.RoleUser, Text: "first question here"},
		session.Turn{Role: session.RoleAssistant, Text: "first answer here"},
	)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	if _, err := o.Generate(context.Background(), Request{SessionID: sessionID, Text: "and then?"}); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	// Window turns precede the query in the model messages.
	if len(model.lastMessages) != 3 {
		t.Fatalf("got %d messages, want 3 (two window turns + query)", len(model.lastMessages))
	}
	if model.lastMessages[0].Content[0].Text != "first question here" {
		t.Errorf("first message = %q", model.lastMessages[0].Content[0].Text)
	}

	// The same window texts reach the retriever as the dedup list.
	if len(retr.gotExclude) != 2 {
		t.Fatalf("exclude list has %d entries, want 2", len(retr.gotExclude))
	}
	if retr.gotExclude[0] != "first question here" || retr.gotExclude[1] != "first answer here" {
		t.Errorf("exclude = %v", retr.gotExclude)
	}
	if retr.gotBudget <= 0 {
		t.Errorf("retrieval budget = %d, want positive", retr.gotBudget)
	}
}

func TestGenerate_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	model := &scriptModel{alwaysErr: errors.New("503 Service Unavailable")}
	o, _ := newTestOrchestrator(t, model, &stubRetriever{}, func(c *Config) {
		c.RetryConfig = RetryConfig{MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
		c.CircuitBreakerConfig = CircuitBreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute}
	})

	for i := 0; i < 2; i++ {
		if _, err := o.Generate(context.Background(), Request{SessionID: uuid.New(), Text: "hello"}); err == nil {
			t.Fatal("Generate() should fail while provider is down")
		}
	}
	callsBefore := model.callCount()

	_, err := o.Generate(context.Background(), Request{SessionID: uuid.New(), Text: "hello"})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("error = %v, want ErrCircuitOpen", err)
	}
	if model.callCount() != callsBefore {
		t.Error("open breaker still reached the model")
	}
}

func TestGenerate_EmptyModelTextFallsBack(t *testing.T) {
	t.Parallel()

	model := &scriptModel{text: "   "}
	o, sessions := newTestOrchestrator(t, model, &stubRetriever{}, nil)

	sessionID := uuid.New()
	resp, err := o.Generate(context.Background(), Request{SessionID: sessionID, Text: "hello"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Text != fallbackResponse {
		t.Errorf("Text = %q, want fallback", resp.Text)
	}

	turns, _ := sessions.Turns(context.Background(), sessionID)
	if len(turns) != 2 || turns[1].Text != fallbackResponse {
		t.Error("fallback text not recorded as the assistant turn")
	}
}

func TestGenerate_ProviderUsagePreferred(t *testing.T) {
	t.Parallel()

	model := &scriptModel{
		text:  "answer",
		usage: &ai.GenerationUsage{InputTokens: 100, OutputTokens: 20, TotalTokens: 120},
	}
	o, _ := newTestOrchestrator(t, model, &stubRetriever{}, nil)

	resp, err := o.Generate(context.Background(), Request{SessionID: uuid.New(), Text: "hello"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Usage.InputTokens != 100 || resp.Usage.OutputTokens != 20 || resp.Usage.TotalTokens != 120 {
		t.Errorf("usage = %+v, want provider-reported counts", resp.Usage)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{StatePending, "pending"},
		{StateContextAssembled, "context_assembled"},
		{StateLLMCalling, "llm_calling"},
		{StateRetrying, "retrying"},
		{StateSucceeded, "succeeded"},
		{StateFailed, "failed"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
