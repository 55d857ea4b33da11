package summary

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/quern-ai/quern/internal/log"
	"github.com/quern-ai/quern/internal/session"
)

const summarizeTimeout = 30 * time.Second

var recapPrompt = `Condense the following conversation into a short recap of at most %d tokens.
Keep concrete facts, names, numbers and decisions. Drop greetings and filler.
Return ONLY the recap text.

Conversation:
%s

Recap:`

// Model is the abstractive summarizer. It trades the determinism of
// [Frequency] for better recaps; only wire it where reproducible eviction
// is not required.
type Model struct {
	g         *genkit.Genkit
	modelName string
	tok       Tokenizer
	logger    log.Logger
}

// NewModel creates a model-backed summarizer.
func NewModel(g *genkit.Genkit, modelName string, tok Tokenizer, logger log.Logger) *Model {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Model{g: g, modelName: modelName, tok: tok, logger: logger}
}

// Version implements session.Summarizer.
func (m *Model) Version() string { return "model/" + m.modelName }

// Summarize implements session.Summarizer. The model's output is clipped to
// maxTokens; a hard cut only happens when the model ignores the budget it
// was given.
func (m *Model) Summarize(ctx context.Context, turns []session.Turn, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = session.DefaultSummaryTokens
	}

	ctx, cancel := context.WithTimeout(ctx, summarizeTimeout)
	defer cancel()

	var transcript strings.Builder
	for _, t := range turns {
		transcript.WriteString(string(t.Role))
		transcript.WriteString(": ")
		transcript.WriteString(t.Text)
		transcript.WriteString("\n")
	}

	opts := []ai.GenerateOption{
		ai.WithPrompt(recapPrompt, maxTokens, transcript.String()),
	}
	if m.modelName != "" {
		opts = append(opts, ai.WithModelName(m.modelName))
	}

	resp, err := genkit.Generate(ctx, m.g, opts...)
	if err != nil {
		return "", fmt.Errorf("failed to summarize conversation: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("model returned an empty summary")
	}

	if got := m.tok.Count(text); got > maxTokens {
		m.logger.Debug("clipping oversized summary", "tokens", got, "budget", maxTokens)
		tiles := m.tok.Split(text)
		var b strings.Builder
		for _, tile := range tiles[:maxTokens] {
			b.WriteString(tile)
		}
		text = b.String()
	}
	return text, nil
}
