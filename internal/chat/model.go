package chat

import (
	"context"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// Model is the generative model boundary. Production uses the genkit-backed
// implementation; tests inject fakes with scripted failures.
type Model interface {
	Generate(ctx context.Context, system string, messages []*ai.Message) (*ai.ModelResponse, error)
	// Name reports the provider-qualified model identifier for usage
	// metadata, e.g. "googleai/gemini-2.5-flash".
	Name() string
}

// GenkitModel calls whatever model the genkit registry resolves.
type GenkitModel struct {
	g         *genkit.Genkit
	modelName string
}

// NewGenkitModel wraps a genkit instance as a Model. modelName may be empty,
// in which case genkit's default model is used.
func NewGenkitModel(g *genkit.Genkit, modelName string) *GenkitModel {
	return &GenkitModel{g: g, modelName: modelName}
}

// Name returns the configured model name.
func (m *GenkitModel) Name() string { return m.modelName }

// Generate performs one model call.
func (m *GenkitModel) Generate(ctx context.Context, system string, messages []*ai.Message) (*ai.ModelResponse, error) {
	opts := []ai.GenerateOption{
		ai.WithSystem(system),
		ai.WithMessages(messages...),
	}
	if m.modelName != "" {
		opts = append(opts, ai.WithModelName(m.modelName))
	}
	return genkit.Generate(ctx, m.g, opts...)
}
