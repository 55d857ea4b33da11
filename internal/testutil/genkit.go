package testutil

import (
	"context"
	"log/slog"
	"testing"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// GenkitSetup bundles a genkit instance with registered mocks for tests
// that exercise the full model/embedder wiring without network access.
//
// LLM and MockEmbedder are the control surfaces (register responses, pin
// vectors, inspect calls); Model and Embedder are the genkit handles the
// code under test consumes.
type GenkitSetup struct {
	Genkit   *genkit.Genkit
	Logger   *slog.Logger
	LLM      *MockLLM
	Model    ai.Model
	Mock     *MockEmbedder
	Embedder ai.Embedder
}

// SetupGenkit creates a genkit instance with a MockLLM (fallback response
// "ok") and a 768-dimension MockEmbedder registered. Tests that need other
// dimensions construct NewMockEmbedder directly.
//
// Example:
//
//	setup := testutil.SetupGenkit(t)
//	setup.LLM.AddResponse("capital of France", "Paris.")
//	emb := embed.New(setup.Embedder, ...)
func SetupGenkit(tb testing.TB) *GenkitSetup {
	tb.Helper()

	g := genkit.Init(context.Background())
	if g == nil {
		tb.Fatal("genkit.Init returned nil")
	}

	llm := NewMockLLM("ok")
	mock := NewMockEmbedder(768)

	return &GenkitSetup{
		Genkit:   g,
		Logger:   DiscardLogger(),
		LLM:      llm,
		Model:    llm.RegisterModel(g),
		Mock:     mock,
		Embedder: mock.RegisterEmbedder(g),
	}
}

// UnitVector returns a dim-length unit vector along the given axis. Two
// unit vectors on the same axis have cosine similarity 1, on different
// axes 0, which makes retrieval ordering in tests exact.
func UnitVector(dim, axis int) []float32 {
	v := make([]float32, dim)
	v[axis%dim] = 1
	return v
}
