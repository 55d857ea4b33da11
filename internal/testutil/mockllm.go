package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// MockLLM is a deterministic stand-in for a chat model. Replies are chosen
// by substring match against the last user message; unmatched input gets the
// fallback. Every invocation is recorded so tests can assert on what the
// orchestrator actually sent. Safe for concurrent use.
type MockLLM struct {
	mu       sync.Mutex
	canned   []cannedResponse
	fallback string
	calls    []MockCall
}

type cannedResponse struct {
	match string // lower-cased substring of the user message
	reply string
}

// MockCall is one recorded model invocation.
type MockCall struct {
	UserMessage string
	Response    string
}

// NewMockLLM returns a mock whose unmatched replies are fallback.
func NewMockLLM(fallback string) *MockLLM {
	return &MockLLM{fallback: fallback}
}

// AddResponse maps user messages containing pattern (case-insensitive) to
// reply. Earlier registrations win when several patterns match.
func (m *MockLLM) AddResponse(pattern, reply string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canned = append(m.canned, cannedResponse{
		match: strings.ToLower(pattern),
		reply: reply,
	})
}

// Calls returns a snapshot of every recorded invocation, oldest first.
func (m *MockLLM) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

// Reset drops the recorded calls. Registered responses survive.
func (m *MockLLM) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// RegisterModel installs the mock into g as "mock/canned-chat".
func (m *MockLLM) RegisterModel(g *genkit.Genkit) ai.Model {
	opts := &ai.ModelOptions{
		Label:    "Canned Chat Mock",
		Supports: &ai.ModelSupports{Multiturn: true, SystemRole: true},
	}
	return genkit.DefineModel(g, "mock/canned-chat", opts, m.generate)
}

func (m *MockLLM) generate(ctx context.Context, req *ai.ModelRequest, cb ai.ModelStreamCallback) (*ai.ModelResponse, error) {
	reply := m.replyFor(lastUserText(req))

	if cb != nil {
		chunk := &ai.ModelResponseChunk{Content: []*ai.Part{ai.NewTextPart(reply)}}
		_ = cb(ctx, chunk)
	}

	msg := &ai.Message{Role: ai.RoleModel, Content: []*ai.Part{ai.NewTextPart(reply)}}
	return &ai.ModelResponse{Request: req, Message: msg}, nil
}

// replyFor picks the response for a user message and records the call.
func (m *MockLLM) replyFor(user string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	reply := m.fallback
	lower := strings.ToLower(user)
	for _, c := range m.canned {
		if strings.Contains(lower, c.match) {
			reply = c.reply
			break
		}
	}
	m.calls = append(m.calls, MockCall{UserMessage: user, Response: reply})
	return reply
}

// lastUserText returns the text of the newest user message in the request.
func lastUserText(req *ai.ModelRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == ai.RoleUser {
			return req.Messages[i].Text()
		}
	}
	return ""
}

// MockEmbedder produces repeatable vectors without a provider. Unpinned
// content hashes to a pseudo-random unit vector; SetVector pins exact
// vectors where a test needs controlled cosine ordering. Safe for
// concurrent use.
type MockEmbedder struct {
	mu     sync.Mutex
	pinned map[string][]float32
	dim    int
}

// NewMockEmbedder returns a mock emitting dim-length vectors.
func NewMockEmbedder(dim int) *MockEmbedder {
	return &MockEmbedder{
		pinned: make(map[string][]float32),
		dim:    dim,
	}
}

// SetVector pins the vector returned for exactly this content.
func (e *MockEmbedder) SetVector(content string, vec []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pinned[content] = vec
}

// RegisterEmbedder installs the mock into g as "mock/hash-embedder".
func (e *MockEmbedder) RegisterEmbedder(g *genkit.Genkit) ai.Embedder {
	opts := &ai.EmbedderOptions{Label: "Hashing Mock Embedder", Dimensions: e.dim}
	return genkit.DefineEmbedder(g, "mock/hash-embedder", opts, e.embed)
}

func (e *MockEmbedder) embed(_ context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
	out := make([]*ai.Embedding, len(req.Input))
	for i, doc := range req.Input {
		out[i] = &ai.Embedding{Embedding: e.vectorFor(docText(doc))}
	}
	return &ai.EmbedResponse{Embeddings: out}, nil
}

func (e *MockEmbedder) vectorFor(content string) []float32 {
	e.mu.Lock()
	v, ok := e.pinned[content]
	e.mu.Unlock()
	if ok {
		return v
	}
	return hashVector(content, e.dim)
}

// docText concatenates the text parts of a document.
func docText(doc *ai.Document) string {
	texts := make([]string, 0, len(doc.Content))
	for _, p := range doc.Content {
		if p.Kind == ai.PartText {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "")
}

// hashVector expands content into a unit vector through a sha256 chain:
// block zero is the digest of the content, each later block the digest of
// the one before it. The same content always maps to the same vector, and
// distinct contents land near-orthogonal at realistic dimensions.
func hashVector(content string, dim int) []float32 {
	vec := make([]float32, dim)
	block := sha256.Sum256([]byte(content))

	used := 0 // bytes consumed from the current block
	for i := range vec {
		if used+4 > len(block) {
			block = sha256.Sum256(block[:])
			used = 0
		}
		bits := binary.BigEndian.Uint32(block[used : used+4])
		used += 4
		vec[i] = float32(bits)/float32(math.MaxUint32)*2 - 1
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if n := math.Sqrt(norm); n > 0 {
		inv := float32(1 / n)
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}
