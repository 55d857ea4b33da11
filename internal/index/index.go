// Package index stores chunk embeddings and serves nearest-neighbor queries
// over them.
//
// Two backends implement the same contract: Memory keeps everything in an
// immutable snapshot swapped atomically on mutation, Postgres persists to a
// pgvector table. Both fix their dimensionality and embedding model at
// creation; entries that disagree are rejected. Mutations are all-or-nothing:
// a concurrent query sees either none or all of a mutation's effect.
package index

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrInvalidArgument reports an unusable query parameter such as k <= 0.
	ErrInvalidArgument = errors.New("invalid index argument")

	// ErrDimensionMismatch reports a vector whose length or model tag does
	// not match what the index was created with.
	ErrDimensionMismatch = errors.New("vector dimension or model mismatch")
)

// Entry is the stored unit: one chunk's vector plus the denormalized fields
// needed for filtering and context assembly.
type Entry struct {
	ChunkID    uuid.UUID         `json:"chunk_id"`
	DocumentID uuid.UUID         `json:"document_id"`
	SourceURI  string            `json:"source_uri"`
	Text       string            `json:"text"`
	Vector     []float32         `json:"vector"`
	ModelID    string            `json:"model_id"`
	TokenCount int               `json:"token_count"`
	Seq        int               `json:"seq"`
	Start      int               `json:"start"`
	End        int               `json:"end"`
	Truncated  bool              `json:"truncated,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Hit is one query result. Score is cosine similarity, higher is closer.
type Hit struct {
	Entry Entry
	Score float64
}

// Filter restricts query results to entries whose metadata contains every
// listed key with exactly the listed value. A nil or empty filter matches
// everything.
type Filter map[string]string

// Index is the contract shared by both backends.
type Index interface {
	// Upsert inserts or replaces entries by chunk ID. The whole batch is
	// applied atomically or not at all.
	Upsert(ctx context.Context, entries []Entry) error

	// Delete removes every entry belonging to the document.
	Delete(ctx context.Context, documentID uuid.UUID) error

	// Query returns up to k entries nearest to vector, most similar first,
	// ties broken by insertion order.
	Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Hit, error)

	// Count reports the number of stored entries.
	Count(ctx context.Context) (int, error)
}

func (f Filter) matches(meta map[string]string) bool {
	for k, v := range f {
		if meta[k] != v {
			return false
		}
	}
	return true
}
