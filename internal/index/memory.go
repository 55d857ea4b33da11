package index

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Memory is the in-process backend. Readers work off an immutable snapshot
// loaded atomically, so queries never block and never observe a half-applied
// mutation; writers serialize on a mutex and publish a fresh snapshot when
// done.
type Memory struct {
	dims    int
	modelID string

	mu   sync.Mutex
	next uint64
	snap atomic.Pointer[memSnapshot]
}

type memSnapshot struct {
	entries []memEntry
	byChunk map[uuid.UUID]int
}

type memEntry struct {
	Entry
	norm     float64
	position uint64
}

// NewMemory creates an empty in-memory index with fixed dimensionality and
// embedding model.
func NewMemory(dims int, modelID string) (*Memory, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("%w: dimensions %d must be positive", ErrInvalidArgument, dims)
	}
	if modelID == "" {
		return nil, fmt.Errorf("%w: model ID required", ErrInvalidArgument)
	}
	m := &Memory{dims: dims, modelID: modelID}
	m.snap.Store(&memSnapshot{byChunk: map[uuid.UUID]int{}})
	return m, nil
}

// Dimensions returns the fixed vector length.
func (m *Memory) Dimensions() int { return m.dims }

// ModelID returns the fixed embedding model tag.
func (m *Memory) ModelID() string { return m.modelID }

// Upsert implements Index. Replacing an entry keeps its original insertion
// position so tie-breaking stays stable across re-ingestion.
func (m *Memory) Upsert(_ context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	for i, e := range entries {
		if len(e.Vector) != m.dims {
			return fmt.Errorf("%w: entry %d has %d dimensions, index has %d", ErrDimensionMismatch, i, len(e.Vector), m.dims)
		}
		if e.ModelID != m.modelID {
			return fmt.Errorf("%w: entry %d has model %q, index has %q", ErrDimensionMismatch, i, e.ModelID, m.modelID)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.snap.Load()
	next := &memSnapshot{
		entries: make([]memEntry, len(cur.entries), len(cur.entries)+len(entries)),
		byChunk: make(map[uuid.UUID]int, len(cur.byChunk)+len(entries)),
	}
	copy(next.entries, cur.entries)
	for id, i := range cur.byChunk {
		next.byChunk[id] = i
	}

	for _, e := range entries {
		me := memEntry{Entry: e, norm: vectorNorm(e.Vector)}
		if i, ok := next.byChunk[e.ChunkID]; ok {
			me.position = next.entries[i].position
			next.entries[i] = me
			continue
		}
		me.position = m.next
		m.next++
		next.byChunk[e.ChunkID] = len(next.entries)
		next.entries = append(next.entries, me)
	}

	m.snap.Store(next)
	return nil
}

// Delete implements Index.
func (m *Memory) Delete(_ context.Context, documentID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.snap.Load()
	next := &memSnapshot{byChunk: map[uuid.UUID]int{}}
	for _, e := range cur.entries {
		if e.DocumentID == documentID {
			continue
		}
		next.byChunk[e.ChunkID] = len(next.entries)
		next.entries = append(next.entries, e)
	}

	m.snap.Store(next)
	return nil
}

// Query implements Index.
func (m *Memory) Query(_ context.Context, vector []float32, k int, filter Filter) ([]Hit, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k %d must be positive", ErrInvalidArgument, k)
	}
	if len(vector) != m.dims {
		return nil, fmt.Errorf("%w: query vector has %d dimensions, index has %d", ErrDimensionMismatch, len(vector), m.dims)
	}

	snap := m.snap.Load()
	qnorm := vectorNorm(vector)

	type scored struct {
		hit      Hit
		position uint64
	}
	candidates := make([]scored, 0, len(snap.entries))
	for _, e := range snap.entries {
		if !filter.matches(e.Metadata) {
			continue
		}
		candidates = append(candidates, scored{
			hit:      Hit{Entry: e.Entry, Score: cosine(vector, qnorm, e.Vector, e.norm)},
			position: e.position,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].hit.Score != candidates[j].hit.Score {
			return candidates[i].hit.Score > candidates[j].hit.Score
		}
		return candidates[i].position < candidates[j].position
	})

	if k > len(candidates) {
		k = len(candidates)
	}
	hits := make([]Hit, k)
	for i := range hits {
		hits[i] = candidates[i].hit
	}
	return hits, nil
}

// Count implements Index.
func (m *Memory) Count(_ context.Context) (int, error) {
	return len(m.snap.Load().entries), nil
}

func vectorNorm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func cosine(a []float32, anorm float64, b []float32, bnorm float64) float64 {
	if anorm == 0 || bnorm == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (anorm * bnorm)
}
