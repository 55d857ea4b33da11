package index

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/google/uuid"
)

const testModel = "test-embedder"

func testEntry(doc uuid.UUID, seq int, vec []float32) Entry {
	return Entry{
		ChunkID:    uuid.NewSHA1(doc, []byte(fmt.Sprintf("chunk-%d", seq))),
		DocumentID: doc,
		SourceURI:  "mem://doc",
		Text:       fmt.Sprintf("chunk %d", seq),
		Vector:     vec,
		ModelID:    testModel,
		TokenCount: 2,
		Seq:        seq,
	}
}

func TestNewMemory_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		dims    int
		modelID string
	}{
		{name: "zero dimensions", dims: 0, modelID: testModel},
		{name: "negative dimensions", dims: -1, modelID: testModel},
		{name: "empty model", dims: 3, modelID: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewMemory(tt.dims, tt.modelID); !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("NewMemory(%d, %q) error = %v, want ErrInvalidArgument", tt.dims, tt.modelID, err)
			}
		})
	}
}

func TestMemory_UpsertAndQuery(t *testing.T) {
	t.Parallel()

	m, err := NewMemory(3, testModel)
	if err != nil {
		t.Fatalf("NewMemory() error = %v", err)
	}

	doc := uuid.New()
	entries := []Entry{
		testEntry(doc, 0, []float32{1, 0, 0}),
		testEntry(doc, 1, []float32{0, 1, 0}),
		testEntry(doc, 2, []float32{0.9, 0.1, 0}),
	}
	if err := m.Upsert(context.Background(), entries); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	hits, err := m.Query(context.Background(), []float32{1, 0, 0}, 2, nil)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("Query() returned %d hits, want 2", len(hits))
	}
	if hits[0].Entry.Seq != 0 {
		t.Errorf("best hit seq = %d, want 0", hits[0].Entry.Seq)
	}
	if math.Abs(hits[0].Score-1.0) > 1e-6 {
		t.Errorf("best hit score = %v, want 1.0", hits[0].Score)
	}
	if hits[1].Entry.Seq != 2 {
		t.Errorf("second hit seq = %d, want 2", hits[1].Entry.Seq)
	}
	if hits[0].Score < hits[1].Score {
		t.Errorf("hits out of order: %v then %v", hits[0].Score, hits[1].Score)
	}
}

func TestMemory_QueryEmptyIndex(t *testing.T) {
	t.Parallel()

	m, _ := NewMemory(3, testModel)
	hits, err := m.Query(context.Background(), []float32{1, 0, 0}, 5, nil)
	if err != nil {
		t.Fatalf("Query() on empty index error = %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("Query() on empty index returned %d hits, want 0", len(hits))
	}
}

func TestMemory_QueryValidation(t *testing.T) {
	t.Parallel()

	m, _ := NewMemory(3, testModel)

	if _, err := m.Query(context.Background(), []float32{1, 0, 0}, 0, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Query(k=0) error = %v, want ErrInvalidArgument", err)
	}
	if _, err := m.Query(context.Background(), []float32{1, 0, 0}, -3, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Query(k=-3) error = %v, want ErrInvalidArgument", err)
	}
	if _, err := m.Query(context.Background(), []float32{1, 0}, 5, nil); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Query(2-dim vector) error = %v, want ErrDimensionMismatch", err)
	}
}

func TestMemory_UpsertValidation(t *testing.T) {
	t.Parallel()

	m, _ := NewMemory(3, testModel)
	doc := uuid.New()

	short := testEntry(doc, 0, []float32{1, 0})
	if err := m.Upsert(context.Background(), []Entry{short}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Upsert(short vector) error = %v, want ErrDimensionMismatch", err)
	}

	wrongModel := testEntry(doc, 0, []float32{1, 0, 0})
	wrongModel.ModelID = "other-model"
	if err := m.Upsert(context.Background(), []Entry{wrongModel}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Upsert(wrong model) error = %v, want ErrDimensionMismatch", err)
	}

	// A bad entry anywhere in the batch rejects the whole batch.
	good := testEntry(doc, 1, []float32{0, 1, 0})
	if err := m.Upsert(context.Background(), []Entry{good, short}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Upsert(mixed batch) error = %v, want ErrDimensionMismatch", err)
	}
	count, _ := m.Count(context.Background())
	if count != 0 {
		t.Errorf("Count() after rejected batch = %d, want 0", count)
	}
}

func TestMemory_TieBreakByInsertionOrder(t *testing.T) {
	t.Parallel()

	m, _ := NewMemory(3, testModel)
	docA := uuid.New()
	docB := uuid.New()

	// Identical vectors, inserted across two batches.
	first := testEntry(docA, 0, []float32{0, 0, 1})
	second := testEntry(docB, 0, []float32{0, 0, 1})
	if err := m.Upsert(context.Background(), []Entry{first}); err != nil {
		t.Fatalf("Upsert(first) error = %v", err)
	}
	if err := m.Upsert(context.Background(), []Entry{second}); err != nil {
		t.Fatalf("Upsert(second) error = %v", err)
	}

	hits, err := m.Query(context.Background(), []float32{0, 0, 1}, 2, nil)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("Query() returned %d hits, want 2", len(hits))
	}
	if hits[0].Entry.ChunkID != first.ChunkID || hits[1].Entry.ChunkID != second.ChunkID {
		t.Errorf("tie broken out of insertion order: got %s then %s", hits[0].Entry.ChunkID, hits[1].Entry.ChunkID)
	}
}

func TestMemory_ReplaceKeepsPosition(t *testing.T) {
	t.Parallel()

	m, _ := NewMemory(3, testModel)
	docA := uuid.New()
	docB := uuid.New()

	first := testEntry(docA, 0, []float32{0, 0, 1})
	second := testEntry(docB, 0, []float32{0, 0, 1})
	if err := m.Upsert(context.Background(), []Entry{first, second}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	// Re-ingest the first entry. It must not move behind the second.
	replacement := first
	replacement.Text = "chunk 0 revised"
	if err := m.Upsert(context.Background(), []Entry{replacement}); err != nil {
		t.Fatalf("Upsert(replacement) error = %v", err)
	}

	count, _ := m.Count(context.Background())
	if count != 2 {
		t.Fatalf("Count() = %d, want 2", count)
	}

	hits, err := m.Query(context.Background(), []float32{0, 0, 1}, 2, nil)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if hits[0].Entry.ChunkID != first.ChunkID {
		t.Errorf("replaced entry lost its position: first hit is %s", hits[0].Entry.ChunkID)
	}
	if hits[0].Entry.Text != "chunk 0 revised" {
		t.Errorf("replaced entry text = %q, want revised text", hits[0].Entry.Text)
	}
}

func TestMemory_Delete(t *testing.T) {
	t.Parallel()

	m, _ := NewMemory(3, testModel)
	docA := uuid.New()
	docB := uuid.New()

	if err := m.Upsert(context.Background(), []Entry{
		testEntry(docA, 0, []float32{1, 0, 0}),
		testEntry(docA, 1, []float32{0, 1, 0}),
		testEntry(docB, 0, []float32{0, 0, 1}),
	}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	if err := m.Delete(context.Background(), docA); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	count, _ := m.Count(context.Background())
	if count != 1 {
		t.Errorf("Count() after delete = %d, want 1", count)
	}

	hits, err := m.Query(context.Background(), []float32{0, 0, 1}, 10, nil)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(hits) != 1 || hits[0].Entry.DocumentID != docB {
		t.Errorf("Query() after delete returned wrong entries: %+v", hits)
	}

	// Deleting an unknown document is a no-op.
	if err := m.Delete(context.Background(), uuid.New()); err != nil {
		t.Errorf("Delete(unknown) error = %v", err)
	}
}

func TestMemory_MetadataFilter(t *testing.T) {
	t.Parallel()

	m, _ := NewMemory(3, testModel)
	doc := uuid.New()

	tagged := testEntry(doc, 0, []float32{1, 0, 0})
	tagged.Metadata = map[string]string{"lang": "en", "team": "infra"}
	other := testEntry(doc, 1, []float32{1, 0, 0})
	other.Metadata = map[string]string{"lang": "de"}
	bare := testEntry(doc, 2, []float32{1, 0, 0})

	if err := m.Upsert(context.Background(), []Entry{tagged, other, bare}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{name: "nil filter matches all", filter: nil, want: 3},
		{name: "empty filter matches all", filter: Filter{}, want: 3},
		{name: "single key", filter: Filter{"lang": "en"}, want: 1},
		{name: "all keys must match", filter: Filter{"lang": "en", "team": "web"}, want: 0},
		{name: "conjunction", filter: Filter{"lang": "en", "team": "infra"}, want: 1},
		{name: "missing key matches nothing", filter: Filter{"absent": "x"}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			hits, err := m.Query(context.Background(), []float32{1, 0, 0}, 10, tt.filter)
			if err != nil {
				t.Fatalf("Query() error = %v", err)
			}
			if len(hits) != tt.want {
				t.Errorf("Query(filter=%v) returned %d hits, want %d", tt.filter, len(hits), tt.want)
			}
		})
	}
}

func TestMemory_ConcurrentReadersSeeWholeBatches(t *testing.T) {
	t.Parallel()

	m, _ := NewMemory(3, testModel)
	const batches = 20
	const batchSize = 5

	var wg sync.WaitGroup
	stop := make(chan struct{})

	// Readers continuously verify the entry count is a whole number of
	// batches; a partial batch would show up as a remainder.
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				count, err := m.Count(context.Background())
				if err != nil {
					t.Errorf("Count() error = %v", err)
					return
				}
				if count%batchSize != 0 {
					t.Errorf("observed partial batch: count = %d", count)
					return
				}
			}
		}()
	}

	for b := 0; b < batches; b++ {
		doc := uuid.New()
		entries := make([]Entry, batchSize)
		for i := range entries {
			entries[i] = testEntry(doc, i, []float32{float32(b), float32(i), 1})
		}
		if err := m.Upsert(context.Background(), entries); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
	}
	close(stop)
	wg.Wait()

	count, _ := m.Count(context.Background())
	if count != batches*batchSize {
		t.Errorf("Count() = %d, want %d", count, batches*batchSize)
	}
}
