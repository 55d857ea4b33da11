package chunk

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
)

// paragraphOfWords builds a paragraph of n words ending with a period.
func paragraphOfWords(prefix string, n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fmt.Sprintf("%s%03d", prefix, i)
	}
	return strings.Join(words, " ") + "."
}

func TestChunk_InvalidConfiguration(t *testing.T) {
	t.Parallel()

	c := New(Words{})
	docID := uuid.New()

	tests := []struct {
		name    string
		max     int
		overlap int
	}{
		{"zero max", 0, 0},
		{"negative max", -5, 0},
		{"negative overlap", 100, -1},
		{"overlap equals max", 100, 100},
		{"overlap exceeds max", 100, 150},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := c.Chunk(docID, "some text.", nil, tt.max, tt.overlap)
			if !errors.Is(err, ErrInvalidConfiguration) {
				t.Errorf("Chunk(max=%d, overlap=%d) error = %v, want ErrInvalidConfiguration", tt.max, tt.overlap, err)
			}
		})
	}
}

func TestChunk_Empty(t *testing.T) {
	t.Parallel()

	c := New(Words{})
	for _, text := range []string{"", "   ", "\n\n\t"} {
		chunks, err := c.Chunk(uuid.New(), text, nil, 100, 10)
		if err != nil {
			t.Fatalf("Chunk(%q) error: %v", text, err)
		}
		if len(chunks) != 0 {
			t.Errorf("Chunk(%q) = %d chunks, want 0", text, len(chunks))
		}
	}
}

func TestChunk_SingleSmallDocument(t *testing.T) {
	t.Parallel()

	c := New(Words{})
	docID := uuid.New()
	text := "The quick brown fox jumps over the lazy dog."

	chunks, err := c.Chunk(docID, text, map[string]string{"title": "fox"}, 100, 10)
	if err != nil {
		t.Fatalf("Chunk() error: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}

	got := chunks[0]
	if got.Text != text {
		t.Errorf("chunk text = %q, want full document", got.Text)
	}
	if got.Start != 0 || got.End != len(text) {
		t.Errorf("offsets = [%d, %d), want [0, %d)", got.Start, got.End, len(text))
	}
	if got.TokenCount != 9 {
		t.Errorf("token count = %d, want 9", got.TokenCount)
	}
	if got.Seq != 0 {
		t.Errorf("seq = %d, want 0", got.Seq)
	}
	if got.Truncated {
		t.Error("small chunk should not be truncated")
	}
	if got.Metadata["title"] != "fox" {
		t.Errorf("metadata not inherited: %v", got.Metadata)
	}
	if got.DocumentID != docID {
		t.Error("document back-reference lost")
	}
}

func TestChunk_ThreeParagraphsWithOverlap(t *testing.T) {
	t.Parallel()

	// 600 tokens across three 200-word paragraphs, max 250 with overlap 50:
	// the packer should land on the paragraph boundaries and produce three
	// chunks, the second starting 50 tokens before the first one ends.
	text := paragraphOfWords("a", 200) + "\n\n" + paragraphOfWords("b", 200) + "\n\n" + paragraphOfWords("c", 200)

	c := New(Words{})
	chunks, err := c.Chunk(uuid.New(), text, nil, 250, 50)
	if err != nil {
		t.Fatalf("Chunk() error: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}

	if chunks[0].TokenCount != 200 {
		t.Errorf("chunk 0 tokens = %d, want 200 (first paragraph)", chunks[0].TokenCount)
	}
	if chunks[1].TokenCount != 250 {
		t.Errorf("chunk 1 tokens = %d, want 250 (50 overlap + second paragraph)", chunks[1].TokenCount)
	}
	if chunks[2].TokenCount != 250 {
		t.Errorf("chunk 2 tokens = %d, want 250", chunks[2].TokenCount)
	}

	if chunks[1].Start >= chunks[0].End {
		t.Error("chunk 1 should start before chunk 0 ends (overlap)")
	}
	overlap := chunks[0].End - chunks[1].Start
	shared := text[chunks[1].Start:chunks[0].End]
	if got := (Words{}).Count(shared); got != 50 {
		t.Errorf("shared region = %d tokens (%d bytes), want 50", got, overlap)
	}

	for i, ch := range chunks {
		if ch.Truncated {
			t.Errorf("chunk %d flagged truncated, boundaries were available", i)
		}
		if ch.Seq != i {
			t.Errorf("chunk %d seq = %d", i, ch.Seq)
		}
		if ch.Text != text[ch.Start:ch.End] {
			t.Errorf("chunk %d text does not match its offsets", i)
		}
	}
}

func TestChunk_Deterministic(t *testing.T) {
	t.Parallel()

	text := paragraphOfWords("x", 150) + "\n\n" + paragraphOfWords("y", 150)
	docID := uuid.MustParse("6d9dd61d-6a0e-4a43-9dd9-71c3fea273f2")
	c := New(Words{})

	first, err := c.Chunk(docID, text, nil, 200, 20)
	if err != nil {
		t.Fatalf("first Chunk() error: %v", err)
	}
	second, err := c.Chunk(docID, text, nil, 200, 20)
	if err != nil {
		t.Fatalf("second Chunk() error: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("chunk counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		a, b := first[i], second[i]
		if a.ID != b.ID {
			t.Errorf("chunk %d: IDs differ: %s vs %s", i, a.ID, b.ID)
		}
		if a.Text != b.Text || a.Start != b.Start || a.End != b.End {
			t.Errorf("chunk %d: boundaries differ", i)
		}
		if a.TokenCount != b.TokenCount || a.Truncated != b.Truncated {
			t.Errorf("chunk %d: accounting differs", i)
		}
	}
}

func TestChunk_OversizedSentenceTruncated(t *testing.T) {
	t.Parallel()

	// One 120-word sentence with no terminator until the very end, budget 50:
	// hard splits at token boundaries, every non-final chunk truncated.
	words := make([]string, 120)
	for i := range words {
		words[i] = fmt.Sprintf("w%03d", i)
	}
	text := strings.Join(words, " ") + "."

	c := New(Words{})
	chunks, err := c.Chunk(uuid.New(), text, nil, 50, 10)
	if err != nil {
		t.Fatalf("Chunk() error: %v", err)
	}
	if len(chunks) < 3 {
		t.Fatalf("got %d chunks, want at least 3", len(chunks))
	}

	for i, ch := range chunks[:len(chunks)-1] {
		if !ch.Truncated {
			t.Errorf("chunk %d should be truncated (mid-sentence cut)", i)
		}
		if ch.TokenCount != 50 {
			t.Errorf("chunk %d tokens = %d, want 50", i, ch.TokenCount)
		}
	}
	last := chunks[len(chunks)-1]
	if last.Truncated {
		t.Error("final chunk ends on the sentence boundary, should not be truncated")
	}

	// Consecutive hard-split chunks share the overlap region.
	if chunks[1].Start >= chunks[0].End {
		t.Error("hard-split chunks should overlap")
	}
}

func TestChunk_BudgetNeverExceeded(t *testing.T) {
	t.Parallel()

	text := paragraphOfWords("q", 57) + "\n\n" + paragraphOfWords("r", 91) + " " + paragraphOfWords("s", 33)
	c := New(Words{})

	for _, max := range []int{10, 25, 64, 300} {
		chunks, err := c.Chunk(uuid.New(), text, nil, max, max/4)
		if err != nil {
			t.Fatalf("Chunk(max=%d) error: %v", max, err)
		}
		for i, ch := range chunks {
			if ch.TokenCount > max {
				t.Errorf("max=%d: chunk %d has %d tokens", max, i, ch.TokenCount)
			}
			if got := (Words{}).Count(ch.Text); got != ch.TokenCount {
				t.Errorf("max=%d: chunk %d reported %d tokens, counted %d", max, i, ch.TokenCount, got)
			}
		}
	}
}

func TestChunk_IDsDifferAcrossDocuments(t *testing.T) {
	t.Parallel()

	c := New(Words{})
	text := "Same text in two documents."

	a, err := c.Chunk(uuid.New(), text, nil, 100, 0)
	if err != nil {
		t.Fatalf("Chunk() error: %v", err)
	}
	b, err := c.Chunk(uuid.New(), text, nil, 100, 0)
	if err != nil {
		t.Fatalf("Chunk() error: %v", err)
	}
	if a[0].ID == b[0].ID {
		t.Error("chunk IDs should differ across documents")
	}
}
