// Package chunk splits documents into overlapping, token-bounded segments
// for embedding.
//
// Splitting is deterministic: the same text, tokenizer and parameters always
// produce identical chunk boundaries, which is what makes re-ingestion
// idempotent. Boundaries prefer paragraph and sentence ends; only a single
// sentence longer than the token budget is cut mid-sentence, and such chunks
// are flagged as truncated.
package chunk

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidConfiguration reports unusable chunking parameters.
var ErrInvalidConfiguration = errors.New("invalid chunking configuration")

// Chunk is one bounded segment of a document.
type Chunk struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	Text       string
	// Start and End are byte offsets into the document's raw text.
	Start      int
	End        int
	TokenCount int
	// Seq is the chunk's position within its document, starting at 0.
	Seq       int
	Truncated bool
	Metadata  map[string]string
}

// Chunker computes chunk boundaries with a given tokenizer.
type Chunker struct {
	tz Tokenizer
}

// New creates a Chunker.
func New(tz Tokenizer) *Chunker {
	return &Chunker{tz: tz}
}

// Sentence and paragraph boundaries. A sentence ends at one or more
// terminators followed by whitespace; a paragraph ends at a blank line.
// Decimal points and abbreviations without trailing whitespace do not match.
var (
	sentenceEndRE  = regexp.MustCompile(`([.!?]+["')\]]*)\s`)
	paragraphEndRE = regexp.MustCompile(`\n[ \t]*\n+`)
)

// Chunk splits text into chunks of at most maxTokens tokens, each starting
// overlapTokens tokens before the previous chunk's end. Chunk boundaries land
// on sentence or paragraph ends whenever one fits the budget; otherwise the
// text is hard-split at the token boundary and the chunk marked truncated.
//
// maxTokens must be positive and overlapTokens must satisfy
// 0 <= overlapTokens < maxTokens, otherwise ErrInvalidConfiguration is
// returned. Chunk identity is derived from the document ID, sequence number
// and content hash, so identical input yields identical IDs.
func (c *Chunker) Chunk(docID uuid.UUID, text string, meta map[string]string, maxTokens, overlapTokens int) ([]Chunk, error) {
	if maxTokens <= 0 {
		return nil, fmt.Errorf("%w: max_tokens %d must be positive", ErrInvalidConfiguration, maxTokens)
	}
	if overlapTokens < 0 || overlapTokens >= maxTokens {
		return nil, fmt.Errorf("%w: overlap_tokens %d must be in [0, %d)", ErrInvalidConfiguration, overlapTokens, maxTokens)
	}

	tiles := c.tz.Split(text)
	if len(tiles) == 0 {
		return nil, nil
	}

	// Cumulative byte offsets: tile i covers bytes [cum[i], cum[i+1]).
	cum := make([]int, len(tiles)+1)
	for i, seg := range tiles {
		cum[i+1] = cum[i] + len(seg)
	}

	boundaries := boundaryTiles(text, cum)

	var chunks []Chunk
	seq := 0
	s := 0
	prevEnd := 0
	for s < len(tiles) {
		limit := s + maxTokens
		e := -1
		for _, b := range boundaries {
			// Boundaries at or before the previous chunk's end would
			// yield a chunk of pure overlap; every chunk must cover
			// new tiles.
			if b <= prevEnd {
				continue
			}
			if b > limit {
				break
			}
			e = b
		}

		truncated := false
		if e == -1 {
			// No new sentence end within reach: cut at the token boundary.
			e = limit
			truncated = true
		}

		chunkText := text[cum[s]:cum[e]]
		if strings.TrimSpace(chunkText) != "" {
			chunks = append(chunks, Chunk{
				ID:         chunkID(docID, seq, chunkText),
				DocumentID: docID,
				Text:       chunkText,
				Start:      cum[s],
				End:        cum[e],
				TokenCount: e - s,
				Seq:        seq,
				Truncated:  truncated,
				Metadata:   cloneMeta(meta),
			})
			seq++
		}

		if e >= len(tiles) {
			break
		}
		prevEnd = e
		next := e - overlapTokens
		if next <= s {
			next = s + 1
		}
		s = next
	}

	return chunks, nil
}

// boundaryTiles maps sentence and paragraph end positions onto tile indices.
// A byte boundary inside a tile rounds up to the tile's end. The final tile
// index is always a boundary.
func boundaryTiles(text string, cum []int) []int {
	tileCount := len(cum) - 1
	seen := make(map[int]bool)

	addByte := func(b int) {
		k := sort.SearchInts(cum, b)
		if k > tileCount {
			k = tileCount
		}
		if k > 0 {
			seen[k] = true
		}
	}

	// Sentence boundaries sit after the terminator; the whitespace that
	// follows belongs to the next chunk. Paragraph boundaries sit where the
	// blank line begins.
	for _, m := range sentenceEndRE.FindAllStringSubmatchIndex(text, -1) {
		addByte(m[3])
	}
	for _, m := range paragraphEndRE.FindAllStringIndex(text, -1) {
		addByte(m[0])
	}
	seen[tileCount] = true

	out := make([]int, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

// chunkID derives a stable ID from document identity, position and content.
func chunkID(docID uuid.UUID, seq int, text string) uuid.UUID {
	sum := sha256.Sum256([]byte(text))
	return uuid.NewSHA1(docID, fmt.Appendf(nil, "%d:%x", seq, sum[:8]))
}

func cloneMeta(meta map[string]string) map[string]string {
	if meta == nil {
		return nil
	}
	cp := make(map[string]string, len(meta))
	for k, v := range meta {
		cp[k] = v
	}
	return cp
}
