package chunk

import (
	"fmt"
	"unicode"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer turns text into a sequence of token segments. Split must tile the
// input: concatenating the returned segments reproduces the input bytes
// exactly. That property is what lets the chunker report byte-accurate
// offsets for hard-split chunks.
type Tokenizer interface {
	// Count returns the number of tokens in text.
	Count(text string) int

	// Split returns the token segments of text, in order.
	Split(text string) []string
}

// Tiktoken tokenizes with OpenAI's cl100k_base byte-pair encoding. The
// encoding tables are loaded once at construction; the encoder itself is safe
// for concurrent use.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

// NewTiktoken loads the cl100k_base encoding.
func NewTiktoken() (*Tiktoken, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("loading cl100k_base encoding: %w", err)
	}
	return &Tiktoken{enc: enc}, nil
}

// Count implements Tokenizer.
func (t *Tiktoken) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// Split implements Tokenizer. Each BPE token decodes to a byte segment of the
// original text, so the tiling property holds.
func (t *Tiktoken) Split(text string) []string {
	ids := t.enc.Encode(text, nil, nil)
	segs := make([]string, len(ids))
	for i, id := range ids {
		segs[i] = t.enc.Decode([]int{id})
	}
	return segs
}

// Words is a dependency-free tokenizer that treats each whitespace-delimited
// word as one token, with any leading whitespace attached to the word so the
// segments tile the input. It needs no encoding tables, which makes it the
// offline fallback and the tokenizer of choice in tests where "token" should
// mean "word".
type Words struct{}

// Count implements Tokenizer.
func (Words) Count(text string) int {
	return len(Words{}.Split(text))
}

// Split implements Tokenizer.
func (Words) Split(text string) []string {
	var segs []string
	i := 0
	for i < len(text) {
		j := i
		for j < len(text) {
			r, size := utf8.DecodeRuneInString(text[j:])
			if !unicode.IsSpace(r) {
				break
			}
			j += size
		}
		k := j
		for k < len(text) {
			r, size := utf8.DecodeRuneInString(text[k:])
			if unicode.IsSpace(r) {
				break
			}
			k += size
		}
		if k == j {
			// trailing whitespace only
			segs = append(segs, text[i:k])
			break
		}
		segs = append(segs, text[i:k])
		i = k
	}
	return segs
}
