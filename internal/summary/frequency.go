// Package summary produces the text of synthesized summary turns. The
// default implementation is extractive and fully deterministic; a
// model-backed variant exists for deployments that prefer abstractive
// recaps.
package summary

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/quern-ai/quern/internal/session"
)

// Tokenizer counts and splits text into tiles that concatenate back to the
// input.
type Tokenizer interface {
	Count(text string) int
	Split(text string) []string
}

var (
	wordRE     = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*`)
	sentenceRE = regexp.MustCompile(`(?m)(?U)([^.!?]+[.!?])`)
)

// Frequency ranks sentences by word frequency (stopwords filtered) and
// selects the best-scoring ones, in original order, until the token budget
// is spent. Identical input turns always produce identical output.
type Frequency struct {
	tok       Tokenizer
	stopwords map[string]struct{}
}

// NewFrequency creates the extractive summarizer.
func NewFrequency(tok Tokenizer) *Frequency {
	return &Frequency{tok: tok, stopwords: defaultStopwords()}
}

// Version implements session.Summarizer.
func (s *Frequency) Version() string { return "frequency/v1" }

// Summarize implements session.Summarizer.
func (s *Frequency) Summarize(_ context.Context, turns []session.Turn, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = session.DefaultSummaryTokens
	}

	texts := make([]string, 0, len(turns))
	for _, t := range turns {
		if strings.TrimSpace(t.Text) != "" {
			texts = append(texts, t.Text)
		}
	}
	text := strings.Join(texts, " ")

	sentences := sentenceRE.FindAllString(text, -1)
	if len(sentences) == 0 {
		return s.truncate(strings.TrimSpace(text), maxTokens), nil
	}

	// Word frequencies, normalized to the most common word.
	freq := map[string]float64{}
	for _, sent := range sentences {
		for _, tok := range s.words(sent) {
			if _, ok := s.stopwords[tok]; ok {
				continue
			}
			freq[tok]++
		}
	}
	maxF := 0.0
	for _, v := range freq {
		if v > maxF {
			maxF = v
		}
	}
	if maxF > 0 {
		for k, v := range freq {
			freq[k] = v / maxF
		}
	}

	// Score sentences, dampened by length so long sentences don't
	// dominate on volume alone.
	type scored struct {
		idx   int
		score float64
	}
	scores := make([]scored, len(sentences))
	for i, sent := range sentences {
		words := s.words(sent)
		total := 0.0
		for _, tok := range words {
			total += freq[tok]
		}
		if l := float64(len(words)); l > 0 {
			total /= math.Sqrt(l)
		}
		scores[i] = scored{i, total}
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })

	// Take the best sentences that fit the budget, then restore original
	// order. A sentence never goes in partially.
	used := 0
	var selected []int
	for _, sc := range scores {
		cost := s.tok.Count(sentences[sc.idx])
		if cost == 0 || used+cost > maxTokens {
			continue
		}
		used += cost
		selected = append(selected, sc.idx)
	}
	if len(selected) == 0 {
		// Budget too small for any whole sentence; fall back to a hard
		// cut of the best one.
		return s.truncate(strings.TrimSpace(sentences[scores[0].idx]), maxTokens), nil
	}
	sort.Ints(selected)

	out := make([]string, len(selected))
	for i, idx := range selected {
		out[i] = strings.TrimSpace(sentences[idx])
	}
	return strings.Join(out, " "), nil
}

func (s *Frequency) truncate(text string, maxTokens int) string {
	tiles := s.tok.Split(text)
	if len(tiles) <= maxTokens {
		return text
	}
	var b strings.Builder
	for _, tile := range tiles[:maxTokens] {
		b.WriteString(tile)
	}
	return b.String()
}

func (s *Frequency) words(text string) []string {
	return wordRE.FindAllString(strings.ToLower(text), -1)
}

func defaultStopwords() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at", "by",
		"with", "as", "is", "are", "was", "were", "be", "been", "being", "it", "this", "that", "these", "those",
		"from", "up", "down", "over", "under", "again", "further", "than", "so", "such", "into", "about",
		"between", "through", "during", "before", "after", "above", "below", "out", "off", "own", "same",
		"too", "very", "can", "will", "just", "should", "now", "i", "you", "he", "she", "we", "they", "my",
		"your", "what", "which", "who", "how", "when", "where", "why", "not", "no", "do", "does", "did",
		"have", "has", "had",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
