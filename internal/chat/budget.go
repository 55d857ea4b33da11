package chat

import "github.com/quern-ai/quern/internal/session"

// Tokenizer counts prompt tokens. The same counter used for chunking and
// session budgets keeps all budget arithmetic in one currency.
type Tokenizer interface {
	Count(text string) int
}

// TokenBudget splits the prompt window between its parts. System
// instructions and the user query are never trimmed; they are charged
// against TotalTokens first. Retrieved context is reserved ahead of the
// memory window, so when the window is tight it is the conversation history
// that shrinks first.
type TokenBudget struct {
	TotalTokens      int // whole prompt budget
	MaxContextTokens int // ceiling for retrieved chunks
	MaxMemoryTokens  int // ceiling for the conversation window
}

// DefaultTokenBudget returns conservative defaults that fit well inside
// common 32K-context models.
func DefaultTokenBudget() TokenBudget {
	return TokenBudget{
		TotalTokens:      8000,
		MaxContextTokens: 2000,
		MaxMemoryTokens:  2000,
	}
}

// available returns the budget left after the untrimmable parts.
func (b TokenBudget) available(fixedTokens int) int {
	avail := b.TotalTokens - fixedTokens
	if avail < 0 {
		return 0
	}
	return avail
}

// memoryBudget is the window's share: what remains after the context
// reservation, capped at its own ceiling.
func (b TokenBudget) memoryBudget(avail int) int {
	reserve := min(b.MaxContextTokens, avail)
	return min(b.MaxMemoryTokens, avail-reserve)
}

// contextBudget is computed after the window is fetched, so tokens the
// window did not use flow back to retrieval, still capped at the context
// ceiling.
func (b TokenBudget) contextBudget(avail, memoryUsed int) int {
	left := avail - memoryUsed
	if left < 0 {
		left = 0
	}
	return min(b.MaxContextTokens, left)
}

func windowTokens(turns []session.Turn) int {
	total := 0
	for _, t := range turns {
		total += t.TokenCount
	}
	return total
}
