package session

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quern-ai/quern/internal/log"
)

// Default memory configuration.
const (
	// DefaultCapTokens is the running token total beyond which old turns
	// are folded into a summary.
	DefaultCapTokens = 2048

	// DefaultSummaryTokens is the budget reserved for the synthesized
	// summary turn.
	DefaultSummaryTokens = 256
)

// Config tunes the eviction policy.
type Config struct {
	// CapTokens is the total token count a session may hold before
	// eviction kicks in.
	CapTokens int

	// SummaryTokens caps the synthesized summary and is reserved out of
	// CapTokens when choosing what to keep.
	SummaryTokens int
}

// Store is the conversation memory. It layers the eviction policy and
// window assembly over a [Backend] that handles persistence and per-session
// locking.
//
// Store is safe for concurrent use by multiple goroutines. Appends to the
// same session serialize on the backend's session lock; sessions are
// otherwise independent.
type Store struct {
	backend    Backend
	summarizer Summarizer
	tokens     Tokenizer
	cfg        Config
	logger     log.Logger
}

// NewStore creates a conversation memory over the given backend. The
// summarizer is injected rather than hard-wired so tests can pin eviction
// output.
func NewStore(backend Backend, summarizer Summarizer, tokens Tokenizer, cfg Config, logger log.Logger) (*Store, error) {
	if backend == nil {
		return nil, errors.New("session backend required")
	}
	if summarizer == nil {
		return nil, errors.New("summarizer required")
	}
	if tokens == nil {
		return nil, errors.New("tokenizer required")
	}
	if cfg.CapTokens == 0 {
		cfg.CapTokens = DefaultCapTokens
	}
	if cfg.SummaryTokens == 0 {
		cfg.SummaryTokens = DefaultSummaryTokens
	}
	if cfg.CapTokens < 0 || cfg.SummaryTokens < 0 {
		return nil, fmt.Errorf("memory budgets must be positive: cap %d, summary %d", cfg.CapTokens, cfg.SummaryTokens)
	}
	if cfg.SummaryTokens >= cfg.CapTokens {
		return nil, fmt.Errorf("summary budget %d must be below the memory cap %d", cfg.SummaryTokens, cfg.CapTokens)
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{
		backend:    backend,
		summarizer: summarizer,
		tokens:     tokens,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// Append stores turns at the end of the session's history, creating the
// session on first use. Missing turn fields (ID, token count, timestamp)
// are filled in. When the running token total passes the configured cap,
// the oldest turns are folded into a single summary turn in the same
// atomic step.
func (s *Store) Append(ctx context.Context, sessionID uuid.UUID, turns ...Turn) error {
	if sessionID == uuid.Nil {
		return errors.New("session id required")
	}
	if len(turns) == 0 {
		return nil
	}

	now := time.Now().UTC()
	prepared := make([]Turn, len(turns))
	for i, t := range turns {
		if t.Role == "" {
			return fmt.Errorf("turn %d: role required", i)
		}
		t.SessionID = sessionID
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		if t.TokenCount == 0 {
			t.TokenCount = s.tokens.Count(t.Text)
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		prepared[i] = t
	}

	if err := s.backend.Append(ctx, sessionID, prepared, s.evictFn(sessionID)); err != nil {
		return fmt.Errorf("failed to append turns to session %s: %w", sessionID, err)
	}

	s.logger.Debug("appended turns", "session_id", sessionID, "count", len(prepared))
	return nil
}

// Window returns the most recent turns that fit tokenBudget, oldest first.
// A summary turn, when present, is included ahead of them if room remains,
// truncated to the leftover budget if necessary. Unknown sessions yield an
// empty window.
func (s *Store) Window(ctx context.Context, sessionID uuid.UUID, tokenBudget int) ([]Turn, error) {
	if tokenBudget <= 0 {
		return nil, nil
	}
	turns, err := s.backend.Turns(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history for session %s: %w", sessionID, err)
	}
	return trimWindow(turns, tokenBudget, s.tokens), nil
}

// Turns returns the session's full history ordered oldest first.
func (s *Store) Turns(ctx context.Context, sessionID uuid.UUID) ([]Turn, error) {
	return s.backend.Turns(ctx, sessionID)
}

// Get returns session metadata or [ErrNotFound].
func (s *Store) Get(ctx context.Context, sessionID uuid.UUID) (*Session, error) {
	return s.backend.Get(ctx, sessionID)
}

// List returns sessions ordered by most recent activity.
func (s *Store) List(ctx context.Context, limit, offset int32) ([]Session, error) {
	return s.backend.List(ctx, NormalizeListLimit(limit), max(offset, 0))
}

// Clear removes the session's turns but keeps the session itself.
func (s *Store) Clear(ctx context.Context, sessionID uuid.UUID) error {
	if err := s.backend.Clear(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to clear session %s: %w", sessionID, err)
	}
	s.logger.Debug("cleared session", "session_id", sessionID)
	return nil
}

// Delete removes the session and all its turns. Deleting a session that
// does not exist is a no-op, so the operation is idempotent.
func (s *Store) Delete(ctx context.Context, sessionID uuid.UUID) error {
	if err := s.backend.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	s.logger.Debug("deleted session", "session_id", sessionID)
	return nil
}

// evictFn builds the eviction decision the backend runs under the session
// lock. A summarizer failure skips eviction rather than failing the append;
// the next append gets another chance.
func (s *Store) evictFn(sessionID uuid.UUID) EvictFn {
	return func(ctx context.Context, all []Turn) (*Eviction, error) {
		evict, throughSeq, ok := planEviction(all, s.cfg.CapTokens, s.cfg.SummaryTokens)
		if !ok {
			return nil, nil
		}

		text, err := s.summarizer.Summarize(ctx, evict, s.cfg.SummaryTokens)
		if err != nil {
			s.logger.Warn("summarization failed, keeping full history for now",
				"session_id", sessionID, "error", err)
			return nil, nil
		}

		summary := Turn{
			ID:         summaryTurnID(sessionID, throughSeq, text),
			SessionID:  sessionID,
			Role:       RoleSummary,
			Text:       text,
			TokenCount: s.tokens.Count(text),
			Seq:        throughSeq,
			CreatedAt:  time.Now().UTC(),
		}
		s.logger.Debug("folded old turns into summary",
			"session_id", sessionID,
			"evicted", len(evict),
			"summary_tokens", summary.TokenCount,
			"summarizer", s.summarizer.Version())
		return &Eviction{ThroughSeq: throughSeq, Summary: summary}, nil
	}
}

// summaryTurnID derives a stable ID from the session, the fold point and the
// summary text, so identical evictions produce identical turns.
func summaryTurnID(sessionID uuid.UUID, throughSeq int, text string) uuid.UUID {
	digest := sha256.Sum256([]byte(text))
	return uuid.NewSHA1(sessionID, fmt.Appendf(nil, "summary:%d:%x", throughSeq, digest[:8]))
}
