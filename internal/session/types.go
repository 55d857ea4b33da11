package session

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a turn.
type Role string

// Role constants define valid turn roles for type safety.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"

	// RoleSummary marks the single synthesized turn that stands in for
	// evicted history. At most one exists per session, always first.
	RoleSummary Role = "system-summary"
)

// Turn represents a single conversation turn (application-level type).
type Turn struct {
	ID         uuid.UUID `json:"id"`
	SessionID  uuid.UUID `json:"session_id"`
	Role       Role      `json:"role"`
	Text       string    `json:"text"`
	TokenCount int       `json:"token_count"`
	Seq        int       `json:"seq"`
	CreatedAt  time.Time `json:"created_at"`
}

// Session represents a conversation session (application-level type).
type Session struct {
	ID        uuid.UUID
	TurnCount int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Tokenizer counts and splits text the same way the rest of the pipeline
// does. Split tiles must concatenate back to the input, which is what lets
// summary truncation stay deterministic.
type Tokenizer interface {
	Count(text string) int
	Split(text string) []string
}

// Summarizer condenses evicted turns into the text of a summary turn. The
// result must be deterministic for a given input and Version, so history
// stays reproducible across runs.
type Summarizer interface {
	Summarize(ctx context.Context, turns []Turn, maxTokens int) (string, error)
	Version() string
}

// Eviction is a backend instruction to fold old history: every turn with
// Seq <= ThroughSeq is removed and Summary (carrying Seq = ThroughSeq) takes
// their place.
type Eviction struct {
	ThroughSeq int
	Summary    Turn
}

// EvictFn decides, given the turns a session would hold after an append,
// whether its oldest turns should be folded into a summary. Backends call it
// while holding the session's append lock, so the decision and its
// application are atomic relative to other appends.
type EvictFn func(ctx context.Context, turns []Turn) (*Eviction, error)

// Backend is the storage contract behind [Store]. Implementations must
// serialize Append calls per session; turns for different sessions are
// fully independent.
type Backend interface {
	// Append stores turns at the end of the session's history, creating
	// the session if needed. Seq numbers are assigned by the backend.
	// When evict returns a non-nil Eviction it is applied in the same
	// atomic step.
	Append(ctx context.Context, sessionID uuid.UUID, turns []Turn, evict EvictFn) error

	// Turns returns the session's full history ordered by Seq. A session
	// with no history yields an empty slice, not an error.
	Turns(ctx context.Context, sessionID uuid.UUID) ([]Turn, error)

	// Get returns session metadata or [ErrNotFound].
	Get(ctx context.Context, sessionID uuid.UUID) (*Session, error)

	// List returns sessions ordered by most recent activity.
	List(ctx context.Context, limit, offset int32) ([]Session, error)

	// Clear removes all turns but keeps the session. Seq numbering
	// restarts at 1 on the next append.
	Clear(ctx context.Context, sessionID uuid.UUID) error

	// Delete removes the session and its turns. Deleting an unknown
	// session is a no-op.
	Delete(ctx context.Context, sessionID uuid.UUID) error
}
