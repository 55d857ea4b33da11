package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/quern-ai/quern/internal/log"
)

// recapSummarizer is deterministic: same turns in, same text out.
type recapSummarizer struct {
	fail bool
}

func (s *recapSummarizer) Summarize(_ context.Context, turns []Turn, _ int) (string, error) {
	if s.fail {
		return "", errors.New("summarizer down")
	}
	var b strings.Builder
	b.WriteString("recap of " + strconv.Itoa(len(turns)) + " turns:")
	for _, t := range turns {
		b.WriteString(" " + strconv.Itoa(t.Seq))
	}
	return b.String(), nil
}

func (s *recapSummarizer) Version() string { return "recap-v1" }

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	store, err := NewStore(NewInMemory(), &recapSummarizer{}, splitWords{}, cfg, log.NewNop())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return store
}

func TestNewStore_Validation(t *testing.T) {
	t.Parallel()

	backend := NewInMemory()
	sum := &recapSummarizer{}
	tok := splitWords{}

	if _, err := NewStore(nil, sum, tok, Config{}, nil); err == nil {
		t.Error("NewStore(nil backend) expected an error")
	}
	if _, err := NewStore(backend, nil, tok, Config{}, nil); err == nil {
		t.Error("NewStore(nil summarizer) expected an error")
	}
	if _, err := NewStore(backend, sum, nil, Config{}, nil); err == nil {
		t.Error("NewStore(nil tokenizer) expected an error")
	}
	if _, err := NewStore(backend, sum, tok, Config{CapTokens: 100, SummaryTokens: 100}, nil); err == nil {
		t.Error("NewStore(summary >= cap) expected an error")
	}

	store, err := NewStore(backend, sum, tok, Config{}, nil)
	if err != nil {
		t.Fatalf("NewStore(defaults) error = %v", err)
	}
	if store.cfg.CapTokens != DefaultCapTokens || store.cfg.SummaryTokens != DefaultSummaryTokens {
		t.Errorf("defaults not applied: %+v", store.cfg)
	}
}

func TestStore_AppendFillsFields(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, Config{})
	sessionID := uuid.New()

	err := store.Append(context.Background(), sessionID,
		Turn{Role: RoleUser, Text: "hello there"},
		Turn{Role: RoleAssistant, Text: "general reply"},
	)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	turns, err := store.Turns(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Turns() error = %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("Turns() returned %d turns, want 2", len(turns))
	}
	for i, turn := range turns {
		if turn.ID == uuid.Nil {
			t.Errorf("turn %d has no ID", i)
		}
		if turn.SessionID != sessionID {
			t.Errorf("turn %d session = %s, want %s", i, turn.SessionID, sessionID)
		}
		if turn.Seq != i+1 {
			t.Errorf("turn %d seq = %d, want %d", i, turn.Seq, i+1)
		}
		if turn.TokenCount != 2 {
			t.Errorf("turn %d tokens = %d, want 2", i, turn.TokenCount)
		}
		if turn.CreatedAt.IsZero() {
			t.Errorf("turn %d has no timestamp", i)
		}
	}
}

func TestStore_AppendValidation(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, Config{})

	if err := store.Append(context.Background(), uuid.Nil, Turn{Role: RoleUser, Text: "x"}); err == nil {
		t.Error("Append(nil session) expected an error")
	}
	if err := store.Append(context.Background(), uuid.New(), Turn{Text: "missing role"}); err == nil {
		t.Error("Append(no role) expected an error")
	}
	if err := store.Append(context.Background(), uuid.New()); err != nil {
		t.Errorf("Append(no turns) error = %v, want nil", err)
	}
}

func TestStore_EvictionFoldsOldTurns(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, Config{CapTokens: 50, SummaryTokens: 10})
	sessionID := uuid.New()

	// Ten-token turns; the sixth append pushes past the 50-token cap.
	for i := 0; i < 8; i++ {
		err := store.Append(context.Background(), sessionID, Turn{Role: RoleUser, Text: wordText(10)})
		if err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
	}

	turns, err := store.Turns(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Turns() error = %v", err)
	}

	summaries := 0
	for _, turn := range turns {
		if turn.Role == RoleSummary {
			summaries++
		}
	}
	if summaries != 1 {
		t.Fatalf("history holds %d summary turns, want exactly 1", summaries)
	}
	if turns[0].Role != RoleSummary {
		t.Errorf("first turn role = %q, want %q", turns[0].Role, RoleSummary)
	}
	for _, turn := range turns[1:] {
		if turn.Seq <= turns[0].Seq {
			t.Errorf("turn seq %d does not follow summary seq %d", turn.Seq, turns[0].Seq)
		}
	}

	total := 0
	for _, turn := range turns[1:] {
		total += turn.TokenCount
	}
	if total > 50 {
		t.Errorf("kept turns total %d tokens, want <= cap", total)
	}
}

func TestStore_EvictionDeterministic(t *testing.T) {
	t.Parallel()

	run := func() []Turn {
		store := newTestStore(t, Config{CapTokens: 50, SummaryTokens: 10})
		sessionID := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
		for i := 0; i < 8; i++ {
			turn := Turn{
				ID:   uuid.NewSHA1(sessionID, []byte(strconv.Itoa(i))),
				Role: RoleUser,
				Text: wordText(10),
			}
			if err := store.Append(context.Background(), sessionID, turn); err != nil {
				t.Fatalf("Append(%d) error = %v", i, err)
			}
		}
		turns, err := store.Turns(context.Background(), sessionID)
		if err != nil {
			t.Fatalf("Turns() error = %v", err)
		}
		return turns
	}

	first, second := run(), run()
	if len(first) != len(second) {
		t.Fatalf("runs diverged: %d vs %d turns", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID || first[i].Text != second[i].Text || first[i].Seq != second[i].Seq {
			t.Errorf("turn %d diverged between runs:\n  %+v\n  %+v", i, first[i], second[i])
		}
	}
}

func TestStore_SummarizerFailureKeepsHistory(t *testing.T) {
	t.Parallel()

	store, err := NewStore(NewInMemory(), &recapSummarizer{fail: true}, splitWords{},
		Config{CapTokens: 50, SummaryTokens: 10}, log.NewNop())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	sessionID := uuid.New()

	for i := 0; i < 8; i++ {
		if err := store.Append(context.Background(), sessionID, Turn{Role: RoleUser, Text: wordText(10)}); err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
	}

	turns, err := store.Turns(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Turns() error = %v", err)
	}
	if len(turns) != 8 {
		t.Errorf("history holds %d turns, want all 8 kept when summarization fails", len(turns))
	}
	for _, turn := range turns {
		if turn.Role == RoleSummary {
			t.Error("summary turn appeared despite summarizer failure")
		}
	}
}

func TestStore_ConcurrentAppendsSerialize(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, Config{CapTokens: 1_000_000, SummaryTokens: 100})
	sessionID := uuid.New()

	const writers = 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			err := store.Append(context.Background(), sessionID,
				Turn{Role: RoleUser, Text: fmt.Sprintf("question %d", w)},
				Turn{Role: RoleAssistant, Text: fmt.Sprintf("answer %d", w)},
			)
			if err != nil {
				t.Errorf("Append(%d) error = %v", w, err)
			}
		}(w)
	}
	wg.Wait()

	turns, err := store.Turns(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Turns() error = %v", err)
	}
	if len(turns) != writers*2 {
		t.Fatalf("history holds %d turns, want %d (no lost writes)", len(turns), writers*2)
	}

	// Seq numbers are dense and strictly increasing.
	for i, turn := range turns {
		if turn.Seq != i+1 {
			t.Fatalf("turn %d has seq %d, want %d (no gaps or duplicates)", i, turn.Seq, i+1)
		}
	}

	// Each user/assistant pair landed adjacently: no interleaving.
	for i := 0; i < len(turns); i += 2 {
		q, a := turns[i], turns[i+1]
		if q.Role != RoleUser || a.Role != RoleAssistant {
			t.Fatalf("turns %d/%d roles = %s/%s, want user/assistant", i, i+1, q.Role, a.Role)
		}
		wantAnswer := strings.Replace(q.Text, "question", "answer", 1)
		if a.Text != wantAnswer {
			t.Fatalf("pair split apart: %q followed by %q", q.Text, a.Text)
		}
	}
}

func TestStore_WindowUnknownSession(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, Config{})
	window, err := store.Window(context.Background(), uuid.New(), 100)
	if err != nil {
		t.Fatalf("Window() error = %v", err)
	}
	if len(window) != 0 {
		t.Errorf("Window() on unknown session = %+v, want empty", window)
	}
}

func TestStore_ClearAndDelete(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, Config{})
	sessionID := uuid.New()

	if err := store.Append(context.Background(), sessionID, Turn{Role: RoleUser, Text: "hi"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	if err := store.Clear(context.Background(), sessionID); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	sess, err := store.Get(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Get() after clear error = %v", err)
	}
	if sess.TurnCount != 0 {
		t.Errorf("TurnCount after clear = %d, want 0", sess.TurnCount)
	}

	// Numbering restarts once the history is gone.
	if err := store.Append(context.Background(), sessionID, Turn{Role: RoleUser, Text: "again"}); err != nil {
		t.Fatalf("Append() after clear error = %v", err)
	}
	turns, err := store.Turns(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Turns() after clear error = %v", err)
	}
	if len(turns) != 1 || turns[0].Seq != 1 {
		t.Errorf("turns after clear = %+v, want a single turn with seq 1", turns)
	}

	if err := store.Delete(context.Background(), sessionID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(context.Background(), sessionID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}

	// Idempotent.
	if err := store.Delete(context.Background(), sessionID); err != nil {
		t.Errorf("Delete() repeated error = %v, want nil", err)
	}
}

func TestStore_List(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, Config{})
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		if err := store.Append(context.Background(), id, Turn{Role: RoleUser, Text: "hi"}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	sessions, err := store.List(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("List() returned %d sessions, want 3", len(sessions))
	}
	// Most recent activity first.
	if sessions[0].ID != ids[2] {
		t.Errorf("List()[0] = %s, want most recently touched %s", sessions[0].ID, ids[2])
	}

	page, err := store.List(context.Background(), 2, 2)
	if err != nil {
		t.Fatalf("List(page 2) error = %v", err)
	}
	if len(page) != 1 {
		t.Errorf("List(limit=2, offset=2) returned %d sessions, want 1", len(page))
	}
}
