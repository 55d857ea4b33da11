//go:build integration
// +build integration

package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/quern-ai/quern/internal/testutil"
)

// TestMain enables goroutine leak detection for the integration tests.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// Docker client and testcontainers reaper connections outlive tests.
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

func setupPostgres(t *testing.T) *Postgres {
	t.Helper()
	db := testutil.SetupTestDB(t)
	backend, err := NewPostgres(db.Pool, testutil.DiscardLogger())
	require.NoError(t, err)
	return backend
}

func TestPostgres_AppendAssignsSequence(t *testing.T) {
	backend := setupPostgres(t)
	ctx := context.Background()
	sessionID := uuid.New()

	turns := []Turn{
		{ID: uuid.New(), SessionID: sessionID, Role: RoleUser, Text: "hello", TokenCount: 1, CreatedAt: time.Now().UTC()},
		{ID: uuid.New(), SessionID: sessionID, Role: RoleAssistant, Text: "hi there", TokenCount: 2, CreatedAt: time.Now().UTC()},
	}
	require.NoError(t, backend.Append(ctx, sessionID, turns, nil))

	got, err := backend.Turns(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Seq)
	assert.Equal(t, 2, got[1].Seq)
	assert.Equal(t, RoleUser, got[0].Role)
	assert.Equal(t, "hello", got[0].Text)

	s, err := backend.Get(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, s.TurnCount)
	assert.False(t, s.CreatedAt.IsZero())
}

func TestPostgres_GetUnknownSession(t *testing.T) {
	backend := setupPostgres(t)

	_, err := backend.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgres_TurnsOfUnknownSessionIsEmpty(t *testing.T) {
	backend := setupPostgres(t)

	got, err := backend.Turns(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Empty(t, got)
}

// TestPostgres_ConcurrentAppends drives one session from many goroutines.
// The row lock must serialize them: every turn lands, sequence numbers stay
// unique and dense.
func TestPostgres_ConcurrentAppends(t *testing.T) {
	backend := setupPostgres(t)
	ctx := context.Background()
	sessionID := uuid.New()

	const writers = 50
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			turn := Turn{
				ID:         uuid.New(),
				SessionID:  sessionID,
				Role:       RoleUser,
				Text:       fmt.Sprintf("message %d", n),
				TokenCount: 2,
				CreatedAt:  time.Now().UTC(),
			}
			errs <- backend.Append(ctx, sessionID, []Turn{turn}, nil)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := backend.Turns(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, got, writers)

	seen := make(map[int]bool, writers)
	for i, turn := range got {
		assert.Equal(t, i+1, turn.Seq, "turns must come back dense and ordered")
		assert.False(t, seen[turn.Seq], "sequence %d assigned twice", turn.Seq)
		seen[turn.Seq] = true
	}

	s, err := backend.Get(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, writers, s.TurnCount)
}

// TestPostgres_EvictionIsAtomic verifies that the eviction decision and the
// append commit together: afterwards the summary turn stands in for
// everything at or below ThroughSeq.
func TestPostgres_EvictionIsAtomic(t *testing.T) {
	backend := setupPostgres(t)
	ctx := context.Background()
	sessionID := uuid.New()

	for i := 0; i < 4; i++ {
		turn := Turn{ID: uuid.New(), SessionID: sessionID, Role: RoleUser,
			Text: fmt.Sprintf("old %d", i), TokenCount: 2, CreatedAt: time.Now().UTC()}
		require.NoError(t, backend.Append(ctx, sessionID, []Turn{turn}, nil))
	}

	evict := func(_ context.Context, all []Turn) (*Eviction, error) {
		// Fold everything except the newest turn.
		through := all[len(all)-2].Seq
		return &Eviction{
			ThroughSeq: through,
			Summary: Turn{
				ID:         uuid.New(),
				SessionID:  sessionID,
				Role:       RoleSummary,
				Text:       "earlier conversation, condensed",
				TokenCount: 4,
				Seq:        through,
				CreatedAt:  time.Now().UTC(),
			},
		}, nil
	}

	last := Turn{ID: uuid.New(), SessionID: sessionID, Role: RoleUser,
		Text: "newest", TokenCount: 1, CreatedAt: time.Now().UTC()}
	require.NoError(t, backend.Append(ctx, sessionID, []Turn{last}, evict))

	got, err := backend.Turns(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, RoleSummary, got[0].Role)
	assert.Equal(t, "earlier conversation, condensed", got[0].Text)
	assert.Equal(t, RoleUser, got[1].Role)
	assert.Equal(t, "newest", got[1].Text)

	s, err := backend.Get(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, s.TurnCount)
}

func TestPostgres_ClearKeepsSession(t *testing.T) {
	backend := setupPostgres(t)
	ctx := context.Background()
	sessionID := uuid.New()

	turn := Turn{ID: uuid.New(), SessionID: sessionID, Role: RoleUser,
		Text: "hello", TokenCount: 1, CreatedAt: time.Now().UTC()}
	require.NoError(t, backend.Append(ctx, sessionID, []Turn{turn}, nil))

	require.NoError(t, backend.Clear(ctx, sessionID))

	got, err := backend.Turns(ctx, sessionID)
	require.NoError(t, err)
	assert.Empty(t, got)

	s, err := backend.Get(ctx, sessionID)
	require.NoError(t, err, "clear must keep the session row")
	assert.Zero(t, s.TurnCount)

	// Sequence numbering restarts from a clean slate.
	turn2 := Turn{ID: uuid.New(), SessionID: sessionID, Role: RoleUser,
		Text: "again", TokenCount: 1, CreatedAt: time.Now().UTC()}
	require.NoError(t, backend.Append(ctx, sessionID, []Turn{turn2}, nil))
	got, err = backend.Turns(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Seq)
}

func TestPostgres_DeleteCascades(t *testing.T) {
	backend := setupPostgres(t)
	ctx := context.Background()
	sessionID := uuid.New()

	turn := Turn{ID: uuid.New(), SessionID: sessionID, Role: RoleUser,
		Text: "hello", TokenCount: 1, CreatedAt: time.Now().UTC()}
	require.NoError(t, backend.Append(ctx, sessionID, []Turn{turn}, nil))

	require.NoError(t, backend.Delete(ctx, sessionID))

	_, err := backend.Get(ctx, sessionID)
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := backend.Turns(ctx, sessionID)
	require.NoError(t, err)
	assert.Empty(t, got)

	// Idempotent: deleting again is a no-op.
	require.NoError(t, backend.Delete(ctx, sessionID))
}

func TestPostgres_ListOrdersByActivity(t *testing.T) {
	backend := setupPostgres(t)
	ctx := context.Background()

	first, second := uuid.New(), uuid.New()
	mk := func(id uuid.UUID, text string) Turn {
		return Turn{ID: uuid.New(), SessionID: id, Role: RoleUser,
			Text: text, TokenCount: 1, CreatedAt: time.Now().UTC()}
	}
	require.NoError(t, backend.Append(ctx, first, []Turn{mk(first, "a")}, nil))
	require.NoError(t, backend.Append(ctx, second, []Turn{mk(second, "b")}, nil))
	// Touch the first session again so it becomes the most recent.
	require.NoError(t, backend.Append(ctx, first, []Turn{mk(first, "c")}, nil))

	sessions, err := backend.List(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, first, sessions[0].ID)
	assert.Equal(t, second, sessions[1].ID)

	page, err := backend.List(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, second, page[0].ID)
}

// TestStore_PostgresEviction runs the full policy end to end on the durable
// backend: once the running token total passes the cap, old turns fold into
// a summary inside the same append.
func TestStore_PostgresEviction(t *testing.T) {
	backend := setupPostgres(t)
	store, err := NewStore(backend, &recapSummarizer{}, splitWords{},
		Config{CapTokens: 40, SummaryTokens: 10}, testutil.DiscardLogger())
	require.NoError(t, err)

	ctx := context.Background()
	sessionID := uuid.New()

	// Each exchange is 16 tokens; the third pushes past the cap.
	for i := 0; i < 3; i++ {
		err := store.Append(ctx, sessionID,
			Turn{Role: RoleUser, Text: "question about topic eight words long here ok", TokenCount: 8},
			Turn{Role: RoleAssistant, Text: "answer about topic eight words long here ok", TokenCount: 8},
		)
		require.NoError(t, err)
	}

	turns, err := store.Turns(ctx, sessionID)
	require.NoError(t, err)
	require.NotEmpty(t, turns)
	assert.Equal(t, RoleSummary, turns[0].Role, "oldest surviving turn should be the summary")
	assert.Contains(t, turns[0].Text, "recap of")

	total := 0
	for _, turn := range turns {
		total += turn.TokenCount
	}
	assert.LessOrEqual(t, total, 40, "post-eviction history must fit the cap")

	window, err := store.Window(ctx, sessionID, 20)
	require.NoError(t, err)
	require.NotEmpty(t, window)
	for _, turn := range window {
		assert.Contains(t, []Role{RoleSummary, RoleUser, RoleAssistant}, turn.Role)
	}
}
