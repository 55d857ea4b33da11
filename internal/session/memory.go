package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemory is the process-local backend. It keeps full fidelity with the
// durable backends — per-session append locks, seq assignment, atomic
// eviction — which makes it the workhorse for unit tests and for running
// without external storage.
type InMemory struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*memSession
}

type memSession struct {
	mu      sync.Mutex
	created time.Time
	updated time.Time
	nextSeq int
	turns   []Turn
}

// NewInMemory creates an empty in-memory backend.
func NewInMemory() *InMemory {
	return &InMemory{sessions: make(map[uuid.UUID]*memSession)}
}

func (m *InMemory) get(sessionID uuid.UUID) (*memSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	return sess, ok
}

func (m *InMemory) getOrCreate(sessionID uuid.UUID) *memSession {
	if sess, ok := m.get(sessionID); ok {
		return sess
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[sessionID]; ok {
		return sess
	}
	sess := &memSession{created: time.Now().UTC()}
	m.sessions[sessionID] = sess
	return sess
}

// Append implements Backend. The session mutex serializes appends and makes
// the eviction decision atomic with its application.
func (m *InMemory) Append(ctx context.Context, sessionID uuid.UUID, turns []Turn, evict EvictFn) error {
	sess := m.getOrCreate(sessionID)

	sess.mu.Lock()
	defer sess.mu.Unlock()

	all := make([]Turn, len(sess.turns), len(sess.turns)+len(turns))
	copy(all, sess.turns)
	for _, t := range turns {
		sess.nextSeq++
		t.Seq = sess.nextSeq
		all = append(all, t)
	}

	if evict != nil {
		ev, err := evict(ctx, all)
		if err != nil {
			return err
		}
		if ev != nil {
			all = applyEviction(all, ev)
		}
	}

	sess.turns = all
	sess.updated = time.Now().UTC()
	return nil
}

// Turns implements Backend.
func (m *InMemory) Turns(_ context.Context, sessionID uuid.UUID) ([]Turn, error) {
	sess, ok := m.get(sessionID)
	if !ok {
		return nil, nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	out := make([]Turn, len(sess.turns))
	copy(out, sess.turns)
	return out, nil
}

// Get implements Backend.
func (m *InMemory) Get(_ context.Context, sessionID uuid.UUID) (*Session, error) {
	sess, ok := m.get(sessionID)
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return &Session{
		ID:        sessionID,
		TurnCount: len(sess.turns),
		CreatedAt: sess.created,
		UpdatedAt: sess.updated,
	}, nil
}

// List implements Backend.
func (m *InMemory) List(ctx context.Context, limit, offset int32) ([]Session, error) {
	m.mu.RLock()
	ids := make([]uuid.UUID, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	sessions := make([]Session, 0, len(ids))
	for _, id := range ids {
		sess, err := m.Get(ctx, id)
		if err != nil {
			continue
		}
		sessions = append(sessions, *sess)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].UpdatedAt.Equal(sessions[j].UpdatedAt) {
			return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
		}
		return sessions[i].ID.String() < sessions[j].ID.String()
	})

	if int(offset) >= len(sessions) {
		return nil, nil
	}
	sessions = sessions[offset:]
	if int(limit) < len(sessions) {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

// Clear implements Backend.
func (m *InMemory) Clear(_ context.Context, sessionID uuid.UUID) error {
	sess, ok := m.get(sessionID)
	if !ok {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.turns = nil
	sess.nextSeq = 0
	sess.updated = time.Now().UTC()
	return nil
}

// Delete implements Backend.
func (m *InMemory) Delete(_ context.Context, sessionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

// applyEviction rebuilds a turn list with the evicted head replaced by the
// summary. Shared by the in-memory and redis backends, which both hold full
// histories in hand; the postgres backend expresses the same step in SQL.
func applyEviction(all []Turn, ev *Eviction) []Turn {
	kept := make([]Turn, 0, len(all)+1)
	kept = append(kept, ev.Summary)
	for _, t := range all {
		if t.Seq > ev.ThroughSeq {
			kept = append(kept, t)
		}
	}
	return kept
}
