package index

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// ErrSnapshotLocked reports that another process holds the snapshot file.
var ErrSnapshotLocked = errors.New("index snapshot locked by another process")

// snapshotFile is the on-disk shape. Entries round-trip unchanged.
type snapshotFile struct {
	Dims    int             `json:"dims"`
	ModelID string          `json:"model_id"`
	Next    uint64          `json:"next_position"`
	Entries []snapshotEntry `json:"entries"`
}

type snapshotEntry struct {
	Entry
	Position uint64 `json:"position"`
}

// SaveSnapshot writes the current contents to path. The write goes through a
// temp file and rename, guarded by a flock so two processes cannot clobber
// each other.
func (m *Memory) SaveSnapshot(path string) error {
	fl := flock.New(path + ".lock")
	locked, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("locking snapshot: %w", err)
	}
	if !locked {
		return ErrSnapshotLocked
	}
	defer func() { _ = fl.Unlock() }()

	snap := m.snap.Load()
	m.mu.Lock()
	next := m.next
	m.mu.Unlock()

	out := snapshotFile{Dims: m.dims, ModelID: m.modelID, Next: next}
	for _, e := range snap.entries {
		out.Entries = append(out.Entries, snapshotEntry{Entry: e.Entry, Position: e.position})
	}

	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return fmt.Errorf("creating snapshot temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("publishing snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot restores a Memory index from a file written by SaveSnapshot.
// The stored dimensionality and model must match the requested ones.
func LoadSnapshot(path string, dims int, modelID string) (*Memory, error) {
	fl := flock.New(path + ".lock")
	locked, err := fl.TryRLock()
	if err != nil {
		return nil, fmt.Errorf("locking snapshot: %w", err)
	}
	if !locked {
		return nil, ErrSnapshotLocked
	}
	defer func() { _ = fl.Unlock() }()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}

	var in snapshotFile
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	if in.Dims != dims || in.ModelID != modelID {
		return nil, fmt.Errorf("%w: snapshot is %d-dimensional %q, want %d-dimensional %q",
			ErrDimensionMismatch, in.Dims, in.ModelID, dims, modelID)
	}

	m, err := NewMemory(dims, modelID)
	if err != nil {
		return nil, err
	}

	snap := &memSnapshot{byChunk: make(map[uuid.UUID]int, len(in.Entries))}
	for _, e := range in.Entries {
		snap.byChunk[e.ChunkID] = len(snap.entries)
		snap.entries = append(snap.entries, memEntry{
			Entry:    e.Entry,
			norm:     vectorNorm(e.Vector),
			position: e.Position,
		})
	}
	m.snap.Store(snap)
	m.next = in.Next
	return m, nil
}
