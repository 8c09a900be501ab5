// Package memory provides a process-lifetime checkpoint store. It is
// guarded by a single mutex per store instance, which is adequate for
// moderate concurrency; it is not sharded.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/steve0801/agentgraph/store"
)

// MemoryCheckpointStore keeps checkpoint histories in process memory.
// Histories survive only as long as the store instance.
type MemoryCheckpointStore struct {
	mu       sync.Mutex
	threads  map[string][]*store.Checkpoint // newest first
	releases map[string]int                 // per-thread release counter
}

var _ store.CheckpointStore = (*MemoryCheckpointStore)(nil)

// NewMemoryCheckpointStore creates an empty in-memory checkpoint store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{
		threads:  make(map[string][]*store.Checkpoint),
		releases: make(map[string]int),
	}
}

// List returns the thread's history, newest first.
func (s *MemoryCheckpointStore) List(_ context.Context, threadID string) ([]*store.Checkpoint, error) {
	if threadID == "" {
		return nil, store.ErrEmptyThread
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.threads[threadID]
	out := make([]*store.Checkpoint, len(history))
	for i, cp := range history {
		out[i] = copyCheckpoint(cp)
	}
	return out, nil
}

// Get returns the checkpoint with the given id, or the most recent one when
// checkpointID is empty.
func (s *MemoryCheckpointStore) Get(_ context.Context, threadID, checkpointID string) (*store.Checkpoint, error) {
	if threadID == "" {
		return nil, store.ErrEmptyThread
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.threads[threadID]
	if len(history) == 0 {
		return nil, fmt.Errorf("thread %s: %w", threadID, store.ErrNotFound)
	}
	if checkpointID == "" {
		return copyCheckpoint(history[0]), nil
	}
	for _, cp := range history {
		if cp.ID == checkpointID {
			return copyCheckpoint(cp), nil
		}
	}
	return nil, fmt.Errorf("thread %s checkpoint %s: %w", threadID, checkpointID, store.ErrNotFound)
}

// Put prepends cp to the thread's history, or replaces the entry in place
// when a checkpoint with the same ID already exists.
func (s *MemoryCheckpointStore) Put(_ context.Context, threadID string, cp *store.Checkpoint) error {
	if threadID == "" {
		return store.ErrEmptyThread
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := copyCheckpoint(cp)
	history := s.threads[threadID]
	for i, existing := range history {
		if existing.ID == cp.ID {
			history[i] = stored
			return nil
		}
	}
	s.threads[threadID] = append([]*store.Checkpoint{stored}, history...)
	return nil
}

// Clear removes the thread's history.
func (s *MemoryCheckpointStore) Clear(_ context.Context, threadID string) error {
	if threadID == "" {
		return store.ErrEmptyThread
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
	return nil
}

// Release detaches the thread's history and returns it tagged with a
// monotonically increasing per-thread version.
func (s *MemoryCheckpointStore) Release(_ context.Context, threadID string) (*store.Archive, error) {
	if threadID == "" {
		return nil, store.ErrEmptyThread
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	history, ok := s.threads[threadID]
	if !ok {
		return nil, fmt.Errorf("thread %s: %w", threadID, store.ErrNotFound)
	}
	delete(s.threads, threadID)
	s.releases[threadID]++
	return &store.Archive{
		Tag:         fmt.Sprintf("%s-v%d", threadID, s.releases[threadID]),
		Checkpoints: history,
	}, nil
}

func copyCheckpoint(cp *store.Checkpoint) *store.Checkpoint {
	state := make(map[string]any, len(cp.State))
	for k, v := range cp.State {
		state[k] = v
	}
	clone := *cp
	clone.State = state
	return &clone
}
