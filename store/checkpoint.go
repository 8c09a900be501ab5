package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// DefaultThread is the thread id used when a run does not name one.
const DefaultThread = "default"

var (
	// ErrNotFound is returned when no checkpoint matches the request.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrEmptyThread is returned when an operation requires a non-empty thread id.
	ErrEmptyThread = errors.New("thread id must not be empty")
)

// Checkpoint is an immutable snapshot of a run: the full state at one
// instant, the node that just executed and the node to execute next.
// "Updating" a checkpoint means writing a new value with a fresh ID on the
// same thread; existing checkpoints are never mutated.
type Checkpoint struct {
	ID         string         `json:"id"`
	NodeID     string         `json:"node_id"`
	NextNodeID string         `json:"next_node_id"`
	State      map[string]any `json:"state"`
	SavedAt    time.Time      `json:"saved_at"`
}

// NewCheckpoint creates a checkpoint with a fresh globally unique ID.
// The state map is copied so later mutation by the caller cannot leak in.
func NewCheckpoint(nodeID, nextNodeID string, state map[string]any) *Checkpoint {
	snapshot := make(map[string]any, len(state))
	for k, v := range state {
		snapshot[k] = v
	}
	return &Checkpoint{
		ID:         uuid.New().String(),
		NodeID:     nodeID,
		NextNodeID: nextNodeID,
		State:      snapshot,
		SavedAt:    time.Now().UTC(),
	}
}

// Archive is the detached history of a released thread. Tag identifies the
// archived copy in a backend-specific way (a backup file path, a version
// number) so the trail remains auditable after the live history is freed.
type Archive struct {
	Tag         string
	Checkpoints []*Checkpoint
}

// CheckpointStore is the persistence SPI for checkpoint histories, keyed by
// an opaque thread id. A thread's history is a LIFO list: List and Get
// observe the most recent checkpoint first.
//
// Implementations must make writes durable before Put returns, must
// serialize concurrent writers to the same thread id, and must not serialize
// across distinct thread ids.
type CheckpointStore interface {
	// List returns the full history for a thread, newest first. A thread
	// with no history yields an empty slice, not an error.
	List(ctx context.Context, threadID string) ([]*Checkpoint, error)

	// Get returns one checkpoint. An empty checkpointID selects the most
	// recent entry. ErrNotFound is returned when nothing matches.
	Get(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error)

	// Put appends cp to the thread's history. If a checkpoint with the same
	// ID already exists on the thread it is replaced in place instead; this
	// is the mid-flight state amendment path.
	Put(ctx context.Context, threadID string, cp *Checkpoint) error

	// Clear removes the thread's history entirely.
	Clear(ctx context.Context, threadID string) error

	// Release atomically detaches the thread's history and returns it as an
	// archive, freeing the live storage while leaving an auditable trail.
	Release(ctx context.Context, threadID string) (*Archive, error)
}
