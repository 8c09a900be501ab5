package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steve0801/agentgraph/store"
)

func TestPutListNewestFirst(t *testing.T) {
	s := NewMemoryCheckpointStore()
	ctx := context.Background()

	first := store.NewCheckpoint("a", "b", map[string]any{"n": 1})
	second := store.NewCheckpoint("b", "c", map[string]any{"n": 2})
	require.NoError(t, s.Put(ctx, "t1", first))
	require.NoError(t, s.Put(ctx, "t1", second))

	history, err := s.List(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second.ID, history[0].ID)
	assert.Equal(t, first.ID, history[1].ID)
}

func TestPutReplacesInPlaceOnMatchingID(t *testing.T) {
	s := NewMemoryCheckpointStore()
	ctx := context.Background()

	older := store.NewCheckpoint("a", "b", map[string]any{"n": 1})
	newer := store.NewCheckpoint("b", "c", map[string]any{"n": 2})
	require.NoError(t, s.Put(ctx, "t1", older))
	require.NoError(t, s.Put(ctx, "t1", newer))

	patched := *older
	patched.State = map[string]any{"n": 99}
	require.NoError(t, s.Put(ctx, "t1", &patched))

	history, err := s.List(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, newer.ID, history[0].ID)
	assert.Equal(t, 99, history[1].State["n"])
}

func TestGetByIDAndNewest(t *testing.T) {
	s := NewMemoryCheckpointStore()
	ctx := context.Background()

	first := store.NewCheckpoint("a", "b", map[string]any{"n": 1})
	second := store.NewCheckpoint("b", "c", map[string]any{"n": 2})
	require.NoError(t, s.Put(ctx, "t1", first))
	require.NoError(t, s.Put(ctx, "t1", second))

	got, err := s.Get(ctx, "t1", first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	newest, err := s.Get(ctx, "t1", "")
	require.NoError(t, err)
	assert.Equal(t, second.ID, newest.ID)

	_, err = s.Get(ctx, "t1", "no-such-id")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListReturnsCopies(t *testing.T) {
	s := NewMemoryCheckpointStore()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "t1", store.NewCheckpoint("a", "b", map[string]any{"n": 1})))

	history, err := s.List(ctx, "t1")
	require.NoError(t, err)
	history[0].State["n"] = 42

	again, err := s.List(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, again[0].State["n"])
}

func TestThreadsAreIsolated(t *testing.T) {
	s := NewMemoryCheckpointStore()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "t1", store.NewCheckpoint("a", "b", nil)))

	history, err := s.List(ctx, "t2")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestClear(t *testing.T) {
	s := NewMemoryCheckpointStore()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "t1", store.NewCheckpoint("a", "b", nil)))
	require.NoError(t, s.Clear(ctx, "t1"))

	history, err := s.List(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestReleaseDetachesAndVersions(t *testing.T) {
	s := NewMemoryCheckpointStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "t1", store.NewCheckpoint("a", "b", nil)))
	archive, err := s.Release(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1-v1", archive.Tag)
	assert.Len(t, archive.Checkpoints, 1)

	history, err := s.List(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, history)

	// The version counter survives the release.
	require.NoError(t, s.Put(ctx, "t1", store.NewCheckpoint("a", "b", nil)))
	archive, err = s.Release(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1-v2", archive.Tag)

	_, err = s.Release(ctx, "t1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEmptyThreadIDRejected(t *testing.T) {
	s := NewMemoryCheckpointStore()
	ctx := context.Background()

	_, err := s.List(ctx, "")
	assert.ErrorIs(t, err, store.ErrEmptyThread)
	assert.ErrorIs(t, s.Put(ctx, "", store.NewCheckpoint("a", "b", nil)), store.ErrEmptyThread)
	assert.ErrorIs(t, s.Clear(ctx, ""), store.ErrEmptyThread)
}
