package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steve0801/agentgraph/store"
)

func newTestStore(t *testing.T) *FileCheckpointStore {
	t.Helper()
	s, err := NewFileCheckpointStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestPutListRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := store.NewCheckpoint("a", "b", map[string]any{"n": 1, "name": "x"})
	second := store.NewCheckpoint("b", "c", map[string]any{"n": 2})
	require.NoError(t, s.Put(ctx, "t1", first))
	require.NoError(t, s.Put(ctx, "t1", second))

	history, err := s.List(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second.ID, history[0].ID)
	assert.Equal(t, first.ID, history[1].ID)
	assert.Equal(t, 1, history[1].State["n"])
	assert.Equal(t, "x", history[1].State["name"])
}

func TestPutReplacesInPlaceOnMatchingID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cp := store.NewCheckpoint("a", "b", map[string]any{"n": 1})
	require.NoError(t, s.Put(ctx, "t1", cp))

	patched := *cp
	patched.State = map[string]any{"n": 2}
	require.NoError(t, s.Put(ctx, "t1", &patched))

	history, err := s.List(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 2, history[0].State["n"])
}

func TestHistorySurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewFileCheckpointStore(dir)
	require.NoError(t, err)
	cp := store.NewCheckpoint("a", "b", map[string]any{"n": 1})
	require.NoError(t, s.Put(ctx, "t1", cp))

	reopened, err := NewFileCheckpointStore(dir)
	require.NoError(t, err)
	got, err := reopened.Get(ctx, "t1", cp.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.State["n"])
}

func TestThreadIDWithSeparatorIsEscaped(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileCheckpointStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "parent/child", store.NewCheckpoint("a", "b", nil)))

	// The live file lands in the store directory itself, not a subdirectory.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].IsDir())

	history, err := s.List(ctx, "parent/child")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestGetMissingCheckpoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "t1", "")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Put(ctx, "t1", store.NewCheckpoint("a", "b", nil)))
	_, err = s.Get(ctx, "t1", "no-such-id")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClearRemovesLiveFile(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileCheckpointStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "t1", store.NewCheckpoint("a", "b", nil)))
	require.NoError(t, s.Clear(ctx, "t1"))

	history, err := s.List(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, history)

	// Clearing an absent thread is not an error.
	require.NoError(t, s.Clear(ctx, "t1"))
}

func TestReleaseWritesNumberedBackups(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileCheckpointStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "t1", store.NewCheckpoint("a", "b", nil)))
	archive, err := s.Release(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "t1-v1.ckpt"), archive.Tag)
	assert.Len(t, archive.Checkpoints, 1)

	history, err := s.List(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, history)

	require.NoError(t, s.Put(ctx, "t1", store.NewCheckpoint("a", "b", nil)))
	archive, err = s.Release(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "t1-v2.ckpt"), archive.Tag)

	_, err = s.Release(ctx, "t1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
