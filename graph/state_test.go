package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateClone(t *testing.T) {
	original := State{"a": 1, "b": "two"}
	clone := original.Clone()
	clone["a"] = 99
	clone["c"] = true

	assert.Equal(t, 1, original["a"])
	assert.NotContains(t, original, "c")
}

func TestReplaceChannel(t *testing.T) {
	ch := ReplaceChannel()
	out, err := ch.Combine(1, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, out)

	out, err = ch.Combine(nil, "x")
	require.NoError(t, err)
	assert.Equal(t, "x", out)
}

func TestAppendChannelScalar(t *testing.T) {
	ch := AppendChannel()

	out, err := ch.Combine(nil, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, out)

	out, err = ch.Combine(out, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, out)
}

func TestAppendChannelSlice(t *testing.T) {
	ch := AppendChannel()

	out, err := ch.Combine([]int{1, 2}, []int{3})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, out)
}

func TestAppendChannelMixedTypes(t *testing.T) {
	ch := AppendChannel()

	out, err := ch.Combine([]string{"a"}, 7)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", 7}, out)
}

func TestAppendChannelRejectsNonSliceCurrent(t *testing.T) {
	ch := AppendChannel()
	_, err := ch.Combine(5, 6)
	assert.Error(t, err)
}

func TestReduceChannel(t *testing.T) {
	add := ReduceChannel(func(current, update any) (any, error) {
		if current == nil {
			return update, nil
		}
		return current.(int) + update.(int), nil
	})

	out, err := add.Combine(nil, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, out)

	out, err = add.Combine(out, 4)
	require.NoError(t, err)
	assert.Equal(t, 7, out)
}

func TestChannelsMergeDoesNotMutateInputs(t *testing.T) {
	channels := NewChannels().Register("log", AppendChannel())
	current := State{"log": []string{"first"}, "x": 1}
	update := State{"log": "second", "x": 2}

	merged, err := channels.Merge(current, update)
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second"}, merged["log"])
	assert.Equal(t, 2, merged["x"])
	assert.Equal(t, []string{"first"}, current["log"])
	assert.Equal(t, 1, current["x"])
}

func TestChannelsMergeUnregisteredKeyReplaces(t *testing.T) {
	channels := NewChannels()
	merged, err := channels.Merge(State{"k": "old"}, State{"k": "new"})
	require.NoError(t, err)
	assert.Equal(t, "new", merged["k"])
}

func TestChannelsMergeAllFoldsInOrder(t *testing.T) {
	channels := NewChannels().Register("log", AppendChannel())
	updates := []State{
		{"log": "a"},
		{"log": "b"},
		{"log": "c"},
	}

	merged, err := channels.MergeAll(State{}, updates)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, merged["log"])
}

func TestChannelsMergeErrorNamesKey(t *testing.T) {
	channels := NewChannels().Register("log", AppendChannel())
	_, err := channels.Merge(State{"log": 1}, State{"log": 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"log"`)
}
