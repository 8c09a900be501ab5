package graph_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steve0801/agentgraph/graph"
)

func appendAfter(name string, delay time.Duration) graph.NodeAction {
	return func(_ context.Context, _ graph.State) (any, error) {
		time.Sleep(delay)
		return graph.State{"log": name}, nil
	}
}

func fanOutGraph() *graph.Graph {
	channels := graph.NewChannels().Register("log", graph.AppendChannel())
	return graph.New(channels).
		AddNode("fork", func(context.Context, graph.State) (any, error) {
			return graph.State{}, nil
		}).
		// The slowest branch is declared first so completion order and
		// declaration order differ.
		AddNode("b1", appendAfter("b1", 30*time.Millisecond)).
		AddNode("b2", appendAfter("b2", 10*time.Millisecond)).
		AddNode("b3", appendAfter("b3", 0)).
		AddNode("join", func(context.Context, graph.State) (any, error) {
			return graph.State{}, nil
		}).
		AddEdge(graph.START, "fork").
		AddEdge("fork", "b1", "b2", "b3").
		AddEdge("b1", "join").
		AddEdge("b2", "join").
		AddEdge("b3", "join").
		AddEdge("join", graph.END)
}

func TestFanOutMergesInDeclarationOrder(t *testing.T) {
	compiled, err := fanOutGraph().Compile(graph.WithMaxWorkers(3))
	require.NoError(t, err)
	defer compiled.Close()

	for i := 0; i < 5; i++ {
		final, err := compiled.Invoke(context.Background(), graph.State{})
		require.NoError(t, err)
		assert.Equal(t, []string{"b1", "b2", "b3"}, final["log"])
	}
}

func TestFanOutStepReportsSyntheticNode(t *testing.T) {
	compiled, err := fanOutGraph().Compile()
	require.NoError(t, err)
	defer compiled.Close()

	outputs, err := compiled.Stream(context.Background(), graph.State{})
	require.NoError(t, err)

	var nodes []string
	for out := range outputs {
		require.NoError(t, out.Err)
		nodes = append(nodes, out.Node)
	}
	assert.Equal(t, []string{"fork", "__parallel_fork", "join"}, nodes)
}

func TestFanOutFailsWhenAnyBranchFails(t *testing.T) {
	boom := errors.New("branch boom")
	channels := graph.NewChannels().Register("log", graph.AppendChannel())
	g := graph.New(channels).
		AddNode("fork", func(context.Context, graph.State) (any, error) {
			return graph.State{}, nil
		}).
		AddNode("ok", appendAfter("ok", 0)).
		AddNode("bad", func(context.Context, graph.State) (any, error) {
			return nil, boom
		}).
		AddNode("join", func(context.Context, graph.State) (any, error) {
			return graph.State{}, nil
		}).
		AddEdge(graph.START, "fork").
		AddEdge("fork", "ok", "bad").
		AddEdge("ok", "join").
		AddEdge("bad", "join").
		AddEdge("join", graph.END)

	compiled, err := g.Compile()
	require.NoError(t, err)
	defer compiled.Close()

	_, err = compiled.Invoke(context.Background(), graph.State{})
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "bad")
}

func TestBranchStateIsolation(t *testing.T) {
	// Branches receive cloned snapshots; a branch mutating its input must
	// not leak into the sibling or the merged result.
	channels := graph.NewChannels().Register("log", graph.AppendChannel())
	g := graph.New(channels).
		AddNode("fork", func(context.Context, graph.State) (any, error) {
			return graph.State{}, nil
		}).
		AddNode("mutator", func(_ context.Context, s graph.State) (any, error) {
			s["seed"] = "tampered"
			return graph.State{"log": "mutator"}, nil
		}).
		AddNode("reader", func(_ context.Context, s graph.State) (any, error) {
			time.Sleep(20 * time.Millisecond)
			return graph.State{"log": s["seed"].(string)}, nil
		}).
		AddNode("join", func(context.Context, graph.State) (any, error) {
			return graph.State{}, nil
		}).
		AddEdge(graph.START, "fork").
		AddEdge("fork", "mutator", "reader").
		AddEdge("mutator", "join").
		AddEdge("reader", "join").
		AddEdge("join", graph.END)

	compiled, err := g.Compile()
	require.NoError(t, err)
	defer compiled.Close()

	final, err := compiled.Invoke(context.Background(), graph.State{"seed": "clean"})
	require.NoError(t, err)
	assert.Equal(t, []string{"mutator", "clean"}, final["log"])
	assert.Equal(t, "clean", final["seed"])
}

func TestStreamingBranch(t *testing.T) {
	channels := graph.NewChannels().Register("log", graph.AppendChannel())
	g := graph.New(channels).
		AddNode("fork", func(context.Context, graph.State) (any, error) {
			return graph.State{}, nil
		}).
		AddNode("talker", func(context.Context, graph.State) (any, error) {
			handle, feed := graph.NewStreamHandle(4)
			go func() {
				defer close(feed)
				feed <- "hello"
				feed <- "world"
			}()
			return handle, nil
		}).
		AddNode("worker", appendAfter("worker", 0)).
		AddNode("join", func(context.Context, graph.State) (any, error) {
			return graph.State{}, nil
		}).
		AddEdge(graph.START, "fork").
		AddEdge("fork", "talker", "worker").
		AddEdge("talker", "join").
		AddEdge("worker", "join").
		AddEdge("join", graph.END)

	compiled, err := g.Compile()
	require.NoError(t, err)
	defer compiled.Close()

	outputs, err := compiled.Stream(context.Background(), graph.State{})
	require.NoError(t, err)

	var handle *graph.StreamHandle
	var final graph.State
	for out := range outputs {
		require.NoError(t, out.Err)
		if len(out.Streams) > 0 {
			require.Len(t, out.Streams, 1)
			handle = out.Streams[0]
		}
		final = out.State
	}

	require.NotNil(t, handle)
	assert.Equal(t, "talker", handle.NodeID)

	chunks, err := handle.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []any{"hello", "world"}, chunks)

	// Single-pass: a second drain is refused.
	_, err = handle.Collect(context.Background())
	assert.ErrorIs(t, err, graph.ErrStreamConsumed)

	// The streaming branch contributed no state update.
	assert.Equal(t, []string{"worker"}, final["log"])
}
