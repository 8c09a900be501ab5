package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(_ context.Context, _ State) (any, error) {
	return State{}, nil
}

func TestCompileRequiresStartEdge(t *testing.T) {
	g := New(nil).
		AddNode("a", noop).
		AddEdge("a", END)

	_, err := g.Compile()
	assert.ErrorIs(t, err, ErrNoStartEdge)
}

func TestCompileRejectsUndeclaredEdgeSource(t *testing.T) {
	g := New(nil).
		AddNode("a", noop).
		AddEdge(START, "a").
		AddEdge("ghost", END)

	_, err := g.Compile()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "ghost", verr.Node)
}

func TestCompileRejectsUndeclaredTarget(t *testing.T) {
	g := New(nil).
		AddNode("a", noop).
		AddEdge(START, "a").
		AddEdge("a", "missing")

	_, err := g.Compile()
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestCompileRejectsReservedNodeIDs(t *testing.T) {
	for _, id := range []string{START, END, "__mine", " "} {
		g := New(nil).
			AddNode(id, noop).
			AddEdge(START, END)
		_, err := g.Compile()
		var verr *ValidationError
		assert.ErrorAs(t, err, &verr, "id %q", id)
	}
}

func TestCompileRejectsDuplicateParallelTarget(t *testing.T) {
	g := New(nil).
		AddNode("a", noop).
		AddNode("b", noop).
		AddEdge(START, "a").
		AddEdge("a", "b", "b")

	_, err := g.Compile()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "twice")
}

func TestCompileRejectsDivergingParallelBranches(t *testing.T) {
	g := New(nil).
		AddNode("fork", noop).
		AddNode("b1", noop).
		AddNode("b2", noop).
		AddNode("j1", noop).
		AddNode("j2", noop).
		AddEdge(START, "fork").
		AddEdge("fork", "b1", "b2").
		AddEdge("b1", "j1").
		AddEdge("b2", "j2").
		AddEdge("j1", END).
		AddEdge("j2", END)

	_, err := g.Compile()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "diverge")
}

func TestCompileRejectsParallelBranchWithoutOutgoingEdge(t *testing.T) {
	g := New(nil).
		AddNode("fork", noop).
		AddNode("b1", noop).
		AddNode("b2", noop).
		AddEdge(START, "fork").
		AddEdge("fork", "b1", "b2").
		AddEdge("b1", END)

	_, err := g.Compile()
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestCompileRejectsNilRoutingFunc(t *testing.T) {
	g := New(nil).
		AddNode("a", noop).
		AddEdge(START, "a").
		AddConditionalEdge("a", nil, map[string]string{"done": END})

	_, err := g.Compile()
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestCompileRejectsPathMapToUndeclaredNode(t *testing.T) {
	g := New(nil).
		AddNode("a", noop).
		AddEdge(START, "a").
		AddConditionalEdge("a", func(context.Context, State) string { return "go" },
			map[string]string{"go": "missing"})

	_, err := g.Compile()
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestCompileRejectsSecondOutgoingEdge(t *testing.T) {
	g := New(nil).
		AddNode("a", noop).
		AddNode("b", noop).
		AddEdge(START, "a").
		AddEdge("a", "b").
		AddEdge("a", END).
		AddEdge("b", END)

	_, err := g.Compile()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "a", verr.Node)
}

func TestGraphFrozenAfterCompile(t *testing.T) {
	g := New(nil).
		AddNode("a", noop).
		AddEdge(START, "a").
		AddEdge("a", END)

	compiled, err := g.Compile()
	require.NoError(t, err)
	defer compiled.Close()

	g.AddNode("late", noop)
	_, err = g.Compile()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "frozen")
}

func TestCompileRejectsGateOnUndeclaredNode(t *testing.T) {
	g := New(nil).
		AddNode("a", noop).
		AddEdge(START, "a").
		AddEdge("a", END)

	_, err := g.Compile(WithApprovalGate("ghost", func(State) []*Operation { return nil }))
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "ghost", cerr.Node)
}

func TestNodeFactoryErrorSurfacesAtCompile(t *testing.T) {
	boom := errors.New("factory boom")
	g := New(nil).
		AddNodeFactory("a", func(*CompileOptions) (NodeAction, error) { return nil, boom }).
		AddEdge(START, "a").
		AddEdge("a", END)

	_, err := g.Compile()
	assert.ErrorIs(t, err, boom)
}
