package graph

import (
	"context"
	"errors"
	"fmt"
)

// AddSubgraph mounts a compiled graph as a node of this graph. The child
// runs to completion inside the node, reading the parent state and
// contributing its final state as the node's update.
//
// When the child has its own checkpoint store, its runs are addressed at
// the parent thread id joined with the node id by ThreadSeparator, so every
// nesting level keeps an isolated history. A checkpointed child inside a
// storeless parent is rejected at parent compile time, since the parent
// could never resume into it.
func (g *Graph) AddSubgraph(id string, child *CompiledGraph) *Graph {
	if g.frozen {
		g.recordErr(&ValidationError{Node: id, Reason: "graph is frozen after compilation"})
		return g
	}
	if child == nil {
		g.recordErr(&ValidationError{Node: id, Reason: "subgraph is nil"})
		return g
	}
	g.subgraphs[id] = child
	return g.AddNode(id, subgraphAction(id, child))
}

// subgraphAction adapts a child run to the node contract. A child
// interruption is re-raised in the parent with the node id prepended to its
// path; a parent resume at this node is forwarded as a child resume.
func subgraphAction(id string, child *CompiledGraph) NodeAction {
	return func(ctx context.Context, state State) (any, error) {
		parent := RunConfigFrom(ctx)
		childThread := parent.ThreadID + ThreadSeparator + id

		var final State
		var err error
		if items := DecisionsFrom(ctx); len(items) > 0 && child.opts.Store != nil {
			final, err = child.Resume(ctx,
				WithThread(childThread),
				WithDecisions(decisionsOf(items)))
		} else {
			final, err = child.Invoke(ctx, state.Clone(), WithThread(childThread))
		}
		if err != nil {
			var intr *Interruption
			if errors.As(err, &intr) {
				intr.Path = append([]string{id}, intr.Path...)
				return intr, nil
			}
			return nil, fmt.Errorf("subgraph %s: %w", id, err)
		}
		return final, nil
	}
}

// decisionsOf rebuilds a decision bundle from already-decided items so the
// child's own pending records can be answered.
func decisionsOf(items []*FeedbackItem) FeedbackDecisions {
	d := make(FeedbackDecisions, len(items))
	for _, item := range items {
		d[item.ID] = FeedbackDecision{Decision: item.Decision, Arguments: item.EditedArguments}
	}
	return d
}
