package graph

import (
	"context"
	"fmt"
	"sync"
)

// StreamHandle is a branch result delivered as a live chunk stream rather
// than a merged state update. The runner surfaces handles to the caller
// unconsumed; draining them is the caller's job.
type StreamHandle struct {
	// NodeID is the branch node that produced the stream.
	NodeID string
	// Chunks yields the branch's output chunks until it is closed.
	Chunks <-chan any

	mu       sync.Mutex
	consumed bool
}

// Collect drains the stream into a slice. A handle is single-pass: a second
// call fails with ErrStreamConsumed.
func (h *StreamHandle) Collect(ctx context.Context) ([]any, error) {
	h.mu.Lock()
	if h.consumed {
		h.mu.Unlock()
		return nil, fmt.Errorf("stream of node %s: %w", h.NodeID, ErrStreamConsumed)
	}
	h.consumed = true
	h.mu.Unlock()

	var chunks []any
	for {
		select {
		case <-ctx.Done():
			return chunks, ctx.Err()
		case chunk, ok := <-h.Chunks:
			if !ok {
				return chunks, nil
			}
			chunks = append(chunks, chunk)
		}
	}
}

// NewStreamHandle opens a stream a branch node can feed from a goroutine.
// The producer must close the send side when done.
func NewStreamHandle(buffer int) (*StreamHandle, chan<- any) {
	ch := make(chan any, buffer)
	return &StreamHandle{Chunks: ch}, ch
}

// branchResult is the tagged outcome of one parallel branch.
type branchResult struct {
	kind   branchKind
	update State
	stream *StreamHandle
}

type branchKind int

const (
	branchValue branchKind = iota
	branchStream
)

// classifyBranch turns a node action's raw return into a tagged result.
// Interruptions are not allowed inside a fan-out.
func classifyBranch(nodeID string, out any) (*branchResult, error) {
	switch v := out.(type) {
	case nil:
		return &branchResult{kind: branchValue, update: State{}}, nil
	case State:
		return &branchResult{kind: branchValue, update: v}, nil
	case map[string]any:
		return &branchResult{kind: branchValue, update: State(v)}, nil
	case *StreamHandle:
		if v.NodeID == "" {
			v.NodeID = nodeID
		}
		return &branchResult{kind: branchStream, stream: v}, nil
	case *Interruption:
		return nil, fmt.Errorf("node %s: interruption inside parallel branch is not supported", nodeID)
	default:
		return nil, fmt.Errorf("node %s: unsupported action result type %T", nodeID, out)
	}
}

// runParallel executes the branch nodes concurrently on the runner's worker
// pool, each against its own clone of the input state. Value updates merge
// in branch-declaration order regardless of completion order; streams are
// collected unconsumed. Any branch error fails the whole fan-out and the
// input state is left untouched.
func (c *CompiledGraph) runParallel(ctx context.Context, branches []string, state State) (State, []*StreamHandle, error) {
	results := make([]*branchResult, len(branches))
	errs := make([]error, len(branches))

	var wg sync.WaitGroup
	for i, nodeID := range branches {
		wg.Add(1)
		i, nodeID := i, nodeID
		task := func() {
			defer wg.Done()
			action, ok := c.actions[nodeID]
			if !ok {
				errs[i] = &ValidationError{Node: nodeID, Reason: "parallel target has no action"}
				return
			}
			out, err := action(ctx, state.Clone())
			if err != nil {
				errs[i] = fmt.Errorf("node %s: %w", nodeID, err)
				return
			}
			results[i], errs[i] = classifyBranch(nodeID, out)
		}
		if err := c.pool.Submit(task); err != nil {
			// Pool rejected the task; run it inline so the branch still
			// completes and the wait group balances.
			task()
		}
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, nil, err
		}
	}

	merged := state
	var streams []*StreamHandle
	for _, res := range results {
		switch res.kind {
		case branchValue:
			var err error
			merged, err = c.channels.Merge(merged, res.update)
			if err != nil {
				return nil, nil, err
			}
		case branchStream:
			streams = append(streams, res.stream)
		}
	}
	return merged, streams, nil
}
