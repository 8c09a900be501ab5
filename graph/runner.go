package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/panjf2000/ants/v2"

	"github.com/steve0801/agentgraph/log"
	"github.com/steve0801/agentgraph/store"
)

const (
	defaultMaxWorkers = 16
	defaultMaxSteps   = 100
)

// StepOutput is one entry of a run's output stream: the node that executed,
// the state after its update was merged, and any branch streams it opened.
// Exactly one terminal entry carries Final, an Interruption or an Err.
type StepOutput struct {
	// Node is the id of the executed node. Fan-out steps report a
	// synthesized id derived from the forking node.
	Node string
	// State is the full state after this step's merge.
	State State
	// Update is the node's raw partial update before merging. Nil for
	// fan-out steps, whose branch updates merge individually.
	Update State
	// Streams holds unconsumed branch streams opened by this step.
	Streams []*StreamHandle
	// Interruption is set when this step paused the run for feedback.
	Interruption *Interruption
	// Final marks the last entry of a run that reached END.
	Final bool
	// Err is set when the run failed; no further entries follow.
	Err error
}

// CompiledGraph is the immutable executable form of a graph: validated
// topology, resolved node actions and the compile-time configuration. It is
// safe for concurrent use; each Stream or Invoke call is an independent run.
type CompiledGraph struct {
	channels    *Channels
	actions     map[string]NodeAction
	next        map[string]string
	parallel    map[string][]string
	conditional map[string]*ConditionalEdge
	opts        *CompileOptions
	pool        *ants.Pool
	logger      log.Logger

	// builder retained for Mermaid export only.
	edges []Edge
	nodes []string
}

// Compile validates the graph, resolves node factories against the given
// options and returns the executable form. The graph is frozen afterwards.
func (g *Graph) Compile(options ...CompileOption) (*CompiledGraph, error) {
	if g.deferredErr != nil {
		return nil, g.deferredErr
	}
	if err := g.validate(); err != nil {
		return nil, err
	}

	opts := &CompileOptions{}
	for _, opt := range options {
		opt(opts)
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = defaultMaxWorkers
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = defaultMaxSteps
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDefaultLogger(log.LogLevelInfo)
	}

	for id, child := range g.subgraphs {
		if child.opts.Store != nil && opts.Store == nil {
			return nil, &ConfigError{
				Node:   id,
				Reason: "subgraph has a checkpoint store but the parent graph does not",
			}
		}
	}

	for nodeID := range opts.Gates {
		if _, ok := g.nodes[nodeID]; !ok {
			return nil, &ConfigError{Node: nodeID, Reason: "approval gate targets an undeclared node"}
		}
	}

	actions := make(map[string]NodeAction, len(g.nodes))
	nodeIDs := make([]string, 0, len(g.nodes))
	for id, node := range g.nodes {
		action, err := node.Factory(opts)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", id, err)
		}
		actions[id] = action
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	next, parallel, err := g.buildTopology()
	if err != nil {
		return nil, err
	}

	pool, err := ants.NewPool(opts.MaxWorkers)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	g.frozen = true
	return &CompiledGraph{
		channels:    g.channels,
		actions:     actions,
		next:        next,
		parallel:    parallel,
		conditional: g.conditional,
		opts:        opts,
		pool:        pool,
		logger:      opts.Logger,
		edges:       g.edges,
		nodes:       nodeIDs,
	}, nil
}

// buildTopology flattens the edge list into per-source successor entries.
// A multi-target edge is rewritten as a synthetic fan-out node whose
// successor is the common join its branches converge on.
func (g *Graph) buildTopology() (map[string]string, map[string][]string, error) {
	next := make(map[string]string)
	parallel := make(map[string][]string)

	singleTarget := func(from string) (string, bool) {
		for _, e := range g.edges {
			if e.From == from && len(e.Targets) == 1 {
				return e.Targets[0], true
			}
		}
		return "", false
	}

	for _, edge := range g.edges {
		if _, dup := next[edge.From]; dup {
			return nil, nil, &ValidationError{Node: edge.From, Reason: "node has more than one outgoing edge"}
		}
		if _, ok := g.conditional[edge.From]; ok {
			return nil, nil, &ValidationError{Node: edge.From, Reason: "node has both a static and a conditional edge"}
		}
		if len(edge.Targets) == 1 {
			next[edge.From] = edge.Targets[0]
			continue
		}

		join := ""
		for _, branch := range edge.Targets {
			if _, ok := g.conditional[branch]; ok {
				return nil, nil, &ValidationError{Node: edge.From,
					Reason: fmt.Sprintf("parallel branch %q routes conditionally; branches must converge statically", branch)}
			}
			target, ok := singleTarget(branch)
			if !ok {
				return nil, nil, &ValidationError{Node: edge.From,
					Reason: fmt.Sprintf("parallel branch %q has no outgoing edge", branch)}
			}
			if join == "" {
				join = target
			} else if join != target {
				return nil, nil, &ValidationError{Node: edge.From,
					Reason: fmt.Sprintf("parallel branches diverge: %q joins at %q, expected %q", branch, target, join)}
			}
		}

		forkID := internalPrefix + "parallel_" + edge.From
		next[edge.From] = forkID
		next[forkID] = join
		parallel[forkID] = append([]string(nil), edge.Targets...)
	}

	return next, parallel, nil
}

// Close releases the worker pool. The graph must not be used afterwards.
func (c *CompiledGraph) Close() {
	c.pool.Release()
}

// Invoke runs the graph to completion and returns the final state. An
// interruption surfaces as the returned error; detect it with errors.As
// and answer it through Resume.
func (c *CompiledGraph) Invoke(ctx context.Context, initial State, opts ...RunOption) (State, error) {
	outputs, err := c.Stream(ctx, initial, opts...)
	if err != nil {
		return nil, err
	}
	return drain(outputs)
}

// Stream runs the graph and returns its lazy step output stream. Each entry
// is produced only when the previous one has been consumed; abandoning the
// channel after a terminal entry is safe.
func (c *CompiledGraph) Stream(ctx context.Context, initial State, opts ...RunOption) (<-chan StepOutput, error) {
	cfg := NewRunConfig(opts...)
	if cfg.Decisions() != nil {
		return nil, fmt.Errorf("decisions supplied to a fresh run; use Resume")
	}

	ctx = WithRunConfig(ctx, cfg)
	first, err := c.route(ctx, START, initial)
	if err != nil {
		return nil, err
	}

	ch := make(chan StepOutput)
	go c.run(ctx, ch, initial.Clone(), first, cfg, false)
	return ch, nil
}

// Resume continues an interrupted thread to completion. The decision bundle
// passed via WithDecisions must answer every pending feedback item.
func (c *CompiledGraph) Resume(ctx context.Context, opts ...RunOption) (State, error) {
	outputs, err := c.ResumeStream(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return drain(outputs)
}

// ResumeStream continues an interrupted thread and returns its step output
// stream. The run re-enters the node that paused, with the supplied
// decisions visible to it through DecisionsFrom.
func (c *CompiledGraph) ResumeStream(ctx context.Context, opts ...RunOption) (<-chan StepOutput, error) {
	if c.opts.Store == nil {
		return nil, ErrNoCheckpointStore
	}
	cfg := NewRunConfig(opts...)

	cp, err := c.loadCheckpoint(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cp.NextNodeID == "" || cp.NextNodeID == END {
		return nil, fmt.Errorf("thread %s: run already complete", cfg.ThreadID)
	}

	state := State(cp.State).Clone()
	ctx = WithRunConfig(ctx, cfg)

	if raw, ok := state[pendingFeedbackKey]; ok {
		pending, _ := raw.([]*FeedbackItem)
		decisions := cfg.Decisions()
		// Decisions go onto copies; the items inside the stored checkpoint
		// stay undecided.
		items := make([]*FeedbackItem, 0, len(pending))
		for _, item := range pending {
			dec, ok := decisions[item.ID]
			if !ok {
				return nil, fmt.Errorf("feedback item %s: %w", item.ID, ErrMissingDecision)
			}
			decided := *item
			decided.Decision = dec.Decision
			decided.EditedArguments = dec.Arguments
			items = append(items, &decided)
		}
		delete(state, pendingFeedbackKey)
		ctx = withDecidedItems(ctx, items)
	}

	ch := make(chan StepOutput)
	go c.run(ctx, ch, state, cp.NextNodeID, cfg, true)
	return ch, nil
}

func drain(outputs <-chan StepOutput) (State, error) {
	var state State
	for out := range outputs {
		if out.Err != nil {
			return nil, out.Err
		}
		if out.Interruption != nil {
			return out.State, out.Interruption
		}
		state = out.State
	}
	return state, nil
}

// run is the step loop: execute the current node, merge its update, emit a
// step output, checkpoint, route to the successor. It owns the output
// channel and always closes it.
func (c *CompiledGraph) run(ctx context.Context, ch chan<- StepOutput, state State, current string, cfg *RunConfig, resumed bool) {
	defer close(ch)

	// A caller that cancels and walks away from the stream must not strand
	// this goroutine on an unconsumed send.
	emit := func(out StepOutput) bool {
		select {
		case ch <- out:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(err error) {
		c.logger.Error("run failed on thread %s at node %s: %v", cfg.ThreadID, current, err)
		emit(StepOutput{Node: current, Err: err})
	}

	steps := 0
	for current != END {
		if err := ctx.Err(); err != nil {
			fail(err)
			return
		}
		steps++
		if steps > c.opts.MaxSteps {
			fail(fmt.Errorf("after %d steps at node %s: %w", c.opts.MaxSteps, current, ErrMaxStepsExceeded))
			return
		}

		c.logger.Debug("thread %s step %d: executing node %s", cfg.ThreadID, steps, current)
		c.notify(ctx, NodeEventStart, current, state, nil)
		merged, update, streams, intr, err := c.execStep(ctx, current, state, resumed && steps == 1)
		if err != nil {
			c.notify(ctx, NodeEventError, current, state, err)
			fail(err)
			return
		}
		// A step that finished after cancellation must not be persisted.
		if err := ctx.Err(); err != nil {
			fail(err)
			return
		}

		if intr != nil {
			// A child graph's interruption arrives with its own node id and
			// path; fill them in only for pauses raised at this level.
			if intr.NodeID == "" {
				intr.NodeID = current
			}
			if intr.State == nil {
				intr.State = merged.Clone()
			}
			persisted := merged.Clone()
			persisted[pendingFeedbackKey] = intr.Pending
			if err := c.saveCheckpoint(ctx, cfg, current, current, persisted); err != nil {
				fail(err)
				return
			}
			c.logger.Info("thread %s interrupted at node %s with %d pending item(s)",
				cfg.ThreadID, current, len(intr.Pending))
			c.notify(ctx, NodeEventInterrupt, current, merged, nil)
			emit(StepOutput{Node: current, State: merged, Interruption: intr})
			return
		}

		if resumed && steps == 1 {
			// Decisions are consumed by the re-entered node only.
			ctx = withDecidedItems(ctx, nil)
		}

		state = merged
		nextNode, err := c.route(ctx, current, state)
		if err != nil {
			fail(err)
			return
		}

		if err := c.saveCheckpoint(ctx, cfg, current, nextNode, state); err != nil {
			fail(err)
			return
		}

		c.notify(ctx, NodeEventComplete, current, state, nil)
		if !emit(StepOutput{
			Node:    current,
			State:   state,
			Update:  update,
			Streams: streams,
			Final:   nextNode == END,
		}) {
			return
		}
		current = nextNode
	}
}

// execStep runs one node or one fan-out and returns the merged state, the
// raw update, any opened streams and a possible interruption.
func (c *CompiledGraph) execStep(ctx context.Context, nodeID string, state State, skipGate bool) (State, State, []*StreamHandle, *Interruption, error) {
	if branches, ok := c.parallel[nodeID]; ok {
		merged, streams, err := c.runParallel(ctx, branches, state)
		return merged, nil, streams, nil, err
	}

	if !skipGate {
		if gate := c.opts.Gates[nodeID]; gate != nil {
			if ops := gate(state); len(ops) > 0 {
				items := make([]*FeedbackItem, 0, len(ops))
				for _, op := range ops {
					items = append(items, NewFeedbackItem(*op))
				}
				return state, nil, nil, &Interruption{Pending: items}, nil
			}
		}
	}

	action, ok := c.actions[nodeID]
	if !ok {
		return nil, nil, nil, nil, &ValidationError{Node: nodeID, Reason: "no action bound to node"}
	}
	out, err := action(ctx, state)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("node %s: %w", nodeID, err)
	}

	switch v := out.(type) {
	case nil:
		return state, State{}, nil, nil, nil
	case State:
		merged, err := c.channels.Merge(state, v)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("node %s: %w", nodeID, err)
		}
		return merged, v, nil, nil, nil
	case map[string]any:
		merged, err := c.channels.Merge(state, State(v))
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("node %s: %w", nodeID, err)
		}
		return merged, State(v), nil, nil, nil
	case *Interruption:
		return state, nil, nil, v, nil
	case *StreamHandle:
		if v.NodeID == "" {
			v.NodeID = nodeID
		}
		return state, State{}, []*StreamHandle{v}, nil, nil
	default:
		return nil, nil, nil, nil, fmt.Errorf("node %s: unsupported action result type %T", nodeID, out)
	}
}

// route resolves the successor of the given node against the current state.
func (c *CompiledGraph) route(ctx context.Context, from string, state State) (string, error) {
	if ce, ok := c.conditional[from]; ok {
		label := ce.Routing(ctx, state)
		target, ok := ce.PathMap[label]
		if !ok {
			return "", &RoutingError{Node: from, Label: label}
		}
		return target, nil
	}
	if target, ok := c.next[from]; ok {
		return target, nil
	}
	// A node with no outgoing edge terminates the run.
	return END, nil
}

func (c *CompiledGraph) saveCheckpoint(ctx context.Context, cfg *RunConfig, nodeID, nextNodeID string, state State) error {
	if c.opts.Store == nil {
		return nil
	}
	cp := store.NewCheckpoint(nodeID, nextNodeID, state)
	if err := c.opts.Store.Put(ctx, cfg.ThreadID, cp); err != nil {
		return fmt.Errorf("checkpoint node %s: %w", nodeID, err)
	}
	return nil
}

func (c *CompiledGraph) loadCheckpoint(ctx context.Context, cfg *RunConfig) (*store.Checkpoint, error) {
	if cfg.CheckpointID != "" {
		return c.opts.Store.Get(ctx, cfg.ThreadID, cfg.CheckpointID)
	}
	history, err := c.opts.Store.List(ctx, cfg.ThreadID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, store.ErrNotFound
	}
	return history[0], nil
}

// StateOf returns the state of a thread's newest checkpoint, or of the
// checkpoint pinned with WithCheckpoint.
func (c *CompiledGraph) StateOf(ctx context.Context, opts ...RunOption) (State, error) {
	if c.opts.Store == nil {
		return nil, ErrNoCheckpointStore
	}
	cfg := NewRunConfig(opts...)
	cp, err := c.loadCheckpoint(ctx, cfg)
	if err != nil {
		return nil, err
	}
	state := State(cp.State).Clone()
	delete(state, pendingFeedbackKey)
	return state, nil
}

// History returns a thread's full checkpoint history, newest first.
func (c *CompiledGraph) History(ctx context.Context, opts ...RunOption) ([]*store.Checkpoint, error) {
	if c.opts.Store == nil {
		return nil, ErrNoCheckpointStore
	}
	cfg := NewRunConfig(opts...)
	return c.opts.Store.List(ctx, cfg.ThreadID)
}

// UpdateState merges an out-of-band update into a thread's newest
// checkpointed state through the graph's channels and records the result as
// a new checkpoint. The resume point is preserved.
func (c *CompiledGraph) UpdateState(ctx context.Context, update State, opts ...RunOption) error {
	if c.opts.Store == nil {
		return ErrNoCheckpointStore
	}
	cfg := NewRunConfig(opts...)
	cp, err := c.loadCheckpoint(ctx, cfg)
	if err != nil {
		return err
	}
	merged, err := c.channels.Merge(State(cp.State), update)
	if err != nil {
		return err
	}
	return c.saveCheckpoint(ctx, cfg, internalPrefix+"update", cp.NextNodeID, merged)
}

// Mermaid renders the graph topology as a Mermaid flowchart.
func (c *CompiledGraph) Mermaid() string {
	var b strings.Builder
	b.WriteString("flowchart TD\n")
	b.WriteString(fmt.Sprintf("\t%s([start])\n", mermaidID(START)))
	b.WriteString(fmt.Sprintf("\t%s([end])\n", mermaidID(END)))
	for _, id := range c.nodes {
		b.WriteString(fmt.Sprintf("\t%s[%s]\n", mermaidID(id), id))
	}
	for _, edge := range c.edges {
		for _, target := range edge.Targets {
			b.WriteString(fmt.Sprintf("\t%s --> %s\n", mermaidID(edge.From), mermaidID(target)))
		}
	}
	froms := make([]string, 0, len(c.conditional))
	for from := range c.conditional {
		froms = append(froms, from)
	}
	sort.Strings(froms)
	for _, from := range froms {
		ce := c.conditional[from]
		labels := make([]string, 0, len(ce.PathMap))
		for label := range ce.PathMap {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		for _, label := range labels {
			b.WriteString(fmt.Sprintf("\t%s -. %s .-> %s\n", mermaidID(from), label, mermaidID(ce.PathMap[label])))
		}
	}
	return b.String()
}

func mermaidID(id string) string {
	return strings.NewReplacer("__", "", "-", "_", " ", "_", "/", "_").Replace(id)
}
