package graph

import (
	"context"

	"github.com/steve0801/agentgraph/log"
	"github.com/steve0801/agentgraph/store"
)

// MetadataKeyDecisions is the well-known run-config metadata key under which
// a resume call's feedback decision bundle travels.
const MetadataKeyDecisions = "feedback_decisions"

// ThreadSeparator joins a parent thread id with a subgraph node id to form
// the child's namespaced thread id. The rule is deterministic so arbitrarily
// deep nesting stays collision-free and inspectable.
const ThreadSeparator = "/"

// CompileOptions binds a validated graph to a concrete configuration.
type CompileOptions struct {
	// Store enables checkpointing and resume. Nil means no resume support;
	// no default backend is inferred.
	Store store.CheckpointStore

	// Gates maps node ids to approval gates evaluated before the node runs.
	Gates map[string]ApprovalGate

	// Listeners observe node lifecycle events across all runs.
	Listeners []NodeListener

	// MaxWorkers bounds the fan-out worker pool. Zero picks a default.
	MaxWorkers int

	// MaxSteps bounds the number of node steps per run, guarding against
	// unterminated cycles. Zero picks a default.
	MaxSteps int

	// Logger receives step-level diagnostics. Nil uses the package default.
	Logger log.Logger
}

// CompileOption mutates CompileOptions.
type CompileOption func(*CompileOptions)

// WithCheckpointStore configures the persistence backend for run histories.
func WithCheckpointStore(s store.CheckpointStore) CompileOption {
	return func(o *CompileOptions) { o.Store = s }
}

// WithApprovalGate installs an approval gate in front of the named node.
func WithApprovalGate(nodeID string, gate ApprovalGate) CompileOption {
	return func(o *CompileOptions) {
		if o.Gates == nil {
			o.Gates = make(map[string]ApprovalGate)
		}
		o.Gates[nodeID] = gate
	}
}

// WithListener subscribes a listener to node lifecycle events.
func WithListener(l NodeListener) CompileOption {
	return func(o *CompileOptions) { o.Listeners = append(o.Listeners, l) }
}

// WithMaxWorkers bounds the parallel fan-out worker pool.
func WithMaxWorkers(n int) CompileOption {
	return func(o *CompileOptions) { o.MaxWorkers = n }
}

// WithMaxSteps bounds the number of node steps per run.
func WithMaxSteps(n int) CompileOption {
	return func(o *CompileOptions) { o.MaxSteps = n }
}

// WithLogger configures the logger used by the runner.
func WithLogger(l log.Logger) CompileOption {
	return func(o *CompileOptions) { o.Logger = l }
}

// RunConfig carries per-run parameters: the thread id addressing the run's
// checkpoint history, an optional checkpoint id pinning a historical
// snapshot as the resume point, and free-form metadata.
type RunConfig struct {
	ThreadID     string
	CheckpointID string
	Metadata     map[string]any
}

// NewRunConfig returns a config addressing the default thread.
func NewRunConfig(opts ...RunOption) *RunConfig {
	cfg := &RunConfig{
		ThreadID: store.DefaultThread,
		Metadata: make(map[string]any),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Decisions returns the feedback decision bundle carried in the metadata,
// or nil when the run is not a resume.
func (c *RunConfig) Decisions() FeedbackDecisions {
	if c == nil || c.Metadata == nil {
		return nil
	}
	if d, ok := c.Metadata[MetadataKeyDecisions].(FeedbackDecisions); ok {
		return d
	}
	return nil
}

// RunOption mutates RunConfig.
type RunOption func(*RunConfig)

// WithThread addresses the run at the given thread id.
func WithThread(threadID string) RunOption {
	return func(c *RunConfig) { c.ThreadID = threadID }
}

// WithCheckpoint pins a specific historical checkpoint as the resume point.
func WithCheckpoint(checkpointID string) RunOption {
	return func(c *RunConfig) { c.CheckpointID = checkpointID }
}

// WithMetadata attaches one metadata entry to the run.
func WithMetadata(key string, value any) RunOption {
	return func(c *RunConfig) { c.Metadata[key] = value }
}

// WithDecisions attaches a feedback decision bundle under the well-known
// metadata key. Resume uses this to answer pending feedback items.
func WithDecisions(d FeedbackDecisions) RunOption {
	return func(c *RunConfig) { c.Metadata[MetadataKeyDecisions] = d }
}

type runConfigKey struct{}

// WithRunConfig injects the run config into the context handed to node
// actions and routing functions.
func WithRunConfig(ctx context.Context, cfg *RunConfig) context.Context {
	return context.WithValue(ctx, runConfigKey{}, cfg)
}

// RunConfigFrom retrieves the run config from the context. It is never nil
// inside a node action.
func RunConfigFrom(ctx context.Context) *RunConfig {
	if cfg, ok := ctx.Value(runConfigKey{}).(*RunConfig); ok {
		return cfg
	}
	return NewRunConfig()
}

type decisionsKey struct{}

// withDecidedItems injects the decided feedback items a resumed node action
// should honor.
func withDecidedItems(ctx context.Context, items []*FeedbackItem) context.Context {
	return context.WithValue(ctx, decisionsKey{}, items)
}

// DecisionsFrom returns the decided feedback items for the node being
// re-executed after an interruption, or nil on a first execution.
func DecisionsFrom(ctx context.Context) []*FeedbackItem {
	if items, ok := ctx.Value(decisionsKey{}).([]*FeedbackItem); ok {
		return items
	}
	return nil
}
