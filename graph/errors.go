package graph

import (
	"errors"
	"fmt"
)

var (
	// ErrNoStartEdge is returned when a graph is compiled without an edge
	// from START.
	ErrNoStartEdge = errors.New("no edge from START defined")

	// ErrNoCheckpointStore is returned by operations that require resume
	// support when the graph was compiled without a checkpoint store.
	ErrNoCheckpointStore = errors.New("no checkpoint store configured")

	// ErrStreamConsumed is returned when a run's output stream is requested
	// a second time.
	ErrStreamConsumed = errors.New("run output already consumed")

	// ErrMaxStepsExceeded is returned when a run exceeds the compiled step
	// limit, usually indicating an unterminated cycle.
	ErrMaxStepsExceeded = errors.New("maximum step count exceeded")

	// ErrMissingDecision is returned when a resume call does not supply a
	// decision for every pending feedback item.
	ErrMissingDecision = errors.New("missing decision for pending feedback item")
)

// ValidationError reports a structural graph defect found at compile time.
// It is fatal and never retried.
type ValidationError struct {
	// Node is the id of the offending node or edge source.
	Node string
	// Reason describes the defect.
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Node == "" {
		return fmt.Sprintf("invalid graph: %s", e.Reason)
	}
	return fmt.Sprintf("invalid graph at %q: %s", e.Node, e.Reason)
}

// RoutingError reports a conditional edge whose routing function returned a
// label with no mapped target. It is fatal to the run.
type RoutingError struct {
	Node  string
	Label string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("conditional edge from %q: no target mapped for label %q", e.Node, e.Label)
}

// ConfigError reports an invalid graph configuration detected before any
// step executes, such as a checkpointed subgraph inside an unmanaged parent.
type ConfigError struct {
	Node   string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Node == "" {
		return fmt.Sprintf("invalid configuration: %s", e.Reason)
	}
	return fmt.Sprintf("invalid configuration at %q: %s", e.Node, e.Reason)
}
