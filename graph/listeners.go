package graph

import (
	"context"
	"sync"
)

// NodeEvent classifies node lifecycle notifications emitted by the runner.
type NodeEvent string

const (
	// NodeEventStart fires before a node executes. The state is the input
	// the node will see.
	NodeEventStart NodeEvent = "start"

	// NodeEventComplete fires after a node's update has merged. The state
	// is the merged result.
	NodeEventComplete NodeEvent = "complete"

	// NodeEventError fires when a node fails; the run stops afterwards.
	NodeEventError NodeEvent = "error"

	// NodeEventInterrupt fires when a node pauses the run for feedback.
	NodeEventInterrupt NodeEvent = "interrupt"
)

// NodeListener observes node lifecycle events during a run. Listeners fire
// for every node of every run on the compiled graph, including synthetic
// fan-out nodes. The runner waits for all listeners before taking its next
// step, so a slow listener slows the run.
type NodeListener interface {
	OnNodeEvent(ctx context.Context, event NodeEvent, nodeID string, state State, err error)
}

// NodeListenerFunc adapts a function to NodeListener.
type NodeListenerFunc func(ctx context.Context, event NodeEvent, nodeID string, state State, err error)

func (f NodeListenerFunc) OnNodeEvent(ctx context.Context, event NodeEvent, nodeID string, state State, err error) {
	f(ctx, event, nodeID, state, err)
}

// notify fans one event out to every listener and waits. A panicking
// listener must not kill the run.
func (c *CompiledGraph) notify(ctx context.Context, event NodeEvent, nodeID string, state State, err error) {
	if len(c.opts.Listeners) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, listener := range c.opts.Listeners {
		wg.Add(1)
		go func(l NodeListener) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					c.logger.Warn("node listener panicked on %s %s: %v", event, nodeID, r)
				}
			}()
			l.OnNodeEvent(ctx, event, nodeID, state, err)
		}(listener)
	}
	wg.Wait()
}
