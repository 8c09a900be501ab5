package graph

import (
	"context"
	"fmt"
	"strings"
)

const (
	// START is the virtual source of the graph's entry edge.
	START = "__start__"
	// END is the virtual terminal target; routing to END completes the run.
	END = "__end__"

	// internalPrefix reserves a namespace for engine-synthesized node ids
	// (parallel fan-out and loop bookkeeping). User nodes must not use it.
	internalPrefix = "__"
)

// NodeAction is the unit of work bound to a node. It receives the current
// state (read-only by convention; mutate a copy) and returns either a
// partial-update State, a *StreamHandle (fan-out branches only), or a
// *Interruption in place of a normal update. The run config is available
// through RunConfigFrom(ctx).
type NodeAction func(ctx context.Context, state State) (any, error)

// ActionFactory produces a node's action from the compile-time
// configuration. Most nodes use a constant factory via AddNode.
type ActionFactory func(opts *CompileOptions) (NodeAction, error)

// RoutingFunc maps the current state to a label used by a conditional edge.
type RoutingFunc func(ctx context.Context, state State) string

// Node is a unit of work identified by a string id. Nodes are created during
// graph construction, frozen at compile time and never mutated afterwards.
type Node struct {
	ID      string
	Factory ActionFactory
}

// Edge is a directed connection from one source to one or more direct
// targets. More than one target denotes a static parallel fan-out.
type Edge struct {
	From    string
	Targets []string
}

// ConditionalEdge routes from its source through a routing function whose
// labels resolve to targets via PathMap.
type ConditionalEdge struct {
	From    string
	Routing RoutingFunc
	PathMap map[string]string
}

// Graph is the mutable pre-compile description of nodes and edges. It is
// not safe for concurrent construction; once Compile succeeds the graph is
// frozen and further mutation is rejected.
type Graph struct {
	channels    *Channels
	nodes       map[string]*Node
	edges       []Edge
	conditional map[string]*ConditionalEdge
	subgraphs   map[string]*CompiledGraph
	frozen      bool
	deferredErr error
}

// New creates an empty graph with the given channel table. A nil table
// means every key merges with last-write-wins.
func New(channels *Channels) *Graph {
	if channels == nil {
		channels = NewChannels()
	}
	return &Graph{
		channels:    channels,
		nodes:       make(map[string]*Node),
		conditional: make(map[string]*ConditionalEdge),
		subgraphs:   make(map[string]*CompiledGraph),
	}
}

// AddNode declares a node with a fixed action.
func (g *Graph) AddNode(id string, action NodeAction) *Graph {
	return g.AddNodeFactory(id, func(*CompileOptions) (NodeAction, error) {
		return action, nil
	})
}

// AddNodeFactory declares a node whose action is produced from the
// compile-time configuration.
func (g *Graph) AddNodeFactory(id string, factory ActionFactory) *Graph {
	if g.frozen {
		g.recordErr(&ValidationError{Node: id, Reason: "graph is frozen after compilation"})
		return g
	}
	g.nodes[id] = &Node{ID: id, Factory: factory}
	return g
}

// AddEdge declares a directed edge. More than one target denotes a static
// parallel fan-out over the listed branch nodes.
func (g *Graph) AddEdge(from string, targets ...string) *Graph {
	if g.frozen {
		g.recordErr(&ValidationError{Node: from, Reason: "graph is frozen after compilation"})
		return g
	}
	g.edges = append(g.edges, Edge{From: from, Targets: targets})
	return g
}

// AddConditionalEdge declares an edge whose target is chosen at run time:
// routing is evaluated against the current state and its label is resolved
// through pathMap. An unmapped label at run time is a fatal routing error.
func (g *Graph) AddConditionalEdge(from string, routing RoutingFunc, pathMap map[string]string) *Graph {
	if g.frozen {
		g.recordErr(&ValidationError{Node: from, Reason: "graph is frozen after compilation"})
		return g
	}
	g.conditional[from] = &ConditionalEdge{From: from, Routing: routing, PathMap: pathMap}
	return g
}

// recordErr keeps the first construction error for Compile to report.
func (g *Graph) recordErr(err error) {
	if g.deferredErr == nil {
		g.deferredErr = err
	}
}

// validate checks structural integrity before compilation.
func (g *Graph) validate() error {
	for id := range g.nodes {
		if strings.TrimSpace(id) == "" {
			return &ValidationError{Node: id, Reason: "node id must not be blank"}
		}
		if id == START || id == END {
			return &ValidationError{Node: id, Reason: "node id collides with a reserved sentinel"}
		}
		if strings.HasPrefix(id, internalPrefix) {
			return &ValidationError{Node: id, Reason: fmt.Sprintf("node id uses reserved prefix %q", internalPrefix)}
		}
	}

	hasStart := false
	for _, edge := range g.edges {
		if edge.From == START {
			hasStart = true
		} else if _, ok := g.nodes[edge.From]; !ok {
			return &ValidationError{Node: edge.From, Reason: "edge source is not a declared node"}
		}
		if len(edge.Targets) == 0 {
			return &ValidationError{Node: edge.From, Reason: "edge has no target"}
		}
		seen := make(map[string]bool, len(edge.Targets))
		for _, target := range edge.Targets {
			if err := g.checkTarget(edge.From, target); err != nil {
				return err
			}
			if len(edge.Targets) > 1 && seen[target] {
				return &ValidationError{Node: edge.From, Reason: fmt.Sprintf("parallel edge lists target %q twice", target)}
			}
			seen[target] = true
		}
	}
	if _, ok := g.conditional[START]; ok {
		hasStart = true
	}
	if !hasStart {
		return ErrNoStartEdge
	}

	for from, ce := range g.conditional {
		if from != START {
			if _, ok := g.nodes[from]; !ok {
				return &ValidationError{Node: from, Reason: "conditional edge source is not a declared node"}
			}
		}
		if ce.Routing == nil {
			return &ValidationError{Node: from, Reason: "conditional edge has no routing function"}
		}
		for label, target := range ce.PathMap {
			if err := g.checkTarget(from, target); err != nil {
				return &ValidationError{Node: from, Reason: fmt.Sprintf("label %q: %v", label, err)}
			}
		}
	}
	return nil
}

func (g *Graph) checkTarget(from, target string) error {
	if target == END {
		return nil
	}
	if _, ok := g.nodes[target]; !ok {
		return &ValidationError{Node: from, Reason: fmt.Sprintf("edge target %q is not a declared node", target)}
	}
	return nil
}
