// Package agentgraph is a graph-based execution engine for multi-step,
// stateful computations.
//
// A computation is modeled as a directed graph of named nodes connected by
// static, parallel and conditional edges. Shared state flows through the
// graph as a key-value map, with per-key merge strategies ("channels")
// deciding how each node's partial update folds into the running state.
// Compiled graphs execute step by step, checkpointing the state after every
// node so a run can be paused for human feedback, inspected, patched and
// resumed later, on a different process if the checkpoint store is durable.
//
// The engine lives in the graph subpackage; checkpoint persistence backends
// (in-memory, file, SQLite, Postgres, Redis) live under store.
//
// A minimal run:
//
//	g := graph.New(graph.NewChannels().Register("total", graph.ReduceChannel(addInts)))
//	g.AddNode("one", addOne).
//		AddNode("two", addOne).
//		AddEdge(graph.START, "one").
//		AddEdge("one", "two").
//		AddEdge("two", graph.END)
//
//	compiled, err := g.Compile(graph.WithCheckpointStore(memory.NewMemoryCheckpointStore()))
//	if err != nil {
//		return err
//	}
//	defer compiled.Close()
//
//	final, err := compiled.Invoke(ctx, graph.State{"total": 0})
package agentgraph
