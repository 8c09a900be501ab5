// Package graph implements the execution engine: graph construction and
// validation, channel-based state merging, the compiled-graph runner with
// its lazy step output stream, parallel fan-out, the interruption and
// resume protocol, and subgraph nesting.
//
// Build a Graph with New, declare nodes and edges, then Compile it into an
// immutable CompiledGraph. Runs start with Stream or Invoke; checkpointed
// runs can pause at approval gates and continue later through Resume.
package graph
