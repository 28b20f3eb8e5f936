// Package engine schedules compiled graphs onto the executors of a
// backend.Manager.
//
// A SubgraphExecutor runs one instance of a graph. Known-shape graphs with
// a single executable node run inline on the caller; everything else goes
// through a pipeline where a bounded pool resolves shapes and loads tasks
// while a single launch loop dispatches nodes in graph order. Nodes whose
// output shapes are only known after execution publish them from their
// completion callback, and consumers wait on those shapes through futures.
//
// All subgraph instances of one top-level run share an ExecutionContext.
// Its first recorded error fails the run and releases every waiter.
package engine
