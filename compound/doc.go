// Package compound implements the task kinds that run a whole sub-graph as
// a single task: GraphAsTask (a static or templated sub-graph lifted to
// one task with a dynamic schema), MapTask and ReduceTask (built on the
// shared iteration helpers in iterator.go, running a per-item sub-graph over
// array-typed input ports), WhileTask (re-running a sub-graph until a condition clears or a
// cap is hit) and ConditionalTask (branch selection with disable-cascade
// metadata for the scheduler to act on).
//
// GraphAsTask, MapTask, ReduceTask and WhileTask run their sub-graph end to
// end via scheduler.Run, once per iteration as appropriate; ConditionalTask
// runs no sub-graph of its own.
package compound
