// Package workflow is the fluent graph builder: Add/Rename/Parallel/Pipe
// construct a task.Graph one task at a time, auto-connecting each new
// task's required inputs to a matching ancestor output by the matching
// rules (same name, the output->input primitive special case, and
// format-tag matching across oneOf/anyOf); Map/While/Reduce open a nested
// Builder over an iterator task's sub-graph, returned to the outer
// Builder by EndMap/EndWhile/EndReduce.
package workflow
