// Package scheduler drives a task.Graph to completion under bounded
// concurrency, checkpointing, conditional disable-cascades and the
// partial-failure policy. See scheduler.go for the Run loop.
package scheduler
