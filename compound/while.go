package compound

import (
	"github.com/workglow-dev/flowcore/internal/condition"
	"github.com/workglow-dev/flowcore/schema"
	"github.com/workglow-dev/flowcore/scheduler"
	"github.com/workglow-dev/flowcore/task"
)

// WhileTaskOptions configures NewWhileTask.
type WhileTaskOptions struct {
	BodyGraph *task.Graph
	Registry  *task.Registry
	Scheduler *scheduler.Scheduler
	RunConfig scheduler.RunConfig

	// Condition is the declarative stop test, evaluated against the
	// running record (original input merged with every iteration's
	// output so far) before each iteration. Ignored if ConditionFunc is
	// set — a function branch always wins over a serialized one.
	Condition *condition.Condition
	// ConditionFunc, if set, replaces Condition entirely. iterationIndex is
	// the zero-based count of iterations already completed.
	ConditionFunc func(record map[string]any, iterationIndex int) (bool, error)

	// MaxIterations bounds the loop regardless of Condition. Default 100.
	MaxIterations int
	// ChainIterations feeds one iteration's BodyGraph output into the
	// next iteration's input, merged over the running record. Default
	// true; set to a false pointer to run every iteration from the
	// original input alone.
	ChainIterations *bool
}

type whileSchemaProvider struct {
	bodyGraph *task.Graph
}

func (p *whileSchemaProvider) InputSchema() schema.Schema {
	return unionProperties(startingInputSchemas(p.bodyGraph)...)
}

func (p *whileSchemaProvider) OutputSchema() schema.Schema {
	out := unionProperties(endingOutputSchemas(p.bodyGraph)...)
	props := schema.Properties(out)
	if props == nil {
		props = make(map[string]any)
		out["properties"] = props
	}
	props["_iterations"] = map[string]any{"type": "integer"}
	return out
}

// NewWhileTask builds a task that re-runs BodyGraph until its stop
// condition clears or MaxIterations is reached, recording the iteration
// count under "_iterations" in its output.
func NewWhileTask(kind string, cfg task.Config, opts WhileTaskOptions) *task.Task {
	maxIterations := opts.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 100
	}
	chain := opts.ChainIterations == nil || *opts.ChainIterations

	t := task.New(kind, cfg)
	t.SubGraph = opts.BodyGraph
	t.DynamicSchema = &whileSchemaProvider{bodyGraph: opts.BodyGraph}

	sched := opts.Scheduler
	if sched == nil {
		sched = scheduler.New()
	}

	t.Execute = func(ectx task.ExecuteContext, input map[string]any) (map[string]any, error) {
		original := make(map[string]any, len(input))
		for k, v := range input {
			original[k] = v
		}
		record := make(map[string]any, len(input))
		for k, v := range input {
			record[k] = v
		}

		iterations := 0
		for iterations < maxIterations {
			active, err := evaluateWhileCondition(record, opts.Condition, opts.ConditionFunc, iterations)
			if err != nil || !active {
				break
			}

			bodyInput := record
			if !chain {
				bodyInput = original
			}

			out, err := runSubGraph(ectx, opts.BodyGraph, opts.Registry, sched, opts.RunConfig, bodyInput, CompoundMergeOverwrite)
			if err != nil {
				return nil, err
			}
			iterations++

			for k, v := range out {
				record[k] = v
			}
		}

		record["_iterations"] = iterations
		return record, nil
	}
	return t
}

// evaluateWhileCondition resolves the stop test for one pass: a function
// branch always wins over a serialized Condition; a throw in either is
// treated as false (stop the loop) rather than surfaced as a task error.
// iterationIndex is the number of iterations already completed, letting a
// function condition bound the loop on its own count alongside the record.
func evaluateWhileCondition(record map[string]any, cond *condition.Condition, fn func(map[string]any, int) (bool, error), iterationIndex int) (bool, error) {
	if fn != nil {
		ok, err := fn(record, iterationIndex)
		if err != nil {
			return false, nil
		}
		return ok, nil
	}
	if cond == nil {
		return true, nil
	}
	ok, err := condition.Evaluate(record, *cond)
	if err != nil {
		return false, nil
	}
	return ok, nil
}
