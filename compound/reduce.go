package compound

import (
	"fmt"

	"github.com/workglow-dev/flowcore/schema"
	"github.com/workglow-dev/flowcore/scheduler"
	"github.com/workglow-dev/flowcore/task"
)

// ReduceTaskOptions configures NewReduceTask.
type ReduceTaskOptions struct {
	ItemGraph *task.Graph
	Registry  *task.Registry
	Scheduler *scheduler.Scheduler
	RunConfig scheduler.RunConfig

	// AccumulatorPort names the input/output port ItemGraph reads the
	// running accumulator from and writes the updated accumulator to.
	// Defaults to "accumulator".
	AccumulatorPort string
	// InitialValue seeds the accumulator before the first iteration.
	InitialValue any
}

type reduceSchemaProvider struct {
	itemGraph       *task.Graph
	accumulatorPort string
}

func (p *reduceSchemaProvider) InputSchema() schema.Schema {
	return unionProperties(startingInputSchemas(p.itemGraph)...)
}

func (p *reduceSchemaProvider) OutputSchema() schema.Schema {
	return unionProperties(endingOutputSchemas(p.itemGraph)...)
}

// NewReduceTask builds a task that folds ItemGraph over its iterated input
// ports sequentially (reduce forces concurrency and batch size to 1: each
// iteration must see the previous one's accumulator output), seeding
// AccumulatorPort with InitialValue before the first iteration.
func NewReduceTask(kind string, cfg task.Config, opts ReduceTaskOptions) *task.Task {
	accumulatorPort := opts.AccumulatorPort
	if accumulatorPort == "" {
		accumulatorPort = "accumulator"
	}

	t := task.New(kind, cfg)
	t.SubGraph = opts.ItemGraph
	t.DynamicSchema = &reduceSchemaProvider{itemGraph: opts.ItemGraph, accumulatorPort: accumulatorPort}

	sched := opts.Scheduler
	if sched == nil {
		sched = scheduler.New()
	}

	t.Execute = func(ectx task.ExecuteContext, input map[string]any) (map[string]any, error) {
		iterated, scalarPorts := classifyInputPorts(opts.ItemGraph, input)
		n := iterationLength(input, iterated)

		acc := opts.InitialValue
		var lastOutput map[string]any

		for i := 0; i < n; i++ {
			in := itemInput(input, iterated, scalarPorts, i)
			in[accumulatorPort] = acc

			out, err := runSubGraph(ectx, opts.ItemGraph, opts.Registry, sched, opts.RunConfig, in, CompoundMergeOverwrite)
			if err != nil {
				return nil, fmt.Errorf("compound: reduce iteration %d: %w", i, err)
			}
			acc = out[accumulatorPort]
			lastOutput = out
		}

		result := make(map[string]any, len(lastOutput)+1)
		for k, v := range lastOutput {
			result[k] = v
		}
		result[accumulatorPort] = acc
		return result, nil
	}
	return t
}
