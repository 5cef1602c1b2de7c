package compound

import (
	"fmt"
	"sync"

	"github.com/workglow-dev/flowcore/schema"
	"github.com/workglow-dev/flowcore/scheduler"
	"github.com/workglow-dev/flowcore/task"
)

// MapTaskOptions configures NewMapTask.
type MapTaskOptions struct {
	// ItemGraph runs once per iteration against that iteration's item
	// input; its output is collected into this MapTask's array outputs.
	ItemGraph *task.Graph
	Registry  *task.Registry
	RunConfig scheduler.RunConfig

	// ConcurrencyLimit bounds how many iterations run at once. Default 1
	// (sequential).
	ConcurrencyLimit int
	// BatchSize caps how many iterations are dispatched per wave; 0 means
	// every ready iteration is dispatched in one wave, subject to
	// ConcurrencyLimit.
	BatchSize int
	// PreserveOrder keeps each output array in iteration-index order
	// regardless of completion order. Default true; set to a false pointer
	// to disable.
	PreserveOrder *bool
	// Flatten collapses one level of nesting when an iteration's output
	// property is itself a []any, producing a single flat array across all
	// iterations rather than an array of arrays. Default false.
	Flatten bool
}

type mapSchemaProvider struct {
	itemGraph *task.Graph
	flatten   bool
}

func (p *mapSchemaProvider) InputSchema() schema.Schema {
	union := unionProperties(startingInputSchemas(p.itemGraph)...)
	// Every property the item graph needs becomes an array-or-scalar port
	// on the map task itself; Execute decides per call (see
	// isIteratedPort) which ports are actually iterated.
	return union
}

func (p *mapSchemaProvider) OutputSchema() schema.Schema {
	union := unionProperties(endingOutputSchemas(p.itemGraph)...)
	return liftToArrays(union)
}

// NewMapTask builds a task that runs ItemGraph once per element of its
// iterated input ports (index-aligned across ports, "zipped"), collecting
// each iteration's ending-node output into an array per output property.
func NewMapTask(kind string, cfg task.Config, opts MapTaskOptions) *task.Task {
	concurrency := opts.ConcurrencyLimit
	if concurrency <= 0 {
		concurrency = 1
	}
	preserveOrder := opts.PreserveOrder == nil || *opts.PreserveOrder

	t := task.New(kind, cfg)
	t.SubGraph = opts.ItemGraph
	t.DynamicSchema = &mapSchemaProvider{itemGraph: opts.ItemGraph, flatten: opts.Flatten}

	t.Execute = func(ectx task.ExecuteContext, input map[string]any) (map[string]any, error) {
		iterated, scalarPorts := classifyInputPorts(opts.ItemGraph, input)
		n := iterationLength(input, iterated)

		batchSize := opts.BatchSize
		if batchSize <= 0 {
			batchSize = n
		}

		outputs := make([]map[string]any, n)
		errs := make([]error, n)
		completionOrder := make([]int, 0, n)
		var orderMu sync.Mutex

		sem := make(chan struct{}, concurrency)
		runOne := func(i int) {
			in := itemInput(input, iterated, scalarPorts, i)
			// Each iteration gets its own Scheduler: a Scheduler carries
			// single-run abort/cancel state that concurrent Run calls
			// would otherwise clobber.
			out, err := runSubGraph(ectx, opts.ItemGraph, opts.Registry, scheduler.New(), opts.RunConfig, in, CompoundMergeOverwrite)
			outputs[i] = out
			errs[i] = err
			orderMu.Lock()
			completionOrder = append(completionOrder, i)
			orderMu.Unlock()
		}

		// Iterations are dispatched in waves of at most batchSize, each wave
		// bounded by ConcurrencyLimit via sem; a wave fully completes before
		// the next one starts.
		for start := 0; start < n; start += batchSize {
			end := start + batchSize
			if end > n {
				end = n
			}
			var wg sync.WaitGroup
			for i := start; i < end; i++ {
				i := i
				wg.Add(1)
				sem <- struct{}{}
				go func() {
					defer wg.Done()
					defer func() { <-sem }()
					runOne(i)
				}()
			}
			wg.Wait()
		}

		for i, err := range errs {
			if err != nil {
				return nil, fmt.Errorf("compound: map iteration %d: %w", i, err)
			}
		}

		ordered := outputs
		if !preserveOrder {
			ordered = make([]map[string]any, 0, n)
			for _, i := range completionOrder {
				ordered = append(ordered, outputs[i])
			}
		}

		return collectMapOutputs(ordered, opts.Flatten), nil
	}
	return t
}

// collectMapOutputs gathers each iteration's output record into one array
// per property name, in the order the records are passed in (iteration order
// with PreserveOrder, completion order without it), optionally flattening one level
// when a per-iteration value is itself a []any.
func collectMapOutputs(outputs []map[string]any, flatten bool) map[string]any {
	result := make(map[string]any)
	names := make(map[string]bool)
	for _, out := range outputs {
		for name := range out {
			names[name] = true
		}
	}
	for name := range names {
		var arr []any
		for _, out := range outputs {
			v, ok := out[name]
			if !ok {
				continue
			}
			if flatten {
				if sub, ok := v.([]any); ok {
					arr = append(arr, sub...)
					continue
				}
			}
			arr = append(arr, v)
		}
		result[name] = arr
	}
	return result
}
