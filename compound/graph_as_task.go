package compound

import (
	"github.com/workglow-dev/flowcore/schema"
	"github.com/workglow-dev/flowcore/scheduler"
	"github.com/workglow-dev/flowcore/task"
)

// CompoundMerge controls how a compound task's multiple output branches
// are folded into one output record.
type CompoundMerge string

const (
	// CompoundMergeOverwrite lets later branches overwrite earlier ones on
	// a shared property name (the default).
	CompoundMergeOverwrite CompoundMerge = ""
	// CompoundMergePropertyArray collects every branch's value for a shared
	// property name into an array instead of overwriting.
	CompoundMergePropertyArray CompoundMerge = "property-array"
)

// GraphAsTaskOptions configures NewGraphAsTask.
type GraphAsTaskOptions struct {
	// Registry reconstructs the sub-graph's tasks on every invocation; it
	// must know every kind used inside SubGraph.
	Registry *task.Registry
	// Scheduler runs the sub-graph; a fresh scheduler.New() is used if nil.
	Scheduler *scheduler.Scheduler
	// RunConfig is passed through to the sub-graph's scheduler.Run.
	RunConfig scheduler.RunConfig
	// CompoundMerge controls the output schema/value merge strategy across
	// the sub-graph's ending-nodes-at-max-depth.
	CompoundMerge CompoundMerge
}

type graphSchemaProvider struct {
	graph *task.Graph
	merge CompoundMerge
}

func (p *graphSchemaProvider) InputSchema() schema.Schema {
	var schemas []schema.Schema
	for _, t := range p.graph.StartingNodes() {
		schemas = append(schemas, t.ResolvedInputSchema())
	}
	return unionProperties(schemas...)
}

func (p *graphSchemaProvider) OutputSchema() schema.Schema {
	var schemas []schema.Schema
	for _, t := range p.graph.EndingNodesAtMaxDepth() {
		schemas = append(schemas, t.ResolvedOutputSchema())
	}
	merged := unionProperties(schemas...)
	if p.merge == CompoundMergePropertyArray {
		return liftToArrays(merged)
	}
	return merged
}

// NewGraphAsTask lifts subGraph into a single Task: its dynamic input
// schema is the union of its starting nodes' input schemas (the ports a
// caller must supply), its dynamic output schema the union of its
// ending-nodes-at-max-depth output schemas (optionally array-lifted under
// CompoundMergePropertyArray). Execute runs a fresh clone of subGraph to
// completion via the scheduler and folds the ending nodes' outputs into
// one record.
func NewGraphAsTask(kind string, cfg task.Config, subGraph *task.Graph, opts GraphAsTaskOptions) *task.Task {
	t := task.New(kind, cfg)
	t.SubGraph = subGraph
	t.DynamicSchema = &graphSchemaProvider{graph: subGraph, merge: opts.CompoundMerge}

	sched := opts.Scheduler
	if sched == nil {
		sched = scheduler.New()
	}

	t.Execute = func(ectx task.ExecuteContext, input map[string]any) (map[string]any, error) {
		return runSubGraph(ectx, subGraph, opts.Registry, sched, opts.RunConfig, input, opts.CompoundMerge)
	}
	return t
}

// runSubGraph clones subGraph fresh, runs it to completion with input
// delivered to its starting nodes, and merges its ending nodes' outputs.
func runSubGraph(ectx task.ExecuteContext, subGraph *task.Graph, registry *task.Registry, sched *scheduler.Scheduler, cfg scheduler.RunConfig, input map[string]any, merge CompoundMerge) (map[string]any, error) {
	clone, err := freshClone(subGraph, registry)
	if err != nil {
		return nil, err
	}

	result, err := sched.Run(ectx.Context, clone, input, cfg)
	if err != nil {
		return nil, err
	}

	return mergeEndingOutputs(clone, result, merge), nil
}

// mergeEndingOutputs folds every ending-at-max-depth task's recorded
// output into a single record, per merge's overwrite/array-lift strategy.
func mergeEndingOutputs(g *task.Graph, result *scheduler.RunResult, merge CompoundMerge) map[string]any {
	merged := make(map[string]any)
	for _, t := range g.EndingNodesAtMaxDepth() {
		output, ok := result.Outputs[t.ID.String()]
		if !ok {
			continue
		}
		for k, v := range output {
			if merge == CompoundMergePropertyArray {
				arr, _ := merged[k].([]any)
				merged[k] = append(arr, v)
			} else {
				merged[k] = v
			}
		}
	}
	return merged
}
