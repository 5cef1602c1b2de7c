package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/workglow-dev/flowcore/bus"
	"github.com/workglow-dev/flowcore/compound"
	"github.com/workglow-dev/flowcore/flog"
	"github.com/workglow-dev/flowcore/internal/condition"
	"github.com/workglow-dev/flowcore/schema"
	"github.com/workglow-dev/flowcore/scheduler"
	"github.com/workglow-dev/flowcore/task"
)

// Event names fired on a Builder's Bus. Run emits start, complete and
// error itself around the scheduler run it delegates to, and checkpoint
// after a run that saved one.
const (
	EventTaskAdded     = "task_added"
	EventDataflowAdded = "dataflow_added"
	EventCheckpoint    = "checkpoint"
	EventChanged       = "changed"
	EventReset         = "reset"
	EventStart         = "start"
	EventComplete      = "complete"
	EventError         = "error"
)

// ErrAutoConnectFailed is raised when Add cannot satisfy one of a new
// task's required inputs from any ancestor's output; the task is not
// added to the graph.
var ErrAutoConnectFailed = errors.New("workflow: auto-connect failed")

// ErrEmptyGraph is returned by Pop when the graph has no tasks to remove.
var ErrEmptyGraph = errors.New("workflow: pop on empty graph")

// ErrNotNested is returned by EndMap/EndWhile/EndReduce when called on a
// Builder that was not opened by the matching Map/While/Reduce call.
var ErrNotNested = errors.New("workflow: End call does not match the open nested builder")

// nestedKind tags what an inner Builder will be folded back into on EndX.
type nestedKind int

const (
	nestedNone nestedKind = iota
	nestedMap
	nestedWhile
	nestedReduce
)

// Builder is a fluent constructor of a *task.Graph. Tasks are inserted in
// the order Add/Parallel/Pipe/EndMap/EndWhile/EndReduce are called; each
// insertion performs auto-connection against tasks already in the graph.
type Builder struct {
	graph    *task.Graph
	registry *task.Registry
	sched    *scheduler.Scheduler
	log      flog.Logger
	Bus      *bus.Bus

	pendingRename *renameAlias

	// Set only on a Builder opened by Map/While/Reduce.
	parent     *Builder
	kind       nestedKind
	mapOpts    MapOptions
	whileOpts  WhileOptions
	reduceOpts ReduceOptions
}

type renameAlias struct {
	sourcePort string
	targetPort string
}

// New creates an empty Builder. registry is consulted by Add to construct
// tasks by kind name, and by any compound task this Builder assembles to
// reconstruct its sub-graph's tasks when it runs.
func New(registry *task.Registry) *Builder {
	return &Builder{
		graph:    task.NewGraph(),
		registry: registry,
		log:      flog.GetDefaultLogger(),
		Bus:      bus.New(),
	}
}

// Graph returns the TaskGraph built so far. Callers must not mutate it
// directly; use the Builder's own methods.
func (b *Builder) Graph() *task.Graph { return b.graph }

// Registry returns the task registry this Builder creates tasks from.
func (b *Builder) Registry() *task.Registry { return b.registry }

func (b *Builder) takeRename() *renameAlias {
	r := b.pendingRename
	b.pendingRename = nil
	return r
}

// Rename records a pending alias consumed by the very next Add call: when
// that task's required input named targetInputName would otherwise be
// auto-connected by the standard matching rules, the builder instead wires
// it from the first ancestor (searched backward) exposing an output port
// literally named sourceOutputName.
func (b *Builder) Rename(sourceOutputName, targetInputName string) *Builder {
	b.pendingRename = &renameAlias{sourcePort: sourceOutputName, targetPort: targetInputName}
	return b
}

// Add constructs a task of the given kind via the Builder's registry,
// seeded with defaults, and attaches it to the graph with auto-connection.
func (b *Builder) Add(kind string, defaults map[string]any, cfg task.Config) (*task.Task, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	t, err := b.registry.Create(kind, cfg, defaults)
	if err != nil {
		return nil, fmt.Errorf("workflow: add %s: %w", kind, err)
	}
	return b.attach(t)
}

// attach performs the auto-connection search for an already-constructed
// task and inserts it plus any discovered dataflows into the graph.
// Required inputs that cannot be satisfied abort the whole call: the task
// is never partially added.
func (b *Builder) attach(t *task.Task) (*task.Task, error) {
	ancestors := b.graph.Tasks()
	rename := b.takeRename()

	var plannedEdges []task.DataflowKey

	if len(ancestors) > 0 {
		inputSchema := t.ResolvedInputSchema()
		for name := range schema.Properties(inputSchema) {
			if _, provided := t.Defaults[name]; provided {
				continue
			}
			required := schema.IsRequired(inputSchema, name)

			if rename != nil && rename.targetPort == name {
				if key, ok := findExplicitPort(ancestors, rename.sourcePort, t.ID.String(), name); ok {
					plannedEdges = append(plannedEdges, key)
					continue
				}
				if required {
					return nil, fmt.Errorf("%w: %s.%s (renamed from %q)", ErrAutoConnectFailed, t.Kind, name, rename.sourcePort)
				}
			}

			if required {
				key, ok := findRequiredMatch(ancestors, t.ID.String(), name, inputSchema)
				if !ok {
					return nil, fmt.Errorf("%w: %s.%s", ErrAutoConnectFailed, t.Kind, name)
				}
				plannedEdges = append(plannedEdges, key)
				continue
			}

			// Non-required inputs are only ever auto-connected from the
			// immediate parent (the most recently added task), and only
			// when its schema aligns; a miss here is not an error.
			parent := ancestors[len(ancestors)-1]
			if key, ok := findPortMatch(parent, t.ID.String(), name, schema.Property(inputSchema, name)); ok {
				plannedEdges = append(plannedEdges, key)
			}
		}
	}
	// An empty graph makes t a starting task: required inputs left unmet
	// here must come from Run's top-level override.

	if err := b.graph.AddTask(t); err != nil {
		return nil, err
	}
	for _, key := range plannedEdges {
		if err := b.graph.AddDataflow(key); err != nil {
			return nil, err
		}
		b.Bus.Emit(EventDataflowAdded, key)
	}
	b.Bus.Emit(EventTaskAdded, t)
	b.Bus.Emit(EventChanged)
	return t, nil
}

// Parallel wraps tasks into a compound.GraphAsTask run concurrently as one
// sub-graph (the tasks share no dataflows between each other by
// construction; each becomes an independent starting node of the wrapped
// sub-graph), folding their outputs per merge.
func (b *Builder) Parallel(tasks []*task.Task, merge compound.CompoundMerge) (*task.Task, error) {
	sub := task.NewGraph()
	for _, t := range tasks {
		if err := sub.AddTask(t); err != nil {
			return nil, err
		}
	}
	gat := compound.NewGraphAsTask("parallel", task.Config{ID: uuid.NewString()}, sub, compound.GraphAsTaskOptions{
		Registry:      b.registry,
		CompoundMerge: merge,
	})
	return b.attach(gat)
}

// Pipe sequentially attaches tasks to the graph in order, each
// auto-connecting against everything already present (including the
// others already piped in this call) — the sequential-composition builder
// operation.
func (b *Builder) Pipe(tasks []*task.Task) error {
	for _, t := range tasks {
		if _, err := b.attach(t); err != nil {
			return err
		}
	}
	return nil
}

// Pipe is the package-level form building a fresh, self-contained graph
// out of tasks wired front-to-back — useful for assembling a sub-graph to
// hand to compound.NewGraphAsTask without an outer Builder in scope.
func Pipe(registry *task.Registry, tasks []*task.Task) (*task.Graph, error) {
	b := New(registry)
	if err := b.Pipe(tasks); err != nil {
		return nil, err
	}
	return b.graph, nil
}

// MapOptions configures Map/EndMap.
type MapOptions struct {
	ConcurrencyLimit int
	BatchSize        int
	PreserveOrder    *bool
	Flatten          bool
	RunConfig        scheduler.RunConfig
}

// Map opens a nested Builder over a MapTask's item sub-graph. Tasks added
// to the returned Builder are auto-UUID-named and populate the sub-graph
// run once per iteration; EndMap closes the loop, wires the finished
// MapTask into the outer graph, and returns the outer Builder.
func (b *Builder) Map(opts MapOptions) *Builder {
	return &Builder{
		graph:    task.NewGraph(),
		registry: b.registry,
		log:      b.log,
		Bus:      bus.New(),
		parent:   b,
		kind:     nestedMap,
		mapOpts:  opts,
	}
}

// EndMap closes a Builder opened by Map, builds the MapTask, attaches it
// to the outer Builder's graph, and returns the outer Builder.
func (b *Builder) EndMap() (*Builder, error) {
	if b.parent == nil || b.kind != nestedMap {
		return nil, ErrNotNested
	}
	mt := compound.NewMapTask("map", task.Config{ID: uuid.NewString()}, compound.MapTaskOptions{
		ItemGraph:        b.graph,
		Registry:         b.registry,
		RunConfig:        b.mapOpts.RunConfig,
		ConcurrencyLimit: b.mapOpts.ConcurrencyLimit,
		BatchSize:        b.mapOpts.BatchSize,
		PreserveOrder:    b.mapOpts.PreserveOrder,
		Flatten:          b.mapOpts.Flatten,
	})
	if _, err := b.parent.attach(mt); err != nil {
		return nil, err
	}
	return b.parent, nil
}

// WhileOptions configures While/EndWhile.
type WhileOptions struct {
	Condition       *condition.Condition
	ConditionFunc   func(record map[string]any, iterationIndex int) (bool, error)
	MaxIterations   int
	ChainIterations *bool
	RunConfig       scheduler.RunConfig
}

// While opens a nested Builder over a WhileTask's body sub-graph.
func (b *Builder) While(opts WhileOptions) *Builder {
	return &Builder{
		graph:     task.NewGraph(),
		registry:  b.registry,
		log:       b.log,
		Bus:       bus.New(),
		parent:    b,
		kind:      nestedWhile,
		whileOpts: opts,
	}
}

// EndWhile closes a Builder opened by While, builds the WhileTask,
// attaches it to the outer Builder's graph, and returns the outer Builder.
func (b *Builder) EndWhile() (*Builder, error) {
	if b.parent == nil || b.kind != nestedWhile {
		return nil, ErrNotNested
	}
	wt := compound.NewWhileTask("while", task.Config{ID: uuid.NewString()}, compound.WhileTaskOptions{
		BodyGraph:       b.graph,
		Registry:        b.registry,
		RunConfig:       b.whileOpts.RunConfig,
		Condition:       b.whileOpts.Condition,
		ConditionFunc:   b.whileOpts.ConditionFunc,
		MaxIterations:   b.whileOpts.MaxIterations,
		ChainIterations: b.whileOpts.ChainIterations,
	})
	if _, err := b.parent.attach(wt); err != nil {
		return nil, err
	}
	return b.parent, nil
}

// ReduceOptions configures Reduce/EndReduce.
type ReduceOptions struct {
	AccumulatorPort string
	InitialValue    any
	RunConfig       scheduler.RunConfig
}

// Reduce opens a nested Builder over a ReduceTask's item sub-graph.
func (b *Builder) Reduce(opts ReduceOptions) *Builder {
	return &Builder{
		graph:      task.NewGraph(),
		registry:   b.registry,
		log:        b.log,
		Bus:        bus.New(),
		parent:     b,
		kind:       nestedReduce,
		reduceOpts: opts,
	}
}

// EndReduce closes a Builder opened by Reduce, builds the ReduceTask,
// attaches it to the outer Builder's graph, and returns the outer Builder.
func (b *Builder) EndReduce() (*Builder, error) {
	if b.parent == nil || b.kind != nestedReduce {
		return nil, ErrNotNested
	}
	rt := compound.NewReduceTask("reduce", task.Config{ID: uuid.NewString()}, compound.ReduceTaskOptions{
		ItemGraph:       b.graph,
		Registry:        b.registry,
		RunConfig:       b.reduceOpts.RunConfig,
		AccumulatorPort: b.reduceOpts.AccumulatorPort,
		InitialValue:    b.reduceOpts.InitialValue,
	})
	if _, err := b.parent.attach(rt); err != nil {
		return nil, err
	}
	return b.parent, nil
}

// Reset drops every task and dataflow from the graph.
func (b *Builder) Reset() {
	b.graph = task.NewGraph()
	b.pendingRename = nil
	b.Bus.Emit(EventChanged)
	b.Bus.Emit(EventReset)
}

// Pop removes the most recently added task along with any dataflow
// touching it, rebuilding the graph without it.
func (b *Builder) Pop() error {
	tasks := b.graph.Tasks()
	if len(tasks) == 0 {
		return ErrEmptyGraph
	}
	last := tasks[len(tasks)-1]
	lastID := last.ID.String()

	rebuilt := task.NewGraph()
	kept := tasks[:len(tasks)-1]
	for _, t := range kept {
		if err := rebuilt.AddTask(t); err != nil {
			return err
		}
	}
	for _, t := range kept {
		for _, df := range b.graph.OutEdges(t.ID.String()) {
			if df.Key.TargetID == lastID {
				continue
			}
			if err := rebuilt.AddDataflow(df.Key); err != nil {
				return err
			}
		}
	}
	b.graph = rebuilt
	b.Bus.Emit(EventChanged)
	return nil
}

// ToJSON serializes the graph's full structure and current run state (task
// status/progress/runInputData/runOutputData included), delegating to
// task.Graph's own wire format.
func (b *Builder) ToJSON() ([]byte, error) {
	return b.graph.ToJSON()
}

// dependencyItem is the external graph JSON's task shape: pure structure,
// no run state.
type dependencyItem struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Title     string          `json:"title,omitempty"`
	Defaults  map[string]any  `json:"defaults,omitempty"`
	Extras    map[string]any  `json:"extras,omitempty"`
	Subgraph  *dependencyJSON `json:"subgraph,omitempty"`
}

type dependencyFlow struct {
	SourceTaskID     string `json:"sourceTaskId"`
	SourceTaskPortID string `json:"sourceTaskPortId"`
	TargetTaskID     string `json:"targetTaskId"`
	TargetTaskPortID string `json:"targetTaskPortId"`
}

type dependencyJSON struct {
	Tasks     []dependencyItem `json:"tasks"`
	Dataflows []dependencyFlow `json:"dataflows"`
}

func graphToDependencyJSON(g *task.Graph) dependencyJSON {
	var out dependencyJSON
	for _, t := range g.Tasks() {
		item := dependencyItem{
			ID:       t.ID.String(),
			Type:     t.Kind,
			Title:    t.Config.Title,
			Defaults: t.Defaults,
			Extras:   t.Config.Extras,
		}
		if t.SubGraph != nil {
			sub := graphToDependencyJSON(t.SubGraph)
			item.Subgraph = &sub
		}
		out.Tasks = append(out.Tasks, item)
	}
	for _, t := range g.Tasks() {
		for _, df := range g.OutEdges(t.ID.String()) {
			out.Dataflows = append(out.Dataflows, dependencyFlow{
				SourceTaskID:     df.Key.SourceID,
				SourceTaskPortID: df.Key.SourcePort,
				TargetTaskID:     df.Key.TargetID,
				TargetTaskPortID: df.Key.TargetPort,
			})
		}
	}
	return out
}

// ToDependencyJSON serializes the graph's pure dependency structure: tasks'
// id/type/title/defaults/extras/subgraph plus dataflow tuples, with no run
// state.
func (b *Builder) ToDependencyJSON() ([]byte, error) {
	return json.Marshal(graphToDependencyJSON(b.graph))
}

// graphFromDependencyJSON rebuilds a Graph from an already-decoded
// dependencyJSON, the mirror of graphToDependencyJSON: every task is
// constructed fresh via registry (so it starts PENDING with no run state),
// and Subgraph is restored recursively.
func graphFromDependencyJSON(dj dependencyJSON, registry *task.Registry) (*task.Graph, error) {
	g := task.NewGraph()
	for _, item := range dj.Tasks {
		t, err := registry.Create(item.Type, task.Config{ID: item.ID, Title: item.Title, Extras: item.Extras}, item.Defaults)
		if err != nil {
			return nil, err
		}
		id, err := uuid.Parse(item.ID)
		if err != nil {
			return nil, fmt.Errorf("workflow: invalid task id %q: %w", item.ID, err)
		}
		t.ID = id

		if item.Subgraph != nil {
			sub, err := graphFromDependencyJSON(*item.Subgraph, registry)
			if err != nil {
				return nil, fmt.Errorf("workflow: task %q subgraph: %w", item.ID, err)
			}
			t.SubGraph = sub
		}

		if err := g.AddTask(t); err != nil {
			return nil, err
		}
	}
	for _, df := range dj.Dataflows {
		key := task.DataflowKey{
			SourceID:   df.SourceTaskID,
			SourcePort: df.SourceTaskPortID,
			TargetID:   df.TargetTaskID,
			TargetPort: df.TargetTaskPortID,
		}
		if err := g.AddDataflow(key); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// FromDependencyJSON builds a Builder around the graph encoded by data (the
// wire shape ToDependencyJSON produces), reconstructing each task via
// registry. The returned Builder's graph is a working TaskGraph: Run can be
// called on it directly, but further Add/Map/While/Reduce calls resume
// auto-connection search over the restored tasks exactly as if they had
// been added in this call.
func FromDependencyJSON(data []byte, registry *task.Registry) (*Builder, error) {
	var dj dependencyJSON
	if err := json.Unmarshal(data, &dj); err != nil {
		return nil, fmt.Errorf("workflow: unmarshal dependency json: %w", err)
	}
	g, err := graphFromDependencyJSON(dj, registry)
	if err != nil {
		return nil, err
	}
	return &Builder{
		graph:    g,
		registry: registry,
		log:      flog.GetDefaultLogger(),
		Bus:      bus.New(),
	}, nil
}

// Run delegates to a scheduler.Scheduler, emitting this Builder's own
// start/complete/error around the call so a caller observing the Builder's
// Bus sees the same lifecycle a Graph emitter would per the external
// interfaces' event-name list, and emitting checkpoint when the run left
// one behind.
func (b *Builder) Run(ctx context.Context, input map[string]any, cfg scheduler.RunConfig) (*scheduler.RunResult, error) {
	if b.sched == nil {
		b.sched = scheduler.New()
	}
	b.Bus.Emit(EventStart, input)
	result, err := b.sched.Run(ctx, b.graph, input, cfg)
	if result != nil && result.LastCheckpointID != "" {
		b.Bus.Emit(EventCheckpoint, result.LastCheckpointID)
	}
	if err != nil {
		b.Bus.Emit(EventError, err)
		return result, err
	}
	b.Bus.Emit(EventComplete, result)
	return result, nil
}

// Abort cancels the in-flight Run, if any.
func (b *Builder) Abort() {
	if b.sched != nil {
		b.sched.Abort()
	}
}
