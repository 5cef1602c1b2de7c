// Package scheduler drives a task.Graph through wavefront execution:
// repeatedly computing the ready set, dispatching it with bounded
// concurrency, resolving each task's inputs from completed predecessors,
// cascading conditional-branch disablement, and optionally checkpointing
// after each step or once at the end.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/workglow-dev/flowcore/checkpoint"
	"github.com/workglow-dev/flowcore/task"
)

// CheckpointGranularity controls how often a run is persisted.
type CheckpointGranularity string

const (
	CheckpointNone         CheckpointGranularity = "none"
	CheckpointEveryTask    CheckpointGranularity = "every-task"
	CheckpointTopLevelOnly CheckpointGranularity = "top-level-only"
)

// ErrUpstreamMissing marks a task that could never become ready because a
// predecessor it required output from ended in FAILED.
var ErrUpstreamMissing = errors.New("scheduler: required upstream task failed")

// RunConfig configures one Scheduler.Run call.
type RunConfig struct {
	// Concurrency bounds how many ready tasks run at once within a wave.
	// 0 means unbounded (bounded only by the wave's size).
	Concurrency int
	// FailFast aborts the whole run on the first task failure rather than
	// letting independent branches continue.
	FailFast bool
	// CheckpointGranularity controls persistence frequency; CheckpointNone
	// disables persistence entirely.
	CheckpointGranularity CheckpointGranularity
	// CheckpointStore is required when CheckpointGranularity != none.
	CheckpointStore checkpoint.Store
	// ThreadID pins the checkpoint chain's thread; a new UUID is generated
	// if empty.
	ThreadID string
	// InterruptBefore/InterruptAfter name task kinds or ids that pause the
	// run (leaving the named task PENDING, or stopping right after it
	// completes) rather than failing it — a human-in-the-loop checkpoint a
	// caller resumes from via the same checkpoint-resume path as any other
	// paused run.
	InterruptBefore []string
	InterruptAfter  []string
	// Tracer, if set, receives one "graph.run" span around the whole run;
	// individual tasks get no span of their own.
	Tracer Tracer
}

// Tracer is an optional hook a caller can attach to observe span
// boundaries around a run and its tasks. It is not a metrics backend;
// console/UI visualization of spans stays out of scope.
type Tracer interface {
	StartSpan(name string) TraceSpan
}

// TraceSpan is closed when the traced unit of work finishes.
type TraceSpan interface {
	End(err error)
}

// matchesInterrupt reports whether t's id or kind appears in names.
func matchesInterrupt(t *task.Task, names []string) bool {
	id := t.ID.String()
	for _, n := range names {
		if n == id || n == t.Kind {
			return true
		}
	}
	return false
}

// RunResult is the outcome of a Run call.
type RunResult struct {
	ThreadID         string
	Outputs          map[string]map[string]any // ending-node task id -> output
	Errors           map[string]error          // task id -> terminal error
	LastCheckpointID string
}

// Scheduler executes graphs.
type Scheduler struct {
	mu        sync.Mutex
	aborted   bool
	abortOnce sync.Once
	cancel    context.CancelFunc
}

// New creates a Scheduler.
func New() *Scheduler {
	return &Scheduler{}
}

// Run drives g to completion (or partial completion, under the
// partial-failure policy) against the given top-level input override.
func (s *Scheduler) Run(ctx context.Context, g *task.Graph, input map[string]any, cfg RunConfig) (*RunResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	threadID := cfg.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}

	result := &RunResult{
		ThreadID: threadID,
		Outputs:  make(map[string]map[string]any),
		Errors:   make(map[string]error),
	}

	startingIDs := make(map[string]bool)
	for _, t := range g.StartingNodes() {
		startingIDs[t.ID.String()] = true
	}

	var span TraceSpan
	if cfg.Tracer != nil {
		span = cfg.Tracer.StartSpan("graph.run")
	}
	var runErr error
	defer func() {
		if span != nil {
			span.End(runErr)
		}
	}()

	for {
		if s.isAborted() {
			break
		}

		s.propagateUpstreamFailures(g, result)

		ready := s.readyTasks(g)
		if len(ready) == 0 {
			break
		}

		interrupted := false
		if len(cfg.InterruptBefore) > 0 {
			var dispatchable []*task.Task
			for _, t := range ready {
				if matchesInterrupt(t, cfg.InterruptBefore) {
					interrupted = true
					continue
				}
				dispatchable = append(dispatchable, t)
			}
			ready = dispatchable
		}
		if len(ready) == 0 {
			break
		}

		s.dispatchWave(runCtx, g, ready, input, startingIDs, cfg, result)

		if cfg.FailFast && len(result.Errors) > 0 {
			s.Abort()
			break
		}

		if cfg.CheckpointGranularity == CheckpointEveryTask {
			if err := s.saveCheckpoint(runCtx, g, cfg, threadID, result); err != nil {
				runErr = err
				return result, err
			}
		}

		if !interrupted && len(cfg.InterruptAfter) > 0 {
			for _, t := range ready {
				if matchesInterrupt(t, cfg.InterruptAfter) && t.GetStatus() == task.StatusCompleted {
					interrupted = true
					break
				}
			}
		}

		// A task that returned ErrInterrupted lands back in PENDING with
		// its Err set (see task.Task.finish); left alone the wave loop
		// would dispatch it again forever, so a run pauses here the same
		// way a checkpointed run pauses at end-of-wave — a later Run call
		// over the same graph resumes it.
		if !interrupted {
			for _, t := range ready {
				if _, ok := t.Err.(*task.ErrInterrupted); ok && t.GetStatus() == task.StatusPending {
					interrupted = true
					break
				}
			}
		}

		if interrupted {
			break
		}
	}

	for _, t := range g.EndingNodesAtMaxDepth() {
		if t.GetStatus() == task.StatusCompleted {
			result.Outputs[t.ID.String()] = t.RunOutputData
		}
	}

	if cfg.CheckpointGranularity == CheckpointTopLevelOnly {
		if err := s.saveCheckpoint(ctx, g, cfg, threadID, result); err != nil {
			runErr = err
			return result, err
		}
	}

	if len(result.Errors) > 0 {
		for _, err := range result.Errors {
			runErr = err
			break
		}
	}

	return result, nil
}

func (s *Scheduler) isAborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// Abort cancels the in-flight run's context (seen by every in-flight task
// as ExecuteContext.Context) and marks the scheduler aborted so the wave loop
// stops dispatching new work.
func (s *Scheduler) Abort() {
	s.abortOnce.Do(func() {
		s.mu.Lock()
		s.aborted = true
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}

// readyTasks returns PENDING tasks whose predecessors are all COMPLETED or
// DISABLED, in topological/insertion order.
func (s *Scheduler) readyTasks(g *task.Graph) []*task.Task {
	sorted, err := g.TopologicallySortedNodes()
	if err != nil {
		return nil
	}

	var ready []*task.Task
	for _, t := range sorted {
		if t.GetStatus() != task.StatusPending {
			continue
		}
		if s.predecessorsSettled(g, t) {
			ready = append(ready, t)
		}
	}
	return ready
}

func (s *Scheduler) predecessorsSettled(g *task.Graph, t *task.Task) bool {
	for _, df := range g.InEdges(t.ID.String()) {
		if df.Status == task.DataflowDisabled {
			continue
		}
		src := g.Task(df.Key.SourceID)
		if src == nil {
			continue
		}
		switch src.GetStatus() {
		case task.StatusCompleted, task.StatusDisabled:
			continue
		default:
			return false
		}
	}
	return true
}

// propagateUpstreamFailures fails forward any PENDING task that can never
// become ready because a predecessor FAILED, per the partial-failure
// policy: downstream tasks requiring a failed task's output become
// unreachable rather than hanging forever.
func (s *Scheduler) propagateUpstreamFailures(g *task.Graph, result *RunResult) {
	changed := true
	for changed {
		changed = false
		for _, t := range g.Tasks() {
			if t.GetStatus() != task.StatusPending {
				continue
			}
			for _, df := range g.InEdges(t.ID.String()) {
				if df.Status == task.DataflowDisabled {
					continue
				}
				src := g.Task(df.Key.SourceID)
				if src != nil && src.GetStatus() == task.StatusFailed {
					err := fmt.Errorf("%w: %s", ErrUpstreamMissing, df.Key.SourceID)
					forceFail(t, err)
					result.Errors[t.ID.String()] = err
					changed = true
					break
				}
			}
		}
	}
}

// forceFail marks a still-PENDING task FAILED directly, bypassing Run,
// since it will never see a legal dispatch (its upstream is gone).
func forceFail(t *task.Task, err error) {
	if t.GetStatus() != task.StatusPending {
		return
	}
	t.Status = task.StatusFailed
	t.Err = err
	t.Bus.Emit(task.EventError, err)
}

func (s *Scheduler) dispatchWave(ctx context.Context, g *task.Graph, ready []*task.Task, input map[string]any, startingIDs map[string]bool, cfg RunConfig, result *RunResult) {
	limit := cfg.Concurrency
	if limit <= 0 {
		limit = len(ready)
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup

	var mu sync.Mutex

	for _, t := range ready {
		t := t
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			delivered := s.resolveInputs(g, t)
			var override map[string]any
			if startingIDs[t.ID.String()] {
				override = input
			}

			err := t.Run(ctx, delivered, override, false)

			mu.Lock()
			if err != nil {
				result.Errors[t.ID.String()] = err
			} else {
				s.cascadeConditionalDisable(g, t)
			}
			mu.Unlock()
		}()
	}

	wg.Wait()
}

// resolveInputs implements input resolution steps 2 (dataflow delivery):
// for each active incoming dataflow, splat ("*") spreads the whole source
// output record, otherwise a single port value is copied across.
func (s *Scheduler) resolveInputs(g *task.Graph, t *task.Task) map[string]any {
	delivered := make(map[string]any)
	for _, df := range g.InEdges(t.ID.String()) {
		if df.Status == task.DataflowDisabled {
			continue
		}
		src := g.Task(df.Key.SourceID)
		if src == nil || src.GetStatus() != task.StatusCompleted {
			continue
		}
		if df.Key.TargetPort == task.SplatPort {
			for k, v := range src.RunOutputData {
				delivered[k] = v
			}
			continue
		}
		if v, ok := src.RunOutputData[df.Key.SourcePort]; ok {
			delivered[df.Key.TargetPort] = v
		}
		df.Status = task.DataflowCompleted
	}
	return delivered
}

// cascadeConditionalDisable reads activeBranches from a just-completed
// conditional task's output and marks every outgoing dataflow whose source
// port is not an active branch DISABLED, then forward-propagates: a target
// task becomes DISABLED once every one of its incoming edges is DISABLED.
func (s *Scheduler) cascadeConditionalDisable(g *task.Graph, t *task.Task) {
	raw, ok := t.RunOutputData["activeBranches"]
	if !ok {
		return
	}
	active := toStringSet(raw)

	var frontier []string
	for _, df := range g.OutEdges(t.ID.String()) {
		if !active[df.Key.SourcePort] {
			df.Status = task.DataflowDisabled
			frontier = append(frontier, df.Key.TargetID)
		}
	}

	visited := make(map[string]bool)
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		target := g.Task(id)
		if target == nil || target.GetStatus() != task.StatusPending {
			continue
		}

		allDisabled := true
		for _, in := range g.InEdges(id) {
			if in.Status != task.DataflowDisabled {
				allDisabled = false
				break
			}
		}
		if !allDisabled {
			continue
		}

		_ = target.Disable()
		for _, out := range g.OutEdges(id) {
			out.Status = task.DataflowDisabled
			frontier = append(frontier, out.Key.TargetID)
		}
	}
}

func toStringSet(v any) map[string]bool {
	out := make(map[string]bool)
	switch vv := v.(type) {
	case map[string]bool:
		return vv
	case []string:
		for _, s := range vv {
			out[s] = true
		}
	case []any:
		for _, s := range vv {
			if str, ok := s.(string); ok {
				out[str] = true
			}
		}
	}
	return out
}

func (s *Scheduler) saveCheckpoint(ctx context.Context, g *task.Graph, cfg RunConfig, threadID string, result *RunResult) error {
	if cfg.CheckpointStore == nil {
		return fmt.Errorf("scheduler: checkpoint granularity %q set but no CheckpointStore configured", cfg.CheckpointGranularity)
	}

	graphJSON, err := g.ToJSON()
	if err != nil {
		return fmt.Errorf("scheduler: serialize graph: %w", err)
	}

	taskStates := make([]checkpoint.TaskState, 0, len(g.Tasks()))
	for _, t := range g.Tasks() {
		taskStates = append(taskStates, checkpoint.TaskState{
			TaskID:        t.ID.String(),
			Status:        string(t.GetStatus()),
			Progress:      t.Progress,
			RunInputData:  t.RunInputData,
			RunOutputData: t.RunOutputData,
		})
	}

	var dataflowStates []checkpoint.DataflowState
	for _, t := range g.Tasks() {
		for _, df := range g.OutEdges(t.ID.String()) {
			dataflowStates = append(dataflowStates, checkpoint.DataflowState{
				SourceID:   df.Key.SourceID,
				SourcePort: df.Key.SourcePort,
				TargetID:   df.Key.TargetID,
				TargetPort: df.Key.TargetPort,
				Status:     string(df.Status),
			})
		}
	}

	parent := result.LastCheckpointID
	checkpointID := uuid.NewString()
	data := checkpoint.Data{
		CheckpointID:       checkpointID,
		ThreadID:           threadID,
		ParentCheckpointID: parent,
		GraphJSON:          graphJSON,
		TaskStates:         taskStates,
		DataflowStates:     dataflowStates,
		Metadata:           checkpoint.Metadata{CreatedAt: time.Now()},
	}

	if err := cfg.CheckpointStore.SaveCheckpoint(ctx, data); err != nil {
		return fmt.Errorf("scheduler: save checkpoint: %w", err)
	}
	result.LastCheckpointID = checkpointID
	return nil
}

// Resume rebuilds a graph from a persisted checkpoint and re-enters the
// wave loop: COMPLETED tasks are skipped (their recorded output stands),
// tasks left PENDING (including ones that were mid-flight) re-execute.
func Resume(ctx context.Context, store checkpoint.Store, registry *task.Registry, checkpointID string, input map[string]any, cfg RunConfig) (*task.Graph, *RunResult, error) {
	data, err := store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, nil, fmt.Errorf("scheduler: load checkpoint: %w", err)
	}

	g, err := task.FromJSON(data.GraphJSON, registry)
	if err != nil {
		return nil, nil, fmt.Errorf("scheduler: rebuild graph: %w", err)
	}

	for _, ts := range data.TaskStates {
		t := g.Task(ts.TaskID)
		if t == nil {
			continue
		}
		t.RunInputData = ts.RunInputData
		t.RunOutputData = ts.RunOutputData
		t.Progress = ts.Progress
	}

	cfg.ThreadID = data.ThreadID
	sched := New()
	result, err := sched.Run(ctx, g, input, cfg)
	return g, result, err
}
