// Package task implements the task kernel: the Task state machine, its
// dataflow-typed DAG (Graph), input assembly, streaming contract, output
// caching and abort semantics. It is the innermost layer flowcore is built
// on; the scheduler, compound tasks and the job queue all drive Tasks
// through this package's Run/Abort surface rather than reimplementing
// lifecycle logic of their own.
//
// Execution wraps a plain function with start/complete/error notification
// over the full PENDING/PROCESSING/STREAMING/COMPLETED/FAILED/ABORTING/
// DISABLED lifecycle, with streaming and output caching layered on top.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/workglow-dev/flowcore/bus"
	"github.com/workglow-dev/flowcore/schema"
)

// Status is a task's position in its lifecycle state machine.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusStreaming  Status = "STREAMING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusAborting   Status = "ABORTING"
	StatusDisabled   Status = "DISABLED"
)

// Event names fired on a Task's Bus. This is the closed event set for the
// task emitter named in the event bus design.
const (
	EventStart        = "start"
	EventComplete      = "complete"
	EventError         = "error"
	EventAbort         = "abort"
	EventProgress      = "progress"
	EventDisabled      = "disabled"
	EventRegenerate    = "regenerate"
	EventStatus        = "status"
	EventSchemaChange  = "schemaChange"
	EventStreamStart   = "stream_start"
	EventStreamChunk   = "stream_chunk"
	EventStreamEnd     = "stream_end"
)

var (
	// ErrCircularInput is returned when a task's assembled input graph
	// contains a cycle (e.g. a value references itself transitively).
	ErrCircularInput = errors.New("task: circular input")
	// ErrMissingRequiredInput is returned when a required input port has no
	// value after defaults, setInput and dataflow delivery are applied.
	ErrMissingRequiredInput = errors.New("task: missing required input")
	// ErrAborted marks a task that was stopped via Abort.
	ErrAborted = errors.New("task: aborted")
	// ErrAlreadyTerminal is returned by Abort on a COMPLETED or FAILED task.
	ErrAlreadyTerminal = errors.New("task: already in a terminal state")
)

// ErrInterrupted is returned from a task's Execute to pause the run at
// that task without failing it: the task is left PENDING (with Value
// recorded for a caller to inspect) rather than transitioned to FAILED, so
// a later Run call re-enters it exactly like a checkpoint-resumed task.
type ErrInterrupted struct {
	Value any
}

func (e *ErrInterrupted) Error() string { return "task: interrupted" }

// Config holds a task's identity and per-instance options, separate from
// its mutable run state.
type Config struct {
	ID        string
	Title     string
	Cacheable bool
	Extras    map[string]any
}

// OutputCache is the optional cache a task kind may be wired to. Get
// returns (output, true) on a hit.
type OutputCache interface {
	Get(kind, fingerprint string) (map[string]any, bool)
	Put(kind, fingerprint string, output map[string]any)
}

// ServiceRegistry is an opaque bag of services (storage handles, job queue
// clients, external collaborators) made available to a task's execution
// functions through ExecuteContext. Tasks look services up by name and
// type-assert; the registry does not enforce any particular contract.
type ServiceRegistry struct {
	mu       sync.RWMutex
	services map[string]any
}

// NewServiceRegistry creates an empty registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{services: make(map[string]any)}
}

// Register installs a service under name.
func (r *ServiceRegistry) Register(name string, service any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[name] = service
}

// Lookup returns the service registered under name, if any.
func (r *ServiceRegistry) Lookup(name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.services[name]
	return v, ok
}

// ExecuteContext is handed to a task's Execute/ExecuteStream functions for
// the duration of one run.
type ExecuteContext struct {
	Context        context.Context
	Signal         <-chan struct{}
	UpdateProgress func(pct int, message string, details any)
	Registry       *ServiceRegistry
}

// ExecuteFunc runs a task to completion given its resolved input.
type ExecuteFunc func(ectx ExecuteContext, input map[string]any) (map[string]any, error)

// ExecuteReactiveFunc is an optional fast path taking the prior output
// alongside the new input, for tasks that can incrementally update rather
// than recompute from scratch.
type ExecuteReactiveFunc func(ectx ExecuteContext, input, priorOutput map[string]any) (map[string]any, error)

// StreamEventKind is the tag of one event in an ExecuteStream sequence.
type StreamEventKind string

const (
	StreamTextDelta   StreamEventKind = "text-delta"
	StreamObjectDelta StreamEventKind = "object-delta"
	StreamSnapshot    StreamEventKind = "snapshot"
	StreamFinish      StreamEventKind = "finish"
	StreamError       StreamEventKind = "error"
)

// StreamEvent is one element of the lazy sequence produced by
// ExecuteStreamFunc.
type StreamEvent struct {
	Kind        StreamEventKind
	Port        string
	TextDelta   string
	ObjectDelta any
	Data        map[string]any
	Err         error
}

// ExecuteStreamFunc runs a task, delivering StreamEvents over the returned
// channel. The channel must be closed when the sequence ends (whether by
// finish, error, or context cancellation).
type ExecuteStreamFunc func(ectx ExecuteContext, input map[string]any) (<-chan StreamEvent, error)

// DynamicSchemaProvider lets a task compute its input/output schema at run
// time (used by compound and iterator tasks, whose schemas depend on their
// sub-graph). See the compound package.
type DynamicSchemaProvider interface {
	InputSchema() schema.Schema
	OutputSchema() schema.Schema
}

// Task is a single unit of work in a Graph.
type Task struct {
	ID     uuid.UUID
	Kind   string
	Config Config

	Defaults map[string]any

	// InputSchema/OutputSchema are used when DynamicSchema is nil.
	InputSchema  schema.Schema
	OutputSchema schema.Schema
	// DynamicSchema overrides InputSchema/OutputSchema when present.
	DynamicSchema DynamicSchemaProvider

	Execute         ExecuteFunc
	ExecuteReactive ExecuteReactiveFunc
	ExecuteStream   ExecuteStreamFunc

	Cache OutputCache

	SubGraph *Graph

	// Mutable run state.
	mu            sync.RWMutex
	setInputData  map[string]any
	RunInputData  map[string]any
	RunOutputData map[string]any
	Status        Status
	Progress      int
	StartedAt     *time.Time
	CompletedAt   *time.Time
	Err           error

	Bus *bus.Bus

	signalCh chan struct{}
}

// New creates a Task in PENDING status with a fresh event bus.
func New(kind string, cfg Config) *Task {
	return &Task{
		ID:       uuid.New(),
		Kind:     kind,
		Config:   cfg,
		Defaults: make(map[string]any),
		Status:   StatusPending,
		Bus:      bus.New(),
		signalCh: make(chan struct{}),
	}
}

// ResolvedInputSchema returns the dynamic schema if present, else the
// static InputSchema.
func (t *Task) ResolvedInputSchema() schema.Schema {
	if t.DynamicSchema != nil {
		return t.DynamicSchema.InputSchema()
	}
	return t.InputSchema
}

// ResolvedOutputSchema returns the dynamic schema if present, else the
// static OutputSchema.
func (t *Task) ResolvedOutputSchema() schema.Schema {
	if t.DynamicSchema != nil {
		return t.DynamicSchema.OutputSchema()
	}
	return t.OutputSchema
}

// SetInput records a value supplied ahead of Run, ranking above defaults
// but below dataflow-delivered and override values in the precedence order
// named in the task kernel's input assembly rule.
func (t *Task) SetInput(data map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.setInputData == nil {
		t.setInputData = make(map[string]any)
	}
	for k, v := range data {
		t.setInputData[k] = v
	}
}

func (t *Task) setStatus(s Status) {
	t.mu.Lock()
	t.Status = s
	t.mu.Unlock()
	t.Bus.Emit(EventStatus, s)
}

// GetStatus returns the task's current status.
func (t *Task) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Status
}

func (t *Task) setProgress(pct int, message string, details any) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	t.mu.Lock()
	t.Progress = pct
	t.mu.Unlock()
	t.Bus.Emit(EventProgress, pct, message, details)
}

// mergeInput assembles the run input from defaults, SetInput values,
// dataflow-delivered values (already merged by the caller into delivered)
// and a top-level override, in precedence order lowest to highest.
func (t *Task) mergeInput(delivered, override map[string]any) map[string]any {
	result := make(map[string]any)
	for k, v := range t.Defaults {
		result[k] = v
	}
	t.mu.RLock()
	for k, v := range t.setInputData {
		result[k] = v
	}
	t.mu.RUnlock()
	for k, v := range delivered {
		result[k] = v
	}
	for k, v := range override {
		result[k] = v
	}
	return result
}

// checkRequiredInputs returns ErrMissingRequiredInput if a required input
// port of the resolved input schema is absent from input.
func (t *Task) checkRequiredInputs(input map[string]any) error {
	s := t.ResolvedInputSchema()
	if s == nil {
		return nil
	}
	for name := range schema.Properties(s) {
		if schema.IsRequired(s, name) {
			if _, ok := input[name]; !ok {
				return fmt.Errorf("%w: %s.%s", ErrMissingRequiredInput, t.Kind, name)
			}
		}
	}
	return nil
}

// Run executes the task to completion: merges inputs, transitions through
// the state machine, dispatches to ExecuteStream/ExecuteReactive/Execute,
// and records timing, status, and output. delivered is the set of values
// resolved from incoming dataflows (see scheduler); override is a run-time
// argument, e.g. the top-level graph.Run(input) call for starting tasks.
func (t *Task) Run(ctx context.Context, delivered, override map[string]any, reactive bool) error {
	if t.GetStatus() != StatusPending {
		return fmt.Errorf("task: Run called on task %s in status %s, expected PENDING", t.ID, t.GetStatus())
	}

	input := t.mergeInput(delivered, override)

	resolved, err := deepCopyInput(input)
	if err != nil {
		t.fail(err)
		return err
	}

	if err := t.checkRequiredInputs(resolved); err != nil {
		t.fail(err)
		return err
	}

	now := time.Now()
	t.mu.Lock()
	t.RunInputData = resolved
	t.StartedAt = &now
	t.mu.Unlock()

	t.setStatus(StatusProcessing)
	t.Bus.Emit(EventStart, resolved)

	ectx := ExecuteContext{
		Context:  ctx,
		Signal:   t.signalCh,
		Registry: NewServiceRegistry(),
	}
	ectx.UpdateProgress = func(pct int, message string, details any) {
		t.setProgress(pct, message, details)
	}

	var fingerprint string
	if t.Config.Cacheable && t.Cache != nil {
		fingerprint = Fingerprint(t.Kind, resolved, t.Config.Extras)
		if cached, ok := t.Cache.Get(t.Kind, fingerprint); ok {
			return t.deliverCached(cached)
		}
	}

	switch {
	case reactive && t.ExecuteReactive != nil:
		var prior map[string]any
		t.mu.RLock()
		prior = t.RunOutputData
		t.mu.RUnlock()
		output, err := t.ExecuteReactive(ectx, resolved, prior)
		return t.finish(output, err, fingerprint)

	case t.streamRequested() && t.ExecuteStream != nil:
		return t.runStream(ectx, resolved, fingerprint)

	default:
		output, err := t.Execute(ectx, resolved)
		return t.finish(output, err, fingerprint)
	}
}

func (t *Task) streamRequested() bool {
	mode, err := schema.OutputStreamMode(t.ResolvedOutputSchema())
	if err != nil {
		return false
	}
	return mode != schema.StreamModeNone
}

func (t *Task) runStream(ectx ExecuteContext, input map[string]any, fingerprint string) error {
	ch, err := t.ExecuteStream(ectx, input)
	if err != nil {
		return t.finish(nil, err, fingerprint)
	}

	accumulated := make(map[string]any)
	first := true
	var streamErr error

	for {
		select {
		case <-t.signalCh:
			return t.finish(accumulated, ErrAborted, fingerprint)
		case ev, ok := <-ch:
			if !ok {
				goto done
			}
			if first {
				t.setStatus(StatusStreaming)
				t.Bus.Emit(EventStreamStart)
				first = false
			}
			switch ev.Kind {
			case StreamTextDelta:
				prev, _ := accumulated[ev.Port].(string)
				accumulated[ev.Port] = prev + ev.TextDelta
				t.Bus.Emit(EventStreamChunk, ev)
			case StreamObjectDelta:
				accumulated[ev.Port] = mergeObjectDelta(accumulated[ev.Port], ev.ObjectDelta)
				t.Bus.Emit(EventStreamChunk, ev)
			case StreamSnapshot:
				for k, v := range ev.Data {
					accumulated[k] = v
				}
				t.Bus.Emit(EventStreamChunk, ev)
			case StreamFinish:
				for k, v := range ev.Data {
					accumulated[k] = v
				}
				goto done
			case StreamError:
				streamErr = ev.Err
				goto done
			}
		}
	}

done:
	if !first {
		t.Bus.Emit(EventStreamEnd)
	}
	return t.finish(accumulated, streamErr, fingerprint)
}

func mergeObjectDelta(current, delta any) any {
	cm, ok1 := current.(map[string]any)
	dm, ok2 := delta.(map[string]any)
	if !ok1 || !ok2 {
		return delta
	}
	merged := make(map[string]any, len(cm)+len(dm))
	for k, v := range cm {
		merged[k] = v
	}
	for k, v := range dm {
		merged[k] = v
	}
	return merged
}

// deliverCached reproduces the streaming surface for a cache hit: a run
// skips Execute entirely but still emits stream_start, one finish chunk,
// stream_end, mirroring a live streaming run.
func (t *Task) deliverCached(cached map[string]any) error {
	t.setStatus(StatusStreaming)
	t.Bus.Emit(EventStreamStart)
	t.Bus.Emit(EventStreamChunk, StreamEvent{Kind: StreamFinish, Data: cached})
	t.Bus.Emit(EventStreamEnd)
	return t.finish(cached, nil, "")
}

func (t *Task) finish(output map[string]any, err error, fingerprint string) error {
	if err != nil {
		if interrupt, ok := err.(*ErrInterrupted); ok {
			t.mu.Lock()
			t.Status = StatusPending
			t.RunOutputData = output
			t.Err = interrupt
			t.mu.Unlock()
			t.Bus.Emit(EventStatus, StatusPending)
			return interrupt
		}
		select {
		case <-t.signalCh:
			t.mu.Lock()
			t.Status = StatusAborting
			t.Err = ErrAborted
			t.mu.Unlock()
			t.Bus.Emit(EventAbort, ErrAborted)
			return ErrAborted
		default:
		}
		t.fail(err)
		return err
	}

	now := time.Now()
	t.mu.Lock()
	t.RunOutputData = output
	t.Status = StatusCompleted
	t.CompletedAt = &now
	t.mu.Unlock()

	if fingerprint != "" && t.Cache != nil && t.Config.Cacheable {
		t.Cache.Put(t.Kind, fingerprint, output)
	}

	t.Bus.Emit(EventComplete, output)
	return nil
}

func (t *Task) fail(err error) {
	now := time.Now()
	t.mu.Lock()
	t.Status = StatusFailed
	t.Err = err
	t.CompletedAt = &now
	t.mu.Unlock()
	t.Bus.Emit(EventError, err)
}

// Disable transitions a PENDING task to DISABLED. It is a no-op error on
// any other status, matching the invariant that DISABLED is reachable from
// PENDING only.
func (t *Task) Disable() error {
	if t.GetStatus() != StatusPending {
		return fmt.Errorf("task: cannot disable task %s in status %s", t.ID, t.GetStatus())
	}
	t.setStatus(StatusDisabled)
	t.Bus.Emit(EventDisabled)
	return nil
}

// Abort signals the task's ExecuteContext and marks it ABORTING. Tasks
// already COMPLETED or FAILED are left untouched and ErrAlreadyTerminal is
// returned.
func (t *Task) Abort() error {
	status := t.GetStatus()
	if status == StatusCompleted || status == StatusFailed {
		return ErrAlreadyTerminal
	}
	t.mu.Lock()
	t.Status = StatusAborting
	t.mu.Unlock()
	select {
	case <-t.signalCh:
	default:
		close(t.signalCh)
	}
	t.Bus.Emit(EventAbort, ErrAborted)
	return nil
}
