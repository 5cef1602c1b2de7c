package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workglow-dev/flowcore/checkpoint/memorystore"
	"github.com/workglow-dev/flowcore/scheduler"
	"github.com/workglow-dev/flowcore/task"
)

func echoTask(t *testing.T, g *task.Graph, kind string, fn func(map[string]any) (map[string]any, error)) *task.Task {
	t.Helper()
	tk := task.New(kind, task.Config{Title: kind})
	tk.Execute = func(ectx task.ExecuteContext, input map[string]any) (map[string]any, error) {
		return fn(input)
	}
	require.NoError(t, g.AddTask(tk))
	return tk
}

func TestRunLinearChain(t *testing.T) {
	g := task.NewGraph()
	a := echoTask(t, g, "a", func(in map[string]any) (map[string]any, error) {
		return map[string]any{"out": 1}, nil
	})
	b := echoTask(t, g, "b", func(in map[string]any) (map[string]any, error) {
		return map[string]any{"out": in["in"].(int) + 1}, nil
	})
	require.NoError(t, g.AddDataflow(task.DataflowKey{SourceID: a.ID.String(), SourcePort: "out", TargetID: b.ID.String(), TargetPort: "in"}))

	sched := scheduler.New()
	result, err := sched.Run(context.Background(), g, nil, scheduler.RunConfig{})
	require.NoError(t, err)
	require.Contains(t, result.Outputs, b.ID.String())
	assert.Equal(t, 2, result.Outputs[b.ID.String()]["out"])
}

func TestRunAppliesTopLevelOverrideToStartingNodes(t *testing.T) {
	g := task.NewGraph()
	a := echoTask(t, g, "a", func(in map[string]any) (map[string]any, error) {
		return map[string]any{"out": in["seed"]}, nil
	})

	sched := scheduler.New()
	result, err := sched.Run(context.Background(), g, map[string]any{"seed": 42}, scheduler.RunConfig{})
	require.NoError(t, err)
	assert.Equal(t, 42, result.Outputs[a.ID.String()]["out"])
}

func TestRunPropagatesUpstreamFailure(t *testing.T) {
	g := task.NewGraph()
	a := echoTask(t, g, "a", func(in map[string]any) (map[string]any, error) {
		return nil, errors.New("boom")
	})
	b := echoTask(t, g, "b", func(in map[string]any) (map[string]any, error) {
		return map[string]any{"out": "never"}, nil
	})
	require.NoError(t, g.AddDataflow(task.DataflowKey{SourceID: a.ID.String(), SourcePort: "out", TargetID: b.ID.String(), TargetPort: "in"}))

	sched := scheduler.New()
	result, err := sched.Run(context.Background(), g, nil, scheduler.RunConfig{})
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, a.GetStatus())
	assert.Equal(t, task.StatusFailed, b.GetStatus())
	assert.ErrorIs(t, result.Errors[b.ID.String()], scheduler.ErrUpstreamMissing)
}

func TestRunIndependentBranchContinuesAfterFailure(t *testing.T) {
	g := task.NewGraph()
	failing := echoTask(t, g, "failing", func(in map[string]any) (map[string]any, error) {
		return nil, errors.New("boom")
	})
	independent := echoTask(t, g, "independent", func(in map[string]any) (map[string]any, error) {
		return map[string]any{"out": "fine"}, nil
	})
	_ = failing

	sched := scheduler.New()
	result, err := sched.Run(context.Background(), g, nil, scheduler.RunConfig{})
	require.NoError(t, err)
	assert.Equal(t, "fine", result.Outputs[independent.ID.String()]["out"])
}

func TestRunConditionalDisableCascade(t *testing.T) {
	g := task.NewGraph()
	cond := echoTask(t, g, "cond", func(in map[string]any) (map[string]any, error) {
		return map[string]any{"activeBranches": []string{"yes"}}, nil
	})
	yes := echoTask(t, g, "yes", func(in map[string]any) (map[string]any, error) {
		return map[string]any{"out": "took yes branch"}, nil
	})
	no := echoTask(t, g, "no", func(in map[string]any) (map[string]any, error) {
		return map[string]any{"out": "took no branch"}, nil
	})
	require.NoError(t, g.AddDataflow(task.DataflowKey{SourceID: cond.ID.String(), SourcePort: "yes", TargetID: yes.ID.String(), TargetPort: "in"}))
	require.NoError(t, g.AddDataflow(task.DataflowKey{SourceID: cond.ID.String(), SourcePort: "no", TargetID: no.ID.String(), TargetPort: "in"}))

	sched := scheduler.New()
	result, err := sched.Run(context.Background(), g, nil, scheduler.RunConfig{})
	require.NoError(t, err)

	assert.Equal(t, task.StatusCompleted, yes.GetStatus())
	assert.Equal(t, task.StatusDisabled, no.GetStatus())
	assert.NotContains(t, result.Errors, no.ID.String())
}

func TestRunCheckpointsEveryTask(t *testing.T) {
	g := task.NewGraph()
	echoTask(t, g, "a", func(in map[string]any) (map[string]any, error) {
		return map[string]any{"out": "done"}, nil
	})

	store := memorystore.New()
	sched := scheduler.New()
	result, err := sched.Run(context.Background(), g, nil, scheduler.RunConfig{
		CheckpointGranularity: scheduler.CheckpointEveryTask,
		CheckpointStore:       store,
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.LastCheckpointID)

	got, err := store.GetCheckpoint(context.Background(), result.LastCheckpointID)
	require.NoError(t, err)
	assert.Equal(t, result.ThreadID, got.ThreadID)
	assert.Len(t, got.TaskStates, 1)
}

func TestAbortStopsDispatchingNewWaves(t *testing.T) {
	g := task.NewGraph()
	a := echoTask(t, g, "a", func(in map[string]any) (map[string]any, error) {
		return map[string]any{"out": 1}, nil
	})
	b := echoTask(t, g, "b", func(in map[string]any) (map[string]any, error) {
		return map[string]any{"out": 2}, nil
	})
	require.NoError(t, g.AddDataflow(task.DataflowKey{SourceID: a.ID.String(), SourcePort: "out", TargetID: b.ID.String(), TargetPort: "in"}))

	sched := scheduler.New()
	sched.Abort()
	result, err := sched.Run(context.Background(), g, nil, scheduler.RunConfig{})
	require.NoError(t, err)
	assert.Empty(t, result.Outputs)
	assert.Equal(t, task.StatusPending, a.GetStatus())
}

func TestRunInterruptBeforeLeavesTaskPending(t *testing.T) {
	g := task.NewGraph()
	a := echoTask(t, g, "a", func(in map[string]any) (map[string]any, error) {
		return map[string]any{"out": 1}, nil
	})
	b := echoTask(t, g, "approval", func(in map[string]any) (map[string]any, error) {
		return map[string]any{"out": 2}, nil
	})
	require.NoError(t, g.AddDataflow(task.DataflowKey{SourceID: a.ID.String(), SourcePort: "out", TargetID: b.ID.String(), TargetPort: "in"}))

	sched := scheduler.New()
	result, err := sched.Run(context.Background(), g, nil, scheduler.RunConfig{
		InterruptBefore: []string{"approval"},
	})
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, a.GetStatus())
	assert.Equal(t, task.StatusPending, b.GetStatus())
	assert.NotContains(t, result.Outputs, b.ID.String())

	// Resuming the same graph with the interrupt cleared lets it finish.
	result, err = sched.Run(context.Background(), g, nil, scheduler.RunConfig{})
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, b.GetStatus())
	assert.Equal(t, 2, result.Outputs[b.ID.String()]["out"])
}

func TestRunInterruptAfterStopsFollowingWave(t *testing.T) {
	g := task.NewGraph()
	a := echoTask(t, g, "checkpoint", func(in map[string]any) (map[string]any, error) {
		return map[string]any{"out": 1}, nil
	})
	b := echoTask(t, g, "b", func(in map[string]any) (map[string]any, error) {
		return map[string]any{"out": 2}, nil
	})
	require.NoError(t, g.AddDataflow(task.DataflowKey{SourceID: a.ID.String(), SourcePort: "out", TargetID: b.ID.String(), TargetPort: "in"}))

	sched := scheduler.New()
	result, err := sched.Run(context.Background(), g, nil, scheduler.RunConfig{
		InterruptAfter: []string{"checkpoint"},
	})
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, a.GetStatus())
	assert.Equal(t, task.StatusPending, b.GetStatus())
	assert.NotContains(t, result.Outputs, b.ID.String())
}

func TestRunTaskReturningErrInterruptedPausesRun(t *testing.T) {
	g := task.NewGraph()
	attempts := 0
	tk := task.New("gate", task.Config{Title: "gate"})
	tk.Execute = func(ectx task.ExecuteContext, input map[string]any) (map[string]any, error) {
		attempts++
		if attempts == 1 {
			return nil, &task.ErrInterrupted{Value: "waiting for approval"}
		}
		return map[string]any{"out": "approved"}, nil
	}
	require.NoError(t, g.AddTask(tk))

	sched := scheduler.New()
	result, err := sched.Run(context.Background(), g, nil, scheduler.RunConfig{})
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, tk.GetStatus())
	assert.Equal(t, 1, attempts)
	assert.Empty(t, result.Outputs)

	result, err = sched.Run(context.Background(), g, nil, scheduler.RunConfig{})
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, tk.GetStatus())
	assert.Equal(t, "approved", result.Outputs[tk.ID.String()]["out"])
}

type recordingTracer struct {
	mu    sync.Mutex
	spans []string
	ended int
}

func (r *recordingTracer) StartSpan(name string) scheduler.TraceSpan {
	r.mu.Lock()
	r.spans = append(r.spans, name)
	r.mu.Unlock()
	return &recordingSpan{t: r}
}

type recordingSpan struct {
	t *recordingTracer
}

func (s *recordingSpan) End(err error) {
	s.t.mu.Lock()
	s.t.ended++
	s.t.mu.Unlock()
}

func TestRunTracerReceivesStartAndEndSpan(t *testing.T) {
	g := task.NewGraph()
	echoTask(t, g, "a", func(in map[string]any) (map[string]any, error) {
		return map[string]any{"out": "done"}, nil
	})

	tracer := &recordingTracer{}
	sched := scheduler.New()
	_, err := sched.Run(context.Background(), g, nil, scheduler.RunConfig{Tracer: tracer})
	require.NoError(t, err)

	assert.Equal(t, []string{"graph.run"}, tracer.spans)
	assert.Equal(t, 1, tracer.ended)
}
