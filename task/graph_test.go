package task_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workglow-dev/flowcore/task"
)

func addTask(t *testing.T, g *task.Graph, kind string) *task.Task {
	t.Helper()
	tk := task.New(kind, task.Config{Title: kind})
	require.NoError(t, g.AddTask(tk))
	return tk
}

func TestTopologicalSortTieBreaksByInsertionOrder(t *testing.T) {
	g := task.NewGraph()
	a := addTask(t, g, "a")
	b := addTask(t, g, "b")
	c := addTask(t, g, "c")

	// b and c both depend on a but have no dependency between each other;
	// insertion order (b before c) should break the tie.
	require.NoError(t, g.AddDataflow(task.DataflowKey{SourceID: a.ID.String(), SourcePort: "out", TargetID: b.ID.String(), TargetPort: "in"}))
	require.NoError(t, g.AddDataflow(task.DataflowKey{SourceID: a.ID.String(), SourcePort: "out", TargetID: c.ID.String(), TargetPort: "in"}))

	sorted, err := g.TopologicallySortedNodes()
	require.NoError(t, err)
	ids := make([]string, len(sorted))
	for i, tk := range sorted {
		ids[i] = tk.ID.String()
	}
	assert.Equal(t, []string{a.ID.String(), b.ID.String(), c.ID.String()}, ids)
}

func TestAddDataflowRejectsCycle(t *testing.T) {
	g := task.NewGraph()
	a := addTask(t, g, "a")
	b := addTask(t, g, "b")

	require.NoError(t, g.AddDataflow(task.DataflowKey{SourceID: a.ID.String(), SourcePort: "out", TargetID: b.ID.String(), TargetPort: "in"}))

	err := g.AddDataflow(task.DataflowKey{SourceID: b.ID.String(), SourcePort: "out", TargetID: a.ID.String(), TargetPort: "in"})
	assert.ErrorIs(t, err, task.ErrCycle)
}

func TestAddDataflowUnknownTask(t *testing.T) {
	g := task.NewGraph()
	a := addTask(t, g, "a")
	err := g.AddDataflow(task.DataflowKey{SourceID: a.ID.String(), SourcePort: "out", TargetID: "missing", TargetPort: "in"})
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
}

func TestStartingNodes(t *testing.T) {
	g := task.NewGraph()
	a := addTask(t, g, "a")
	b := addTask(t, g, "b")
	c := addTask(t, g, "c")
	require.NoError(t, g.AddDataflow(task.DataflowKey{SourceID: a.ID.String(), SourcePort: "out", TargetID: b.ID.String(), TargetPort: "in"}))

	starting := g.StartingNodes()
	ids := make(map[string]bool)
	for _, tk := range starting {
		ids[tk.ID.String()] = true
	}
	assert.True(t, ids[a.ID.String()])
	assert.True(t, ids[c.ID.String()])
	assert.False(t, ids[b.ID.String()])
}

func TestEndingNodesAtMaxDepth(t *testing.T) {
	g := task.NewGraph()
	a := addTask(t, g, "a")
	b := addTask(t, g, "b")
	c := addTask(t, g, "c")
	// a -> b -> c: c is the only leaf, at depth 2.
	require.NoError(t, g.AddDataflow(task.DataflowKey{SourceID: a.ID.String(), SourcePort: "out", TargetID: b.ID.String(), TargetPort: "in"}))
	require.NoError(t, g.AddDataflow(task.DataflowKey{SourceID: b.ID.String(), SourcePort: "out", TargetID: c.ID.String(), TargetPort: "in"}))

	leaves := g.EndingNodesAtMaxDepth()
	require.Len(t, leaves, 1)
	assert.Equal(t, c.ID.String(), leaves[0].ID.String())
}

func TestGraphJSONRoundTrip(t *testing.T) {
	g := task.NewGraph()
	a := addTask(t, g, "echo")
	b := addTask(t, g, "echo")
	require.NoError(t, g.AddDataflow(task.DataflowKey{SourceID: a.ID.String(), SourcePort: "out", TargetID: b.ID.String(), TargetPort: "in"}))

	data, err := g.ToJSON()
	require.NoError(t, err)

	registry := task.NewRegistry()
	registry.Register("echo", func(cfg task.Config, defaults map[string]any) (*task.Task, error) {
		tk := task.New("echo", cfg)
		tk.Defaults = defaults
		tk.Execute = func(ectx task.ExecuteContext, input map[string]any) (map[string]any, error) {
			return input, nil
		}
		return tk, nil
	})

	g2, err := task.FromJSON(data, registry)
	require.NoError(t, err)
	assert.Len(t, g2.Tasks(), 2)
	assert.Len(t, g2.OutEdges(a.ID.String()), 1)
}

func TestGraphJSONRoundTripPreservesSubGraph(t *testing.T) {
	registry := task.NewRegistry()
	registry.Register("echo", func(cfg task.Config, defaults map[string]any) (*task.Task, error) {
		tk := task.New("echo", cfg)
		tk.Defaults = defaults
		tk.Execute = func(ectx task.ExecuteContext, input map[string]any) (map[string]any, error) {
			return input, nil
		}
		return tk, nil
	})
	registry.Register("wrapper", func(cfg task.Config, defaults map[string]any) (*task.Task, error) {
		tk := task.New("wrapper", cfg)
		tk.Defaults = defaults
		return tk, nil
	})

	inner := task.NewGraph()
	innerTask := addTask(t, inner, "echo")
	innerTask.Status = task.StatusCompleted
	innerTask.RunOutputData = map[string]any{"out": "done"}

	outer := task.NewGraph()
	wrapper := addTask(t, outer, "wrapper")
	wrapper.SubGraph = inner

	data, err := outer.ToJSON()
	require.NoError(t, err)

	outer2, err := task.FromJSON(data, registry)
	require.NoError(t, err)

	tasks := outer2.Tasks()
	require.Len(t, tasks, 1)
	require.NotNil(t, tasks[0].SubGraph)

	innerTasks := tasks[0].SubGraph.Tasks()
	require.Len(t, innerTasks, 1)
	assert.Equal(t, task.StatusCompleted, innerTasks[0].Status)
	assert.Equal(t, "done", innerTasks[0].RunOutputData["out"])
}
