package compound_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workglow-dev/flowcore/compound"
	"github.com/workglow-dev/flowcore/task"
)

// delayDoubleTask doubles its "in" port, sleeping longer for smaller
// iterations so concurrent iterations finish in a predictable, reversed
// order — lets completion-order tests assert something deterministic.
func delayDoubleTask(t *testing.T, g *task.Graph) *task.Task {
	t.Helper()
	tk := task.New("delay-double", task.Config{})
	tk.InputSchema = map[string]any{
		"type":       "object",
		"properties": map[string]any{"in": map[string]any{"type": "number"}},
	}
	tk.OutputSchema = map[string]any{
		"type":       "object",
		"properties": map[string]any{"out": map[string]any{"type": "number"}},
	}
	tk.Execute = func(ectx task.ExecuteContext, input map[string]any) (map[string]any, error) {
		v, _ := input["in"].(float64)
		time.Sleep(time.Duration(100-v) * time.Millisecond)
		return map[string]any{"out": v * 2}, nil
	}
	require.NoError(t, g.AddTask(tk))
	return tk
}

func delayDoubleRegistry() *task.Registry {
	registry := task.NewRegistry()
	registry.Register("delay-double", func(cfg task.Config, defaults map[string]any) (*task.Task, error) {
		tk := task.New("delay-double", cfg)
		tk.Defaults = defaults
		tk.Execute = func(ectx task.ExecuteContext, input map[string]any) (map[string]any, error) {
			v, _ := input["in"].(float64)
			time.Sleep(time.Duration(100-v) * time.Millisecond)
			return map[string]any{"out": v * 2}, nil
		}
		return tk, nil
	})
	return registry
}

func TestMapTaskDoublesEachElement(t *testing.T) {
	itemGraph := task.NewGraph()
	doubleTask(t, itemGraph, "in", "out")

	mt := compound.NewMapTask("map-double", task.Config{}, compound.MapTaskOptions{
		ItemGraph: itemGraph,
		Registry:  doubleRegistry(),
	})

	err := mt.Run(context.Background(), nil, map[string]any{"in": []any{1.0, 2.0, 3.0}}, false)
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, mt.GetStatus())

	out, ok := mt.RunOutputData["out"].([]any)
	require.True(t, ok)
	assert.Equal(t, []any{2.0, 4.0, 6.0}, out)
}

func TestMapTaskPreserveOrderFalseEmitsCompletionOrder(t *testing.T) {
	itemGraph := task.NewGraph()
	delayDoubleTask(t, itemGraph)

	preserveOrder := false
	mt := compound.NewMapTask("map-delay", task.Config{}, compound.MapTaskOptions{
		ItemGraph:        itemGraph,
		Registry:         delayDoubleRegistry(),
		ConcurrencyLimit: 4,
		PreserveOrder:    &preserveOrder,
	})

	// Item 0 sleeps longest, item 3 sleeps shortest, so completion order is
	// the reverse of iteration order.
	err := mt.Run(context.Background(), nil, map[string]any{"in": []any{0.0, 1.0, 2.0, 3.0}}, false)
	require.NoError(t, err)

	out, ok := mt.RunOutputData["out"].([]any)
	require.True(t, ok)
	assert.Equal(t, []any{6.0, 4.0, 2.0, 0.0}, out)
}

func TestMapTaskBatchSizeLimitsWaveWidth(t *testing.T) {
	itemGraph := task.NewGraph()
	doubleTask(t, itemGraph, "in", "out")

	mt := compound.NewMapTask("map-double", task.Config{}, compound.MapTaskOptions{
		ItemGraph:        itemGraph,
		Registry:         doubleRegistry(),
		ConcurrencyLimit: 4,
		BatchSize:        2,
	})

	err := mt.Run(context.Background(), nil, map[string]any{"in": []any{1.0, 2.0, 3.0, 4.0, 5.0}}, false)
	require.NoError(t, err)

	out, ok := mt.RunOutputData["out"].([]any)
	require.True(t, ok)
	assert.Equal(t, []any{2.0, 4.0, 6.0, 8.0, 10.0}, out)
}

func TestMapTaskConcurrencyLimitStillPreservesOrder(t *testing.T) {
	itemGraph := task.NewGraph()
	doubleTask(t, itemGraph, "in", "out")

	mt := compound.NewMapTask("map-double", task.Config{}, compound.MapTaskOptions{
		ItemGraph:        itemGraph,
		Registry:         doubleRegistry(),
		ConcurrencyLimit: 4,
	})

	err := mt.Run(context.Background(), nil, map[string]any{"in": []any{10.0, 20.0, 30.0, 40.0}}, false)
	require.NoError(t, err)

	out, ok := mt.RunOutputData["out"].([]any)
	require.True(t, ok)
	assert.Equal(t, []any{20.0, 40.0, 60.0, 80.0}, out)
}
