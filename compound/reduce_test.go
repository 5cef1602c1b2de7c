package compound_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workglow-dev/flowcore/compound"
	"github.com/workglow-dev/flowcore/task"
)

func sumRegistry() *task.Registry {
	registry := task.NewRegistry()
	registry.Register("sum-step", func(cfg task.Config, defaults map[string]any) (*task.Task, error) {
		tk := task.New("sum-step", cfg)
		tk.Defaults = defaults
		tk.InputSchema = map[string]any{
			"type": "object",
			"properties": map[string]any{
				"in":          map[string]any{"type": "number"},
				"accumulator": map[string]any{"type": "number"},
			},
		}
		tk.OutputSchema = map[string]any{
			"type":       "object",
			"properties": map[string]any{"accumulator": map[string]any{"type": "number"}},
		}
		tk.Execute = func(ectx task.ExecuteContext, input map[string]any) (map[string]any, error) {
			acc, _ := input["accumulator"].(float64)
			in, _ := input["in"].(float64)
			return map[string]any{"accumulator": acc + in}, nil
		}
		return tk, nil
	})
	return registry
}

func sumStepTask(t *testing.T, g *task.Graph) *task.Task {
	t.Helper()
	tk := task.New("sum-step", task.Config{})
	tk.InputSchema = map[string]any{
		"type": "object",
		"properties": map[string]any{
			"in":          map[string]any{"type": "number"},
			"accumulator": map[string]any{"type": "number"},
		},
	}
	tk.OutputSchema = map[string]any{
		"type":       "object",
		"properties": map[string]any{"accumulator": map[string]any{"type": "number"}},
	}
	tk.Execute = func(ectx task.ExecuteContext, input map[string]any) (map[string]any, error) {
		acc, _ := input["accumulator"].(float64)
		in, _ := input["in"].(float64)
		return map[string]any{"accumulator": acc + in}, nil
	}
	require.NoError(t, g.AddTask(tk))
	return tk
}

func TestReduceTaskSumsElements(t *testing.T) {
	itemGraph := task.NewGraph()
	sumStepTask(t, itemGraph)

	rt := compound.NewReduceTask("reduce-sum", task.Config{}, compound.ReduceTaskOptions{
		ItemGraph:    itemGraph,
		Registry:     sumRegistry(),
		InitialValue: 0.0,
	})

	err := rt.Run(context.Background(), nil, map[string]any{"in": []any{1.0, 2.0, 3.0, 4.0}}, false)
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, rt.GetStatus())
	assert.Equal(t, 10.0, rt.RunOutputData["accumulator"])
}
