package compound_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workglow-dev/flowcore/compound"
	"github.com/workglow-dev/flowcore/task"
)

// doubleTask builds a registered "double" kind task (out = in*2), used as
// the body of sub-graphs across this package's tests.
func doubleTask(t *testing.T, g *task.Graph, inPort, outPort string) *task.Task {
	t.Helper()
	tk := task.New("double", task.Config{})
	tk.InputSchema = map[string]any{
		"type":       "object",
		"properties": map[string]any{inPort: map[string]any{"type": "number"}},
		"required":   []any{inPort},
	}
	tk.OutputSchema = map[string]any{
		"type":       "object",
		"properties": map[string]any{outPort: map[string]any{"type": "number"}},
	}
	tk.Execute = func(ectx task.ExecuteContext, input map[string]any) (map[string]any, error) {
		v, _ := input[inPort].(float64)
		return map[string]any{outPort: v * 2}, nil
	}
	require.NoError(t, g.AddTask(tk))
	return tk
}

func doubleRegistry() *task.Registry {
	registry := task.NewRegistry()
	registry.Register("double", func(cfg task.Config, defaults map[string]any) (*task.Task, error) {
		tk := task.New("double", cfg)
		tk.Defaults = defaults
		tk.InputSchema = map[string]any{
			"type":       "object",
			"properties": map[string]any{"in": map[string]any{"type": "number"}},
			"required":   []any{"in"},
		}
		tk.OutputSchema = map[string]any{
			"type":       "object",
			"properties": map[string]any{"out": map[string]any{"type": "number"}},
		}
		tk.Execute = func(ectx task.ExecuteContext, input map[string]any) (map[string]any, error) {
			v, _ := input["in"].(float64)
			return map[string]any{"out": v * 2}, nil
		}
		return tk, nil
	})
	return registry
}

func TestGraphAsTaskRunsSubGraphAndMergesOutput(t *testing.T) {
	sub := task.NewGraph()
	doubleTask(t, sub, "in", "out")

	gt := compound.NewGraphAsTask("doubler", task.Config{}, sub, compound.GraphAsTaskOptions{
		Registry: doubleRegistry(),
	})

	outer := task.NewGraph()
	require.NoError(t, outer.AddTask(gt))

	err := gt.Run(context.Background(), nil, map[string]any{"in": 21.0}, false)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, gt.GetStatus())
	assert.Equal(t, 42.0, gt.RunOutputData["out"])
}

func TestGraphAsTaskDynamicSchemaUnionsStartingAndEndingNodes(t *testing.T) {
	sub := task.NewGraph()
	doubleTask(t, sub, "in", "out")

	gt := compound.NewGraphAsTask("doubler", task.Config{}, sub, compound.GraphAsTaskOptions{
		Registry: doubleRegistry(),
	})

	in := gt.ResolvedInputSchema()
	assert.Contains(t, in["properties"].(map[string]any), "in")

	out := gt.ResolvedOutputSchema()
	assert.Contains(t, out["properties"].(map[string]any), "out")
}
