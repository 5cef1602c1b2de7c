package workflow_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workglow-dev/flowcore/scheduler"
	"github.com/workglow-dev/flowcore/task"
	"github.com/workglow-dev/flowcore/workflow"
)

// numberRegistry registers three kinds forming a linear pipeline:
// Number{value} -> NumberToString{text} -> SimpleProcessing{output}.
func numberRegistry() *task.Registry {
	registry := task.NewRegistry()

	registry.Register("number", func(cfg task.Config, defaults map[string]any) (*task.Task, error) {
		tk := task.New("number", cfg)
		tk.Defaults = defaults
		tk.OutputSchema = map[string]any{
			"type":       "object",
			"properties": map[string]any{"value": map[string]any{"type": "number"}},
		}
		tk.Execute = func(ectx task.ExecuteContext, input map[string]any) (map[string]any, error) {
			v, _ := input["value"].(float64)
			return map[string]any{"value": v}, nil
		}
		return tk, nil
	})

	registry.Register("number-to-string", func(cfg task.Config, defaults map[string]any) (*task.Task, error) {
		tk := task.New("number-to-string", cfg)
		tk.Defaults = defaults
		tk.InputSchema = map[string]any{
			"type":       "object",
			"properties": map[string]any{"value": map[string]any{"type": "number"}},
			"required":   []any{"value"},
		}
		tk.OutputSchema = map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
		}
		tk.Execute = func(ectx task.ExecuteContext, input map[string]any) (map[string]any, error) {
			v, _ := input["value"].(float64)
			return map[string]any{"text": fmt.Sprintf("%v", v)}, nil
		}
		return tk, nil
	})

	registry.Register("simple-processing", func(cfg task.Config, defaults map[string]any) (*task.Task, error) {
		tk := task.New("simple-processing", cfg)
		tk.Defaults = defaults
		tk.InputSchema = map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
			"required":   []any{"text"},
		}
		tk.OutputSchema = map[string]any{
			"type":       "object",
			"properties": map[string]any{"output": map[string]any{"type": "string"}},
		}
		tk.Execute = func(ectx task.ExecuteContext, input map[string]any) (map[string]any, error) {
			text, _ := input["text"].(string)
			return map[string]any{"output": "Processed: " + text}, nil
		}
		return tk, nil
	})

	return registry
}

func TestBuilderLinearPipelineAutoConnects(t *testing.T) {
	b := workflow.New(numberRegistry())

	_, err := b.Add("number", map[string]any{"value": 5.0}, task.Config{})
	require.NoError(t, err)
	_, err = b.Add("number-to-string", nil, task.Config{})
	require.NoError(t, err)
	_, err = b.Add("simple-processing", nil, task.Config{})
	require.NoError(t, err)

	result, err := b.Run(context.Background(), map[string]any{}, scheduler.RunConfig{})
	require.NoError(t, err)

	var output string
	for _, out := range result.Outputs {
		if v, ok := out["output"].(string); ok {
			output = v
		}
	}
	assert.Equal(t, "Processed: 5", output)
}

func TestBuilderAddFailsAutoConnectWhenNoAncestorMatches(t *testing.T) {
	b := workflow.New(numberRegistry())

	_, err := b.Add("number", map[string]any{"value": 5.0}, task.Config{})
	require.NoError(t, err)

	// simple-processing requires "text", which nothing upstream exposes.
	_, err = b.Add("simple-processing", nil, task.Config{})
	require.ErrorIs(t, err, workflow.ErrAutoConnectFailed)

	// The failed Add must not have mutated the graph.
	assert.Len(t, b.Graph().Tasks(), 1)
}

func TestBuilderRenameOverridesMatchForNextAddOnly(t *testing.T) {
	registry := task.NewRegistry()
	registry.Register("source", func(cfg task.Config, defaults map[string]any) (*task.Task, error) {
		tk := task.New("source", cfg)
		tk.Defaults = defaults
		tk.OutputSchema = map[string]any{
			"type":       "object",
			"properties": map[string]any{"sum": map[string]any{"type": "number"}},
		}
		tk.Execute = func(ectx task.ExecuteContext, input map[string]any) (map[string]any, error) {
			return map[string]any{"sum": 42.0}, nil
		}
		return tk, nil
	})
	registry.Register("sink", func(cfg task.Config, defaults map[string]any) (*task.Task, error) {
		tk := task.New("sink", cfg)
		tk.Defaults = defaults
		tk.InputSchema = map[string]any{
			"type":       "object",
			"properties": map[string]any{"total": map[string]any{"type": "number"}},
			"required":   []any{"total"},
		}
		tk.OutputSchema = map[string]any{"type": "object", "properties": map[string]any{}}
		tk.Execute = func(ectx task.ExecuteContext, input map[string]any) (map[string]any, error) {
			return map[string]any{"echo": input["total"]}, nil
		}
		return tk, nil
	})

	b := workflow.New(registry)
	_, err := b.Add("source", nil, task.Config{})
	require.NoError(t, err)

	// Without the rename, "total" would never match "sum" and Add would fail.
	_, err = b.Rename("sum", "total").Add("sink", nil, task.Config{})
	require.NoError(t, err)

	result, err := b.Run(context.Background(), map[string]any{}, scheduler.RunConfig{})
	require.NoError(t, err)
	var echoed float64
	for _, out := range result.Outputs {
		if v, ok := out["echo"].(float64); ok {
			echoed = v
		}
	}
	assert.Equal(t, 42.0, echoed)
}

func TestBuilderMapEndMap(t *testing.T) {
	registry := task.NewRegistry()
	registry.Register("process-item", func(cfg task.Config, defaults map[string]any) (*task.Task, error) {
		tk := task.New("process-item", cfg)
		tk.Defaults = defaults
		tk.InputSchema = map[string]any{
			"type":       "object",
			"properties": map[string]any{"item": map[string]any{"type": "number"}},
			"required":   []any{"item"},
		}
		tk.OutputSchema = map[string]any{
			"type":       "object",
			"properties": map[string]any{"processed": map[string]any{"type": "number"}},
		}
		tk.Execute = func(ectx task.ExecuteContext, input map[string]any) (map[string]any, error) {
			v, _ := input["item"].(float64)
			return map[string]any{"processed": v * 2}, nil
		}
		return tk, nil
	})

	outer := workflow.New(registry)
	inner := outer.Map(workflow.MapOptions{})
	_, err := inner.Add("process-item", nil, task.Config{})
	require.NoError(t, err)
	back, err := inner.EndMap()
	require.NoError(t, err)
	require.Same(t, outer, back)

	result, err := outer.Run(context.Background(), map[string]any{"item": []any{1.0, 2.0, 3.0}}, scheduler.RunConfig{})
	require.NoError(t, err)

	var processed []any
	for _, out := range result.Outputs {
		if v, ok := out["processed"].([]any); ok {
			processed = v
		}
	}
	assert.Equal(t, []any{2.0, 4.0, 6.0}, processed)
}

func TestBuilderResetAndPop(t *testing.T) {
	b := workflow.New(numberRegistry())
	_, err := b.Add("number", map[string]any{"value": 1.0}, task.Config{})
	require.NoError(t, err)
	_, err = b.Add("number-to-string", nil, task.Config{})
	require.NoError(t, err)
	require.Len(t, b.Graph().Tasks(), 2)

	require.NoError(t, b.Pop())
	require.Len(t, b.Graph().Tasks(), 1)

	b.Reset()
	require.Len(t, b.Graph().Tasks(), 0)

	require.ErrorIs(t, b.Pop(), workflow.ErrEmptyGraph)
}

func TestBuilderToDependencyJSONRoundTripsStructure(t *testing.T) {
	b := workflow.New(numberRegistry())
	_, err := b.Add("number", map[string]any{"value": 1.0}, task.Config{})
	require.NoError(t, err)
	_, err = b.Add("number-to-string", nil, task.Config{})
	require.NoError(t, err)

	data, err := b.ToDependencyJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"number"`)
	assert.Contains(t, string(data), `"type":"number-to-string"`)
	assert.Contains(t, string(data), `"sourceTaskPortId":"value"`)
}

func TestFromDependencyJSONRoundTrips(t *testing.T) {
	b := workflow.New(numberRegistry())
	_, err := b.Add("number", map[string]any{"value": 1.0}, task.Config{})
	require.NoError(t, err)
	_, err = b.Add("number-to-string", nil, task.Config{})
	require.NoError(t, err)

	data, err := b.ToDependencyJSON()
	require.NoError(t, err)

	b2, err := workflow.FromDependencyJSON(data, numberRegistry())
	require.NoError(t, err)
	require.Len(t, b2.Graph().Tasks(), 2)

	result, err := b2.Run(context.Background(), map[string]any{"value": 7.0}, scheduler.RunConfig{})
	require.NoError(t, err)
	require.Empty(t, result.Errors)
}
