package schema_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workglow-dev/flowcore/schema"
)

func objSchema() schema.Schema {
	return schema.Schema{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{"type": "string"},
			"age":  map[string]any{"type": "integer"},
		},
		"required": []any{"name"},
	}
}

func TestPropertiesAndRequired(t *testing.T) {
	s := objSchema()
	props := schema.Properties(s)
	require.Len(t, props, 2)
	assert.True(t, schema.IsRequired(s, "name"))
	assert.False(t, schema.IsRequired(s, "age"))
}

func TestProperty(t *testing.T) {
	s := objSchema()
	name := schema.Property(s, "name")
	assert.Equal(t, "string", schema.TypeTag(name))
	assert.Nil(t, schema.Property(s, "missing"))
}

func TestOutputStreamModeAgrees(t *testing.T) {
	s := schema.Schema{
		"properties": map[string]any{
			"a": map[string]any{"x-stream": "append"},
			"b": map[string]any{"x-stream": "append"},
		},
	}
	mode, err := schema.OutputStreamMode(s)
	require.NoError(t, err)
	assert.Equal(t, schema.StreamModeAppend, mode)
}

func TestOutputStreamModeMixedFailsFast(t *testing.T) {
	s := schema.Schema{
		"properties": map[string]any{
			"a": map[string]any{"x-stream": "append"},
			"b": map[string]any{"x-stream": "replace"},
		},
	}
	_, err := schema.OutputStreamMode(s)
	assert.ErrorIs(t, err, schema.ErrMixedStreamModes)
}

func TestInferredIterationModeStrictArray(t *testing.T) {
	s := map[string]any{
		"type":  "array",
		"items": map[string]any{"type": "string"},
	}
	assert.Equal(t, schema.IterationModeStrictArray, schema.InferredIterationMode(s))
}

func TestInferredIterationModeFlexibleUnion(t *testing.T) {
	s := map[string]any{
		"type": "array",
		"items": map[string]any{
			"oneOf": []any{
				map[string]any{"type": "string"},
				map[string]any{"type": "number"},
			},
		},
	}
	assert.Equal(t, schema.IterationModeFlexible, schema.InferredIterationMode(s))
}

func TestInferredIterationModeExplicitOverridesInference(t *testing.T) {
	s := map[string]any{
		"type":           "array",
		"items":          map[string]any{"type": "string"},
		"x-ui-iteration": "flexible",
	}
	assert.Equal(t, schema.IterationModeFlexible, schema.InferredIterationMode(s))
}

func TestInferredIterationModeNonArray(t *testing.T) {
	s := map[string]any{"type": "string"}
	assert.Equal(t, schema.IterationModeNone, schema.InferredIterationMode(s))
}
