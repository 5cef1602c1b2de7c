// Package schema reads opaque JSON-Schema-shaped trees (plain
// map[string]any, typically unmarshaled from JSON) without ever validating
// them against a schema-validation library. Callers only ever need to ask a
// small set of closed questions of a schema: what properties does it have,
// is a property required, what stream/iteration mode does it declare. The
// package is a set of pure, read-only functions over that shape, including
// the x-stream and x-ui-iteration extensions.
package schema

import "errors"

// ErrMixedStreamModes is returned by OutputStreamMode when a task's output
// schema declares both "append" and "replace" stream modes across its
// properties; a task's outputs must agree on one stream mode.
var ErrMixedStreamModes = errors.New("schema: mixed stream modes across output properties")

// StreamMode is the x-stream extension value of a schema property.
type StreamMode string

const (
	StreamModeNone    StreamMode = ""
	StreamModeAppend  StreamMode = "append"
	StreamModeReplace StreamMode = "replace"
)

// IterationMode is the x-ui-iteration extension value of a schema property.
type IterationMode string

const (
	IterationModeNone          IterationMode = ""
	IterationModeStrictArray   IterationMode = "strict-array"
	IterationModeFlexible      IterationMode = "flexible"
	IterationModeExplicitTrue  IterationMode = "true"
	IterationModeExplicitFalse IterationMode = "false"
)

// Schema is an opaque JSON-Schema-shaped node. It is typically a
// map[string]any produced by unmarshaling JSON, but any type satisfying
// this minimal accessor is accepted.
type Schema = map[string]any

// Properties returns the "properties" object of a schema node, or nil if
// absent or not an object.
func Properties(s Schema) map[string]any {
	if s == nil {
		return nil
	}
	props, _ := s["properties"].(map[string]any)
	return props
}

// Property returns the sub-schema for name, or nil if it does not exist.
func Property(s Schema, name string) Schema {
	props := Properties(s)
	if props == nil {
		return nil
	}
	sub, _ := props[name].(map[string]any)
	return sub
}

// IsRequired reports whether name appears in s's "required" array.
func IsRequired(s Schema, name string) bool {
	if s == nil {
		return false
	}
	req, _ := s["required"].([]any)
	for _, r := range req {
		if str, ok := r.(string); ok && str == name {
			return true
		}
	}
	return false
}

// TypeTag returns the schema's JSON type tag ("type" field), e.g. "object",
// "array", "string". Returns "" if absent.
func TypeTag(s Schema) string {
	if s == nil {
		return ""
	}
	t, _ := s["type"].(string)
	return t
}

// Format returns the schema's "format" field, e.g. "uri", "date-time".
// Returns "" if absent.
func Format(s Schema) string {
	if s == nil {
		return ""
	}
	f, _ := s["format"].(string)
	return f
}

// StreamMode returns the x-stream extension on a single property schema.
func GetStreamMode(s Schema) StreamMode {
	if s == nil {
		return StreamModeNone
	}
	m, _ := s["x-stream"].(string)
	return StreamMode(m)
}

// OutputStreamMode inspects every top-level property of an output schema
// and returns the single stream mode they all agree on. If two properties
// declare different non-empty stream modes, it fails fast with
// ErrMixedStreamModes rather than picking one arbitrarily.
func OutputStreamMode(s Schema) (StreamMode, error) {
	mode := StreamModeNone
	for _, prop := range Properties(s) {
		propSchema, _ := prop.(map[string]any)
		m := GetStreamMode(propSchema)
		if m == StreamModeNone {
			continue
		}
		if mode == StreamModeNone {
			mode = m
			continue
		}
		if mode != m {
			return StreamModeNone, ErrMixedStreamModes
		}
	}
	return mode, nil
}

// IterationMode returns the x-ui-iteration extension on a single property
// schema.
func GetIterationMode(s Schema) IterationMode {
	if s == nil {
		return IterationModeNone
	}
	switch v := s["x-ui-iteration"].(type) {
	case string:
		return IterationMode(v)
	case bool:
		if v {
			return IterationModeExplicitTrue
		}
		return IterationModeExplicitFalse
	default:
		return IterationModeNone
	}
}

// InferredIterationMode resolves a property's iteration mode using the
// precedence named for compound iterator tasks: an explicit x-ui-iteration
// extension wins; absent that, an array-typed schema with a single "items"
// sub-schema of a concrete (non-oneOf/anyOf) type is strict-array; an
// array-typed schema whose items schema is itself a union is flexible;
// anything else is none (decided at runtime from the actual input value).
func InferredIterationMode(s Schema) IterationMode {
	if explicit := GetIterationMode(s); explicit != IterationModeNone {
		return explicit
	}
	if TypeTag(s) != "array" {
		return IterationModeNone
	}
	items, _ := s["items"].(map[string]any)
	if items == nil {
		return IterationModeNone
	}
	if _, hasOneOf := items["oneOf"]; hasOneOf {
		return IterationModeFlexible
	}
	if _, hasAnyOf := items["anyOf"]; hasAnyOf {
		return IterationModeFlexible
	}
	return IterationModeStrictArray
}
