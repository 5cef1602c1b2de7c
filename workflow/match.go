package workflow

import (
	"github.com/workglow-dev/flowcore/schema"
	"github.com/workglow-dev/flowcore/task"
)

// primitiveTypes is the set of JSON-Schema type tags considered primitive
// for the output->input special-case match.
var primitiveTypes = map[string]bool{
	"string":  true,
	"number":  true,
	"integer": true,
	"boolean": true,
}

func isPrimitive(s schema.Schema) bool {
	return primitiveTypes[schema.TypeTag(s)]
}

// deepFormat resolves a schema's format tag, descending into oneOf/anyOf
// wrappers the way a port can be declared as a union of a concrete type
// and null/other variants while still carrying a format tag on one of the
// branches.
func deepFormat(s schema.Schema) string {
	if s == nil {
		return ""
	}
	if f := schema.Format(s); f != "" {
		return f
	}
	for _, key := range [...]string{"oneOf", "anyOf"} {
		branches, ok := s[key].([]any)
		if !ok {
			continue
		}
		for _, b := range branches {
			if sub, ok := b.(map[string]any); ok {
				if f := deepFormat(sub); f != "" {
					return f
				}
			}
		}
	}
	return ""
}

// portsMatch implements the auto-connection matching rules: same name;
// the literal "output"->"input" primitive-type special case; format-tag
// equality (traversing oneOf/anyOf); primitive types with different names
// never match on type alone.
func portsMatch(srcPort string, srcSchema schema.Schema, tgtPort string, tgtSchema schema.Schema) bool {
	if srcPort == tgtPort {
		return true
	}
	if srcPort == "output" && tgtPort == "input" &&
		isPrimitive(srcSchema) && isPrimitive(tgtSchema) &&
		schema.TypeTag(srcSchema) == schema.TypeTag(tgtSchema) {
		return true
	}
	if srcFmt, tgtFmt := deepFormat(srcSchema), deepFormat(tgtSchema); srcFmt != "" && srcFmt == tgtFmt {
		return true
	}
	return false
}

// findPortMatch searches ancestor (in the given order) for the first
// output port matching targetPort/targetSchema by portsMatch, checking the
// same-named property first (deterministic when an ancestor exposes more
// than one candidate).
func findPortMatch(ancestor *task.Task, targetID, targetPort string, targetPropSchema schema.Schema) (task.DataflowKey, bool) {
	outProps := schema.Properties(ancestor.ResolvedOutputSchema())
	if raw, ok := outProps[targetPort]; ok {
		if propSchema, ok := raw.(map[string]any); ok {
			if portsMatch(targetPort, propSchema, targetPort, targetPropSchema) {
				return task.DataflowKey{SourceID: ancestor.ID.String(), SourcePort: targetPort, TargetID: targetID, TargetPort: targetPort}, true
			}
		}
	}
	for srcPort, raw := range outProps {
		if srcPort == targetPort {
			continue
		}
		propSchema, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if portsMatch(srcPort, propSchema, targetPort, targetPropSchema) {
			return task.DataflowKey{SourceID: ancestor.ID.String(), SourcePort: srcPort, TargetID: targetID, TargetPort: targetPort}, true
		}
	}
	return task.DataflowKey{}, false
}

// findRequiredMatch searches ancestors backward, from the most recently
// added to the earliest, for the first port satisfying targetPort,
// stopping at the first match.
func findRequiredMatch(ancestors []*task.Task, targetID, targetPort string, targetSchema schema.Schema) (task.DataflowKey, bool) {
	targetPropSchema := schema.Property(targetSchema, targetPort)
	for i := len(ancestors) - 1; i >= 0; i-- {
		if key, ok := findPortMatch(ancestors[i], targetID, targetPort, targetPropSchema); ok {
			return key, true
		}
	}
	return task.DataflowKey{}, false
}

// findExplicitPort looks only for a named output port (used by Rename's
// pending alias, which overrides the normal matching rules for one input
// on the next Add).
func findExplicitPort(ancestors []*task.Task, sourcePort, targetID, targetPort string) (task.DataflowKey, bool) {
	for i := len(ancestors) - 1; i >= 0; i-- {
		anc := ancestors[i]
		if _, ok := schema.Properties(anc.ResolvedOutputSchema())[sourcePort]; ok {
			return task.DataflowKey{SourceID: anc.ID.String(), SourcePort: sourcePort, TargetID: targetID, TargetPort: targetPort}, true
		}
	}
	return task.DataflowKey{}, false
}
