package compound

import "github.com/workglow-dev/flowcore/schema"

// unionProperties merges the "properties"/"required" sets of every schema
// in schemas into one object schema. Later schemas win on a name clash.
func unionProperties(schemas ...schema.Schema) schema.Schema {
	properties := make(map[string]any)
	var required []string
	seenRequired := make(map[string]bool)

	for _, s := range schemas {
		if s == nil {
			continue
		}
		for name, propSchema := range schema.Properties(s) {
			properties[name] = propSchema
			if schema.IsRequired(s, name) && !seenRequired[name] {
				seenRequired[name] = true
				required = append(required, name)
			}
		}
	}

	out := schema.Schema{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

// liftToArrays wraps every property of s in an array schema, used when a
// compound task's compoundMerge option is "property-array": each ending
// branch contributes one element rather than overwriting a shared name.
func liftToArrays(s schema.Schema) schema.Schema {
	properties := schema.Properties(s)
	lifted := make(map[string]any, len(properties))
	for name, propSchema := range properties {
		lifted[name] = map[string]any{
			"type":  "array",
			"items": propSchema,
		}
	}
	return schema.Schema{
		"type":       "object",
		"properties": lifted,
	}
}
