package compound

import (
	"github.com/workglow-dev/flowcore/schema"
	"github.com/workglow-dev/flowcore/task"
)

// startingInputSchemas unions the input schema of every starting node of
// g, the same way GraphAsTask derives its own dynamic input schema.
func startingInputSchemas(g *task.Graph) []schema.Schema {
	var out []schema.Schema
	for _, t := range g.StartingNodes() {
		out = append(out, t.ResolvedInputSchema())
	}
	return out
}

// endingOutputSchemas unions the output schema of every ending-at-max-
// depth node of g.
func endingOutputSchemas(g *task.Graph) []schema.Schema {
	var out []schema.Schema
	for _, t := range g.EndingNodesAtMaxDepth() {
		out = append(out, t.ResolvedOutputSchema())
	}
	return out
}

// isIteratedPort applies the three-tier iterated-vs-scalar precedence: an
// explicit x-ui-iteration extension wins outright; absent that, a schema
// inferred as strict-array or flexible is iterated; absent schema guidance
// entirely, the actual runtime value decides (iterated only if it is in
// fact a []any).
func isIteratedPort(propSchema schema.Schema, value any) bool {
	switch schema.InferredIterationMode(propSchema) {
	case schema.IterationModeExplicitTrue, schema.IterationModeStrictArray, schema.IterationModeFlexible:
		return true
	case schema.IterationModeExplicitFalse:
		return false
	}
	_, isArray := value.([]any)
	return isArray
}

// classifyInputPorts splits a per-item graph's declared input ports into
// iterated (array-valued, indexed per iteration) and scalar (passed
// unchanged to every iteration) sets.
func classifyInputPorts(itemGraph *task.Graph, input map[string]any) (iterated, scalarPorts []string) {
	union := unionProperties(startingInputSchemas(itemGraph)...)
	for name, propSchema := range schema.Properties(union) {
		sub, _ := propSchema.(map[string]any)
		if isIteratedPort(sub, input[name]) {
			iterated = append(iterated, name)
		} else {
			scalarPorts = append(scalarPorts, name)
		}
	}
	return iterated, scalarPorts
}

// iterationLength is the max length across every iterated port's array
// value; iterations are index-aligned ("zipped") across all of them.
func iterationLength(input map[string]any, iterated []string) int {
	max := 0
	for _, name := range iterated {
		if arr, ok := input[name].([]any); ok && len(arr) > max {
			max = len(arr)
		}
	}
	return max
}

// itemInput builds the resolved input record for one iteration index: the
// scalar ports copied as-is, the iterated ports sliced at index.
func itemInput(input map[string]any, iterated, scalarPorts []string, index int) map[string]any {
	out := make(map[string]any, len(iterated)+len(scalarPorts))
	for _, name := range scalarPorts {
		out[name] = input[name]
	}
	for _, name := range iterated {
		if arr, ok := input[name].([]any); ok && index < len(arr) {
			out[name] = arr[index]
		}
	}
	return out
}
