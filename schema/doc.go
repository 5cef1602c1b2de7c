// Package schema provides read-only inspection of JSON-Schema-shaped
// map[string]any trees used as task input/output schemas, including the
// x-stream and x-ui-iteration vendor extensions.
package schema
