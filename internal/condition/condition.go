// Package condition evaluates the declarative {field, operator, value}
// conditions used by WhileTask and ConditionalTask against a subject
// record, via dot-path field access plus a small closed operator set.
// Comparison operators run as compiled-once-per-operator CEL programs
// against two free variables (field, target); the predicate operators
// (is_empty/is_not_empty/is_true/is_false) are resolved directly in Go
// since they need no expression language, just a length/type check.
package condition

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"
)

// Operator is the closed set of comparison/predicate operators a
// Condition may use.
type Operator string

const (
	Equals          Operator = "equals"
	NotEquals       Operator = "not_equals"
	GreaterThan     Operator = "greater_than"
	GreaterOrEqual  Operator = "greater_or_equal"
	LessThan        Operator = "less_than"
	LessOrEqual     Operator = "less_or_equal"
	Contains        Operator = "contains"
	StartsWith      Operator = "starts_with"
	EndsWith        Operator = "ends_with"
	IsEmpty         Operator = "is_empty"
	IsNotEmpty      Operator = "is_not_empty"
	IsTrue          Operator = "is_true"
	IsFalse         Operator = "is_false"
)

// Condition is a single declarative test: read subject[Field] (dot-path),
// then apply Operator against Value.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
}

// ErrUnknownOperator is returned for an Operator outside the closed set.
var ErrUnknownOperator = fmt.Errorf("condition: unknown operator")

// celExprs maps the comparison operators onto a CEL expression over the
// two free variables "field" and "target".
var celExprs = map[Operator]string{
	Equals:         "field == target",
	NotEquals:      "field != target",
	GreaterThan:    "field > target",
	GreaterOrEqual: "field >= target",
	LessThan:       "field < target",
	LessOrEqual:    "field <= target",
	Contains:       "field.contains(target)",
	StartsWith:     "field.startsWith(target)",
	EndsWith:       "field.endsWith(target)",
}

var programs map[Operator]cel.Program

func init() {
	env, err := cel.NewEnv(
		cel.Variable("field", cel.DynType),
		cel.Variable("target", cel.DynType),
		ext.Strings(),
	)
	if err != nil {
		panic(fmt.Sprintf("condition: build CEL environment: %v", err))
	}

	programs = make(map[Operator]cel.Program, len(celExprs))
	for op, expr := range celExprs {
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			panic(fmt.Sprintf("condition: compile %q: %v", expr, issues.Err()))
		}
		prg, err := env.Program(ast)
		if err != nil {
			panic(fmt.Sprintf("condition: build program for %q: %v", expr, err))
		}
		programs[op] = prg
	}
}

// Evaluate resolves cond.Field against subject via dot-path traversal and
// applies cond.Operator. A missing field for a comparison operator, a CEL
// evaluation error or a non-boolean CEL result yields (false, nil), so a
// failing WhileTask/ConditionalTask condition counts as false; only an
// unknown operator returns a non-nil error.
func Evaluate(subject map[string]any, cond Condition) (bool, error) {
	op := Operator(cond.Operator)

	value, found := resolveField(subject, cond.Field)

	switch op {
	case IsEmpty:
		return !found || isEmptyValue(value), nil
	case IsNotEmpty:
		return found && !isEmptyValue(value), nil
	case IsTrue:
		b, _ := value.(bool)
		return found && b, nil
	case IsFalse:
		b, ok := value.(bool)
		return found && ok && !b, nil
	}

	prg, ok := programs[op]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownOperator, cond.Operator)
	}
	if !found {
		return false, nil
	}

	out, _, err := prg.Eval(map[string]any{"field": value, "target": cond.Value})
	if err != nil {
		return false, nil
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, nil
	}
	return result, nil
}

// resolveField walks subject along a dot-separated path, descending
// through nested map[string]any values only.
func resolveField(subject map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	cur := any(subject)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	switch vv := v.(type) {
	case string:
		return vv == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	}
	return false
}
