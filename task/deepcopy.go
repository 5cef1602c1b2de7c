package task

import "reflect"

// deepCopyInput clones an input record so a task never observes mutations
// made by another task to the same underlying value. Typed slices are
// cloned into fresh backing arrays; maps are cloned recursively; struct and
// pointer values that are not slices/maps are preserved by reference, as
// spec'd ("class instances are preserved by reference"). A cycle in the
// value graph (a map or slice that transitively contains itself) fails
// immediately with ErrCircularInput rather than recursing forever.
func deepCopyInput(input map[string]any) (map[string]any, error) {
	visited := make(map[any]bool)
	out := make(map[string]any, len(input))
	for k, v := range input {
		cv, err := deepCopyValue(v, visited)
		if err != nil {
			return nil, err
		}
		out[k] = cv
	}
	return out, nil
}

func deepCopyValue(v any, visited map[any]bool) (any, error) {
	if v == nil {
		return nil, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice:
		if rv.Kind() == reflect.Map && rv.IsNil() {
			return v, nil
		}
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return v, nil
		}
		ptr := rv.Pointer()
		if visited[ptr] {
			return nil, ErrCircularInput
		}
		visited[ptr] = true
		defer delete(visited, ptr)
	}

	switch rv.Kind() {
	case reflect.Map:
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			cv, err := deepCopyValue(iter.Value().Interface(), visited)
			if err != nil {
				return nil, err
			}
			out.SetMapIndex(iter.Key(), toElemValue(cv, rv.Type().Elem()))
		}
		return out.Interface(), nil

	case reflect.Slice:
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			cv, err := deepCopyValue(rv.Index(i).Interface(), visited)
			if err != nil {
				return nil, err
			}
			out.Index(i).Set(toElemValue(cv, rv.Type().Elem()))
		}
		return out.Interface(), nil

	default:
		// Scalars, structs, and pointers (class instances) are preserved
		// by reference/value as-is.
		return v, nil
	}
}

// toElemValue converts cv (possibly nil) into a settable reflect.Value of
// elemType, whether elemType is a concrete type or interface{}.
func toElemValue(cv any, elemType reflect.Type) reflect.Value {
	if cv == nil {
		return reflect.Zero(elemType)
	}
	rv := reflect.ValueOf(cv)
	if rv.Type().AssignableTo(elemType) {
		return rv
	}
	return rv.Convert(elemType)
}
