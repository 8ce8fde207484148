// Package memory holds the session and memory maps owned by a session agent.
// Values are plain data: nothing in this package synchronizes access, so a
// Store must be confined to a single goroutine. Copies returned by Store
// methods are deep enough that callers can never reach the owned maps.
package memory

import (
	"maps"
	"reflect"
)

// Fields is a string-keyed mapping of arbitrary values. It is the shape of
// both SessionState and MemoryStore.
type Fields map[string]any

// Clone returns a deep copy of f. Nested maps, slices and arrays of any
// element type are copied recursively; other values, pointers included, are
// copied by assignment. A nil receiver yields
// an empty, non-nil Fields.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

// Merge overwrites keys of f with the keys of partial. Keys absent from
// partial are retained. A nil value in partial is stored, not deleted.
func (f Fields) Merge(partial Fields) {
	for k, v := range partial {
		f[k] = cloneValue(v)
	}
}

// Keys returns the number of top-level keys.
func (f Fields) Keys() int {
	return len(f)
}

// Equal reports whether f and other hold the same top-level keys with
// equal values, comparing nested maps and slices structurally.
func (f Fields) Equal(other Fields) bool {
	if len(f) != len(other) {
		return false
	}
	for k, v := range f {
		ov, ok := other[k]
		if !ok || !equalValue(v, ov) {
			return false
		}
	}
	return true
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case Fields:
		return tv.Clone()
	case map[string]any:
		return map[string]any(Fields(tv).Clone())
	case map[string]string:
		return maps.Clone(tv)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		out := make([]string, len(tv))
		copy(out, tv)
		return out
	default:
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Map, reflect.Slice, reflect.Array:
			return cloneReflect(rv).Interface()
		}
		return v
	}
}

// cloneReflect copies maps, slices and arrays of any element type,
// recursing into their elements. Other kinds are returned unchanged.
func cloneReflect(v reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), cloneElem(iter.Value(), v.Type().Elem()))
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := range v.Len() {
			out.Index(i).Set(cloneElem(v.Index(i), v.Type().Elem()))
		}
		return out
	case reflect.Array:
		out := reflect.New(v.Type()).Elem()
		for i := range v.Len() {
			out.Index(i).Set(cloneElem(v.Index(i), v.Type().Elem()))
		}
		return out
	default:
		return v
	}
}

// cloneElem clones one container element. Interface elements go back
// through cloneValue so the fast paths apply to their dynamic values.
func cloneElem(v reflect.Value, typ reflect.Type) reflect.Value {
	if v.Kind() != reflect.Interface {
		return cloneReflect(v)
	}
	out := reflect.New(typ).Elem()
	if v.IsNil() {
		return out
	}
	out.Set(reflect.ValueOf(cloneValue(v.Elem().Interface())))
	return out
}

func equalValue(a, b any) bool {
	switch ta := a.(type) {
	case Fields:
		return equalMap(ta, b)
	case map[string]any:
		return equalMap(Fields(ta), b)
	case []any:
		tb, ok := b.([]any)
		if !ok || len(ta) != len(tb) {
			return false
		}
		for i := range ta {
			if !equalValue(ta[i], tb[i]) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}

func equalMap(a Fields, b any) bool {
	switch tb := b.(type) {
	case Fields:
		return a.Equal(tb)
	case map[string]any:
		return a.Equal(Fields(tb))
	default:
		return false
	}
}
