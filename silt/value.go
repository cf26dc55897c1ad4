package silt

import (
	"encoding/json"
	"fmt"
	"sort"
)

// -----------------------------------------------------------------------------
// JSON value variant
// -----------------------------------------------------------------------------

// Kind enumerates the closed set of JSON value shapes silt classifies.
type Kind int

// Value kind constants.
const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindArray
	KindObject
)

// Value is a tagged variant over decoded JSON. Classification code switches
// exhaustively over Kind instead of type-asserting `any` case by case, so an
// unhandled shape is a compile-time gap rather than a silent fallback.
type Value struct {
	Kind Kind

	Bool  bool
	Int   int64
	Float float64
	Str   string
	Arr   []Value
	Obj   map[string]Value

	// keys preserves deterministic iteration order for Obj.
	keys []string
}

// Keys returns the object's field names in sorted order.
// Returns nil for non-object values.
func (v Value) Keys() []string {
	return v.keys
}

// valueOf converts a decoded JSON value (as produced by a UseNumber decoder)
// into the variant representation. Unknown Go types degrade to their string
// rendering rather than failing; decoded JSON never produces them.
func valueOf(raw any) Value {
	switch x := raw.(type) {
	case nil:
		return Value{Kind: KindNull}
	case bool:
		return Value{Kind: KindBool, Bool: x}
	case string:
		return Value{Kind: KindString, Str: x}
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return Value{Kind: KindInt, Int: i}
		}
		f, _ := x.Float64()
		return Value{Kind: KindFloat, Float: f}
	case int:
		return Value{Kind: KindInt, Int: int64(x)}
	case int64:
		return Value{Kind: KindInt, Int: x}
	case float64:
		// Standard-library decoding without UseNumber lands here.
		if x == float64(int64(x)) {
			return Value{Kind: KindInt, Int: int64(x)}
		}
		return Value{Kind: KindFloat, Float: x}
	case []any:
		arr := make([]Value, len(x))
		for i, elem := range x {
			arr[i] = valueOf(elem)
		}
		return Value{Kind: KindArray, Arr: arr}
	case map[string]any:
		obj := make(map[string]Value, len(x))
		keys := make([]string, 0, len(x))
		for k, elem := range x {
			obj[k] = valueOf(elem)
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return Value{Kind: KindObject, Obj: obj, keys: keys}
	default:
		return Value{Kind: KindString, Str: fmt.Sprint(x)}
	}
}
