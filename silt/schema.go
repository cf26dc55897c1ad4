package silt

// -----------------------------------------------------------------------------
// Schema inference
// -----------------------------------------------------------------------------

// InferSchema derives an ordered column schema from one representative
// document. Nested objects become RECORD fields with children inferred from
// the nested value; arrays become REPEATED fields typed by their first
// object element, or by their first non-null scalar.
//
// Inference is first-sample-wins: one document drives the schema for a run,
// and later documents with additional fields are left to the warehouse's own
// row validation rather than re-inferred here. Null values carry no type
// information and degrade to STRING.
//
// The result is deterministic: fields appear in sorted key order, and
// inferring twice from the same document yields identical schemas.
func InferSchema(doc map[string]any) ([]Field, error) {
	if doc == nil {
		return nil, ErrBadSample
	}
	v := valueOf(map[string]any(doc))
	return inferObject(v), nil
}

// inferObject produces fields for every key of an object value.
func inferObject(obj Value) []Field {
	fields := make([]Field, 0, len(obj.Obj))
	for _, key := range obj.Keys() {
		fields = append(fields, inferField(key, obj.Obj[key]))
	}
	return fields
}

// inferField classifies one value. The switch is exhaustive over Kind.
func inferField(name string, v Value) Field {
	switch v.Kind {
	case KindNull:
		return Field{Name: name, Type: TypeString, Mode: ModeNullable}
	case KindBool:
		return Field{Name: name, Type: TypeBoolean, Mode: ModeNullable}
	case KindInt:
		return Field{Name: name, Type: TypeInteger, Mode: ModeNullable}
	case KindFloat:
		return Field{Name: name, Type: TypeFloat, Mode: ModeNullable}
	case KindString:
		return Field{Name: name, Type: TypeString, Mode: ModeNullable}
	case KindObject:
		return Field{Name: name, Type: TypeRecord, Mode: ModeNullable, Fields: inferObject(v)}
	case KindArray:
		return inferRepeated(name, v.Arr)
	default:
		return Field{Name: name, Type: TypeString, Mode: ModeNullable}
	}
}

// inferRepeated classifies an array value. The first object element, if any,
// provides the child schema; otherwise the first non-null scalar provides
// the element type. Empty and all-null arrays degrade to repeated STRING.
func inferRepeated(name string, elems []Value) Field {
	for _, elem := range elems {
		if elem.Kind == KindObject {
			return Field{Name: name, Type: TypeRecord, Mode: ModeRepeated, Fields: inferObject(elem)}
		}
	}
	for _, elem := range elems {
		switch elem.Kind {
		case KindBool:
			return Field{Name: name, Type: TypeBoolean, Mode: ModeRepeated}
		case KindInt:
			return Field{Name: name, Type: TypeInteger, Mode: ModeRepeated}
		case KindFloat:
			return Field{Name: name, Type: TypeFloat, Mode: ModeRepeated}
		case KindString:
			return Field{Name: name, Type: TypeString, Mode: ModeRepeated}
		}
	}
	return Field{Name: name, Type: TypeString, Mode: ModeRepeated}
}
