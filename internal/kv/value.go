package kv

import (
	"fmt"
	"math"
)

// ValueKind discriminates the payload shape carried by a Value.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindArray
	KindObject
)

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return fmt.Sprintf("ValueKind(%d)", uint8(k))
	}
}

// Value is a tagged union over the payload shapes the primitives layered
// above the core use. Values are immutable once published: an update
// always installs a new version rather than mutating one in place.
type Value struct {
	Kind   ValueKind
	Bool   bool
	Int    int64
	Float  float64
	Str    string
	Bytes  []byte
	Array  []Value
	Object map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{Kind: KindNull} }

// BoolValue wraps a boolean.
func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// IntValue wraps a signed 64-bit integer.
func IntValue(i int64) Value { return Value{Kind: KindInt, Int: i} }

// FloatValue wraps a 64-bit float, including NaN/±Inf/-0.
func FloatValue(f float64) Value { return Value{Kind: KindFloat, Float: f} }

// StringValue wraps a UTF-8 string.
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// BytesValue wraps an opaque byte sequence.
func BytesValue(b []byte) Value { return Value{Kind: KindBytes, Bytes: b} }

// ArrayValue wraps a homogeneous (or not — the core does not enforce
// homogeneity itself) array of values.
func ArrayValue(vs []Value) Value { return Value{Kind: KindArray, Array: vs} }

// ObjectValue wraps a string-keyed object.
func ObjectValue(m map[string]Value) Value { return Value{Kind: KindObject, Object: m} }

// Equal performs a deep, kind-aware comparison. Float NaN compares equal
// to NaN (unlike IEEE semantics), and +0/-0 compare equal, matching Go's
// own float64 equality — callers that need bitwise NaN/-0 discrimination
// should compare math.Float64bits directly.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindBool:
		return v.Bool == o.Bool
	case KindInt:
		return v.Int == o.Int
	case KindFloat:
		return v.Float == o.Float || (math.IsNaN(v.Float) && math.IsNaN(o.Float))
	case KindString:
		return v.Str == o.Str
	case KindBytes:
		if len(v.Bytes) != len(o.Bytes) {
			return false
		}
		for i := range v.Bytes {
			if v.Bytes[i] != o.Bytes[i] {
				return false
			}
		}
		return true
	case KindArray:
		if len(v.Array) != len(o.Array) {
			return false
		}
		for i := range v.Array {
			if !v.Array[i].Equal(o.Array[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.Object) != len(o.Object) {
			return false
		}
		for k, vv := range v.Object {
			ov, ok := o.Object[k]
			if !ok || !vv.Equal(ov) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
