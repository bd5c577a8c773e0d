// Package value defines the canonical runtime representation for everything
// that flows along workflow edges: node inputs, node outputs and the initial
// and terminal documents of an execution.
//
// Values are immutable after construction. The scheduler hands the same Value
// to every successor of a node; nothing in this package exposes a mutating
// operation, so sharing is safe without copying.
package value

import (
	"fmt"
	"sort"
)

// Kind discriminates the variant stored in a Value.
type Kind int

const (
	// KindNull is the zero Value.
	KindNull Kind = iota
	// KindBool holds a boolean.
	KindBool
	// KindInt holds a 64-bit signed integer.
	KindInt
	// KindFloat holds a 64-bit float.
	KindFloat
	// KindString holds a UTF-8 string.
	KindString
	// KindBytes holds an opaque byte sequence (base64 on the wire).
	KindBytes
	// KindList holds an ordered sequence of Values.
	KindList
	// KindObject holds a string-keyed map of Values.
	KindObject
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
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
	case KindList:
		return "list"
	case KindObject:
		return "object"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Value is a recursive variant over the types the engine moves along edges.
// The zero Value is Null.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	p    []byte
	l    []Value
	o    map[string]Value
}

// Null returns the null Value.
func Null() Value { return Value{} }

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int returns an integer Value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float returns a float Value.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// String returns a string Value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Bytes returns a bytes Value. The input slice is copied.
func Bytes(p []byte) Value {
	cp := make([]byte, len(p))
	copy(cp, p)
	return Value{kind: KindBytes, p: cp}
}

// List returns a list Value holding the given items.
func List(items ...Value) Value {
	cp := make([]Value, len(items))
	copy(cp, items)
	return Value{kind: KindList, l: cp}
}

// Object returns an object Value. The input map is copied.
func Object(fields map[string]Value) Value {
	cp := make(map[string]Value, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return Value{kind: KindObject, o: cp}
}

// Kind reports the variant stored in v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is the null Value.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean payload. The second return is false when v is
// not a bool.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsInt returns the integer payload. The second return is false when v is
// not an int.
func (v Value) AsInt() (int64, bool) { return v.i, v.kind == KindInt }

// AsFloat returns the numeric payload as a float64 for both int and float
// values. The second return is false for non-numeric kinds.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	default:
		return 0, false
	}
}

// AsString returns the string payload. The second return is false when v is
// not a string.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// AsBytes returns a copy of the bytes payload. The second return is false
// when v is not bytes.
func (v Value) AsBytes() ([]byte, bool) {
	if v.kind != KindBytes {
		return nil, false
	}
	cp := make([]byte, len(v.p))
	copy(cp, v.p)
	return cp, true
}

// Len returns the number of elements for lists and objects and zero for all
// other kinds.
func (v Value) Len() int {
	switch v.kind {
	case KindList:
		return len(v.l)
	case KindObject:
		return len(v.o)
	default:
		return 0
	}
}

// Index returns the i-th element of a list. Negative indices address from the
// end (-1 is the last element). The second return is false when v is not a
// list or the index is out of range.
func (v Value) Index(i int) (Value, bool) {
	if v.kind != KindList {
		return Value{}, false
	}
	if i < 0 {
		i += len(v.l)
	}
	if i < 0 || i >= len(v.l) {
		return Value{}, false
	}
	return v.l[i], true
}

// Items returns the elements of a list. The returned slice must not be
// mutated.
func (v Value) Items() []Value {
	if v.kind != KindList {
		return nil
	}
	return v.l
}

// Field returns the named field of an object. The second return is false
// when v is not an object or the field is absent.
func (v Value) Field(name string) (Value, bool) {
	if v.kind != KindObject {
		return Value{}, false
	}
	f, ok := v.o[name]
	return f, ok
}

// Keys returns the field names of an object in lexicographic order.
func (v Value) Keys() []string {
	if v.kind != KindObject {
		return nil
	}
	keys := make([]string, 0, len(v.o))
	for k := range v.o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Interface converts v into plain Go types: nil, bool, int64, float64,
// string, []byte, []any and map[string]any.
func (v Value) Interface() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindBytes:
		cp := make([]byte, len(v.p))
		copy(cp, v.p)
		return cp
	case KindList:
		out := make([]any, len(v.l))
		for i, it := range v.l {
			out[i] = it.Interface()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.o))
		for k, f := range v.o {
			out[k] = f.Interface()
		}
		return out
	default:
		return nil
	}
}

// FromAny converts plain Go data (the shapes produced by encoding/json plus
// the integer and byte types handlers commonly produce) into a Value.
func FromAny(in any) (Value, error) {
	switch t := in.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	case string:
		return String(t), nil
	case []byte:
		return Bytes(t), nil
	case []Value:
		return List(t...), nil
	case []any:
		items := make([]Value, len(t))
		for i, el := range t {
			v, err := FromAny(el)
			if err != nil {
				return Value{}, fmt.Errorf("list index %d: %w", i, err)
			}
			items[i] = v
		}
		return Value{kind: KindList, l: items}, nil
	case map[string]Value:
		return Object(t), nil
	case map[string]any:
		fields := make(map[string]Value, len(t))
		for k, el := range t {
			v, err := FromAny(el)
			if err != nil {
				return Value{}, fmt.Errorf("field %q: %w", k, err)
			}
			fields[k] = v
		}
		return Value{kind: KindObject, o: fields}, nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", in)
	}
}

// MustFromAny converts like FromAny and panics on unsupported input. Intended
// for literals in tests and built-in handlers.
func MustFromAny(in any) Value {
	v, err := FromAny(in)
	if err != nil {
		panic(err)
	}
	return v
}

// Equal reports deep equality of two Values. Int and float values compare
// unequal even when numerically identical; the wire codec keeps the
// distinction, so the model does too.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindInt:
		return a.i == b.i
	case KindFloat:
		return a.f == b.f
	case KindString:
		return a.s == b.s
	case KindBytes:
		if len(a.p) != len(b.p) {
			return false
		}
		for i := range a.p {
			if a.p[i] != b.p[i] {
				return false
			}
		}
		return true
	case KindList:
		if len(a.l) != len(b.l) {
			return false
		}
		for i := range a.l {
			if !Equal(a.l[i], b.l[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(a.o) != len(b.o) {
			return false
		}
		for k, av := range a.o {
			bv, ok := b.o[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
