// Package value implements the heterogeneous value representation that
// flows through the sync engine: entity field values, resolver return
// values, and wire payloads all share this type rather than raw `any`.
package value

import "fmt"

// Kind discriminates the variants of Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindList
	KindObject
)

// Value is the sum type used for every entity field, array element, and
// resolver result the engine touches. Object is insertion-ordered so that
// re-serialization is stable.
type Value struct {
	kind   Kind
	b      bool
	i      int64
	f      float64
	s      string
	bytes  []byte
	list   []Value
	object *Object
}

// Object is an insertion-ordered string-keyed map of Value.
type Object struct {
	keys   []string
	fields map[string]Value
}

func NewObject() *Object {
	return &Object{fields: make(map[string]Value)}
}

func (o *Object) Set(key string, v Value) {
	if _, exists := o.fields[key]; !exists {
		o.keys = append(o.keys, key)
	}
	o.fields[key] = v
}

func (o *Object) Get(key string) (Value, bool) {
	v, ok := o.fields[key]
	return v, ok
}

func (o *Object) Delete(key string) {
	if _, exists := o.fields[key]; !exists {
		return
	}
	delete(o.fields, key)
	for i, k := range o.keys {
		if k == key {
			o.keys = append(o.keys[:i], o.keys[i+1:]...)
			break
		}
	}
}

func (o *Object) Keys() []string {
	out := make([]string, len(o.keys))
	copy(out, o.keys)
	return out
}

func (o *Object) Len() int {
	if o == nil {
		return 0
	}
	return len(o.keys)
}

// Clone returns a shallow-structural deep copy (Values are immutable by
// convention, so nested Values are shared, but the key/slice/map backing
// structures are fresh).
func (o *Object) Clone() *Object {
	if o == nil {
		return NewObject()
	}
	out := &Object{
		keys:   append([]string(nil), o.keys...),
		fields: make(map[string]Value, len(o.fields)),
	}
	for k, v := range o.fields {
		out.fields[k] = v
	}
	return out
}

func Null() Value                 { return Value{kind: KindNull} }
func Bool(b bool) Value           { return Value{kind: KindBool, b: b} }
func Int(i int64) Value           { return Value{kind: KindInt, i: i} }
func Float(f float64) Value       { return Value{kind: KindFloat, f: f} }
func String(s string) Value       { return Value{kind: KindString, s: s} }
func Bytes(b []byte) Value        { return Value{kind: KindBytes, bytes: b} }
func List(items []Value) Value    { return Value{kind: KindList, list: items} }
func ObjectVal(o *Object) Value    { return Value{kind: KindObject, object: o} }

func (v Value) Kind() Kind       { return v.kind }
func (v Value) IsNull() bool     { return v.kind == KindNull }
func (v Value) Bool() bool       { return v.b }
func (v Value) Int() int64       { return v.i }
func (v Value) Float() float64   { return v.f }
func (v Value) String() string   { return v.s }
func (v Value) BytesVal() []byte { return v.bytes }
func (v Value) List() []Value    { return v.list }
func (v Value) Object() *Object  { return v.object }

// AsObject returns the object backing this value, or a fresh empty one if
// this value isn't an object. Used by applyEmitCommand/applyUpdate when
// building on top of "never emitted" state.
func (v Value) AsObject() *Object {
	if v.kind == KindObject && v.object != nil {
		return v.object
	}
	return NewObject()
}

func (v Value) GoString() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%v", v.b)
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	case KindFloat:
		return fmt.Sprintf("%g", v.f)
	case KindString:
		return fmt.Sprintf("%q", v.s)
	case KindBytes:
		return fmt.Sprintf("bytes(%d)", len(v.bytes))
	case KindList:
		return fmt.Sprintf("list(%d)", len(v.list))
	case KindObject:
		return fmt.Sprintf("object(%d)", v.object.Len())
	default:
		return "?"
	}
}

// Equal reports whether two values are structurally equal: same kind,
// same scalar payload, element-wise equal lists, and key-set-and-value
// equal objects (object key order does not affect equality).
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
		if len(a.bytes) != len(b.bytes) {
			return false
		}
		for i := range a.bytes {
			if a.bytes[i] != b.bytes[i] {
				return false
			}
		}
		return true
	case KindList:
		if len(a.list) != len(b.list) {
			return false
		}
		for i := range a.list {
			if !Equal(a.list[i], b.list[i]) {
				return false
			}
		}
		return true
	case KindObject:
		ao, bo := a.AsObject(), b.AsObject()
		if ao.Len() != bo.Len() {
			return false
		}
		for _, k := range ao.Keys() {
			av, _ := ao.Get(k)
			bv, ok := bo.Get(k)
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
