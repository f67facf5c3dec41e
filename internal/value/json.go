package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// FromAny converts a decoded `any` (the shape `encoding/json.Unmarshal`
// produces into an `interface{}`, plus the int64 integers ToAny yields)
// into a Value. Resolvers and transports both funnel raw JSON through
// this before it touches canonical state.
func FromAny(v any) Value {
	switch t := v.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case int64:
		return Int(t)
	case int:
		return Int(int64(t))
	case float64:
		return Float(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i)
		}
		f, _ := t.Float64()
		return Float(f)
	case string:
		return String(t)
	case []byte:
		return Bytes(t)
	case []any:
		items := make([]Value, len(t))
		for i, e := range t {
			items[i] = FromAny(e)
		}
		return List(items)
	case map[string]any:
		obj := NewObject()
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			obj.Set(k, FromAny(t[k]))
		}
		return ObjectVal(obj)
	default:
		return stringifyUnknown(t)
	}
}

func stringifyUnknown(t any) Value {
	return String(fmt.Sprintf("%v", t))
}

// ToAny converts a Value back into a plain `any` suitable for
// `encoding/json.Marshal`.
func ToAny(v Value) any {
	switch v.Kind() {
	case KindNull:
		return nil
	case KindBool:
		return v.Bool()
	case KindInt:
		return v.Int()
	case KindFloat:
		return v.Float()
	case KindString:
		return v.String()
	case KindBytes:
		return v.BytesVal()
	case KindList:
		items := v.List()
		out := make([]any, len(items))
		for i, e := range items {
			out[i] = ToAny(e)
		}
		return out
	case KindObject:
		obj := v.AsObject()
		out := make(map[string]any, obj.Len())
		for _, k := range obj.Keys() {
			e, _ := obj.Get(k)
			out[k] = ToAny(e)
		}
		return out
	default:
		return nil
	}
}

// FromJSON decodes a raw JSON payload into a Value.
func FromJSON(raw []byte) (Value, error) {
	if len(raw) == 0 {
		return Null(), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return Value{}, fmt.Errorf("value: decode json: %w", err)
	}
	return FromAny(v), nil
}

// ToJSON encodes a Value as raw JSON.
func ToJSON(v Value) ([]byte, error) {
	return json.Marshal(ToAny(v))
}
