package codec

import (
	"fmt"

	"github.com/sylphxai/lens/internal/value"
)

// Strategy names the wire format chosen for one field's change.
type Strategy string

const (
	StrategyValue Strategy = "value"
	StrategyDelta Strategy = "delta"
	StrategyPatch Strategy = "patch"
	StrategyArray Strategy = "array"
)

// Update is the per-field wire payload produced by CreateUpdate and
// consumed by ApplyUpdate. Data's shape depends on Strategy: a raw value
// for "value", []TextOp for "delta", []PatchOp for "patch", []ArrayOp for
// "array".
type Update struct {
	Strategy Strategy `json:"strategy"`
	Data     any      `json:"data"`
}

// CreateUpdate selects and computes the minimal-transfer Update that
// turns old into new, per spec.md §4.1.
func CreateUpdate(old, new value.Value) Update {
	if old.Kind() == value.KindString && new.Kind() == value.KindString {
		if qualifiesForDelta(old.String(), new.String()) {
			return Update{Strategy: StrategyDelta, Data: TextDelta(old.String(), new.String())}
		}
		return Update{Strategy: StrategyValue, Data: value.ToAny(new)}
	}

	if old.Kind() == value.KindObject && new.Kind() == value.KindObject {
		ops := JSONPatch(old, new)
		if len(ops) == 0 {
			return Update{Strategy: StrategyValue, Data: value.ToAny(new)}
		}
		return Update{Strategy: StrategyPatch, Data: ops}
	}

	if old.Kind() == value.KindList && new.Kind() == value.KindList {
		ops, wholeReplace := ComputeArrayDiff(old.List(), new.List())
		if wholeReplace {
			return Update{Strategy: StrategyValue, Data: value.ToAny(new)}
		}
		return Update{Strategy: StrategyArray, Data: ops}
	}

	return Update{Strategy: StrategyValue, Data: value.ToAny(new)}
}

// ApplyUpdate is the exact inverse of CreateUpdate for the strategy's
// domain: ApplyUpdate(old, CreateUpdate(old, new)) must equal new.
func ApplyUpdate(base value.Value, u Update) (value.Value, error) {
	switch u.Strategy {
	case StrategyValue:
		return value.FromAny(u.Data), nil

	case StrategyDelta:
		ops, err := coerceTextOps(u.Data)
		if err != nil {
			return value.Value{}, err
		}
		return value.String(ApplyTextDelta(base.String(), ops)), nil

	case StrategyPatch:
		ops, err := coercePatchOps(u.Data)
		if err != nil {
			return value.Value{}, err
		}
		return ApplyJSONPatch(base, ops)

	case StrategyArray:
		ops, err := coerceArrayOps(u.Data)
		if err != nil {
			return value.Value{}, err
		}
		return value.List(ApplyArrayDiff(base.List(), ops)), nil

	default:
		return value.Value{}, fmt.Errorf("codec: unknown update strategy %q", u.Strategy)
	}
}

// The coerce* helpers accept both the strongly typed form (produced
// in-process by CreateUpdate) and the map[string]any form a JSON-decoded
// wire message yields, since Update.Data crosses the wire as `any`.

func coerceTextOps(data any) ([]TextOp, error) {
	switch v := data.(type) {
	case []TextOp:
		return v, nil
	case []any:
		out := make([]TextOp, 0, len(v))
		for _, e := range v {
			m, ok := e.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("codec: malformed delta op")
			}
			op := TextOp{}
			if p, ok := m["position"].(float64); ok {
				op.Position = int(p)
			}
			if s, ok := m["insert"].(string); ok {
				op.Insert = s
			}
			if d, ok := m["delete"].(float64); ok {
				op.Delete = int(d)
			}
			out = append(out, op)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("codec: unexpected delta data type %T", data)
	}
}

func coercePatchOps(data any) ([]PatchOp, error) {
	switch v := data.(type) {
	case []PatchOp:
		return v, nil
	case []any:
		out := make([]PatchOp, 0, len(v))
		for _, e := range v {
			m, ok := e.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("codec: malformed patch op")
			}
			op := PatchOp{}
			if s, ok := m["op"].(string); ok {
				op.Op = s
			}
			if s, ok := m["path"].(string); ok {
				op.Path = s
			}
			op.Value = m["value"]
			out = append(out, op)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("codec: unexpected patch data type %T", data)
	}
}

func coerceArrayOps(data any) ([]ArrayOp, error) {
	switch v := data.(type) {
	case []ArrayOp:
		return v, nil
	case []any:
		out := make([]ArrayOp, 0, len(v))
		for _, e := range v {
			m, ok := e.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("codec: malformed array op")
			}
			op := ArrayOp{}
			if s, ok := m["kind"].(string); ok {
				op.Kind = ArrayOpKind(s)
			}
			if idx, ok := m["index"].(float64); ok {
				op.Index = int(idx)
			}
			op.Value = m["value"]
			out = append(out, op)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("codec: unexpected array data type %T", data)
	}
}
