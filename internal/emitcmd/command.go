// Package emitcmd implements the EmitCommand tagged union from spec.md
// §3/§4.4 and the single ApplyEmitCommand function that interprets it
// against a state value. Per spec.md §9 ("both parties apply the same
// command"), this implementation is meant to be ported bit-for-bit to
// any client-side mirror rather than reimplemented independently.
package emitcmd

import (
	"fmt"
	"strings"

	"github.com/sylphxai/lens/internal/codec"
	"github.com/sylphxai/lens/internal/value"
)

// Kind discriminates the EmitCommand variants.
type Kind string

const (
	KindFull  Kind = "full"
	KindField Kind = "field"
	KindBatch Kind = "batch"
	KindArray Kind = "array"
)

// ArrayOpKind names the array mutation a KindArray command performs.
type ArrayOpKind string

const (
	ArrayPush       ArrayOpKind = "push"
	ArrayUnshift    ArrayOpKind = "unshift"
	ArrayInsert     ArrayOpKind = "insert"
	ArrayRemove     ArrayOpKind = "remove"
	ArrayRemoveByID ArrayOpKind = "removeById"
	ArrayUpdate     ArrayOpKind = "update"
	ArrayUpdateByID ArrayOpKind = "updateById"
	ArrayMerge      ArrayOpKind = "merge"
	ArrayMergeByID  ArrayOpKind = "mergeById"
)

// FieldUpdate pairs a field name with the codec Update to apply to it,
// used by the Batch variant.
type FieldUpdate struct {
	Field  string
	Update codec.Update
}

// ArrayOp describes one array mutation for the Array variant.
type ArrayOp struct {
	Kind  ArrayOpKind
	Index int         // for insert/remove/update
	ID    string      // for *ById variants, matched against each element's "id" field
	Value value.Value // payload for push/unshift/insert/update/merge
}

// Command is the tagged union described in spec.md §3.
type Command struct {
	Kind Kind

	// KindFull
	FullData    value.Value
	FullReplace bool

	// KindField
	Field       string
	FieldUpdate codec.Update

	// KindBatch
	BatchUpdates []FieldUpdate

	// KindArray
	ArrayField string // optional; empty means the command targets array canonical state directly
	Array      ArrayOp
}

func Full(data value.Value, replace bool) Command {
	return Command{Kind: KindFull, FullData: data, FullReplace: replace}
}

func Field(field string, u codec.Update) Command {
	return Command{Kind: KindField, Field: field, FieldUpdate: u}
}

func Batch(updates []FieldUpdate) Command {
	return Command{Kind: KindBatch, BatchUpdates: updates}
}

func Array(field string, op ArrayOp) Command {
	return Command{Kind: KindArray, ArrayField: field, Array: op}
}

// ApplyEmitCommand interprets command against state (an object-shaped
// Value, or the zero Value meaning "entity does not yet exist") and
// returns the resulting state. It is pure: it never mutates state's
// backing Object in place.
func ApplyEmitCommand(command Command, state value.Value) (value.Value, error) {
	switch command.Kind {
	case KindFull:
		if command.FullReplace {
			return command.FullData, nil
		}
		return mergeObjects(state, command.FullData), nil

	case KindField:
		return setDottedPath(state, command.Field, func(old value.Value) (value.Value, error) {
			return codec.ApplyUpdate(old, command.FieldUpdate)
		})

	case KindBatch:
		current := state
		for _, fu := range command.BatchUpdates {
			next, err := setDottedPath(current, fu.Field, func(old value.Value) (value.Value, error) {
				return codec.ApplyUpdate(old, fu.Update)
			})
			if err != nil {
				return value.Value{}, err
			}
			current = next
		}
		return current, nil

	case KindArray:
		return applyArrayCommand(command, state)

	default:
		return value.Value{}, fmt.Errorf("emitcmd: unknown command kind %q", command.Kind)
	}
}

// mergeObjects overlays patch's fields onto base (shallow merge, as
// spec.md §3's `full{replace:false}` requires).
func mergeObjects(base, patch value.Value) value.Value {
	result := base.AsObject().Clone()
	patchObj := patch.AsObject()
	for _, k := range patchObj.Keys() {
		v, _ := patchObj.Get(k)
		result.Set(k, v)
	}
	return value.ObjectVal(result)
}

// setDottedPath navigates/creates intermediate objects along a dotted
// field path (spec.md §4.4: "field commands accept dotted paths and must
// create intermediate objects as needed") and replaces the leaf with
// transform(oldLeafValue).
func setDottedPath(state value.Value, path string, transform func(old value.Value) (value.Value, error)) (value.Value, error) {
	segments := strings.Split(path, ".")
	return setDottedPathAt(state, segments, transform)
}

func setDottedPathAt(state value.Value, segments []string, transform func(old value.Value) (value.Value, error)) (value.Value, error) {
	obj := state.AsObject().Clone()
	head := segments[0]

	if len(segments) == 1 {
		old, _ := obj.Get(head)
		newLeaf, err := transform(old)
		if err != nil {
			return value.Value{}, err
		}
		obj.Set(head, newLeaf)
		return value.ObjectVal(obj), nil
	}

	child, _ := obj.Get(head)
	newChild, err := setDottedPathAt(child, segments[1:], transform)
	if err != nil {
		return value.Value{}, err
	}
	obj.Set(head, newChild)
	return value.ObjectVal(obj), nil
}

func applyArrayCommand(command Command, state value.Value) (value.Value, error) {
	if command.ArrayField == "" {
		items, err := applyArrayOp(state.List(), command.Array)
		if err != nil {
			return value.Value{}, err
		}
		return value.List(items), nil
	}
	return setDottedPath(state, command.ArrayField, func(old value.Value) (value.Value, error) {
		items, err := applyArrayOp(old.List(), command.Array)
		if err != nil {
			return value.Value{}, err
		}
		return value.List(items), nil
	})
}

// applyArrayOp is the shared index-based array operation semantics
// referenced from spec.md §4.3/§4.4.
func applyArrayOp(items []value.Value, op ArrayOp) ([]value.Value, error) {
	result := append([]value.Value(nil), items...)

	findByID := func() int {
		for i, v := range result {
			obj := v.AsObject()
			if id, ok := obj.Get("id"); ok && value.Equal(id, value.String(op.ID)) {
				return i
			}
		}
		return -1
	}

	switch op.Kind {
	case ArrayPush:
		return append(result, op.Value), nil

	case ArrayUnshift:
		return append([]value.Value{op.Value}, result...), nil

	case ArrayInsert:
		idx := clampIndex(op.Index, len(result))
		out := make([]value.Value, 0, len(result)+1)
		out = append(out, result[:idx]...)
		out = append(out, op.Value)
		out = append(out, result[idx:]...)
		return out, nil

	case ArrayRemove:
		if op.Index < 0 || op.Index >= len(result) {
			return result, nil
		}
		return append(result[:op.Index], result[op.Index+1:]...), nil

	case ArrayRemoveByID:
		idx := findByID()
		if idx < 0 {
			return result, nil
		}
		return append(result[:idx], result[idx+1:]...), nil

	case ArrayUpdate:
		if op.Index < 0 || op.Index >= len(result) {
			return result, nil
		}
		result[op.Index] = op.Value
		return result, nil

	case ArrayUpdateByID:
		idx := findByID()
		if idx < 0 {
			return result, nil
		}
		result[idx] = op.Value
		return result, nil

	case ArrayMerge:
		if op.Index < 0 || op.Index >= len(result) {
			return result, nil
		}
		result[op.Index] = mergeObjects(result[op.Index], op.Value)
		return result, nil

	case ArrayMergeByID:
		idx := findByID()
		if idx < 0 {
			return result, nil
		}
		result[idx] = mergeObjects(result[idx], op.Value)
		return result, nil

	default:
		return nil, fmt.Errorf("emitcmd: unknown array op kind %q", op.Kind)
	}
}

func clampIndex(idx, length int) int {
	if idx < 0 {
		return 0
	}
	if idx > length {
		return length
	}
	return idx
}
