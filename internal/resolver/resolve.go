package resolver

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	"github.com/sylphxai/lens/internal/codec"
	"github.com/sylphxai/lens/internal/emitcmd"
	"github.com/sylphxai/lens/internal/value"
)

// resolveCtx threads per-call state through one Resolve invocation: the
// cycle-cutoff visited set (shared across the whole traversal, per
// spec.md §4.5) and the emit/cleanup sinks live fields register against.
type resolveCtx struct {
	visited   map[string]bool
	emit      EmitFunc
	onCleanup CleanupRegistrar
}

// Resolve walks root according to sel, dispatching entity field
// resolvers as it goes, and returns the projected result.
func Resolve(ctx context.Context, reg *Registry, root value.Value, sel *Selection, emit EmitFunc, onCleanup CleanupRegistrar) (value.Value, error) {
	rc := &resolveCtx{visited: make(map[string]bool), emit: emit, onCleanup: onCleanup}
	return reg.resolveValue(ctx, rc, "$", root, sel)
}

func (r *Registry) resolveValue(ctx context.Context, rc *resolveCtx, path string, v value.Value, sel *Selection) (value.Value, error) {
	switch v.Kind() {
	case value.KindObject:
		obj, err := r.resolveObject(ctx, rc, path, v.AsObject(), sel)
		if err != nil {
			return value.Value{}, err
		}
		return value.ObjectVal(obj), nil
	case value.KindList:
		items, err := r.resolveList(ctx, rc, path, v.List(), sel)
		if err != nil {
			return value.Value{}, err
		}
		return value.List(items), nil
	default:
		return v, nil
	}
}

func (r *Registry) resolveObject(ctx context.Context, rc *resolveCtx, path string, obj *value.Object, sel *Selection) (*value.Object, error) {
	out := obj.Clone()

	def, typed := r.discoverType(obj)
	if !typed {
		return projectObject(out, sel), nil
	}

	if skip := markVisited(rc, def.Name, obj); skip {
		return projectObject(out, sel), nil
	}

	for _, f := range def.Fields {
		if !sel.Includes(f.Name) {
			continue
		}
		fieldPath := path + "." + f.Name

		var (
			v   value.Value
			err error
		)
		switch f.Kind {
		case FieldExpose:
			v, _ = out.Get(f.Name)
		case FieldResolve:
			v, err = callResolve(ctx, f, obj)
		case FieldLive:
			v, err = callLive(ctx, rc, fieldPath, f, obj)
		default:
			err = fmt.Errorf("resolver: unknown field kind for %s.%s", def.Name, f.Name)
		}
		if err != nil {
			return nil, fmt.Errorf("resolver: %s.%s: %w", def.Name, f.Name, err)
		}

		if f.Kind != FieldExpose {
			if child := sel.Field(f.Name); child != nil {
				nested, err := r.resolveValue(ctx, rc, fieldPath, v, child)
				if err != nil {
					return nil, err
				}
				v = nested
			}
		}
		out.Set(f.Name, v)
	}
	return projectObject(out, sel), nil
}

// batchGroup is one (entity type) bucket of list entries sharing the
// same definition, so resolve-kind fields can fan in through Batch once
// per field instead of once per element.
type batchGroup struct {
	def     *EntityDef
	indices []int
	objs    []*value.Object
}

// typedEntry pairs a list entry's position and backing object with its
// discovered entity type, the unit grouped by lo.GroupBy below.
type typedEntry struct {
	typeName string
	idx      int
	obj      *value.Object
}

func (r *Registry) resolveList(ctx context.Context, rc *resolveCtx, path string, items []value.Value, sel *Selection) ([]value.Value, error) {
	out := make([]value.Value, len(items))

	var typed []typedEntry
	for i, it := range items {
		if it.Kind() != value.KindObject {
			out[i] = it
			continue
		}
		obj := it.AsObject()
		def, ok := r.discoverType(obj)
		if !ok {
			out[i] = value.ObjectVal(projectObject(obj.Clone(), sel))
			continue
		}
		typed = append(typed, typedEntry{typeName: def.Name, idx: i, obj: obj})
	}

	byType := lo.GroupBy(typed, func(e typedEntry) string { return e.typeName })
	groupOrder := lo.Uniq(lo.Map(typed, func(e typedEntry, _ int) string { return e.typeName }))

	for _, typeName := range groupOrder {
		entries := byType[typeName]
		def, _ := r.Lookup(typeName)
		g := &batchGroup{
			def:     def,
			indices: lo.Map(entries, func(e typedEntry, _ int) int { return e.idx }),
			objs:    lo.Map(entries, func(e typedEntry, _ int) *value.Object { return e.obj }),
		}
		clones := make([]*value.Object, len(g.objs))
		for j, o := range g.objs {
			clones[j] = o.Clone()
		}

		for _, f := range g.def.Fields {
			if !sel.Includes(f.Name) || f.Kind == FieldExpose {
				continue
			}
			switch f.Kind {
			case FieldResolve:
				if err := r.runBatchedResolve(ctx, f, g, clones); err != nil {
					return nil, fmt.Errorf("resolver: %s.%s: %w", typeName, f.Name, err)
				}
			case FieldLive:
				for j, obj := range g.objs {
					fieldPath := elementPath(path, obj, f.Name)
					v, err := callLive(ctx, rc, fieldPath, f, obj)
					if err != nil {
						return nil, fmt.Errorf("resolver: %s.%s: %w", typeName, f.Name, err)
					}
					clones[j].Set(f.Name, v)
				}
			}
		}

		for j, obj := range g.objs {
			idx := g.indices[j]
			result := clones[j]

			if skip := markVisited(rc, typeName, obj); !skip {
				for _, f := range g.def.Fields {
					if f.Kind == FieldExpose || !sel.Includes(f.Name) {
						continue
					}
					child := sel.Field(f.Name)
					if child == nil {
						continue
					}
					fv, _ := result.Get(f.Name)
					nested, err := r.resolveValue(ctx, rc, elementPath(path, obj, f.Name), fv, child)
					if err != nil {
						return nil, err
					}
					result.Set(f.Name, nested)
				}
			}
			out[idx] = value.ObjectVal(projectObject(result, sel))
		}
	}
	return out, nil
}

func (r *Registry) runBatchedResolve(ctx context.Context, f FieldDef, g *batchGroup, clones []*value.Object) error {
	if f.Batch != nil {
		if r.Metrics != nil {
			r.Metrics.ObserveBatch(g.def.Name, f.Name, len(g.objs))
		}
		vals, err := callBatch(ctx, f, g.objs)
		if err != nil {
			return err
		}
		if len(vals) != len(g.objs) {
			return fmt.Errorf("batch returned %d values for %d parents", len(vals), len(g.objs))
		}
		for j, v := range vals {
			clones[j].Set(f.Name, v)
		}
		return nil
	}
	for j, obj := range g.objs {
		v, err := callResolve(ctx, f, obj)
		if err != nil {
			return err
		}
		clones[j].Set(f.Name, v)
	}
	return nil
}

// callResolve, callLive, and callBatch are the only points that invoke
// caller-supplied FieldDef functions; each recovers its own panic and
// returns it as an error, the same way reconnect.Resolver.resolveOne
// recovers around a single subscription's resolution. The caller wraps
// that error and aborts the whole Resolve call with it: the field is not
// collapsed to null and its sibling fields are not returned.
func callResolve(ctx context.Context, f FieldDef, parent *value.Object) (v value.Value, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("field resolver panicked: %v", p)
		}
	}()
	if f.Resolve != nil {
		return f.Resolve(ctx, parent)
	}
	if f.Batch != nil {
		vals, err := f.Batch(ctx, []*value.Object{parent})
		if err != nil {
			return value.Value{}, err
		}
		if len(vals) != 1 {
			return value.Value{}, fmt.Errorf("batch returned %d values for 1 parent", len(vals))
		}
		return vals[0], nil
	}
	return value.Null(), nil
}

func callLive(ctx context.Context, rc *resolveCtx, path string, f FieldDef, parent *value.Object) (v value.Value, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("live publisher panicked: %v", p)
		}
	}()
	if f.Live == nil {
		return value.Null(), nil
	}
	emit := func(cmd emitcmd.Command) {
		if rc.emit != nil {
			rc.emit(prefixCommand(path, cmd))
		}
	}
	registrar := func(fn CleanupFunc) {
		if rc.onCleanup != nil {
			rc.onCleanup(fn)
		}
	}
	return f.Live(ctx, parent, emit, registrar)
}

func callBatch(ctx context.Context, f FieldDef, objs []*value.Object) (vals []value.Value, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("batch resolver panicked: %v", p)
		}
	}()
	return f.Batch(ctx, objs)
}

// markVisited enforces spec.md §4.5's cycle cut-off: a visited set keyed
// by "type:id" short-circuits re-entry. Returns true if obj was already
// visited (caller should stop recursing into it).
func markVisited(rc *resolveCtx, typeName string, obj *value.Object) bool {
	idVal, ok := obj.Get("id")
	if !ok {
		return false
	}
	key := typeName + ":" + idVal.String()
	if rc.visited[key] {
		return true
	}
	rc.visited[key] = true
	return false
}

func elementPath(basePath string, obj *value.Object, field string) string {
	id := "?"
	if idv, ok := obj.Get("id"); ok {
		id = idv.String()
	}
	return basePath + "[" + id + "]." + field
}

func projectObject(obj *value.Object, sel *Selection) *value.Object {
	if sel == nil || sel.All {
		return obj
	}
	out := value.NewObject()
	for _, k := range obj.Keys() {
		if sel.Includes(k) {
			v, _ := obj.Get(k)
			out.Set(k, v)
		}
	}
	return out
}

// prefixCommand scopes an EmitCommand produced by a live field's
// publisher to that field's path, so the engine can forward it as a
// path-prefixed ops update without the publisher needing to know its
// own position in the result tree.
//
// full{replace:false} is flattened to a field-level value replace here:
// a live publisher reporting a partial object update at a leaf path
// doesn't have a parent canonical record to merge against the way the
// graph state manager's own `full` command does.
func prefixCommand(path string, cmd emitcmd.Command) emitcmd.Command {
	switch cmd.Kind {
	case emitcmd.KindFull:
		u := codec.Update{Strategy: codec.StrategyValue, Data: value.ToAny(cmd.FullData)}
		return emitcmd.Field(path, u)
	case emitcmd.KindField:
		return emitcmd.Field(path+"."+cmd.Field, cmd.FieldUpdate)
	case emitcmd.KindBatch:
		prefixed := make([]emitcmd.FieldUpdate, len(cmd.BatchUpdates))
		for i, u := range cmd.BatchUpdates {
			prefixed[i] = emitcmd.FieldUpdate{Field: path + "." + u.Field, Update: u.Update}
		}
		return emitcmd.Batch(prefixed)
	case emitcmd.KindArray:
		field := path
		if cmd.ArrayField != "" {
			field = path + "." + cmd.ArrayField
		}
		return emitcmd.Array(field, cmd.Array)
	default:
		return cmd
	}
}
