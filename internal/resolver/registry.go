// Package resolver implements the field resolver graph from spec.md
// §4.5: given a root value and a selection tree, it walks entity-typed
// subtrees, dispatches per-field resolvers (batching same-type/same-field
// calls within one pass), and projects the result through the selection.
package resolver

import (
	"context"

	"github.com/sylphxai/lens/internal/emitcmd"
	"github.com/sylphxai/lens/internal/value"
)

// FieldKind discriminates how a field's value is produced.
type FieldKind int

const (
	// FieldExpose takes the value directly from the source object.
	FieldExpose FieldKind = iota
	// FieldResolve runs a resolver function, optionally batched.
	FieldResolve
	// FieldLive runs resolve for the initial value, then registers a
	// subscribe publisher for ongoing emits.
	FieldLive
)

// ResolveFunc computes one field's value for a single parent.
type ResolveFunc func(ctx context.Context, parent *value.Object) (value.Value, error)

// BatchFunc computes one field's value for several parents at once,
// the loader's fan-in for FieldResolve fields called without arguments
// across multiple parents in the same pass.
type BatchFunc func(ctx context.Context, parents []*value.Object) ([]value.Value, error)

// EmitFunc is how a live field's publisher reports a change: the
// command is implicitly scoped to the field's path by the caller.
type EmitFunc func(emitcmd.Command)

// CleanupFunc is registered by a live field's publisher and invoked on
// unsubscribe.
type CleanupFunc func()

// CleanupRegistrar lets a publisher register teardown logic.
type CleanupRegistrar func(fn CleanupFunc)

// LiveFunc starts a publisher for a live field. It returns the initial
// value (as Resolve would) and may register cleanup hooks via
// onCleanup. emit delivers subsequent path-prefixed EmitCommands.
type LiveFunc func(ctx context.Context, parent *value.Object, emit EmitFunc, onCleanup CleanupRegistrar) (value.Value, error)

// FieldDef describes one field of an entity definition.
type FieldDef struct {
	Name    string
	Kind    FieldKind
	Resolve ResolveFunc
	Batch   BatchFunc
	Live    LiveFunc
}

// EntityDef is a named collection of field definitions plus the set of
// "own" field names (used for type-overlap scoring).
type EntityDef struct {
	Name   string
	Fields []FieldDef

	byName map[string]FieldDef
	keySet map[string]struct{}
}

func NewEntityDef(name string, fields []FieldDef) *EntityDef {
	def := &EntityDef{Name: name, Fields: fields, byName: make(map[string]FieldDef, len(fields)), keySet: make(map[string]struct{}, len(fields))}
	for _, f := range fields {
		def.byName[f.Name] = f
		def.keySet[f.Name] = struct{}{}
	}
	return def
}

func (d *EntityDef) field(name string) (FieldDef, bool) {
	f, ok := d.byName[name]
	return f, ok
}

// overlapScore is the fraction of obj's keys that are also field names
// of d, used by type discovery when no explicit type tag is present.
func (d *EntityDef) overlapScore(obj *value.Object) float64 {
	if obj == nil || obj.Len() == 0 {
		return 0
	}
	matched := 0
	for _, k := range obj.Keys() {
		if _, ok := d.keySet[k]; ok {
			matched++
		}
	}
	return float64(matched) / float64(obj.Len())
}

// Metrics receives an observation each time runBatchedResolve makes a
// FieldResolve field's Batch call for one type group of list entries,
// with the group's size; a group of one parent is observed too.
type Metrics interface {
	ObserveBatch(entityType, field string, size int)
}

// Registry holds every known EntityDef, keyed by name.
type Registry struct {
	entities map[string]*EntityDef
	// order records registration order, so discoverType's overlap-score
	// tie-break is deterministic instead of depending on Go's randomized
	// map iteration order.
	order []*EntityDef
	// RequireExplicitType gates overlap-scoring type discovery (spec.md
	// §9 Design Notes: "overlap scoring... must be gated by a config
	// flag"). When true, entities without __typename/_type never
	// resolve via overlap and are left untyped.
	RequireExplicitType bool
	// Metrics is optional; nil disables batch-size observation.
	Metrics Metrics
}

func NewRegistry() *Registry {
	return &Registry{entities: make(map[string]*EntityDef)}
}

func (r *Registry) Register(def *EntityDef) {
	if _, exists := r.entities[def.Name]; !exists {
		r.order = append(r.order, def)
	}
	r.entities[def.Name] = def
}

func (r *Registry) Lookup(name string) (*EntityDef, bool) {
	d, ok := r.entities[name]
	return d, ok
}

// EntityNames lists every registered entity type, for the handshake
// response's `entities` field.
func (r *Registry) EntityNames() []string {
	out := make([]string, 0, len(r.entities))
	for name := range r.entities {
		out = append(out, name)
	}
	return out
}

// discoverType implements spec.md §4.5 "Type discovery": an explicit
// __typename/_type field wins outright; otherwise the entity whose
// fields overlap ≥ 50% with obj's keys, ties broken by registration
// order (first-registered wins) so the result is deterministic across
// runs rather than depending on Go's randomized map iteration order.
func (r *Registry) discoverType(obj *value.Object) (*EntityDef, bool) {
	if obj == nil {
		return nil, false
	}
	if tv, ok := obj.Get("__typename"); ok && tv.Kind() == value.KindString {
		return r.Lookup(tv.String())
	}
	if tv, ok := obj.Get("_type"); ok && tv.Kind() == value.KindString {
		return r.Lookup(tv.String())
	}
	if r.RequireExplicitType {
		return nil, false
	}

	var best *EntityDef
	bestScore := 0.0
	for _, def := range r.order {
		score := def.overlapScore(obj)
		if score >= 0.5 && score > bestScore {
			best, bestScore = def, score
		}
	}
	return best, best != nil
}
