package resolver

import (
	"context"
	"testing"

	"github.com/sylphxai/lens/internal/value"
)

func entity(kvs ...any) value.Value {
	o := value.NewObject()
	for i := 0; i < len(kvs); i += 2 {
		o.Set(kvs[i].(string), kvs[i+1].(value.Value))
	}
	return value.ObjectVal(o)
}

func TestExposeFieldPassesThrough(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewEntityDef("User", []FieldDef{
		{Name: "id", Kind: FieldExpose},
		{Name: "name", Kind: FieldExpose},
	}))

	root := entity("__typename", value.String("User"), "id", value.String("u1"), "name", value.String("Ada"))
	got, err := Resolve(context.Background(), reg, root, AllSelection(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	name, _ := got.AsObject().Get("name")
	if name.String() != "Ada" {
		t.Fatalf("expected exposed name Ada, got %v", value.ToAny(got))
	}
}

func TestResolveFieldRuns(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewEntityDef("User", []FieldDef{
		{Name: "id", Kind: FieldExpose},
		{Name: "fullName", Kind: FieldResolve, Resolve: func(_ context.Context, parent *value.Object) (value.Value, error) {
			name, _ := parent.Get("name")
			return value.String("Dr. " + name.String()), nil
		}},
	}))

	root := entity("__typename", value.String("User"), "id", value.String("u1"), "name", value.String("Ada"))
	got, err := Resolve(context.Background(), reg, root, AllSelection(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	full, _ := got.AsObject().Get("fullName")
	if full.String() != "Dr. Ada" {
		t.Fatalf("expected resolved fullName, got %v", value.ToAny(got))
	}
}

func TestBatchedResolveAcrossList(t *testing.T) {
	reg := NewRegistry()
	var batchCalls int
	reg.Register(NewEntityDef("User", []FieldDef{
		{Name: "id", Kind: FieldExpose},
		{Name: "greeting", Kind: FieldResolve, Batch: func(_ context.Context, parents []*value.Object) ([]value.Value, error) {
			batchCalls++
			out := make([]value.Value, len(parents))
			for i, p := range parents {
				id, _ := p.Get("id")
				out[i] = value.String("hi " + id.String())
			}
			return out, nil
		}},
	}))

	root := value.List([]value.Value{
		entity("__typename", value.String("User"), "id", value.String("u1")),
		entity("__typename", value.String("User"), "id", value.String("u2")),
	})

	got, err := Resolve(context.Background(), reg, root, AllSelection(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if batchCalls != 1 {
		t.Fatalf("expected exactly one batch call for both list entries, got %d", batchCalls)
	}
	items := got.List()
	g0, _ := items[0].AsObject().Get("greeting")
	g1, _ := items[1].AsObject().Get("greeting")
	if g0.String() != "hi u1" || g1.String() != "hi u2" {
		t.Fatalf("unexpected greetings: %v, %v", value.ToAny(items[0]), value.ToAny(items[1]))
	}
}

func TestCycleCutoff(t *testing.T) {
	reg := NewRegistry()
	var resolveCalls int
	reg.Register(NewEntityDef("Node", []FieldDef{
		{Name: "id", Kind: FieldExpose},
		{Name: "self", Kind: FieldResolve, Resolve: func(_ context.Context, parent *value.Object) (value.Value, error) {
			resolveCalls++
			return value.ObjectVal(parent), nil // resolves to itself: a cycle
		}},
	}))

	sel := &Selection{Children: map[string]*Selection{
		"id":   AllSelection(),
		"self": {Children: map[string]*Selection{"id": AllSelection(), "self": AllSelection()}},
	}}

	root := entity("__typename", value.String("Node"), "id", value.String("n1"))
	_, err := Resolve(context.Background(), reg, root, sel, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resolveCalls != 1 {
		t.Fatalf("expected cycle cutoff to stop re-entry after 1 resolve, got %d calls", resolveCalls)
	}
}

func TestResolveFieldPanicIsRecovered(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewEntityDef("User", []FieldDef{
		{Name: "id", Kind: FieldExpose},
		{Name: "boom", Kind: FieldResolve, Resolve: func(_ context.Context, _ *value.Object) (value.Value, error) {
			panic("resolver exploded")
		}},
	}))

	root := entity("__typename", value.String("User"), "id", value.String("u1"))
	_, err := Resolve(context.Background(), reg, root, AllSelection(), nil, nil)
	if err == nil {
		t.Fatal("expected an error from the recovered panic, got nil")
	}
}

func TestBatchFieldPanicIsRecovered(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewEntityDef("User", []FieldDef{
		{Name: "id", Kind: FieldExpose},
		{Name: "boom", Kind: FieldResolve, Batch: func(_ context.Context, _ []*value.Object) ([]value.Value, error) {
			panic("batch exploded")
		}},
	}))

	root := value.List([]value.Value{
		entity("__typename", value.String("User"), "id", value.String("u1")),
		entity("__typename", value.String("User"), "id", value.String("u2")),
	})
	_, err := Resolve(context.Background(), reg, root, AllSelection(), nil, nil)
	if err == nil {
		t.Fatal("expected an error from the recovered batch panic, got nil")
	}
}

func TestTypeDiscoveryByOverlap(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewEntityDef("User", []FieldDef{
		{Name: "id", Kind: FieldExpose},
		{Name: "name", Kind: FieldExpose},
		{Name: "email", Kind: FieldExpose},
	}))

	// No __typename, but 2 of 2 keys overlap with User's fields (>=50%).
	obj := value.NewObject()
	obj.Set("name", value.String("Ada"))
	obj.Set("email", value.String("a@x"))
	def, ok := reg.discoverType(obj)
	if !ok || def.Name != "User" {
		t.Fatalf("expected overlap-based discovery of User, got %v", def)
	}
}

func TestRequireExplicitTypeGatesOverlap(t *testing.T) {
	reg := NewRegistry()
	reg.RequireExplicitType = true
	reg.Register(NewEntityDef("User", []FieldDef{
		{Name: "name", Kind: FieldExpose},
	}))

	obj := value.NewObject()
	obj.Set("name", value.String("Ada"))
	if _, ok := reg.discoverType(obj); ok {
		t.Fatalf("expected overlap discovery to be gated off")
	}
}
