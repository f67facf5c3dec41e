package codec

import (
	"strings"
	"testing"

	"github.com/sylphxai/lens/internal/value"
)

func TestCreateApplyUpdateValueStrategy(t *testing.T) {
	old := value.Int(1)
	new := value.Int(2)
	u := CreateUpdate(old, new)
	if u.Strategy != StrategyValue {
		t.Fatalf("expected value strategy, got %s", u.Strategy)
	}
	got, err := ApplyUpdate(old, u)
	if err != nil {
		t.Fatal(err)
	}
	if !value.Equal(got, new) {
		t.Fatalf("round trip mismatch: %v != %v", got.GoString(), new.GoString())
	}
}

func TestCreateApplyUpdateDeltaStrategy(t *testing.T) {
	old := strings.Repeat("a", 200)
	new := old + "bbbb"
	u := CreateUpdate(value.String(old), value.String(new))
	if u.Strategy != StrategyDelta {
		t.Fatalf("expected delta strategy, got %s", u.Strategy)
	}
	got, err := ApplyUpdate(value.String(old), u)
	if err != nil {
		t.Fatal(err)
	}
	if got.String() != new {
		t.Fatalf("round trip mismatch: got %q want %q", got.String(), new)
	}
}

func TestCreateApplyUpdatePatchStrategy(t *testing.T) {
	oldObj := value.NewObject()
	oldObj.Set("name", value.String("Ada"))
	oldObj.Set("age", value.Int(30))

	newObj := value.NewObject()
	newObj.Set("name", value.String("Ada"))
	newObj.Set("age", value.Int(31))
	newObj.Set("city", value.String("London"))

	old := value.ObjectVal(oldObj)
	new := value.ObjectVal(newObj)

	u := CreateUpdate(old, new)
	if u.Strategy != StrategyPatch {
		t.Fatalf("expected patch strategy, got %s", u.Strategy)
	}
	got, err := ApplyUpdate(old, u)
	if err != nil {
		t.Fatal(err)
	}
	if !value.Equal(got, new) {
		t.Fatalf("round trip mismatch")
	}
}

func TestCreateApplyUpdateArrayStrategy(t *testing.T) {
	old := value.List([]value.Value{value.Int(1), value.Int(2), value.Int(3)})
	new := value.List([]value.Value{value.Int(1), value.Int(99), value.Int(3), value.Int(4)})

	u := CreateUpdate(old, new)
	if u.Strategy != StrategyArray {
		t.Fatalf("expected array strategy, got %s", u.Strategy)
	}
	got, err := ApplyUpdate(old, u)
	if err != nil {
		t.Fatal(err)
	}
	if !value.Equal(got, new) {
		t.Fatalf("round trip mismatch: %v", value.ToAny(got))
	}
}

func TestCreateApplyUpdateArrayWholeReplace(t *testing.T) {
	old := value.List([]value.Value{value.Int(1), value.Int(2)})
	new := value.List([]value.Value{value.String("x"), value.String("y"), value.String("z")})

	u := CreateUpdate(old, new)
	if u.Strategy != StrategyValue {
		t.Fatalf("expected whole-replace (value) strategy when no shared structure, got %s", u.Strategy)
	}
}

func TestCreateUpdateStructurallyEqualObjectsUsesValueStrategy(t *testing.T) {
	oldObj := value.NewObject()
	oldObj.Set("title", value.String("Hello"))
	old := value.ObjectVal(oldObj)

	newObj := value.NewObject()
	newObj.Set("title", value.String("Hello"))
	new := value.ObjectVal(newObj)

	u := CreateUpdate(old, new)
	if u.Strategy != StrategyValue {
		t.Fatalf("expected value strategy for no-op diff, got %s", u.Strategy)
	}
}
