package engine

import (
	"github.com/sylphxai/lens/internal/resolver"
	"github.com/sylphxai/lens/internal/value"
)

// peelSelect extracts a "$select" key from a raw operation input object
// (spec.md §4.6: "$select peeling before validation") and returns the
// remaining input plus the parsed selection tree. Inputs without a
// "$select" key, or that aren't objects at all, select everything.
func peelSelect(raw value.Value) (value.Value, *resolver.Selection) {
	if raw.Kind() != value.KindObject {
		return raw, resolver.AllSelection()
	}
	obj := raw.AsObject()
	selRaw, ok := obj.Get("$select")
	if !ok {
		return raw, resolver.AllSelection()
	}
	rest := obj.Clone()
	rest.Delete("$select")
	return value.ObjectVal(rest), parseSelection(selRaw)
}

// parseSelection converts a wire-shaped selection value — nested objects
// whose leaves are `true` — into a resolver.Selection tree. An explicit
// false omits the field; any other leaf value (number, string, null)
// selects the field whole, and a non-object selection selects
// everything.
func parseSelection(v value.Value) *resolver.Selection {
	if v.Kind() != value.KindObject {
		return resolver.AllSelection()
	}
	obj := v.AsObject()
	sel := &resolver.Selection{Children: make(map[string]*resolver.Selection)}
	for _, k := range obj.Keys() {
		fv, _ := obj.Get(k)
		switch fv.Kind() {
		case value.KindBool:
			if fv.Bool() {
				sel.Children[k] = resolver.AllSelection()
			}
		case value.KindObject:
			sel.Children[k] = parseSelection(fv)
		default:
			sel.Children[k] = resolver.AllSelection()
		}
	}
	return sel
}
