package value

import (
	"hash/fnv"
	"sort"
	"strconv"
)

// Hash computes a deterministic content hash for v. Equal values (per
// Equal) always produce the same hash; object key order does not affect
// the result. Used by the reconnect protocol to compare a client's
// dataHash with current canonical state; the graph state manager detects
// unchanged emits with Equal instead.
func Hash(v Value) uint64 {
	h := fnv.New64a()
	writeHash(h, v)
	return h.Sum64()
}

func writeHash(h hashWriter, v Value) {
	switch v.Kind() {
	case KindNull:
		h.Write([]byte{0})
	case KindBool:
		if v.Bool() {
			h.Write([]byte{1, 1})
		} else {
			h.Write([]byte{1, 0})
		}
	case KindInt:
		h.Write([]byte{2})
		h.Write([]byte(strconv.FormatInt(v.Int(), 10)))
	case KindFloat:
		h.Write([]byte{3})
		h.Write([]byte(strconv.FormatFloat(v.Float(), 'g', -1, 64)))
	case KindString:
		h.Write([]byte{4})
		h.Write([]byte(v.String()))
	case KindBytes:
		h.Write([]byte{5})
		h.Write(v.BytesVal())
	case KindList:
		h.Write([]byte{6})
		for _, e := range v.List() {
			writeHash(h, e)
			h.Write([]byte{','})
		}
	case KindObject:
		h.Write([]byte{7})
		obj := v.AsObject()
		keys := obj.Keys()
		sort.Strings(keys)
		for _, k := range keys {
			fv, _ := obj.Get(k)
			h.Write([]byte(k))
			h.Write([]byte{':'})
			writeHash(h, fv)
			h.Write([]byte{';'})
		}
	}
}

type hashWriter interface {
	Write(p []byte) (int, error)
}
