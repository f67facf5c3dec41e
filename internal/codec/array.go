package codec

import (
	"github.com/samber/lo"

	"github.com/sylphxai/lens/internal/value"
)

// ArrayOpKind discriminates one step of an array diff.
type ArrayOpKind string

const (
	ArrayOpInsert  ArrayOpKind = "insert"
	ArrayOpRemove  ArrayOpKind = "remove"
	ArrayOpReplace ArrayOpKind = "replace"
)

// ArrayOp is one indexed step of an array update, applied left to right
// against the array as it stands after the previous op.
type ArrayOp struct {
	Kind  ArrayOpKind `json:"kind"`
	Index int         `json:"index"`
	Value any         `json:"value,omitempty"`
}

// ComputeArrayDiff implements spec.md §4.1's array route: diff old and
// new via LCS, and report whether the result collapses to a single whole
// replace (no shared structure at all) or a genuine ops sequence.
func ComputeArrayDiff(old, new []value.Value) (ops []ArrayOp, wholeReplace bool) {
	lcs := longestCommonSubsequence(old, new)
	if len(lcs) == 0 && (len(old) > 0 || len(new) > 0) {
		return nil, true
	}
	return diffFromLCS(old, new, lcs), false
}

// lcsEntry pairs an old index with its matched new index.
type lcsEntry struct {
	oldIdx int
	newIdx int
}

func longestCommonSubsequence(old, new []value.Value) []lcsEntry {
	n, m := len(old), len(new)
	if n == 0 || m == 0 {
		return nil
	}
	dp := make([][]int, n+1)
	for i := range dp {
		dp[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if value.Equal(old[i], new[j]) {
				dp[i][j] = dp[i+1][j+1] + 1
			} else if dp[i+1][j] >= dp[i][j+1] {
				dp[i][j] = dp[i+1][j]
			} else {
				dp[i][j] = dp[i][j+1]
			}
		}
	}

	var entries []lcsEntry
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case value.Equal(old[i], new[j]):
			entries = append(entries, lcsEntry{oldIdx: i, newIdx: j})
			i++
			j++
		case dp[i+1][j] >= dp[i][j+1]:
			i++
		default:
			j++
		}
	}
	return entries
}

// diffFromLCS walks old/new against the matched pairs and emits a
// removal for every unmatched old element and an insert for every
// unmatched new element (it produces no replace ops), indexed against
// the array as it evolves.
func diffFromLCS(old, new []value.Value, lcs []lcsEntry) []ArrayOp {
	matchedOld := lo.SliceToMap(lcs, func(e lcsEntry) (int, int) { return e.oldIdx, e.newIdx })
	matchedNew := lo.SliceToMap(lcs, func(e lcsEntry) (int, int) { return e.newIdx, e.oldIdx })

	var ops []ArrayOp
	shift := 0 // running adjustment: (#inserted so far) - (#removed so far), applied to old-array indices

	oi, ni := 0, 0
	for oi < len(old) || ni < len(new) {
		if oi < len(old) {
			if _, matched := matchedOld[oi]; !matched {
				ops = append(ops, ArrayOp{Kind: ArrayOpRemove, Index: oi + shift})
				shift--
				oi++
				continue
			}
		}
		if ni < len(new) {
			if _, matched := matchedNew[ni]; !matched {
				ops = append(ops, ArrayOp{Kind: ArrayOpInsert, Index: ni, Value: value.ToAny(new[ni])})
				shift++
				ni++
				continue
			}
		}
		// Both current positions are matched to each other (the common
		// subsequence step): advance past them without an op.
		if oi < len(old) && ni < len(new) {
			oi++
			ni++
			continue
		}
		break
	}
	return ops
}

// ApplyArrayDiff applies ops in order to base, returning the resulting
// slice. Used by ApplyUpdate (array strategy); emitcmd's array commands
// go through emitcmd's own applyArrayOp instead.
func ApplyArrayDiff(base []value.Value, ops []ArrayOp) []value.Value {
	result := append([]value.Value(nil), base...)
	for _, op := range ops {
		switch op.Kind {
		case ArrayOpInsert:
			v := value.FromAny(op.Value)
			if op.Index >= len(result) {
				result = append(result, v)
			} else if op.Index >= 0 {
				result = append(result[:op.Index], append([]value.Value{v}, result[op.Index:]...)...)
			}
		case ArrayOpRemove:
			if op.Index >= 0 && op.Index < len(result) {
				result = append(result[:op.Index], result[op.Index+1:]...)
			}
		case ArrayOpReplace:
			if op.Index >= 0 && op.Index < len(result) {
				result[op.Index] = value.FromAny(op.Value)
			}
		}
	}
	return result
}
