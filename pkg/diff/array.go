package diff

import (
	"fmt"

	"github.com/driftwire/driftwire/pkg/protocol"
)

// DiffArrays computes a compact edit script carrying prev to next, or nil
// when no compact script exists and the caller should fall back to sending
// the whole array. An empty (non-nil) result means the arrays are equal.
//
// Shapes handled: one side empty (single whole-array replace); arrays of
// objects carrying a stable "id" field (keyed removes, updates and
// insertions); and id-less arrays that purely grew at one end or shrank at
// the tail. Reorderings of keyed elements are not expressed as moves; they
// return nil.
func DiffArrays(prev, next []any) []protocol.ArrayOp {
	if Equal(prev, next) {
		return []protocol.ArrayOp{}
	}
	if len(prev) == 0 || len(next) == 0 {
		return []protocol.ArrayOp{{Op: protocol.ArrayOpReplace, Items: append([]any{}, next...)}}
	}
	if ids, ok := idIndex(prev); ok {
		if nextIDs, ok := idIndex(next); ok {
			if ops := diffByID(prev, next, ids, nextIDs); ops != nil {
				return ops
			}
			return nil
		}
	}
	return diffPositional(prev, next)
}

// ApplyArrayOps replays ops against a shallow copy of arr. Indices refer to
// the intermediate array as of each op.
func ApplyArrayOps(arr []any, ops []protocol.ArrayOp) ([]any, error) {
	out := make([]any, len(arr))
	copy(out, arr)

	for _, op := range ops {
		switch op.Op {
		case protocol.ArrayOpPush:
			out = append(out, op.Item)

		case protocol.ArrayOpUnshift:
			out = append([]any{op.Item}, out...)

		case protocol.ArrayOpInsert:
			if op.Index < 0 || op.Index > len(out) {
				return nil, fmt.Errorf("diff: insert at %d in array of length %d", op.Index, len(out))
			}
			out = append(out[:op.Index], append([]any{op.Item}, out[op.Index:]...)...)

		case protocol.ArrayOpRemove:
			if op.Index < 0 || op.Index >= len(out) {
				return nil, fmt.Errorf("diff: remove at %d in array of length %d", op.Index, len(out))
			}
			out = append(out[:op.Index], out[op.Index+1:]...)

		case protocol.ArrayOpUpdate:
			if op.Index < 0 || op.Index >= len(out) {
				return nil, fmt.Errorf("diff: update at %d in array of length %d", op.Index, len(out))
			}
			out[op.Index] = op.Item

		case protocol.ArrayOpMove:
			if op.From < 0 || op.From >= len(out) {
				return nil, fmt.Errorf("diff: move from %d in array of length %d", op.From, len(out))
			}
			item := out[op.From]
			out = append(out[:op.From], out[op.From+1:]...)
			if op.To < 0 || op.To > len(out) {
				return nil, fmt.Errorf("diff: move to %d in array of length %d", op.To, len(out))
			}
			out = append(out[:op.To], append([]any{item}, out[op.To:]...)...)

		case protocol.ArrayOpReplace:
			out = append([]any{}, op.Items...)

		default:
			return nil, fmt.Errorf("diff: unknown array op %q", op.Op)
		}
	}
	return out, nil
}

// idIndex maps each element's "id" to its position. ok is false unless
// every element is an object with a scalar id and ids are unique.
func idIndex(arr []any) (map[any]int, bool) {
	idx := make(map[any]int, len(arr))
	for i, el := range arr {
		obj, ok := el.(map[string]any)
		if !ok {
			return nil, false
		}
		id, ok := obj["id"]
		if !ok {
			return nil, false
		}
		switch id.(type) {
		case string, float64, bool:
		default:
			return nil, false
		}
		if _, dup := idx[id]; dup {
			return nil, false
		}
		idx[id] = i
	}
	return idx, true
}

// diffByID emits removes (descending prev index), updates (indices in the
// post-remove intermediate array) and insertions (ascending next index).
// Returns nil when surviving elements changed relative order or when the
// replayed script does not reproduce next.
func diffByID(prev, next []any, prevIDs, nextIDs map[any]int) []protocol.ArrayOp {
	var ops []protocol.ArrayOp

	for i := len(prev) - 1; i >= 0; i-- {
		id := prev[i].(map[string]any)["id"]
		if _, kept := nextIDs[id]; !kept {
			ops = append(ops, protocol.ArrayOp{Op: protocol.ArrayOpRemove, Index: i})
		}
	}

	// Survivors keep their prev order in the intermediate array; bail if
	// next disagrees, reordering has no compact form here.
	var survivors []any
	for _, el := range prev {
		id := el.(map[string]any)["id"]
		if _, kept := nextIDs[id]; kept {
			survivors = append(survivors, id)
		}
	}
	pos := 0
	for _, el := range next {
		id := el.(map[string]any)["id"]
		if _, existed := prevIDs[id]; !existed {
			continue
		}
		if pos >= len(survivors) || survivors[pos] != id {
			return nil
		}
		pos++
	}

	for i, id := range survivors {
		prevEl := prev[prevIDs[id]]
		nextEl := next[nextIDs[id]]
		if !Equal(prevEl, nextEl) {
			ops = append(ops, protocol.ArrayOp{Op: protocol.ArrayOpUpdate, Index: i, Item: nextEl})
		}
	}

	grown := len(survivors)
	for i, el := range next {
		id := el.(map[string]any)["id"]
		if _, existed := prevIDs[id]; existed {
			continue
		}
		if i >= grown {
			ops = append(ops, protocol.ArrayOp{Op: protocol.ArrayOpPush, Item: el})
		} else {
			ops = append(ops, protocol.ArrayOp{Op: protocol.ArrayOpInsert, Index: i, Item: el})
		}
		grown++
	}

	if replayed, err := ApplyArrayOps(prev, ops); err != nil || !Equal(replayed, next) {
		return nil
	}
	return ops
}

// diffPositional handles id-less arrays: pure append, pure prepend or pure
// truncation from the end. Anything else returns nil.
func diffPositional(prev, next []any) []protocol.ArrayOp {
	switch {
	case len(next) > len(prev) && prefixEqual(prev, next):
		ops := make([]protocol.ArrayOp, 0, len(next)-len(prev))
		for _, el := range next[len(prev):] {
			ops = append(ops, protocol.ArrayOp{Op: protocol.ArrayOpPush, Item: el})
		}
		return ops

	case len(next) > len(prev) && suffixEqual(prev, next):
		added := len(next) - len(prev)
		ops := make([]protocol.ArrayOp, 0, added)
		for i := added - 1; i >= 0; i-- {
			ops = append(ops, protocol.ArrayOp{Op: protocol.ArrayOpUnshift, Item: next[i]})
		}
		return ops

	case len(next) < len(prev) && prefixEqual(next, prev):
		ops := make([]protocol.ArrayOp, 0, len(prev)-len(next))
		for i := len(prev) - 1; i >= len(next); i-- {
			ops = append(ops, protocol.ArrayOp{Op: protocol.ArrayOpRemove, Index: i})
		}
		return ops
	}
	return nil
}

// prefixEqual reports whether short equals the head of long.
func prefixEqual(short, long []any) bool {
	for i, el := range short {
		if !Equal(el, long[i]) {
			return false
		}
	}
	return true
}

// suffixEqual reports whether short equals the tail of long.
func suffixEqual(short, long []any) bool {
	offset := len(long) - len(short)
	for i, el := range short {
		if !Equal(el, long[offset+i]) {
			return false
		}
	}
	return true
}
