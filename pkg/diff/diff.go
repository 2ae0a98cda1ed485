// Package diff implements the per-field update codec: given a field's
// previous and next value it picks the cheapest wire representation (full
// value, text delta, RFC 6902 patch or array diff) and replays any of those
// representations back into the next value. Encoding is total and lossless;
// an encoded form is only chosen when it is strictly smaller than the plain
// value form, so the fallback never loses to replacement.
package diff

import (
	"fmt"
	"reflect"
	"unicode/utf8"

	"github.com/driftwire/driftwire/pkg/jsonpatch"
	"github.com/driftwire/driftwire/pkg/protocol"
)

// deltaThreshold is the rune length one side of a string transition must
// exceed before a text delta is considered. Short strings are cheaper to
// resend whole.
const deltaThreshold = 100

// Equal reports structural equality of two canonical JSON values.
func Equal(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// Encode computes the update record carrying prev to next. It returns nil
// when the values are structurally equal; callers elide the field entirely.
// Inputs are expected in canonical JSON form (maps, slices, float64,
// string, bool, nil).
func Encode(prev, next any) *protocol.Update {
	if Equal(prev, next) {
		return nil
	}
	value, err := protocol.NewValueUpdate(next)
	if err != nil {
		value = protocol.Update{Strategy: protocol.StrategyValue, Data: []byte("null")}
		return &value
	}
	budget := len(value.Data)

	if ps, ok := prev.(string); ok {
		if ns, ok := next.(string); ok {
			if utf8.RuneCountInString(ps) > deltaThreshold || utf8.RuneCountInString(ns) > deltaThreshold {
				if ops := textDelta(ps, ns); ops != nil {
					if u, err := protocol.NewDeltaUpdate(ops); err == nil && len(u.Data) < budget {
						return &u
					}
				}
			}
		}
	}

	if pm, ok := prev.(map[string]any); ok {
		if nm, ok := next.(map[string]any); ok {
			if ops, err := jsonpatch.Diff(pm, nm); err == nil && len(ops) > 0 {
				if u, err := protocol.NewPatchUpdate(ops); err == nil && len(u.Data) < budget {
					return &u
				}
			}
		}
	}

	if pa, ok := prev.([]any); ok {
		if na, ok := next.([]any); ok {
			if ops := DiffArrays(pa, na); len(ops) > 0 && !isWholeReplace(ops) {
				if u, err := protocol.NewArrayUpdate(ops); err == nil && len(u.Data) < budget {
					return &u
				}
			}
		}
	}

	return &value
}

// Decode replays an update record against the previous value and returns
// the next one. The previous value is never mutated.
func Decode(prev any, u protocol.Update) (any, error) {
	switch u.Strategy {
	case protocol.StrategyValue:
		return u.Value()

	case protocol.StrategyDelta:
		base, ok := prev.(string)
		if !ok {
			return nil, fmt.Errorf("diff: delta update over %T, want string", prev)
		}
		ops, err := u.DeltaOps()
		if err != nil {
			return nil, err
		}
		return applyDelta(base, ops)

	case protocol.StrategyPatch:
		ops, err := u.PatchOps()
		if err != nil {
			return nil, err
		}
		return jsonpatch.Apply(prev, ops)

	case protocol.StrategyArray:
		var base []any
		switch p := prev.(type) {
		case nil:
		case []any:
			base = p
		default:
			return nil, fmt.Errorf("diff: array update over %T, want array", prev)
		}
		ops, err := u.ArrayOps()
		if err != nil {
			return nil, err
		}
		return ApplyArrayOps(base, ops)

	default:
		return nil, fmt.Errorf("diff: unknown update strategy %q", u.Strategy)
	}
}

func isWholeReplace(ops []protocol.ArrayOp) bool {
	return len(ops) == 1 && ops[0].Op == protocol.ArrayOpReplace
}

// textDelta trims the longest common rune prefix and non-overlapping suffix
// and emits the single splice bridging the middles. Returns nil when the
// strings are equal.
func textDelta(prev, next string) []protocol.DeltaOp {
	p := []rune(prev)
	n := []rune(next)

	prefix := 0
	for prefix < len(p) && prefix < len(n) && p[prefix] == n[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(p)-prefix && suffix < len(n)-prefix && p[len(p)-1-suffix] == n[len(n)-1-suffix] {
		suffix++
	}

	deleted := len(p) - prefix - suffix
	inserted := string(n[prefix : len(n)-suffix])
	if deleted == 0 && inserted == "" {
		return nil
	}
	return []protocol.DeltaOp{{Position: prefix, Delete: deleted, Insert: inserted}}
}

// applyDelta replays splice ops in order. Positions and delete counts are
// rune offsets into the intermediate string as of each op.
func applyDelta(base string, ops []protocol.DeltaOp) (string, error) {
	runes := []rune(base)
	for _, op := range ops {
		if op.Position < 0 || op.Position > len(runes) {
			return "", fmt.Errorf("diff: delta position %d outside string of length %d", op.Position, len(runes))
		}
		if op.Delete < 0 || op.Position+op.Delete > len(runes) {
			return "", fmt.Errorf("diff: delta removes %d runes at %d in string of length %d", op.Delete, op.Position, len(runes))
		}
		spliced := make([]rune, 0, len(runes)-op.Delete+utf8.RuneCountInString(op.Insert))
		spliced = append(spliced, runes[:op.Position]...)
		spliced = append(spliced, []rune(op.Insert)...)
		spliced = append(spliced, runes[op.Position+op.Delete:]...)
		runes = spliced
	}
	return string(runes), nil
}
