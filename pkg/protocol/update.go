package protocol

import (
	"encoding/json"
	"fmt"
)

// Strategy tags the representation chosen for one field transition.
type Strategy string

const (
	// StrategyValue carries the complete next value.
	StrategyValue Strategy = "value"
	// StrategyDelta carries splice operations over a string.
	StrategyDelta Strategy = "delta"
	// StrategyPatch carries an RFC 6902 patch over an object.
	StrategyPatch Strategy = "patch"
	// StrategyArray carries positional operations over an array.
	StrategyArray Strategy = "array"
)

// Update is the tagged union describing one field's transition between two
// states. Data is the strategy-specific payload, kept raw so frames can be
// relayed without re-encoding.
type Update struct {
	Strategy Strategy        `json:"strategy"`
	Data     json.RawMessage `json:"data"`
}

// DeltaOp is a single splice over a string: at rune offset Position, remove
// Delete runes, then insert Insert. Ops apply in listed order against the
// intermediate result.
type DeltaOp struct {
	Position int    `json:"position"`
	Delete   int    `json:"delete,omitempty"`
	Insert   string `json:"insert,omitempty"`
}

// Array operation kinds.
const (
	ArrayOpPush    = "push"
	ArrayOpUnshift = "unshift"
	ArrayOpInsert  = "insert"
	ArrayOpRemove  = "remove"
	ArrayOpUpdate  = "update"
	ArrayOpMove    = "move"
	ArrayOpReplace = "replace"
)

// ArrayOp is one positional operation over an array. Index is used by
// insert, remove and update; From/To by move; Item by push, unshift, insert
// and update; Items by replace.
type ArrayOp struct {
	Op    string `json:"op"`
	Index int    `json:"index,omitempty"`
	From  int    `json:"from,omitempty"`
	To    int    `json:"to,omitempty"`
	Item  any    `json:"item,omitempty"`
	Items []any  `json:"items,omitempty"`
}

// PatchOp is a single RFC 6902 operation. Paths are RFC 6901 JSON
// pointers. The JSON shape matches what standard patch libraries accept
// verbatim.
type PatchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	From  string `json:"from,omitempty"`
	Value any    `json:"value,omitempty"`
}

// MarshalJSON keeps an explicit null value on ops that require one.
// Dropping "value" from an add of a null field would change the op's
// meaning for strict appliers.
func (p PatchOp) MarshalJSON() ([]byte, error) {
	type wireOp struct {
		Op    string          `json:"op"`
		Path  string          `json:"path"`
		From  string          `json:"from,omitempty"`
		Value json.RawMessage `json:"value,omitempty"`
	}
	w := wireOp{Op: p.Op, Path: p.Path, From: p.From}
	needsValue := p.Op == "add" || p.Op == "replace" || p.Op == "test"
	if needsValue || p.Value != nil {
		raw, err := json.Marshal(p.Value)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal patch op value: %w", err)
		}
		w.Value = raw
	}
	return json.Marshal(w)
}

// NewValueUpdate wraps the complete next value.
func NewValueUpdate(v any) (Update, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Update{}, fmt.Errorf("protocol: marshal value update: %w", err)
	}
	return Update{Strategy: StrategyValue, Data: raw}, nil
}

// NewDeltaUpdate wraps string splice operations.
func NewDeltaUpdate(ops []DeltaOp) (Update, error) {
	raw, err := json.Marshal(ops)
	if err != nil {
		return Update{}, fmt.Errorf("protocol: marshal delta update: %w", err)
	}
	return Update{Strategy: StrategyDelta, Data: raw}, nil
}

// NewPatchUpdate wraps an RFC 6902 patch.
func NewPatchUpdate(ops []PatchOp) (Update, error) {
	raw, err := json.Marshal(ops)
	if err != nil {
		return Update{}, fmt.Errorf("protocol: marshal patch update: %w", err)
	}
	return Update{Strategy: StrategyPatch, Data: raw}, nil
}

// NewArrayUpdate wraps array diff operations.
func NewArrayUpdate(ops []ArrayOp) (Update, error) {
	raw, err := json.Marshal(ops)
	if err != nil {
		return Update{}, fmt.Errorf("protocol: marshal array update: %w", err)
	}
	return Update{Strategy: StrategyArray, Data: raw}, nil
}

// Value decodes the payload of a value update.
func (u Update) Value() (any, error) {
	var v any
	if err := json.Unmarshal(u.Data, &v); err != nil {
		return nil, fmt.Errorf("protocol: decode value update: %w", err)
	}
	return v, nil
}

// DeltaOps decodes the payload of a delta update.
func (u Update) DeltaOps() ([]DeltaOp, error) {
	var ops []DeltaOp
	if err := json.Unmarshal(u.Data, &ops); err != nil {
		return nil, fmt.Errorf("protocol: decode delta update: %w", err)
	}
	return ops, nil
}

// PatchOps decodes the payload of a patch update.
func (u Update) PatchOps() ([]PatchOp, error) {
	var ops []PatchOp
	if err := json.Unmarshal(u.Data, &ops); err != nil {
		return nil, fmt.Errorf("protocol: decode patch update: %w", err)
	}
	return ops, nil
}

// ArrayOps decodes the payload of an array update.
func (u Update) ArrayOps() ([]ArrayOp, error) {
	var ops []ArrayOp
	if err := json.Unmarshal(u.Data, &ops); err != nil {
		return nil, fmt.Errorf("protocol: decode array update: %w", err)
	}
	return ops, nil
}
