// Package jsonpatch wraps RFC 6902 patching for the sync runtime: structural
// diffs between entity states and application of received patches. Diffing
// is delegated to mattbaird/jsonpatch, application to evanphx/json-patch.
// Documents are always deep-cloned before mutation, so inputs stay usable
// as diff bases after a failed or successful apply.
package jsonpatch

import (
	"encoding/json"
	"fmt"
	"strings"

	evanphx "github.com/evanphx/json-patch/v5"
	mattbaird "github.com/mattbaird/jsonpatch"

	"github.com/driftwire/driftwire/pkg/protocol"
)

// Diff computes an RFC 6902 patch transforming prev into next. Each side
// must marshal to a JSON object; a nil side is treated as an empty object.
// Diff(x, x) is empty.
func Diff(prev, next any) ([]protocol.PatchOp, error) {
	prevJSON, err := marshalObject(prev)
	if err != nil {
		return nil, fmt.Errorf("jsonpatch: marshal diff base: %w", err)
	}
	nextJSON, err := marshalObject(next)
	if err != nil {
		return nil, fmt.Errorf("jsonpatch: marshal diff target: %w", err)
	}
	raw, err := mattbaird.CreatePatch(prevJSON, nextJSON)
	if err != nil {
		return nil, fmt.Errorf("jsonpatch: create patch: %w", err)
	}
	ops := make([]protocol.PatchOp, len(raw))
	for i, op := range raw {
		ops[i] = protocol.PatchOp{Op: op.Operation, Path: op.Path, Value: op.Value}
	}
	return ops, nil
}

// Apply applies ops to doc and returns the patched document. The input is
// never mutated. A nil doc is treated as an empty object, so the first
// patch of an entity's history applies cleanly. Missing parent objects
// along add and replace paths are vivified as empty objects; a missing
// target for replace, remove or test remains an error.
func Apply(doc any, ops []protocol.PatchOp) (any, error) {
	work, err := Canonical(doc)
	if err != nil {
		return nil, fmt.Errorf("jsonpatch: clone document: %w", err)
	}
	if work == nil {
		work = map[string]any{}
	}
	if len(ops) == 0 {
		return work, nil
	}

	for _, op := range ops {
		if op.Op == "add" || op.Op == "replace" {
			vivifyParents(work, op.Path)
		}
	}

	docJSON, err := json.Marshal(work)
	if err != nil {
		return nil, fmt.Errorf("jsonpatch: marshal document: %w", err)
	}
	patchJSON, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("jsonpatch: marshal patch: %w", err)
	}
	patch, err := evanphx.DecodePatch(patchJSON)
	if err != nil {
		return nil, fmt.Errorf("jsonpatch: decode patch: %w", err)
	}
	patchedJSON, err := patch.Apply(docJSON)
	if err != nil {
		return nil, fmt.Errorf("jsonpatch: apply patch: %w", err)
	}
	var patched any
	if err := json.Unmarshal(patchedJSON, &patched); err != nil {
		return nil, fmt.Errorf("jsonpatch: decode patched document: %w", err)
	}
	return patched, nil
}

// ApplyAll folds a sequence of patches over doc in order. Used for
// reconnect catch-up, where each patch advances one version.
func ApplyAll(doc any, patches [][]protocol.PatchOp) (any, error) {
	out := doc
	var err error
	for i, ops := range patches {
		out, err = Apply(out, ops)
		if err != nil {
			return nil, fmt.Errorf("jsonpatch: patch %d of %d: %w", i+1, len(patches), err)
		}
	}
	return out, nil
}

// Canonical deep-copies v into plain JSON types (map[string]any, []any,
// float64, string, bool, nil) via an encode/decode round trip. All state
// entering the store passes through this, so diffing, hashing and equality
// operate on one representation.
func Canonical(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func marshalObject(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

// vivifyParents walks the pointer's parent segments in doc, creating empty
// objects where a map key is missing. Array segments are left alone; index
// errors surface from the real apply.
func vivifyParents(doc any, path string) {
	segments := splitPointer(path)
	if len(segments) < 2 {
		return
	}
	cur := doc
	for _, seg := range segments[:len(segments)-1] {
		obj, ok := cur.(map[string]any)
		if !ok {
			return
		}
		child, present := obj[seg]
		if !present || child == nil {
			child = map[string]any{}
			obj[seg] = child
		}
		cur = child
	}
}

// splitPointer splits an RFC 6901 pointer into unescaped segments. The
// empty pointer addresses the whole document and yields no segments.
func splitPointer(path string) []string {
	if path == "" || path == "/" {
		return nil
	}
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for i, p := range parts {
		p = strings.ReplaceAll(p, "~1", "/")
		parts[i] = strings.ReplaceAll(p, "~0", "~")
	}
	return parts
}
