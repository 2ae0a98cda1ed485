package diff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftwire/driftwire/pkg/protocol"
)

func post(id, title string) map[string]any {
	return map[string]any{"id": id, "title": title}
}

func TestDiffArraysIdentity(t *testing.T) {
	arr := []any{post("1", "a"), post("2", "b")}
	ops := DiffArrays(arr, arr)
	require.NotNil(t, ops)
	assert.Empty(t, ops)
}

func TestDiffArraysEmptyTransitions(t *testing.T) {
	next := []any{"a", "b"}
	ops := DiffArrays(nil, next)
	require.Len(t, ops, 1)
	assert.Equal(t, protocol.ArrayOpReplace, ops[0].Op)
	assert.Equal(t, []any{"a", "b"}, ops[0].Items)

	ops = DiffArrays([]any{"a"}, []any{})
	require.Len(t, ops, 1)
	assert.Equal(t, protocol.ArrayOpReplace, ops[0].Op)
	assert.Empty(t, ops[0].Items)

	got, err := ApplyArrayOps([]any{"a"}, ops)
	require.NoError(t, err)
	assert.Equal(t, []any{}, got)
}

func TestDiffArraysKeyedRemoveUpdatePush(t *testing.T) {
	prev := []any{
		post("1", "keep"),
		post("2", "del"),
		post("3", "old"),
	}
	next := []any{
		post("1", "keep"),
		post("3", "new"),
		post("4", "new"),
	}

	ops := DiffArrays(prev, next)
	require.Len(t, ops, 3)

	assert.Equal(t, protocol.ArrayOpRemove, ops[0].Op)
	assert.Equal(t, 1, ops[0].Index)

	assert.Equal(t, protocol.ArrayOpUpdate, ops[1].Op)
	assert.Equal(t, 1, ops[1].Index, "index in the post-remove intermediate array")
	assert.Equal(t, post("3", "new"), ops[1].Item)

	assert.Equal(t, protocol.ArrayOpPush, ops[2].Op)
	assert.Equal(t, post("4", "new"), ops[2].Item)

	got, err := ApplyArrayOps(prev, ops)
	require.NoError(t, err)
	assert.Equal(t, next, got)
}

func TestDiffArraysKeyedInsertInMiddle(t *testing.T) {
	prev := []any{post("a", "1"), post("b", "2")}
	next := []any{post("x", "new"), post("a", "1"), post("y", "new"), post("b", "2")}

	ops := DiffArrays(prev, next)
	require.NotNil(t, ops)

	got, err := ApplyArrayOps(prev, ops)
	require.NoError(t, err)
	assert.Equal(t, next, got)
}

func TestDiffArraysKeyedReorderFallsBack(t *testing.T) {
	prev := []any{post("1", "a"), post("2", "b")}
	next := []any{post("2", "b"), post("1", "a")}
	assert.Nil(t, DiffArrays(prev, next))
}

func TestDiffArraysDuplicateIdsUsePositional(t *testing.T) {
	prev := []any{post("1", "a"), post("1", "b")}
	next := []any{post("1", "a"), post("1", "b"), post("1", "c")}

	ops := DiffArrays(prev, next)
	require.Len(t, ops, 1)
	assert.Equal(t, protocol.ArrayOpPush, ops[0].Op)
}

func TestDiffArraysPositional(t *testing.T) {
	tests := []struct {
		name       string
		prev, next []any
		wantOps    []string
	}{
		{
			name:    "pure append",
			prev:    []any{1.0, 2.0},
			next:    []any{1.0, 2.0, 3.0, 4.0},
			wantOps: []string{protocol.ArrayOpPush, protocol.ArrayOpPush},
		},
		{
			name:    "pure prepend",
			prev:    []any{3.0, 4.0},
			next:    []any{1.0, 2.0, 3.0, 4.0},
			wantOps: []string{protocol.ArrayOpUnshift, protocol.ArrayOpUnshift},
		},
		{
			name:    "truncate from end",
			prev:    []any{1.0, 2.0, 3.0, 4.0},
			next:    []any{1.0, 2.0},
			wantOps: []string{protocol.ArrayOpRemove, protocol.ArrayOpRemove},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ops := DiffArrays(tt.prev, tt.next)
			require.Len(t, ops, len(tt.wantOps))
			for i, want := range tt.wantOps {
				assert.Equal(t, want, ops[i].Op)
			}

			got, err := ApplyArrayOps(tt.prev, ops)
			require.NoError(t, err)
			assert.Equal(t, tt.next, got)
		})
	}
}

func TestDiffArraysPositionalNoCompactForm(t *testing.T) {
	tests := []struct {
		name       string
		prev, next []any
	}{
		{name: "middle edit", prev: []any{1.0, 2.0, 3.0}, next: []any{1.0, 9.0, 3.0}},
		{name: "remove from front", prev: []any{1.0, 2.0, 3.0}, next: []any{2.0, 3.0}},
		{name: "rewrite", prev: []any{1.0, 2.0}, next: []any{3.0, 4.0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Nil(t, DiffArrays(tt.prev, tt.next))
		})
	}
}

func TestApplyArrayOpsMoveAndBounds(t *testing.T) {
	base := []any{"a", "b", "c"}

	got, err := ApplyArrayOps(base, []protocol.ArrayOp{
		{Op: protocol.ArrayOpMove, From: 0, To: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"b", "c", "a"}, got)
	assert.Equal(t, []any{"a", "b", "c"}, base, "input must not be mutated")

	got, err = ApplyArrayOps(base, []protocol.ArrayOp{
		{Op: protocol.ArrayOpUnshift, Item: "z"},
		{Op: protocol.ArrayOpInsert, Index: 2, Item: "m"},
		{Op: protocol.ArrayOpUpdate, Index: 0, Item: "Z"},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"Z", "a", "m", "b", "c"}, got)

	for _, bad := range []protocol.ArrayOp{
		{Op: protocol.ArrayOpRemove, Index: 3},
		{Op: protocol.ArrayOpInsert, Index: 9, Item: "x"},
		{Op: protocol.ArrayOpUpdate, Index: -1, Item: "x"},
		{Op: protocol.ArrayOpMove, From: 5, To: 0},
		{Op: protocol.ArrayOpMove, From: 0, To: 5},
		{Op: "rotate"},
	} {
		_, err := ApplyArrayOps(base, []protocol.ArrayOp{bad})
		assert.Error(t, err, "op %+v", bad)
	}
}

func TestApplyArrayOpsWireRoundTrip(t *testing.T) {
	prev := []any{post("1", "keep"), post("2", "del"), post("3", "old")}
	next := []any{post("1", "keep"), post("3", "new"), post("4", "new")}

	u, err := protocol.NewArrayUpdate(DiffArrays(prev, next))
	require.NoError(t, err)

	ops, err := u.ArrayOps()
	require.NoError(t, err)
	got, err := ApplyArrayOps(prev, ops)
	require.NoError(t, err)
	assert.Equal(t, next, got)
}
