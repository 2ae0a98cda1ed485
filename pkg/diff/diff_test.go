package diff

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftwire/driftwire/pkg/protocol"
)

func TestEncodeEqualValuesElide(t *testing.T) {
	tests := []struct {
		name string
		v    any
	}{
		{name: "strings", v: "hello"},
		{name: "maps", v: map[string]any{"a": 1.0, "b": []any{"x"}}},
		{name: "arrays", v: []any{1.0, 2.0}},
		{name: "nil", v: nil},
		{name: "bool", v: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Nil(t, Encode(tt.v, tt.v))
		})
	}
}

func TestEncodeLongStringAppendPicksDelta(t *testing.T) {
	base := strings.Repeat("x", 200)
	next := base + " more"

	u := Encode(base, next)
	require.NotNil(t, u)
	require.Equal(t, protocol.StrategyDelta, u.Strategy)

	ops, err := u.DeltaOps()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, 200, ops[0].Position)
	assert.Equal(t, 0, ops[0].Delete)
	assert.Equal(t, " more", ops[0].Insert)

	got, err := Decode(base, *u)
	require.NoError(t, err)
	assert.Equal(t, next, got)
}

func TestEncodeStringReplacementPicksValue(t *testing.T) {
	// Nothing shared between the sides, so the splice carries the whole
	// next string and loses to plain replacement.
	base := "hello"
	next := strings.Repeat("x", 200)

	u := Encode(base, next)
	require.NotNil(t, u)
	assert.Equal(t, protocol.StrategyValue, u.Strategy)

	got, err := Decode(base, *u)
	require.NoError(t, err)
	assert.Equal(t, next, got)
}

func TestEncodeShortStringStaysValue(t *testing.T) {
	// Both sides at or under the threshold never go delta, even though the
	// splice would be smaller.
	base := strings.Repeat("a", 100)
	next := base[:99] + "b"

	u := Encode(base, next)
	require.NotNil(t, u)
	assert.Equal(t, protocol.StrategyValue, u.Strategy)
}

func TestEncodeMultibyteDeltaPositionsAreRunes(t *testing.T) {
	base := strings.Repeat("あ", 150)
	next := base + "終"

	u := Encode(base, next)
	require.NotNil(t, u)
	require.Equal(t, protocol.StrategyDelta, u.Strategy)

	ops, err := u.DeltaOps()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, 150, ops[0].Position)

	got, err := Decode(base, *u)
	require.NoError(t, err)
	assert.Equal(t, next, got)
}

func TestEncodeObjectChangePicksPatch(t *testing.T) {
	prev := map[string]any{
		"theme":         "dark",
		"notifications": true,
		"language":      "en",
		"timezone":      "Europe/Berlin",
		"digest":        "weekly",
	}
	next := map[string]any{
		"theme":         "light",
		"notifications": true,
		"language":      "en",
		"timezone":      "Europe/Berlin",
		"digest":        "weekly",
	}

	u := Encode(prev, next)
	require.NotNil(t, u)
	require.Equal(t, protocol.StrategyPatch, u.Strategy)

	ops, err := u.PatchOps()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "replace", ops[0].Op)
	assert.Equal(t, "/theme", ops[0].Path)

	got, err := Decode(prev, *u)
	require.NoError(t, err)
	assert.Equal(t, next, got)
}

func TestEncodeTinyObjectPicksValue(t *testing.T) {
	// For a one-field object the patch op overhead exceeds the value form.
	prev := map[string]any{"a": 1.0}
	next := map[string]any{"a": 2.0}

	u := Encode(prev, next)
	require.NotNil(t, u)
	assert.Equal(t, protocol.StrategyValue, u.Strategy)
}

func TestEncodeMixedTypesPickValue(t *testing.T) {
	tests := []struct {
		name       string
		prev, next any
	}{
		{name: "string to map", prev: "x", next: map[string]any{"a": 1.0}},
		{name: "map to array", prev: map[string]any{"a": 1.0}, next: []any{1.0}},
		{name: "nil to string", prev: nil, next: "hello"},
		{name: "number change", prev: 1.0, next: 2.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := Encode(tt.prev, tt.next)
			require.NotNil(t, u)
			assert.Equal(t, protocol.StrategyValue, u.Strategy)

			got, err := Decode(tt.prev, *u)
			require.NoError(t, err)
			assert.Equal(t, tt.next, got)
		})
	}
}

func TestEncodeNeverExceedsValueForm(t *testing.T) {
	long := strings.Repeat("lorem ipsum ", 30)
	pairs := []struct {
		name       string
		prev, next any
	}{
		{name: "long string edit", prev: long, next: long[:50] + "X" + long[51:]},
		{name: "object growth", prev: map[string]any{"a": 1.0}, next: map[string]any{"a": 1.0, "b": long}},
		{name: "array append", prev: []any{"a", "b"}, next: []any{"a", "b", "c"}},
		{name: "unrelated strings", prev: "abc", next: strings.Repeat("z", 150)},
		{name: "array rewrite", prev: []any{1.0, 2.0, 3.0}, next: []any{9.0, 8.0, 7.0}},
	}
	for _, tt := range pairs {
		t.Run(tt.name, func(t *testing.T) {
			u := Encode(tt.prev, tt.next)
			require.NotNil(t, u)

			value, err := protocol.NewValueUpdate(tt.next)
			require.NoError(t, err)
			assert.LessOrEqual(t, len(u.Data), len(value.Data))

			got, err := Decode(tt.prev, *u)
			require.NoError(t, err)
			assert.Equal(t, tt.next, got)
		})
	}
}

func TestApplyDeltaSequencing(t *testing.T) {
	// Each op sees the result of the previous one.
	got, err := applyDelta("abcdef", []protocol.DeltaOp{
		{Position: 0, Delete: 2, Insert: "X"}, // Xcdef
		{Position: 4, Insert: "!"},            // Xcde!f
	})
	require.NoError(t, err)
	assert.Equal(t, "Xcde!f", got)
}

func TestApplyDeltaBounds(t *testing.T) {
	_, err := applyDelta("abc", []protocol.DeltaOp{{Position: 4}})
	assert.Error(t, err)

	_, err = applyDelta("abc", []protocol.DeltaOp{{Position: 2, Delete: 5}})
	assert.Error(t, err)

	_, err = applyDelta("abc", []protocol.DeltaOp{{Position: -1}})
	assert.Error(t, err)
}

func TestDecodeErrors(t *testing.T) {
	delta, err := protocol.NewDeltaUpdate([]protocol.DeltaOp{{Position: 0, Insert: "x"}})
	require.NoError(t, err)
	_, err = Decode(map[string]any{}, delta)
	assert.Error(t, err, "delta needs a string base")

	arr, err := protocol.NewArrayUpdate([]protocol.ArrayOp{{Op: protocol.ArrayOpPush, Item: 1.0}})
	require.NoError(t, err)
	_, err = Decode("not an array", arr)
	assert.Error(t, err)

	patch, err := protocol.NewPatchUpdate([]protocol.PatchOp{{Op: "remove", Path: "/missing"}})
	require.NoError(t, err)
	_, err = Decode(map[string]any{"a": 1.0}, patch)
	assert.Error(t, err)

	_, err = Decode("x", protocol.Update{Strategy: "bogus", Data: []byte("null")})
	assert.Error(t, err)

	_, err = Decode("x", protocol.Update{Strategy: protocol.StrategyDelta, Data: []byte("{not json")})
	assert.Error(t, err)
}
