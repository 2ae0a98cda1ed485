package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityKeyRoundTrip(t *testing.T) {
	tests := []struct {
		name       string
		entity, id string
		wantKey    string
	}{
		{name: "simple", entity: "Post", id: "1", wantKey: "Post:1"},
		{name: "id with colon", entity: "Doc", id: "a:b:c", wantKey: "Doc:a:b:c"},
		{name: "uuid id", entity: "User", id: "e00cf2ad-41b4-4b7c", wantKey: "User:e00cf2ad-41b4-4b7c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := EntityKey(tt.entity, tt.id)
			assert.Equal(t, tt.wantKey, key)

			entity, id, err := SplitEntityKey(key)
			require.NoError(t, err)
			assert.Equal(t, tt.entity, entity)
			assert.Equal(t, tt.id, id)
		})
	}
}

func TestSplitEntityKeyMalformed(t *testing.T) {
	for _, key := range []string{"", "noseparator", ":leading"} {
		_, _, err := SplitEntityKey(key)
		assert.Error(t, err, "key %q", key)
	}
}

func TestFieldSetWire(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want FieldSet
		all  bool
	}{
		{name: "star", in: `"*"`, want: nil, all: true},
		{name: "null", in: `null`, want: nil, all: true},
		{name: "list", in: `["title","body"]`, want: FieldSet{"title", "body"}},
		{name: "empty list", in: `[]`, want: FieldSet{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f FieldSet
			require.NoError(t, json.Unmarshal([]byte(tt.in), &f))
			assert.Equal(t, tt.want, f)
			assert.Equal(t, tt.all, f.All())
		})
	}

	var f FieldSet
	err := json.Unmarshal([]byte(`{"bogus":true}`), &f)
	assert.Error(t, err)

	raw, err := json.Marshal(FieldSet(nil))
	require.NoError(t, err)
	assert.Equal(t, `"*"`, string(raw))

	raw, err = json.Marshal(FieldSet{"a"})
	require.NoError(t, err)
	assert.Equal(t, `["a"]`, string(raw))
}

func TestFieldSetFilter(t *testing.T) {
	data := map[string]any{"title": "A", "body": "hello", "views": 3.0}

	assert.Equal(t, data, FieldSet(nil).Filter(data))

	got := FieldSet{"title", "missing"}.Filter(data)
	assert.Equal(t, map[string]any{"title": "A"}, got)

	assert.Equal(t, map[string]any{}, FieldSet{}.Filter(data))
}

func TestSelectTreeProject(t *testing.T) {
	data := map[string]any{
		"id":    "9",
		"name":  "ada",
		"email": "ada@example.com",
		"settings": map[string]any{
			"theme":    "dark",
			"language": "en",
		},
	}

	tree := SelectTree{
		"id":       true,
		"email":    false,
		"settings": map[string]any{"theme": true},
	}
	got := tree.Project(data)
	assert.Equal(t, map[string]any{
		"id":       "9",
		"settings": map[string]any{"theme": "dark"},
	}, got)

	// Non-object values and nil trees pass through.
	assert.Equal(t, "scalar", tree.Project("scalar"))
	assert.Equal(t, data, SelectTree(nil).Project(data))
}

func TestUpdateAccessors(t *testing.T) {
	val, err := NewValueUpdate(map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, StrategyValue, val.Strategy)
	v, err := val.Value()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1.0}, v)

	delta, err := NewDeltaUpdate([]DeltaOp{{Position: 5, Insert: " more"}})
	require.NoError(t, err)
	ops, err := delta.DeltaOps()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, 5, ops[0].Position)
	assert.Equal(t, 0, ops[0].Delete)
	assert.Equal(t, " more", ops[0].Insert)
	// Zero fields stay off the wire.
	assert.NotContains(t, string(delta.Data), "delete")

	patch, err := NewPatchUpdate([]PatchOp{{Op: "replace", Path: "/theme", Value: "light"}})
	require.NoError(t, err)
	pops, err := patch.PatchOps()
	require.NoError(t, err)
	require.Len(t, pops, 1)
	assert.Equal(t, "/theme", pops[0].Path)

	arr, err := NewArrayUpdate([]ArrayOp{{Op: ArrayOpRemove, Index: 1}, {Op: ArrayOpPush, Item: map[string]any{"id": "4"}}})
	require.NoError(t, err)
	aops, err := arr.ArrayOps()
	require.NoError(t, err)
	require.Len(t, aops, 2)
	assert.Equal(t, ArrayOpRemove, aops[0].Op)
	assert.Equal(t, 1, aops[0].Index)
}

func TestDecodeServerFrame(t *testing.T) {
	raw := []byte(`{"type":"subscription_ack","id":"s1","entity":"Post","entityId":"1","version":1,"data":{"title":"A"},"dataHash":"abc"}`)
	frame, err := DecodeServerFrame(raw)
	require.NoError(t, err)
	ack, ok := frame.(*SubscriptionAck)
	require.True(t, ok)
	assert.Equal(t, "Post", ack.Entity)
	assert.Equal(t, int64(1), ack.Version)
	assert.Equal(t, map[string]any{"title": "A"}, ack.Data)

	raw = []byte(`{"type":"update","id":"s1","entity":"Post","entityId":"1","version":2,"updates":{"body":{"strategy":"value","data":"hi"}}}`)
	frame, err = DecodeServerFrame(raw)
	require.NoError(t, err)
	upd, ok := frame.(*UpdateFrame)
	require.True(t, ok)
	assert.Equal(t, StrategyValue, upd.Updates["body"].Strategy)

	_, err = DecodeServerFrame([]byte(`{"type":"no_such_frame"}`))
	assert.Error(t, err)
	_, err = DecodeServerFrame([]byte(`{"id":"x"}`))
	assert.Error(t, err)
	_, err = DecodeServerFrame([]byte(`not json`))
	assert.Error(t, err)
}

func TestErrorCoercion(t *testing.T) {
	wire := NewError(CodeNotFound, "no such operation")
	assert.Equal(t, "not_found: no such operation", wire.Error())

	// Wrapped wire errors pass through with their code.
	wrapped := fmt.Errorf("dispatch: %w", wire)
	got := AsError(wrapped, CodeInternalError)
	assert.Equal(t, CodeNotFound, got.Code)

	// Plain errors take the fallback code.
	got = AsError(errors.New("boom"), CodeExecutionError)
	assert.Equal(t, CodeExecutionError, got.Code)
	assert.Equal(t, "boom", got.Message)
}

func TestDataHashStable(t *testing.T) {
	a := map[string]any{"b": 2.0, "a": []any{1.0, "x"}, "nested": map[string]any{"k": nil}}
	b := map[string]any{"nested": map[string]any{"k": nil}, "a": []any{1.0, "x"}, "b": 2.0}
	require.NotEmpty(t, DataHash(a))
	assert.Equal(t, DataHash(a), DataHash(b))
	assert.NotEqual(t, DataHash(a), DataHash(map[string]any{"b": 3.0}))
}
