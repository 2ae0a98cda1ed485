package client

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftwire/driftwire/pkg/diff"
	"github.com/driftwire/driftwire/pkg/jsonpatch"
	"github.com/driftwire/driftwire/pkg/protocol"
)

type recordedEvents struct {
	next     []map[string]any
	errs     []error
	complete int
}

func (e *recordedEvents) observer() Observer {
	return Observer{
		OnNext:     func(data map[string]any) { e.next = append(e.next, data) },
		OnError:    func(err error) { e.errs = append(e.errs, err) },
		OnComplete: func() { e.complete++ },
	}
}

func newTestRegistry() *Registry {
	return NewRegistry(zerolog.Nop())
}

func mustRegister(t *testing.T, r *Registry, id string, obs Observer) {
	t.Helper()
	require.NoError(t, r.Register(id, "post.changes", json.RawMessage(`{"id":"1"}`), nil, obs))
}

func activate(r *Registry, id string, version int64, data map[string]any) {
	ack := &protocol.SubscriptionAck{
		Type: protocol.TypeSubscriptionAck, ID: id,
		Entity: "Post", EntityID: "1",
		Version: version, Data: data,
	}
	if data != nil {
		ack.DataHash = protocol.DataHash(data)
	}
	r.Activate(ack)
}

func TestRegistryActivateDeliversSnapshot(t *testing.T) {
	r := newTestRegistry()
	var ev recordedEvents
	mustRegister(t, r, "s1", ev.observer())

	assert.Equal(t, Stats{Total: 1, Pending: 1}, r.Stats())

	activate(r, "s1", 3, map[string]any{"title": "A"})
	require.Len(t, ev.next, 1)
	assert.Equal(t, map[string]any{"title": "A"}, ev.next[0])

	data, version, ok := r.Data("s1")
	require.True(t, ok)
	assert.Equal(t, int64(3), version)
	assert.Equal(t, map[string]any{"title": "A"}, data)
	assert.Equal(t, Stats{Total: 1, Active: 1}, r.Stats())

	// Duplicate ids are rejected.
	assert.Error(t, r.Register("s1", "post.changes", nil, nil, Observer{}))
}

func TestRegistryActivateAbsentEntityDefersFirstNext(t *testing.T) {
	r := newTestRegistry()
	var ev recordedEvents
	mustRegister(t, r, "s1", ev.observer())

	// Version-0 acks with null data emit nothing yet.
	activate(r, "s1", 0, nil)
	assert.Empty(t, ev.next)

	// The entity's first emit arrives as full values.
	u, err := protocol.NewValueUpdate("new")
	require.NoError(t, err)
	require.NoError(t, r.ApplyUpdate(&protocol.UpdateFrame{
		Type: protocol.TypeUpdate, ID: "s1", Version: 1,
		Updates: map[string]protocol.Update{"title": u},
	}))
	require.Len(t, ev.next, 1)
	assert.Equal(t, map[string]any{"title": "new"}, ev.next[0])
}

func TestRegistryApplyUpdateRoundTrip(t *testing.T) {
	r := newTestRegistry()
	var ev recordedEvents
	mustRegister(t, r, "s1", ev.observer())
	activate(r, "s1", 1, map[string]any{"title": "A", "tags": []any{"x"}, "meta": map[string]any{"a": 1.0}})

	// Encode server-side against the same previous values.
	updates := map[string]protocol.Update{
		"title": *diff.Encode("A", "B"),
		"tags":  *diff.Encode([]any{"x"}, []any{"x", "y"}),
	}
	require.NoError(t, r.ApplyUpdate(&protocol.UpdateFrame{
		Type: protocol.TypeUpdate, ID: "s1", Version: 2, Updates: updates,
	}))

	data, version, ok := r.Data("s1")
	require.True(t, ok)
	assert.Equal(t, int64(2), version)
	assert.Equal(t, "B", data["title"])
	assert.Equal(t, []any{"x", "y"}, data["tags"])
	assert.Equal(t, map[string]any{"a": 1.0}, data["meta"], "untouched fields survive")
	require.Len(t, ev.next, 2)
}

func TestRegistryApplyUpdateNullClearsField(t *testing.T) {
	r := newTestRegistry()
	mustRegister(t, r, "s1", Observer{})
	activate(r, "s1", 1, map[string]any{"title": "A", "draft": true})

	null, err := protocol.NewValueUpdate(nil)
	require.NoError(t, err)
	require.NoError(t, r.ApplyUpdate(&protocol.UpdateFrame{
		Type: protocol.TypeUpdate, ID: "s1", Version: 2,
		Updates: map[string]protocol.Update{"draft": null},
	}))

	data, _, _ := r.Data("s1")
	assert.NotContains(t, data, "draft")
}

func TestRegistryApplyUpdateFailureMarksErrored(t *testing.T) {
	r := newTestRegistry()
	var ev recordedEvents
	mustRegister(t, r, "s1", ev.observer())
	activate(r, "s1", 1, map[string]any{"title": "A"})

	// A delta against a non-string mirror cannot apply.
	bad, err := protocol.NewDeltaUpdate([]protocol.DeltaOp{{Position: 0, Delete: 1, Insert: "z"}})
	require.NoError(t, err)
	applyErr := r.ApplyUpdate(&protocol.UpdateFrame{
		Type: protocol.TypeUpdate, ID: "s1", Version: 2,
		Updates: map[string]protocol.Update{"count": bad},
	})
	require.Error(t, applyErr)
	assert.Equal(t, protocol.CodePatchApplication, protocol.AsError(applyErr, "").Code)
	assert.Equal(t, Stats{Total: 1, Errored: 1}, r.Stats())
	assert.Empty(t, ev.next[1:], "failed update emits nothing")

	// The mirror did not advance.
	_, version, _ := r.Data("s1")
	assert.Equal(t, int64(1), version)

	r.ClearErrors()
	assert.Equal(t, Stats{}, r.Stats())
}

func TestRegistryTerminalEventsFireOnce(t *testing.T) {
	r := newTestRegistry()
	var ev recordedEvents
	mustRegister(t, r, "s1", ev.observer())
	activate(r, "s1", 1, map[string]any{"title": "A"})

	r.Complete("s1")
	r.Complete("s1")
	r.Fail("s1", assert.AnError)
	assert.Equal(t, 1, ev.complete)
	assert.Empty(t, ev.errs)

	_, _, ok := r.Data("s1")
	assert.False(t, ok, "completed subscription is gone")

	var ev2 recordedEvents
	mustRegister(t, r, "s2", ev2.observer())
	r.Fail("s2", assert.AnError)
	r.Complete("s2")
	assert.Len(t, ev2.errs, 1)
	assert.Zero(t, ev2.complete)
}

func TestRegistryObserverPanicIsIsolated(t *testing.T) {
	r := newTestRegistry()
	calls := 0
	require.NoError(t, r.Register("s1", "post.changes", nil, nil, Observer{
		OnNext: func(map[string]any) {
			calls++
			panic("observer bug")
		},
	}))

	assert.NotPanics(t, func() {
		activate(r, "s1", 1, map[string]any{"title": "A"})
	})
	assert.Equal(t, 1, calls)

	// The registry is still consistent afterwards.
	data, version, ok := r.Data("s1")
	require.True(t, ok)
	assert.Equal(t, int64(1), version)
	assert.Equal(t, "A", data["title"])
}

func TestRegistrySnapshotForReconnect(t *testing.T) {
	r := newTestRegistry()
	mustRegister(t, r, "bound", Observer{})
	mustRegister(t, r, "unbound", Observer{})
	activate(r, "bound", 4, map[string]any{"title": "A"})
	r.SetFields("bound", protocol.FieldSet{"title"})

	r.MarkAllReconnecting()
	assert.Equal(t, Stats{Total: 2, Pending: 1, Reconnecting: 1}, r.Stats())

	snaps := r.SnapshotForReconnect()
	require.Len(t, snaps, 1, "never-acked subscriptions are not replayed")
	snap := snaps[0]
	assert.Equal(t, "bound", snap.ID)
	assert.Equal(t, "Post", snap.Entity)
	assert.Equal(t, int64(4), snap.Version)
	assert.Equal(t, protocol.FieldSet{"title"}, snap.Fields)
	assert.NotEmpty(t, snap.DataHash)
}

func TestRegistryFields(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.Register("s1", "post.changes", nil, protocol.FieldSet{"title"}, Observer{}))

	fields, ok := r.Fields("s1")
	require.True(t, ok)
	assert.Equal(t, protocol.FieldSet{"title"}, fields)

	_, ok = r.Fields("ghost")
	assert.False(t, ok)
}

func TestRegistryPendingResubscribes(t *testing.T) {
	r := newTestRegistry()
	input := json.RawMessage(`{"id":"7"}`)
	require.NoError(t, r.Register("unacked", "post.changes", input, protocol.FieldSet{"title"}, Observer{}))
	mustRegister(t, r, "bound", Observer{})
	activate(r, "bound", 2, map[string]any{"title": "A"})
	r.MarkAllReconnecting()

	// The bound subscription rides the reconnect frame; the unacked one
	// gets its original subscribe request replayed instead.
	resubs := r.PendingResubscribes()
	require.Len(t, resubs, 1)
	sf := resubs[0]
	assert.Equal(t, protocol.TypeSubscribe, sf.Type)
	assert.Equal(t, "unacked", sf.ID)
	assert.Equal(t, "post.changes", sf.Name)
	assert.Equal(t, input, sf.Input)
	assert.Equal(t, protocol.FieldSet{"title"}, sf.Fields)
}

func TestRegistryApplyReconnectResults(t *testing.T) {
	r := newTestRegistry()

	var current, patched, snapshot, deleted, failed recordedEvents
	for id, ev := range map[string]*recordedEvents{
		"current": &current, "patched": &patched, "snapshot": &snapshot,
		"deleted": &deleted, "failed": &failed,
	} {
		mustRegister(t, r, id, ev.observer())
		activate(r, id, 1, map[string]any{"title": "A"})
		ev.next = nil
	}
	r.MarkAllReconnecting()

	r.ApplyReconnectResult("current", protocol.ReconnectResult{Status: protocol.StatusCurrent, Version: 1})
	assert.Empty(t, current.next, "current needs no re-render")
	_, version, _ := r.Data("current")
	assert.Equal(t, int64(1), version)

	ops, err := jsonpatch.Diff(map[string]any{"title": "A"}, map[string]any{"title": "Z"})
	require.NoError(t, err)
	r.ApplyReconnectResult("patched", protocol.ReconnectResult{
		Status: protocol.StatusPatched, Version: 3, Patches: [][]protocol.PatchOp{ops},
	})
	require.Len(t, patched.next, 1)
	assert.Equal(t, map[string]any{"title": "Z"}, patched.next[0])
	_, version, _ = r.Data("patched")
	assert.Equal(t, int64(3), version)

	r.ApplyReconnectResult("snapshot", protocol.ReconnectResult{
		Status: protocol.StatusSnapshot, Version: 5,
		Data:     map[string]any{"title": "S"},
		DataHash: protocol.DataHash(map[string]any{"title": "S"}),
	})
	require.Len(t, snapshot.next, 1)
	assert.Equal(t, map[string]any{"title": "S"}, snapshot.next[0])

	r.ApplyReconnectResult("deleted", protocol.ReconnectResult{Status: protocol.StatusDeleted})
	assert.Equal(t, 1, deleted.complete)

	r.ApplyReconnectResult("failed", protocol.ReconnectResult{Status: protocol.StatusError, Error: "boom"})
	require.Len(t, failed.errs, 1)

	stats := r.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.Active)
}
