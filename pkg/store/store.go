// Package store holds current entity state and produces the versioned
// patches that drive fan-out and reconnect catch-up. The Store interface is
// the persistence seam: the in-memory implementation here is the default,
// and any KV-backed implementation satisfying the same contract can replace
// it.
package store

import (
	"context"

	"github.com/driftwire/driftwire/pkg/protocol"
)

// VersionedPatch pairs an RFC 6902 patch with the version it produced.
type VersionedPatch struct {
	Version int64
	Patch   []protocol.PatchOp
}

// EmitResult reports one emit transaction. Changed is false when the next
// state was structurally identical and nothing advanced.
type EmitResult struct {
	Version int64
	Data    map[string]any
	Patch   []protocol.PatchOp
	Hash    string
	Changed bool
}

// Event describes a committed transition, delivered to the notifier inside
// the entity's critical section so observers see version order.
type Event struct {
	Entity  string
	ID      string
	Version int64
	Data    map[string]any
	Patch   []protocol.PatchOp
	Hash    string
	Deleted bool
}

// Notifier receives committed events. It runs on the emitting goroutine;
// implementations must hand slow work off instead of blocking the entity.
type Notifier func(Event)

// Store is the entity state adapter. Data maps returned by GetState and
// carried in events are shared snapshots; callers must not mutate them.
type Store interface {
	// GetState returns the entity's current data and version, or a nil map
	// and version 0 when the entity does not exist or was deleted.
	GetState(ctx context.Context, entity, id string) (map[string]any, int64, error)

	// GetVersion returns the entity's current version, 0 when absent.
	GetVersion(ctx context.Context, entity, id string) (int64, error)

	// Emit atomically diffs next against the current state, advances the
	// version, records the patch and notifies observers. Serialized per
	// entity key.
	Emit(ctx context.Context, entity, id string, next map[string]any) (EmitResult, error)

	// Delete removes the entity and its patch history. Live observers are
	// notified with a deletion event; a later emit recreates the entity
	// with a fresh version sequence.
	Delete(ctx context.Context, entity, id string) error

	// GetPatchesSince returns the retained patches with version >
	// fromVersion in ascending order. ok is false when history was evicted
	// and the caller must fall back to a snapshot.
	GetPatchesSince(ctx context.Context, entity, id string, fromVersion int64) (patches []VersionedPatch, ok bool, err error)

	// GetLatestPatch returns the most recent retained patch.
	GetLatestPatch(ctx context.Context, entity, id string) (VersionedPatch, bool, error)
}
