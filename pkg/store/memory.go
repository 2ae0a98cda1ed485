package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/driftwire/driftwire/pkg/jsonpatch"
	"github.com/driftwire/driftwire/pkg/oplog"
	"github.com/driftwire/driftwire/pkg/protocol"
)

// Memory is the default in-process Store. State lives in a map of
// per-entity records, each with its own lock so emits for different
// entities run in parallel while one entity's emit, op-log append and
// notification form a single critical section.
type Memory struct {
	log *oplog.Log

	mu     sync.RWMutex
	keys   map[string]*entityState
	notify Notifier
}

type entityState struct {
	mu        sync.Mutex
	gone      bool
	data      map[string]any
	version   int64
	hash      string
	updatedAt time.Time
}

// NewMemory builds an in-memory store over the given op-log. A nil log
// gets default bounds.
func NewMemory(log *oplog.Log) *Memory {
	if log == nil {
		log = oplog.New(oplog.Config{}, nil)
	}
	return &Memory{
		log:  log,
		keys: make(map[string]*entityState),
	}
}

// Log exposes the underlying op-log for cleanup scheduling and stats.
func (m *Memory) Log() *oplog.Log {
	return m.log
}

// SetNotifier registers the observer for committed events. Call before
// traffic starts.
func (m *Memory) SetNotifier(fn Notifier) {
	m.mu.Lock()
	m.notify = fn
	m.mu.Unlock()
}

// lockEntity returns the live record for key with its lock held, creating
// one if needed. Records marked gone by a concurrent delete are retried
// against the map.
func (m *Memory) lockEntity(key string) (*entityState, Notifier) {
	for {
		m.mu.Lock()
		es, ok := m.keys[key]
		if !ok {
			es = &entityState{}
			m.keys[key] = es
		}
		notify := m.notify
		m.mu.Unlock()

		es.mu.Lock()
		if !es.gone {
			return es, notify
		}
		es.mu.Unlock()
	}
}

// peekEntity returns the record for key, or nil when absent. No locks are
// held on return; callers lock the record themselves.
func (m *Memory) peekEntity(key string) *entityState {
	m.mu.RLock()
	es := m.keys[key]
	m.mu.RUnlock()
	return es
}

func (m *Memory) GetState(ctx context.Context, entity, id string) (map[string]any, int64, error) {
	es := m.peekEntity(protocol.EntityKey(entity, id))
	if es == nil {
		return nil, 0, nil
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	if es.gone || es.version == 0 {
		return nil, 0, nil
	}
	return es.data, es.version, nil
}

func (m *Memory) GetVersion(ctx context.Context, entity, id string) (int64, error) {
	_, version, err := m.GetState(ctx, entity, id)
	return version, err
}

func (m *Memory) Emit(ctx context.Context, entity, id string, next map[string]any) (EmitResult, error) {
	key := protocol.EntityKey(entity, id)

	canonical, err := jsonpatch.Canonical(next)
	if err != nil {
		return EmitResult{}, fmt.Errorf("store: canonicalize %s: %w", key, err)
	}
	data, ok := canonical.(map[string]any)
	if canonical != nil && !ok {
		return EmitResult{}, fmt.Errorf("store: emit for %s carries %T, want object", key, canonical)
	}
	if data == nil {
		data = map[string]any{}
	}

	es, notify := m.lockEntity(key)
	defer es.mu.Unlock()

	patch, err := jsonpatch.Diff(es.data, data)
	if err != nil {
		return EmitResult{}, fmt.Errorf("store: diff %s: %w", key, err)
	}
	if len(patch) == 0 && es.version > 0 {
		return EmitResult{Version: es.version, Data: es.data, Hash: es.hash, Changed: false}, nil
	}

	es.version++
	es.data = data
	es.hash = protocol.DataHash(data)
	es.updatedAt = time.Now()

	m.log.Append(key, es.version, patch)

	if notify != nil {
		notify(Event{
			Entity:  entity,
			ID:      id,
			Version: es.version,
			Data:    es.data,
			Patch:   patch,
			Hash:    es.hash,
		})
	}
	return EmitResult{Version: es.version, Data: es.data, Patch: patch, Hash: es.hash, Changed: true}, nil
}

func (m *Memory) Delete(ctx context.Context, entity, id string) error {
	key := protocol.EntityKey(entity, id)

	m.mu.Lock()
	es, ok := m.keys[key]
	if ok {
		delete(m.keys, key)
	}
	notify := m.notify
	m.mu.Unlock()
	if !ok {
		return nil
	}

	es.mu.Lock()
	defer es.mu.Unlock()

	wasLive := !es.gone && es.version > 0
	version := es.version
	es.gone = true
	es.data = nil

	m.log.DropEntity(key)

	if wasLive && notify != nil {
		notify(Event{Entity: entity, ID: id, Version: version, Deleted: true})
	}
	return nil
}

func (m *Memory) GetPatchesSince(ctx context.Context, entity, id string, fromVersion int64) ([]VersionedPatch, bool, error) {
	entries, ok := m.log.GetSince(protocol.EntityKey(entity, id), fromVersion)
	if !ok {
		return nil, false, nil
	}
	patches := make([]VersionedPatch, len(entries))
	for i, e := range entries {
		patches[i] = VersionedPatch{Version: e.Version, Patch: e.Patch}
	}
	return patches, true, nil
}

func (m *Memory) GetLatestPatch(ctx context.Context, entity, id string) (VersionedPatch, bool, error) {
	entry, ok := m.log.Latest(protocol.EntityKey(entity, id))
	if !ok {
		return VersionedPatch{}, false, nil
	}
	return VersionedPatch{Version: entry.Version, Patch: entry.Patch}, true, nil
}

var _ Store = (*Memory)(nil)
