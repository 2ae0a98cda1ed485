// Package oplog keeps a bounded, in-memory history of the RFC 6902 patches
// produced by entity emits. Reconnecting clients replay the retained range
// to catch up without full snapshots. Entries are evicted oldest-first by
// age, count and total memory; the log never fabricates history, so a
// lookup below the retained window reports that a snapshot is required.
package oplog

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/driftwire/driftwire/pkg/protocol"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultMaxEntries      = 10000
	DefaultMaxAge          = 5 * time.Minute
	DefaultMaxMemory       = 10 << 20
	DefaultCleanupInterval = time.Minute
)

// entryOverhead approximates the fixed bookkeeping cost of one entry on
// top of its marshaled patch.
const entryOverhead = 96

// Config bounds the log. Zero values take the defaults above.
type Config struct {
	MaxEntries      int
	MaxAge          time.Duration
	MaxMemory       int64
	CleanupInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxEntries <= 0 {
		c.MaxEntries = DefaultMaxEntries
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.MaxMemory <= 0 {
		c.MaxMemory = DefaultMaxMemory
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	return c
}

// Entry is one recorded emit. Patch is shared, not copied; treat it as
// read-only.
type Entry struct {
	EntityKey string
	Version   int64
	Patch     []protocol.PatchOp
	Timestamp time.Time
	Size      int
}

// Stats is a point-in-time snapshot of log occupancy and eviction
// counters.
type Stats struct {
	Entries       int
	Entities      int
	Bytes         int64
	Appends       uint64
	EvictedAge    uint64
	EvictedCount  uint64
	EvictedMemory uint64
}

// Log is safe for concurrent use. The clock is injectable so tests drive
// age-based eviction deterministically.
type Log struct {
	cfg   Config
	clock clockwork.Clock

	mu      sync.RWMutex
	entries []*Entry            // global append order, oldest first
	perKey  map[string][]*Entry // version-ascending per entity
	memory  int64
	stats   Stats
}

// New builds a log with the given bounds. A nil clock uses the real one.
func New(cfg Config, clock clockwork.Clock) *Log {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Log{
		cfg:    cfg.withDefaults(),
		clock:  clock,
		perKey: make(map[string][]*Entry),
	}
}

// Append records the patch that produced version for entityKey and evicts
// whatever the bounds no longer allow. Versions must arrive strictly
// increasing per entity; a stale version is dropped.
func (l *Log) Append(entityKey string, version int64, patch []protocol.PatchOp) {
	size := entryOverhead
	if raw, err := json.Marshal(patch); err == nil {
		size += len(raw)
	}
	entry := &Entry{
		EntityKey: entityKey,
		Version:   version,
		Patch:     patch,
		Timestamp: l.clock.Now(),
		Size:      size,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing := l.perKey[entityKey]; len(existing) > 0 && existing[len(existing)-1].Version >= version {
		return
	}
	l.entries = append(l.entries, entry)
	l.perKey[entityKey] = append(l.perKey[entityKey], entry)
	l.memory += int64(entry.Size)
	l.stats.Appends++

	l.evictLocked()
}

// GetSince returns the retained entries with Version > fromVersion in
// ascending order. ok is false when the required history is gone: the
// window no longer reaches back to fromVersion+1, the retained range has a
// gap, or the entity has no retained entries at all. An empty slice with
// ok true means the caller is already at the newest retained version.
func (l *Log) GetSince(entityKey string, fromVersion int64) ([]Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	keyed := l.perKey[entityKey]
	if len(keyed) == 0 {
		return nil, false
	}
	newest := keyed[len(keyed)-1].Version
	if fromVersion >= newest {
		return []Entry{}, true
	}
	oldest := keyed[0].Version
	if fromVersion < oldest-1 {
		return nil, false
	}

	start := sort.Search(len(keyed), func(i int) bool {
		return keyed[i].Version > fromVersion
	})
	out := make([]Entry, 0, len(keyed)-start)
	want := fromVersion + 1
	for _, e := range keyed[start:] {
		if e.Version != want {
			return nil, false
		}
		out = append(out, *e)
		want++
	}
	return out, true
}

// HasVersion reports whether the patch producing version is retained.
func (l *Log) HasVersion(entityKey string, version int64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	keyed := l.perKey[entityKey]
	i := sort.Search(len(keyed), func(i int) bool {
		return keyed[i].Version >= version
	})
	return i < len(keyed) && keyed[i].Version == version
}

// OldestVersion returns the oldest retained version for the entity.
func (l *Log) OldestVersion(entityKey string) (int64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	keyed := l.perKey[entityKey]
	if len(keyed) == 0 {
		return 0, false
	}
	return keyed[0].Version, true
}

// NewestVersion returns the newest retained version for the entity.
func (l *Log) NewestVersion(entityKey string) (int64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	keyed := l.perKey[entityKey]
	if len(keyed) == 0 {
		return 0, false
	}
	return keyed[len(keyed)-1].Version, true
}

// Latest returns the newest retained entry for the entity.
func (l *Log) Latest(entityKey string) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	keyed := l.perKey[entityKey]
	if len(keyed) == 0 {
		return Entry{}, false
	}
	return *keyed[len(keyed)-1], true
}

// DropEntity removes every retained entry for the entity, used when the
// entity itself is deleted.
func (l *Log) DropEntity(entityKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	keyed := l.perKey[entityKey]
	if len(keyed) == 0 {
		return
	}
	delete(l.perKey, entityKey)

	kept := l.entries[:0]
	for _, e := range l.entries {
		if e.EntityKey == entityKey {
			l.memory -= int64(e.Size)
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(l.entries); i++ {
		l.entries[i] = nil
	}
	l.entries = kept
}

// Cleanup applies the age bound (count and memory are enforced inline on
// append). Exposed so callers and tests can drive it without the ticker.
func (l *Log) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictLocked()
}

// Run drives periodic cleanup until ctx is done.
func (l *Log) Run(ctx context.Context) {
	ticker := l.clock.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			l.Cleanup()
		}
	}
}

// Stats returns current occupancy and eviction counters.
func (l *Log) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := l.stats
	s.Entries = len(l.entries)
	s.Entities = len(l.perKey)
	s.Bytes = l.memory
	return s
}

// evictLocked enforces age, then count, then memory, always removing the
// globally oldest entry. Global order is append order, so a surviving
// per-entity range stays contiguous at its tail.
func (l *Log) evictLocked() {
	cutoff := l.clock.Now().Add(-l.cfg.MaxAge)
	for len(l.entries) > 0 && l.entries[0].Timestamp.Before(cutoff) {
		l.popOldestLocked()
		l.stats.EvictedAge++
	}
	for len(l.entries) > l.cfg.MaxEntries {
		l.popOldestLocked()
		l.stats.EvictedCount++
	}
	for l.memory > l.cfg.MaxMemory && len(l.entries) > 0 {
		l.popOldestLocked()
		l.stats.EvictedMemory++
	}
}

func (l *Log) popOldestLocked() {
	e := l.entries[0]
	l.entries[0] = nil
	l.entries = l.entries[1:]
	l.memory -= int64(e.Size)

	keyed := l.perKey[e.EntityKey]
	if len(keyed) > 0 && keyed[0] == e {
		keyed[0] = nil
		keyed = keyed[1:]
	}
	if len(keyed) == 0 {
		delete(l.perKey, e.EntityKey)
	} else {
		l.perKey[e.EntityKey] = keyed
	}
}
