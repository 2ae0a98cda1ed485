package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftwire/driftwire/internal/workpool"
	"github.com/driftwire/driftwire/pkg/oplog"
	"github.com/driftwire/driftwire/pkg/store"
)

type watchedStore struct {
	store.Store
	mu      sync.Mutex
	emits   []string
	deletes []string
}

func (w *watchedStore) Emit(ctx context.Context, entity, id string, next map[string]any) (store.EmitResult, error) {
	w.mu.Lock()
	w.emits = append(w.emits, entity+":"+id)
	w.mu.Unlock()
	return w.Store.Emit(ctx, entity, id, next)
}

func (w *watchedStore) Delete(ctx context.Context, entity, id string) error {
	w.mu.Lock()
	w.deletes = append(w.deletes, entity+":"+id)
	w.mu.Unlock()
	return w.Store.Delete(ctx, entity, id)
}

func newTestEmitter(t *testing.T) (*Emitter, *watchedStore, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	pool := workpool.New(2, 64, zerolog.Nop())
	pool.Start(ctx)
	st := &watchedStore{Store: store.NewMemory(oplog.New(oplog.Config{}, nil))}
	return NewEmitter(st, pool, zerolog.Nop()), st, cancel
}

func await(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never held")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEmitterAppliesRecords(t *testing.T) {
	e, st, cancel := newTestEmitter(t)
	defer cancel()
	ctx := context.Background()

	e.Submit(ctx, "nats", "Post", "1", []byte(`{"title":"A"}`))
	e.Submit(ctx, "nats", "Post", "1", []byte(`{"title":"B"}`))
	await(t, func() bool {
		_, version, _ := st.Store.GetState(ctx, "Post", "1")
		return version == 2
	})

	data, _, err := st.Store.GetState(ctx, "Post", "1")
	require.NoError(t, err)
	assert.Equal(t, "B", data["title"])
}

func TestEmitterSerializesPerEntity(t *testing.T) {
	e, st, cancel := newTestEmitter(t)
	defer cancel()
	ctx := context.Background()

	const n = 30
	for i := 1; i <= n; i++ {
		e.Submit(ctx, "kafka", "Counter", "1", []byte(fmt.Sprintf(`{"n":%d}`, i)))
	}
	await(t, func() bool {
		_, version, _ := st.Store.GetState(ctx, "Counter", "1")
		return version == n
	})

	// Bus order equals version order: the last record wins.
	data, version, err := st.Store.GetState(ctx, "Counter", "1")
	require.NoError(t, err)
	assert.Equal(t, int64(n), version)
	assert.Equal(t, float64(n), data["n"])
}

func TestEmitterNullBodyDeletes(t *testing.T) {
	e, st, cancel := newTestEmitter(t)
	defer cancel()
	ctx := context.Background()

	e.Submit(ctx, "nats", "Post", "1", []byte(`{"title":"A"}`))
	e.Submit(ctx, "nats", "Post", "1", []byte("null"))
	e.Submit(ctx, "nats", "Post", "2", []byte("  "))
	await(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return len(st.deletes) == 2
	})

	data, version, err := st.Store.GetState(ctx, "Post", "1")
	require.NoError(t, err)
	assert.Nil(t, data)
	assert.Zero(t, version)
}

func TestEmitterDropsMalformedBody(t *testing.T) {
	e, st, cancel := newTestEmitter(t)
	defer cancel()
	ctx := context.Background()

	e.Submit(ctx, "nats", "Post", "1", []byte(`[1,2,3]`))
	e.Submit(ctx, "nats", "Post", "1", []byte(`{"title":"ok"}`))
	await(t, func() bool {
		_, version, _ := st.Store.GetState(ctx, "Post", "1")
		return version == 1
	})

	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Equal(t, []string{"Post:1"}, st.emits, "array body never reaches the store")
}
