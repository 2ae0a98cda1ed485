package workpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitPreservesPerKeyOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := New(4, 64, zerolog.Nop())
	p.Start(ctx)

	var mu sync.Mutex
	got := make(map[string][]int)
	var done sync.WaitGroup

	keys := []string{"Post:1", "Post:2", "User:9"}
	const perKey = 50
	for i := 0; i < perKey; i++ {
		for _, key := range keys {
			key, i := key, i
			done.Add(1)
			require.True(t, p.Submit(ctx, key, func() {
				defer done.Done()
				mu.Lock()
				got[key] = append(got[key], i)
				mu.Unlock()
			}))
		}
	}
	done.Wait()

	for _, key := range keys {
		require.Len(t, got[key], perKey)
		for i, n := range got[key] {
			assert.Equal(t, i, n, "lane order broken for %s", key)
		}
	}
	assert.Equal(t, uint64(len(keys)*perKey), p.Processed())

	cancel()
	p.Wait()
}

func TestSubmitReturnsFalseWhenDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := New(1, 1, zerolog.Nop())
	// Not started: the lane fills and Submit blocks until ctx ends.
	require.True(t, p.Submit(ctx, "k", func() {}))
	cancel()
	assert.False(t, p.Submit(ctx, "k", func() {}))
}

func TestPanickingTaskDoesNotKillLane(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := New(1, 8, zerolog.Nop())
	p.Start(ctx)

	ran := make(chan struct{})
	p.Submit(ctx, "k", func() { panic("task bug") })
	p.Submit(ctx, "k", func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("lane died after panic")
	}
}
