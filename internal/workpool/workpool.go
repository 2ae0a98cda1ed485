// Package workpool runs tasks on a fixed set of keyed lanes. Tasks sharing
// a key hash to the same lane and run FIFO on one goroutine, which is how
// ingest keeps per-entity emit order while entities proceed in parallel.
package workpool

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/driftwire/driftwire/internal/logging"
	"github.com/driftwire/driftwire/internal/metrics"
)

// Task is one unit of work.
type Task func()

// Pool is a set of lane goroutines with bounded queues. Submit blocks when
// the target lane is full, pushing backpressure to the producer instead of
// dropping work.
type Pool struct {
	lanes     []chan Task
	logger    zerolog.Logger
	wg        sync.WaitGroup
	processed uint64
	started   atomic.Bool
}

// New builds a pool with the given lane count and per-lane queue depth.
func New(lanes, queue int, logger zerolog.Logger) *Pool {
	if lanes < 1 {
		lanes = 1
	}
	if queue < 1 {
		queue = 1024
	}
	p := &Pool{
		lanes:  make([]chan Task, lanes),
		logger: logger.With().Str("component", "workpool").Logger(),
	}
	for i := range p.lanes {
		p.lanes[i] = make(chan Task, queue)
	}
	return p
}

// Start launches the lane goroutines. They drain until ctx is done.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	for i, lane := range p.lanes {
		p.wg.Add(1)
		go p.run(ctx, i, lane)
	}
}

// Submit schedules task on the lane owning key. Blocks while the lane is
// full; returns false once ctx is done.
func (p *Pool) Submit(ctx context.Context, key string, task Task) bool {
	lane := p.lanes[xxhash.Sum64String(key)%uint64(len(p.lanes))]
	select {
	case lane <- task:
		metrics.LaneDepth.Set(float64(p.Depth()))
		return true
	case <-ctx.Done():
		return false
	}
}

// Depth returns the total queued tasks across lanes.
func (p *Pool) Depth() int {
	total := 0
	for _, lane := range p.lanes {
		total += len(lane)
	}
	return total
}

// Processed returns the total tasks completed.
func (p *Pool) Processed() uint64 {
	return atomic.LoadUint64(&p.processed)
}

// Wait blocks until every lane goroutine has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, id int, lane chan Task) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-lane:
			p.execute(id, task)
			metrics.LaneDepth.Set(float64(p.Depth()))
		}
	}
}

func (p *Pool) execute(laneID int, task Task) {
	defer logging.RecoverPanic(p.logger.With().Int("lane", laneID).Logger(), "workpool")
	task()
	atomic.AddUint64(&p.processed, 1)
}
