// Package ingest feeds the entity state store from external message
// buses. Each record names an entity reference and carries its next state;
// records for one entity are serialized through a keyed work lane so emit
// order matches bus order, while different entities emit in parallel.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/driftwire/driftwire/internal/metrics"
	"github.com/driftwire/driftwire/internal/workpool"
	"github.com/driftwire/driftwire/pkg/protocol"
	"github.com/driftwire/driftwire/pkg/store"
)

// Source is a running bus consumer. Run blocks until ctx is done or the
// consumer fails terminally.
type Source interface {
	Run(ctx context.Context) error
	Close()
}

// Emitter turns bus records into store emits. An empty or null body is a
// deletion.
type Emitter struct {
	store  store.Store
	pool   *workpool.Pool
	logger zerolog.Logger
}

func NewEmitter(st store.Store, pool *workpool.Pool, logger zerolog.Logger) *Emitter {
	return &Emitter{
		store:  st,
		pool:   pool,
		logger: logger.With().Str("component", "ingest").Logger(),
	}
}

// Submit schedules one record on the entity's lane. Blocks when the lane
// is full, which backpressures the bus consumer instead of dropping or
// reordering emits.
func (e *Emitter) Submit(ctx context.Context, source, entity, id string, body []byte) {
	metrics.IngestRecords.WithLabelValues(source).Inc()
	key := protocol.EntityKey(entity, id)
	e.pool.Submit(ctx, key, func() {
		e.apply(ctx, source, entity, id, body)
	})
}

func (e *Emitter) apply(ctx context.Context, source, entity, id string, body []byte) {
	if len(bytes.TrimSpace(body)) == 0 || bytes.Equal(bytes.TrimSpace(body), []byte("null")) {
		if err := e.store.Delete(ctx, entity, id); err != nil {
			e.logger.Error().Err(err).Str("source", source).
				Str("entity", entity).Str("entity_id", id).Msg("delete failed")
		}
		return
	}

	var next map[string]any
	if err := json.Unmarshal(body, &next); err != nil {
		e.logger.Warn().Err(err).Str("source", source).
			Str("entity", entity).Str("entity_id", id).Msg("record body is not an object, dropped")
		return
	}

	res, err := e.store.Emit(ctx, entity, id, next)
	if err != nil {
		e.logger.Error().Err(err).Str("source", source).
			Str("entity", entity).Str("entity_id", id).Msg("emit failed")
		return
	}
	metrics.Emits.WithLabelValues(boolLabel(res.Changed)).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
