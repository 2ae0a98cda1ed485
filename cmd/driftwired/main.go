// Command driftwired runs the driftwire sync server: a WebSocket endpoint
// for queries, mutations and live subscriptions, fed by optional NATS and
// Kafka emit sources. Built-in entity operations expose the state store
// directly; host applications embedding the runtime register their own.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/driftwire/driftwire/internal/config"
	"github.com/driftwire/driftwire/internal/ingest"
	"github.com/driftwire/driftwire/internal/logging"
	"github.com/driftwire/driftwire/internal/metrics"
	"github.com/driftwire/driftwire/internal/registry"
	"github.com/driftwire/driftwire/internal/server"
	"github.com/driftwire/driftwire/internal/workpool"
	"github.com/driftwire/driftwire/pkg/oplog"
	"github.com/driftwire/driftwire/pkg/protocol"
	"github.com/driftwire/driftwire/pkg/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := oplog.New(oplog.Config{
		MaxEntries:      cfg.OplogMaxEntries,
		MaxAge:          cfg.OplogMaxAge,
		MaxMemory:       cfg.OplogMaxMemory,
		CleanupInterval: cfg.OplogCleanupInterval,
	}, nil)
	go log.Run(ctx)
	go reportOplog(ctx, log)

	mem := store.NewMemory(log)
	reg := registry.New()
	if err := registerEntityOps(reg, mem); err != nil {
		return err
	}

	srv := server.New(cfg, logger, reg, mem)
	mem.SetNotifier(srv.Engine().Broadcast)

	pool := workpool.New(cfg.Lanes, cfg.LaneQueue, logger)
	pool.Start(ctx)
	emitter := ingest.NewEmitter(mem, pool, logger)

	var sources []ingest.Source
	if cfg.NATSURL != "" {
		sources = append(sources, ingest.NewNATSSource(cfg.NATSURL, emitter, logger))
	}
	if len(cfg.KafkaBrokers) > 0 {
		kafka, err := ingest.NewKafkaSource(ingest.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			Group:   cfg.ConsumerGroup,
		}, emitter, logger)
		if err != nil {
			return err
		}
		sources = append(sources, kafka)
	}
	for _, src := range sources {
		src := src
		go func() {
			defer logging.RecoverPanic(logger, "ingest_source")
			if err := src.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("ingest source stopped")
			}
		}()
	}

	if err := srv.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info().Msg("signal received")

	for _, src := range sources {
		src.Close()
	}
	return srv.Shutdown()
}

// entityRef is the input shape shared by the built-in operations.
type entityRef struct {
	Entity string `json:"entity"`
	ID     string `json:"id"`
}

func (e entityRef) validate() error {
	if e.Entity == "" || e.ID == "" {
		return protocol.NewError(protocol.CodeValidationError, "entity and id are required")
	}
	return nil
}

// registerEntityOps wires the generic entity operations every driftwired
// deployment exposes: read, emit, delete and subscribe by reference.
func registerEntityOps(reg *registry.Registry, st store.Store) error {
	if err := reg.RegisterQuery("entity.get", nil, func(ctx context.Context, input any) (any, error) {
		ref, err := decodeRef(input)
		if err != nil {
			return nil, err
		}
		data, version, err := st.GetState(ctx, ref.Entity, ref.ID)
		if err != nil {
			return nil, err
		}
		if data == nil {
			return nil, protocol.Errorf(protocol.CodeNotFound, "%s:%s not found", ref.Entity, ref.ID)
		}
		return map[string]any{"data": data, "version": version}, nil
	}); err != nil {
		return err
	}

	if err := reg.RegisterMutation("entity.emit", nil, func(ctx context.Context, input any) (any, error) {
		obj, _ := input.(map[string]any)
		ref := entityRef{Entity: stringField(obj, "entity"), ID: stringField(obj, "id")}
		if err := ref.validate(); err != nil {
			return nil, err
		}
		data, _ := obj["data"].(map[string]any)
		if data == nil {
			return nil, protocol.NewError(protocol.CodeValidationError, "data object is required")
		}
		res, err := st.Emit(ctx, ref.Entity, ref.ID, data)
		if err != nil {
			return nil, err
		}
		return map[string]any{"version": res.Version, "changed": res.Changed, "dataHash": res.Hash}, nil
	}); err != nil {
		return err
	}

	if err := reg.RegisterMutation("entity.delete", nil, func(ctx context.Context, input any) (any, error) {
		ref, err := decodeRef(input)
		if err != nil {
			return nil, err
		}
		if err := st.Delete(ctx, ref.Entity, ref.ID); err != nil {
			return nil, err
		}
		return map[string]any{"deleted": true}, nil
	}); err != nil {
		return err
	}

	return reg.RegisterSubscription("entity.changes", nil, func(ctx context.Context, input any) (registry.Binding, error) {
		ref, err := decodeRef(input)
		if err != nil {
			return registry.Binding{}, err
		}
		return registry.Binding{Entity: ref.Entity, ID: ref.ID}, nil
	})
}

func decodeRef(input any) (entityRef, error) {
	obj, _ := input.(map[string]any)
	ref := entityRef{Entity: stringField(obj, "entity"), ID: stringField(obj, "id")}
	return ref, ref.validate()
}

func stringField(obj map[string]any, name string) string {
	s, _ := obj[name].(string)
	return s
}

// reportOplog mirrors op-log occupancy into the Prometheus gauges.
func reportOplog(ctx context.Context, log *oplog.Log) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	var last oplog.Stats
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := log.Stats()
			metrics.OplogEntries.Set(float64(s.Entries))
			metrics.OplogBytes.Set(float64(s.Bytes))
			metrics.OplogEvictions.WithLabelValues("age").Add(float64(s.EvictedAge - last.EvictedAge))
			metrics.OplogEvictions.WithLabelValues("count").Add(float64(s.EvictedCount - last.EvictedCount))
			metrics.OplogEvictions.WithLabelValues("memory").Add(float64(s.EvictedMemory - last.EvictedMemory))
			last = s
		}
	}
}
