package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaConfig names the brokers, topic and consumer group for the Kafka
// emit source.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	Group   string
}

// KafkaSource consumes emit records from a Kafka topic. The record key is
// the entity key ("type:id"), the value the next state JSON; an empty
// value is a deletion.
type KafkaSource struct {
	client  *kgo.Client
	emitter *Emitter
	logger  zerolog.Logger
}

func NewKafkaSource(cfg KafkaConfig, emitter *Emitter, logger zerolog.Logger) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("ingest: kafka requires at least one broker")
	}
	log := logger.With().Str("component", "kafka_source").Logger()

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.SessionTimeout(30*time.Second),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			log.Info().Interface("partitions", assigned).Msg("partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			log.Info().Interface("partitions", revoked).Msg("partitions revoked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("ingest: kafka client: %w", err)
	}
	return &KafkaSource{client: client, emitter: emitter, logger: log}, nil
}

// Run polls until ctx is done. Per-partition record order carries through
// to emit order because the emitter lanes key on the record key.
func (k *KafkaSource) Run(ctx context.Context) error {
	k.logger.Info().Msg("kafka consumer started")
	for {
		fetches := k.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return ctx.Err()
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			k.logger.Error().Err(err).Str("topic", topic).Int32("partition", partition).Msg("fetch error")
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			entity, id, ok := strings.Cut(string(rec.Key), ":")
			if !ok || entity == "" || id == "" {
				k.logger.Warn().Str("key", string(rec.Key)).Msg("malformed record key, dropped")
				return
			}
			k.emitter.Submit(ctx, "kafka", entity, id, rec.Value)
		})
	}
}

func (k *KafkaSource) Close() {
	k.client.Close()
}
