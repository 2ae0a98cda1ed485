package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// emitSubjectPrefix is the subject space carrying emit records. The two
// trailing tokens are the entity type and id: sync.emit.<entity>.<id>.
const emitSubjectPrefix = "sync.emit."

// NATSSource consumes emit records from a NATS subject tree.
type NATSSource struct {
	url     string
	emitter *Emitter
	logger  zerolog.Logger

	conn *nats.Conn
	sub  *nats.Subscription
}

func NewNATSSource(url string, emitter *Emitter, logger zerolog.Logger) *NATSSource {
	return &NATSSource{
		url:     url,
		emitter: emitter,
		logger:  logger.With().Str("component", "nats_source").Logger(),
	}
}

// Run connects with exponential backoff, subscribes and blocks until ctx
// is done. NATS reconnects forever on its own once the first connect
// succeeds.
func (n *NATSSource) Run(ctx context.Context) error {
	connect := func() (*nats.Conn, error) {
		return nats.Connect(n.url,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.ReconnectJitter(500*time.Millisecond, time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				n.logger.Warn().Err(err).Msg("nats disconnected")
			}),
			nats.ReconnectHandler(func(conn *nats.Conn) {
				n.logger.Info().Str("url", conn.ConnectedUrl()).Msg("nats reconnected")
			}),
		)
	}

	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	conn, err := backoff.RetryWithData(connect, policy)
	if err != nil {
		return fmt.Errorf("ingest: nats connect %s: %w", n.url, err)
	}
	n.conn = conn
	n.logger.Info().Str("url", conn.ConnectedUrl()).Msg("nats connected")

	sub, err := conn.Subscribe(emitSubjectPrefix+">", func(msg *nats.Msg) {
		entity, id, ok := splitEmitSubject(msg.Subject)
		if !ok {
			n.logger.Warn().Str("subject", msg.Subject).Msg("malformed emit subject, dropped")
			return
		}
		n.emitter.Submit(ctx, "nats", entity, id, msg.Data)
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("ingest: nats subscribe: %w", err)
	}
	n.sub = sub

	<-ctx.Done()
	return nil
}

func (n *NATSSource) Close() {
	if n.sub != nil {
		n.sub.Unsubscribe()
	}
	if n.conn != nil {
		n.conn.Drain()
	}
}

// splitEmitSubject extracts (entity, id) from sync.emit.<entity>.<id>.
// Ids may contain dots; everything after the entity token belongs to it.
func splitEmitSubject(subject string) (entity, id string, ok bool) {
	rest, found := strings.CutPrefix(subject, emitSubjectPrefix)
	if !found {
		return "", "", false
	}
	entity, id, found = strings.Cut(rest, ".")
	if !found || entity == "" || id == "" {
		return "", "", false
	}
	return entity, id, true
}
