package server

import (
	"time"

	"github.com/driftwire/driftwire/internal/metrics"
	"github.com/driftwire/driftwire/pkg/protocol"
)

// handleReconnect answers a batch of catch-up requests, one decision per
// subscription. Subscriptions named here are also re-registered with the
// fan-out engine primed at the version the result reports, so live updates
// resume from exactly where catch-up left off. Registration happens after
// the ack is enqueued, so catch-up results always precede resumed updates
// on the egress queue; any emit landing in between is folded into the next
// mirror diff.
func (s *Server) handleReconnect(sess *session, f *protocol.Reconnect) {
	started := time.Now()

	if f.ProtocolVersion != protocol.Version {
		s.sendError(sess, "", protocol.Errorf(protocol.CodeValidationError,
			"unsupported protocol version %d, server speaks %d", f.ProtocolVersion, protocol.Version))
		return
	}

	results := make(map[string]protocol.ReconnectResult, len(f.Subscriptions))
	resumes := make([]func(), 0, len(f.Subscriptions))
	for _, rs := range f.Subscriptions {
		result, resume := s.decideOne(sess, rs)
		results[rs.ID] = result
		if resume != nil {
			resumes = append(resumes, resume)
		}
		metrics.ReconnectResults.WithLabelValues(result.Status).Inc()
	}

	elapsed := time.Since(started)
	metrics.ReconnectDuration.Observe(elapsed.Seconds())
	s.logger.Info().
		Str("session_id", sess.id).
		Str("reconnect_id", f.ReconnectID).
		Int("subscriptions", len(f.Subscriptions)).
		Dur("elapsed", elapsed).
		Msg("reconnect processed")

	sess.enqueue(protocol.ReconnectAck{
		Type:           protocol.TypeReconnectAck,
		ReconnectID:    f.ReconnectID,
		ServerTime:     time.Now().UnixMilli(),
		ProcessingTime: elapsed.Milliseconds(),
		Results:        results,
	})
	for _, resume := range resumes {
		resume()
	}
}

// decideOne runs the catch-up decision tree for one subscription and
// returns a closure re-registering it with the fan-out engine, deferred by
// the caller until after the ack is enqueued. A panic anywhere below
// becomes an error result for this entry; the rest of the batch proceeds.
func (s *Server) decideOne(sess *session, rs protocol.ReconnectSubscription) (result protocol.ReconnectResult, resume func()) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PanicsRecovered.Inc()
			s.logger.Error().
				Str("sub_id", rs.ID).
				Interface("panic_value", r).
				Msg("reconnect decision panic recovered")
			result = protocol.ReconnectResult{Status: protocol.StatusError, Error: "internal error"}
			resume = nil
		}
	}()

	// A subscription that is already live on this session keeps its
	// registered field filter; a snapshot refetch omits the fields and
	// must not widen it.
	fields := rs.Fields
	sess.mu.Lock()
	if st, live := sess.subs[rs.ID]; live {
		fields = st.fields
	}
	sess.mu.Unlock()

	data, current, err := s.store.GetState(s.ctx, rs.Entity, rs.EntityID)
	if err != nil {
		return protocol.ReconnectResult{Status: protocol.StatusError, Error: err.Error()}, nil
	}

	// Deleted or never-created entities end the subscription.
	if data == nil {
		return protocol.ReconnectResult{Status: protocol.StatusDeleted, Version: 0}, nil
	}

	makeResume := func(version int64) func() {
		snapshot := fields.Filter(data)
		return func() {
			sess.mu.Lock()
			sess.subs[rs.ID] = subState{entity: rs.Entity, entityID: rs.EntityID, fields: fields}
			sess.mu.Unlock()
			s.engine.Subscribe(sess.id, rs.ID, rs.Entity, rs.EntityID, fields, version, snapshot)
		}
	}

	if rs.Version >= current {
		return protocol.ReconnectResult{Status: protocol.StatusCurrent, Version: current}, makeResume(current)
	}

	// Advisory hash collapse: the client already holds the current state
	// even though its version lags, typically after a missed ack.
	if rs.DataHash != "" && fields.All() && rs.DataHash == protocol.DataHash(data) {
		return protocol.ReconnectResult{Status: protocol.StatusCurrent, Version: current}, makeResume(current)
	}

	// Entity-level patches only make sense for whole-entity subscribers
	// holding a real cursor; field-filtered ones and version-0 refetches
	// rebase on a snapshot.
	if fields.All() && rs.Version > 0 {
		patches, ok, err := s.store.GetPatchesSince(s.ctx, rs.Entity, rs.EntityID, rs.Version)
		if err != nil {
			return protocol.ReconnectResult{Status: protocol.StatusError, Error: err.Error()}, nil
		}
		if ok {
			if len(patches) == 0 {
				return protocol.ReconnectResult{Status: protocol.StatusCurrent, Version: current}, makeResume(current)
			}
			ops := make([][]protocol.PatchOp, len(patches))
			for i, p := range patches {
				ops[i] = p.Patch
			}
			return protocol.ReconnectResult{Status: protocol.StatusPatched, Version: current, Patches: ops}, makeResume(current)
		}
	}

	snapshot := fields.Filter(data)
	return protocol.ReconnectResult{
		Status:   protocol.StatusSnapshot,
		Version:  current,
		Data:     snapshot,
		DataHash: protocol.DataHash(snapshot),
	}, makeResume(current)
}
