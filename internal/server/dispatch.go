package server

import (
	"encoding/json"

	"github.com/driftwire/driftwire/internal/metrics"
	"github.com/driftwire/driftwire/pkg/protocol"
)

// dispatch is the message pump: decode, classify, handle. Handler panics
// are recovered into an internal_error frame so one bad request cannot
// take the session down with it.
func (s *Server) dispatch(sess *session, raw []byte) {
	frame, err := protocol.DecodeClientFrame(raw)
	if err != nil {
		s.sendError(sess, "", protocol.AsError(err, protocol.CodeParseError))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			metrics.PanicsRecovered.Inc()
			s.logger.Error().
				Str("session_id", sess.id).
				Interface("panic_value", r).
				Msg("handler panic recovered")
			s.sendError(sess, frameID(frame), protocol.NewError(
				protocol.CodeInternalError, "internal error handling request"))
		}
	}()

	switch f := frame.(type) {
	case *protocol.Handshake:
		s.handleHandshake(sess, f)
	case *protocol.Query:
		s.handleQuery(sess, f)
	case *protocol.Subscribe:
		s.handleSubscribe(sess, f)
	case *protocol.Unsubscribe:
		s.engine.UnsubscribeOne(sess.id, f.ID)
		sess.removeSub(f.ID)
	case *protocol.UpdateFields:
		s.handleUpdateFields(sess, f)
	case *protocol.Reconnect:
		s.handleReconnect(sess, f)
	}
}

func frameID(frame any) string {
	switch f := frame.(type) {
	case *protocol.Handshake:
		return f.ID
	case *protocol.Query:
		return f.ID
	case *protocol.Subscribe:
		return f.ID
	case *protocol.Unsubscribe:
		return f.ID
	case *protocol.UpdateFields:
		return f.ID
	}
	return ""
}

func (s *Server) sendError(sess *session, id string, werr *protocol.Error) {
	metrics.ErrorFrames.WithLabelValues(werr.Code).Inc()
	sess.enqueue(protocol.NewErrorFrame(id, werr))
}

func (s *Server) handleHandshake(sess *session, f *protocol.Handshake) {
	if f.ProtocolVersion != protocol.Version {
		s.sendError(sess, f.ID, protocol.Errorf(protocol.CodeValidationError,
			"unsupported protocol version %d, server speaks %d", f.ProtocolVersion, protocol.Version))
		return
	}
	queries, mutations, subscriptions := s.registry.Names()
	sess.enqueue(protocol.HandshakeAck{
		Type:          protocol.TypeHandshakeAck,
		ID:            f.ID,
		Version:       protocol.Version,
		Queries:       queries,
		Mutations:     mutations,
		Subscriptions: subscriptions,
	})
}

func (s *Server) handleQuery(sess *session, f *protocol.Query) {
	out, err := s.registry.ResolveQuery(s.ctx, f.Type, f.Name, f.Input)
	if err != nil {
		s.sendError(sess, f.ID, protocol.AsError(err, protocol.CodeExecutionError))
		return
	}
	projected := f.Select.Project(out)
	raw, err := json.Marshal(projected)
	if err != nil {
		s.sendError(sess, f.ID, protocol.Errorf(protocol.CodeInternalError,
			"marshal %s result: %v", f.Name, err))
		return
	}
	sess.enqueue(protocol.Data{Type: protocol.TypeData, ID: f.ID, Data: raw})
}

func (s *Server) handleSubscribe(sess *session, f *protocol.Subscribe) {
	binding, err := s.registry.Bind(s.ctx, f.Name, f.Input)
	if err != nil {
		s.sendError(sess, f.ID, protocol.AsError(err, protocol.CodeExecutionError))
		return
	}
	if !sess.addSub(f.ID, subState{name: f.Name, entity: binding.Entity, entityID: binding.ID, fields: f.Fields}) {
		s.sendError(sess, f.ID, protocol.Errorf(protocol.CodeValidationError,
			"subscription id %q already in use", f.ID))
		return
	}

	data, version, err := s.store.GetState(s.ctx, binding.Entity, binding.ID)
	if err != nil {
		sess.removeSub(f.ID)
		s.sendError(sess, f.ID, protocol.Errorf(protocol.CodeInternalError,
			"read %s:%s: %v", binding.Entity, binding.ID, err))
		return
	}

	// An absent entity acks with version 0 and null data; its first emit
	// delivers full values through the unprimed fan-out path.
	filtered := f.Fields.Filter(data)
	s.engine.Subscribe(sess.id, f.ID, binding.Entity, binding.ID, f.Fields, version, filtered)

	ack := protocol.SubscriptionAck{
		Type:     protocol.TypeSubscriptionAck,
		ID:       f.ID,
		Entity:   binding.Entity,
		EntityID: binding.ID,
		Version:  version,
		Data:     filtered,
	}
	if data != nil {
		ack.DataHash = protocol.DataHash(filtered)
	}
	sess.enqueue(ack)
}

func (s *Server) handleUpdateFields(sess *session, f *protocol.UpdateFields) {
	st, ok := sess.getSub(f.ID)
	if !ok {
		s.sendError(sess, f.ID, protocol.Errorf(protocol.CodeNotFound,
			"no subscription with id %q", f.ID))
		return
	}

	data, version, err := s.store.GetState(s.ctx, st.entity, st.entityID)
	if err != nil {
		s.sendError(sess, f.ID, protocol.Errorf(protocol.CodeInternalError,
			"read %s:%s: %v", st.entity, st.entityID, err))
		return
	}

	filtered := f.Fields.Filter(data)
	if !s.engine.UpdateFields(sess.id, f.ID, f.Fields, version, filtered) {
		s.sendError(sess, f.ID, protocol.Errorf(protocol.CodeNotFound,
			"no subscription with id %q", f.ID))
		return
	}
	sess.setSubFields(f.ID, f.Fields)

	// Re-ack with a fresh snapshot so the client rebases onto the new
	// field set instead of patching across filter changes.
	ack := protocol.SubscriptionAck{
		Type:     protocol.TypeSubscriptionAck,
		ID:       f.ID,
		Entity:   st.entity,
		EntityID: st.entityID,
		Version:  version,
		Data:     filtered,
	}
	if data != nil {
		ack.DataHash = protocol.DataHash(filtered)
	}
	sess.enqueue(ack)
}
