// Package fanout routes committed entity events to their subscribers. For
// each subscriber it remembers the last state that subscriber was sent and
// computes minimal per-field updates against it, so the wire carries deltas
// instead of full snapshots. Broadcast runs inside the store's per-entity
// critical section, which is what makes delivered versions strictly
// increasing per subscription.
package fanout

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/driftwire/driftwire/internal/metrics"
	"github.com/driftwire/driftwire/pkg/diff"
	"github.com/driftwire/driftwire/pkg/protocol"
	"github.com/driftwire/driftwire/pkg/store"
)

// Sender is the egress seam: the server's session table enqueues the frame
// on the session's send channel without blocking. False means the session
// is gone or too slow; the engine does not retry.
type Sender interface {
	SendFrame(sessionID string, frame any) bool
}

type subscriber struct {
	sessionID string
	subID     string
	entity    string
	entityID  string
	fields    protocol.FieldSet

	// lastSent mirrors what the subscriber has applied. Unprimed
	// subscriptions get full values on their first broadcast.
	lastSent    map[string]any
	lastVersion int64
	primed      bool
}

// Engine owns the subscription indices. One mutex guards both; broadcast
// work under it is pure computation plus non-blocking channel sends.
type Engine struct {
	sender Sender
	logger zerolog.Logger

	mu        sync.Mutex
	byEntity  map[string]map[string]*subscriber // entityKey -> sessionID/subID -> sub
	bySession map[string]map[string]string      // sessionID -> subID -> entityKey
}

func New(sender Sender, logger zerolog.Logger) *Engine {
	return &Engine{
		sender:    sender,
		logger:    logger.With().Str("component", "fanout").Logger(),
		byEntity:  make(map[string]map[string]*subscriber),
		bySession: make(map[string]map[string]string),
	}
}

func subKey(sessionID, subID string) string {
	return sessionID + "/" + subID
}

// Subscribe registers a subscription. A non-nil snapshot is the data the
// subscriber already holds (its ack payload), so the first broadcast diffs
// against it instead of resending everything.
func (e *Engine) Subscribe(sessionID, subID, entity, entityID string, fields protocol.FieldSet, version int64, snapshot map[string]any) {
	key := protocol.EntityKey(entity, entityID)
	sub := &subscriber{
		sessionID:   sessionID,
		subID:       subID,
		entity:      entity,
		entityID:    entityID,
		fields:      fields,
		lastSent:    fields.Filter(snapshot),
		lastVersion: version,
		primed:      snapshot != nil,
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.byEntity[key] == nil {
		e.byEntity[key] = make(map[string]*subscriber)
	}
	e.byEntity[key][subKey(sessionID, subID)] = sub

	if e.bySession[sessionID] == nil {
		e.bySession[sessionID] = make(map[string]string)
	}
	e.bySession[sessionID][subID] = key

	metrics.SubscriptionsActive.Set(float64(e.totalLocked()))
}

// UpdateFields swaps a live subscription's field filter and re-primes its
// mirror with the snapshot for the new field set.
func (e *Engine) UpdateFields(sessionID, subID string, fields protocol.FieldSet, version int64, snapshot map[string]any) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	key, ok := e.bySession[sessionID][subID]
	if !ok {
		return false
	}
	sub := e.byEntity[key][subKey(sessionID, subID)]
	if sub == nil {
		return false
	}
	sub.fields = fields
	sub.lastSent = fields.Filter(snapshot)
	sub.lastVersion = version
	sub.primed = snapshot != nil
	return true
}

// UnsubscribeOne removes a single subscription. No frame is sent; the
// client asked for the teardown.
func (e *Engine) UnsubscribeOne(sessionID, subID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removeLocked(sessionID, subID)
	metrics.SubscriptionsActive.Set(float64(e.totalLocked()))
}

// DropSession purges every subscription of a disconnected session.
func (e *Engine) DropSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for subID := range e.bySession[sessionID] {
		e.removeLocked(sessionID, subID)
	}
	metrics.SubscriptionsActive.Set(float64(e.totalLocked()))
}

// Counts reports (sessions with subscriptions, total subscriptions).
func (e *Engine) Counts() (sessions, subscriptions int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.bySession), e.totalLocked()
}

// Broadcast delivers one committed event to every subscriber of its
// entity. Called by the store notifier inside the entity's critical
// section.
func (e *Engine) Broadcast(ev store.Event) {
	key := protocol.EntityKey(ev.Entity, ev.ID)

	e.mu.Lock()
	defer e.mu.Unlock()

	subs := e.byEntity[key]
	if len(subs) == 0 {
		return
	}
	metrics.BroadcastFanout.Observe(float64(len(subs)))

	if ev.Deleted {
		for _, sub := range subs {
			e.sender.SendFrame(sub.sessionID, protocol.Complete{Type: protocol.TypeComplete, ID: sub.subID})
			e.removeLocked(sub.sessionID, sub.subID)
		}
		metrics.SubscriptionsActive.Set(float64(e.totalLocked()))
		return
	}

	for _, sub := range subs {
		e.deliver(sub, ev)
	}
}

// deliver computes and enqueues one subscriber's frame. A panic while
// diffing is recovered into a full-value fallback so one bad value cannot
// stall the other subscribers.
func (e *Engine) deliver(sub *subscriber, ev store.Event) {
	filtered := sub.fields.Filter(ev.Data)

	updates, err := func() (u map[string]protocol.Update, err error) {
		defer func() {
			if r := recover(); r != nil {
				u, err = nil, protocol.Errorf(protocol.CodeInternalError, "update encode panic: %v", r)
			}
		}()
		return e.encodeUpdates(sub, filtered)
	}()
	if err != nil {
		e.logger.Error().
			Err(err).
			Str("session_id", sub.sessionID).
			Str("sub_id", sub.subID).
			Str("entity", sub.entity).
			Str("entity_id", sub.entityID).
			Int64("version", ev.Version).
			Msg("per-field diff failed, falling back to full values")
		metrics.BroadcastFallbacks.Inc()
		updates = fullValueUpdates(filtered)
	}

	if len(updates) == 0 {
		// Change fell outside the subscribed fields; the mirror still
		// advances so a later update_fields diffs against current truth.
		sub.lastSent = filtered
		sub.lastVersion = ev.Version
		return
	}

	frame := protocol.UpdateFrame{
		Type:     protocol.TypeUpdate,
		ID:       sub.subID,
		Entity:   sub.entity,
		EntityID: sub.entityID,
		Version:  ev.Version,
		Updates:  updates,
	}
	for _, u := range updates {
		metrics.UpdateStrategies.WithLabelValues(string(u.Strategy)).Inc()
	}
	e.sender.SendFrame(sub.sessionID, frame)
	sub.lastSent = filtered
	sub.lastVersion = ev.Version
	sub.primed = true
}

// encodeUpdates builds the minimal per-field update set against the
// subscriber's mirror. Fields that disappeared from the entity are sent as
// explicit value null so the client clears them.
func (e *Engine) encodeUpdates(sub *subscriber, filtered map[string]any) (map[string]protocol.Update, error) {
	updates := make(map[string]protocol.Update)

	if !sub.primed {
		return fullValueUpdates(filtered), nil
	}

	for field, next := range filtered {
		prev, had := sub.lastSent[field]
		if had && diff.Equal(prev, next) {
			continue
		}
		var u *protocol.Update
		if had {
			u = diff.Encode(prev, next)
		} else {
			u = diff.Encode(nil, next)
		}
		if u != nil {
			updates[field] = *u
		}
	}

	for field := range sub.lastSent {
		if _, still := filtered[field]; still {
			continue
		}
		null, err := protocol.NewValueUpdate(nil)
		if err != nil {
			return nil, err
		}
		updates[field] = null
	}
	return updates, nil
}

func fullValueUpdates(filtered map[string]any) map[string]protocol.Update {
	updates := make(map[string]protocol.Update, len(filtered))
	for field, v := range filtered {
		u, err := protocol.NewValueUpdate(v)
		if err != nil {
			u = protocol.Update{Strategy: protocol.StrategyValue, Data: []byte("null")}
		}
		updates[field] = u
	}
	return updates
}

func (e *Engine) removeLocked(sessionID, subID string) {
	key, ok := e.bySession[sessionID][subID]
	if !ok {
		return
	}
	delete(e.bySession[sessionID], subID)
	if len(e.bySession[sessionID]) == 0 {
		delete(e.bySession, sessionID)
	}
	if subs := e.byEntity[key]; subs != nil {
		delete(subs, subKey(sessionID, subID))
		if len(subs) == 0 {
			delete(e.byEntity, key)
		}
	}
}

func (e *Engine) totalLocked() int {
	total := 0
	for _, subs := range e.byEntity {
		total += len(subs)
	}
	return total
}
