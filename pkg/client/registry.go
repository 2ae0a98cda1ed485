// Package client is the Go client runtime for a driftwire server: a
// WebSocket dialer, request/response correlation for queries and
// mutations, and a subscription registry that applies per-field updates
// and drives the reconnect protocol after transport loss.
package client

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/driftwire/driftwire/pkg/diff"
	"github.com/driftwire/driftwire/pkg/jsonpatch"
	"github.com/driftwire/driftwire/pkg/protocol"
)

// State is a subscription's lifecycle position.
type State string

const (
	StatePending      State = "pending"
	StateActive       State = "active"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

// Observer receives a subscription's events. At most one terminal event
// (OnError or OnComplete) fires, and no OnNext follows it. Nil callbacks
// are skipped.
type Observer struct {
	OnNext     func(data map[string]any)
	OnError    func(err error)
	OnComplete func()
}

type subRecord struct {
	id       string
	name     string
	input    json.RawMessage
	fields   protocol.FieldSet
	entity   string
	entityID string

	version  int64
	dataHash string
	data     map[string]any

	state    State
	observer Observer
	done     bool // terminal event delivered
}

// Registry mirrors the client's live subscriptions. Exported so host
// applications embedding their own transport can reuse the bookkeeping.
type Registry struct {
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[string]*subRecord
}

func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		logger: logger.With().Str("component", "sub_registry").Logger(),
		subs:   make(map[string]*subRecord),
	}
}

// Register records a new pending subscription.
func (r *Registry) Register(id, name string, input json.RawMessage, fields protocol.FieldSet, obs Observer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.subs[id]; dup {
		return fmt.Errorf("client: subscription id %q already registered", id)
	}
	r.subs[id] = &subRecord{
		id:       id,
		name:     name,
		input:    input,
		fields:   fields,
		state:    StatePending,
		observer: obs,
	}
	return nil
}

// Activate applies a subscription_ack: the entity binding and the initial
// snapshot. Fires OnNext when the ack carries data.
func (r *Registry) Activate(ack *protocol.SubscriptionAck) {
	r.mu.Lock()
	sub, ok := r.subs[ack.ID]
	if !ok {
		r.mu.Unlock()
		return
	}
	sub.entity = ack.Entity
	sub.entityID = ack.EntityID
	sub.version = ack.Version
	sub.data = ack.Data
	sub.dataHash = ack.DataHash
	sub.state = StateActive
	obs, data, emit := sub.observer, cloneData(sub.data), ack.Data != nil && !sub.done
	r.mu.Unlock()

	if emit {
		r.notifyNext(obs, ack.ID, data)
	}
}

// ApplyUpdate decodes each field update against the local mirror and
// advances version and hash. A decode failure marks the subscription
// errored and returns a patch_application_error; the caller refetches.
func (r *Registry) ApplyUpdate(frame *protocol.UpdateFrame) error {
	r.mu.Lock()
	sub, ok := r.subs[frame.ID]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug().Str("sub_id", frame.ID).Msg("update for unknown subscription dropped")
		return nil
	}

	next := cloneData(sub.data)
	if next == nil {
		next = make(map[string]any)
	}
	for field, u := range frame.Updates {
		decoded, err := diff.Decode(next[field], u)
		if err != nil {
			sub.state = StateError
			r.mu.Unlock()
			return protocol.Errorf(protocol.CodePatchApplication,
				"apply %s update to field %q of %s: %v", u.Strategy, field, frame.ID, err)
		}
		if decoded == nil {
			delete(next, field)
		} else {
			next[field] = decoded
		}
	}

	sub.data = next
	if frame.Version > 0 {
		sub.version = frame.Version
	} else {
		sub.version++
	}
	sub.dataHash = protocol.DataHash(next)
	sub.state = StateActive
	obs, data, emit := sub.observer, cloneData(next), !sub.done
	r.mu.Unlock()

	if emit {
		r.notifyNext(obs, frame.ID, data)
	}
	return nil
}

// Complete delivers the terminal completion event and drops the record.
func (r *Registry) Complete(id string) {
	r.mu.Lock()
	sub, ok := r.subs[id]
	if ok {
		delete(r.subs, id)
	}
	r.mu.Unlock()
	if !ok || sub.done {
		return
	}
	sub.done = true
	if sub.observer.OnComplete != nil {
		r.safe(id, func() { sub.observer.OnComplete() })
	}
}

// Fail delivers the terminal error event and drops the record.
func (r *Registry) Fail(id string, err error) {
	r.mu.Lock()
	sub, ok := r.subs[id]
	if ok {
		delete(r.subs, id)
	}
	r.mu.Unlock()
	if !ok || sub.done {
		return
	}
	sub.done = true
	if sub.observer.OnError != nil {
		r.safe(id, func() { sub.observer.OnError(err) })
	}
}

// Remove drops a record without any observer event, for client-initiated
// unsubscribes.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.subs, id)
	r.mu.Unlock()
}

// Fields returns the subscription's current field filter.
func (r *Registry) Fields(id string) (protocol.FieldSet, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil, false
	}
	return sub.fields, true
}

// SetFields updates the local field filter after an update_fields request.
func (r *Registry) SetFields(id string, fields protocol.FieldSet) {
	r.mu.Lock()
	if sub, ok := r.subs[id]; ok {
		sub.fields = fields
	}
	r.mu.Unlock()
}

// MarkAllReconnecting flips every live subscription to reconnecting, on
// transport loss.
func (r *Registry) MarkAllReconnecting() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subs {
		if sub.state == StateActive || sub.state == StatePending {
			sub.state = StateReconnecting
		}
	}
}

// SnapshotForReconnect builds the reconnect request payload from every
// subscription that has an entity binding.
func (r *Registry) SnapshotForReconnect() []protocol.ReconnectSubscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.ReconnectSubscription, 0, len(r.subs))
	for _, sub := range r.subs {
		if sub.entity == "" {
			continue
		}
		out = append(out, protocol.ReconnectSubscription{
			ID:       sub.id,
			Entity:   sub.entity,
			EntityID: sub.entityID,
			Fields:   sub.fields,
			Version:  sub.version,
			DataHash: sub.dataHash,
		})
	}
	return out
}

// PendingResubscribes lists subscriptions that never received an ack and
// so cannot ride the reconnect frame. The caller re-sends their original
// subscribe requests after redial; without that they would stay silent
// forever.
func (r *Registry) PendingResubscribes() []protocol.Subscribe {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Subscribe
	for _, sub := range r.subs {
		if sub.entity != "" {
			continue
		}
		out = append(out, protocol.Subscribe{
			Type:   protocol.TypeSubscribe,
			ID:     sub.id,
			Name:   sub.name,
			Input:  sub.input,
			Fields: sub.fields,
		})
	}
	return out
}

// ApplyReconnectResult folds one catch-up decision into the mirror and
// surfaces it to the observer.
func (r *Registry) ApplyReconnectResult(id string, result protocol.ReconnectResult) {
	switch result.Status {
	case protocol.StatusCurrent:
		r.mu.Lock()
		if sub, ok := r.subs[id]; ok {
			sub.version = result.Version
			sub.state = StateActive
		}
		r.mu.Unlock()

	case protocol.StatusPatched:
		r.mu.Lock()
		sub, ok := r.subs[id]
		if !ok {
			r.mu.Unlock()
			return
		}
		patched, err := jsonpatch.ApplyAll(sub.data, result.Patches)
		if err != nil {
			sub.state = StateError
			obs := sub.observer
			delete(r.subs, id)
			sub.done = true
			r.mu.Unlock()
			if obs.OnError != nil {
				r.safe(id, func() {
					obs.OnError(protocol.Errorf(protocol.CodePatchApplication,
						"reconnect catch-up for %s: %v", id, err))
				})
			}
			return
		}
		data, _ := patched.(map[string]any)
		sub.data = data
		sub.version = result.Version
		sub.dataHash = protocol.DataHash(data)
		sub.state = StateActive
		obs, out, emit := sub.observer, cloneData(data), !sub.done
		r.mu.Unlock()
		if emit {
			r.notifyNext(obs, id, out)
		}

	case protocol.StatusSnapshot:
		r.mu.Lock()
		sub, ok := r.subs[id]
		if !ok {
			r.mu.Unlock()
			return
		}
		sub.data = result.Data
		sub.version = result.Version
		sub.dataHash = result.DataHash
		sub.state = StateActive
		obs, out, emit := sub.observer, cloneData(result.Data), !sub.done
		r.mu.Unlock()
		if emit {
			r.notifyNext(obs, id, out)
		}

	case protocol.StatusDeleted:
		r.Complete(id)

	case protocol.StatusError:
		r.Fail(id, protocol.Errorf(protocol.CodeExecutionError, "reconnect failed for %s: %s", id, result.Error))
	}
}

// Data returns a copy of the subscription's current mirror.
func (r *Registry) Data(id string) (map[string]any, int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil, 0, false
	}
	return cloneData(sub.data), sub.version, true
}

// Stats reports subscription counts by state.
type Stats struct {
	Total        int
	Pending      int
	Active       int
	Reconnecting int
	Errored      int
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{Total: len(r.subs)}
	for _, sub := range r.subs {
		switch sub.state {
		case StatePending:
			s.Pending++
		case StateActive:
			s.Active++
		case StateReconnecting:
			s.Reconnecting++
		case StateError:
			s.Errored++
		}
	}
	return s
}

// ClearErrors drops every errored subscription.
func (r *Registry) ClearErrors() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, sub := range r.subs {
		if sub.state == StateError {
			delete(r.subs, id)
		}
	}
}

// Clear drops every subscription without observer events.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = make(map[string]*subRecord)
}

// notifyNext runs OnNext with panic isolation; a throwing observer must
// not corrupt registry state or kill the read loop.
func (r *Registry) notifyNext(obs Observer, id string, data map[string]any) {
	if obs.OnNext == nil {
		return
	}
	r.safe(id, func() { obs.OnNext(data) })
}

func (r *Registry) safe(id string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Str("sub_id", id).Interface("panic_value", rec).Msg("observer panic recovered")
		}
	}()
	fn()
}

func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out, err := jsonpatch.Canonical(data)
	if err != nil {
		return data
	}
	m, _ := out.(map[string]any)
	return m
}
