// Package registry holds the named operations a driftwire server exposes:
// queries, mutations and subscriptions, each with an optional input
// validator. The host application registers its resolvers at construction;
// the dispatcher resolves them by name at request time.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/driftwire/driftwire/pkg/protocol"
)

// Validator parses and checks a raw input payload. Returning an error maps
// to a validation_error on the wire; the parsed value is handed to the
// resolver.
type Validator interface {
	Validate(raw json.RawMessage) (any, error)
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(raw json.RawMessage) (any, error)

func (f ValidatorFunc) Validate(raw json.RawMessage) (any, error) {
	return f(raw)
}

// QueryFunc resolves a query or mutation. Errors that are *protocol.Error
// cross the wire unchanged; anything else becomes an execution_error.
type QueryFunc func(ctx context.Context, input any) (any, error)

// Binding names the entity reference a subscription observes.
type Binding struct {
	Entity string
	ID     string
}

// BindFunc resolves a subscribe request to the entity it should follow.
type BindFunc func(ctx context.Context, input any) (Binding, error)

type queryOp struct {
	validator Validator
	resolve   QueryFunc
}

type subscriptionOp struct {
	validator Validator
	bind      BindFunc
}

// Registry is safe for concurrent lookup after registration. Registration
// itself normally happens before the server starts.
type Registry struct {
	mu            sync.RWMutex
	queries       map[string]queryOp
	mutations     map[string]queryOp
	subscriptions map[string]subscriptionOp
}

func New() *Registry {
	return &Registry{
		queries:       make(map[string]queryOp),
		mutations:     make(map[string]queryOp),
		subscriptions: make(map[string]subscriptionOp),
	}
}

// RegisterQuery adds a named query. A nil validator passes the raw input
// through. Duplicate names are rejected.
func (r *Registry) RegisterQuery(name string, v Validator, fn QueryFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.queries[name]; dup {
		return fmt.Errorf("registry: query %q already registered", name)
	}
	r.queries[name] = queryOp{validator: v, resolve: fn}
	return nil
}

// RegisterMutation adds a named mutation.
func (r *Registry) RegisterMutation(name string, v Validator, fn QueryFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.mutations[name]; dup {
		return fmt.Errorf("registry: mutation %q already registered", name)
	}
	r.mutations[name] = queryOp{validator: v, resolve: fn}
	return nil
}

// RegisterSubscription adds a named subscription endpoint.
func (r *Registry) RegisterSubscription(name string, v Validator, fn BindFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.subscriptions[name]; dup {
		return fmt.Errorf("registry: subscription %q already registered", name)
	}
	r.subscriptions[name] = subscriptionOp{validator: v, bind: fn}
	return nil
}

// ResolveQuery validates input and runs the named query or mutation.
func (r *Registry) ResolveQuery(ctx context.Context, kind, name string, raw json.RawMessage) (any, error) {
	r.mu.RLock()
	table := r.queries
	if kind == protocol.TypeMutation {
		table = r.mutations
	}
	op, ok := table[name]
	r.mu.RUnlock()
	if !ok {
		return nil, protocol.Errorf(protocol.CodeNotFound, "unknown %s %q", kind, name)
	}

	input, err := r.validate(op.validator, raw)
	if err != nil {
		return nil, err
	}
	out, err := op.resolve(ctx, input)
	if err != nil {
		return nil, protocol.AsError(err, protocol.CodeExecutionError)
	}
	return out, nil
}

// Bind validates input and resolves the entity a subscription follows.
func (r *Registry) Bind(ctx context.Context, name string, raw json.RawMessage) (Binding, error) {
	r.mu.RLock()
	op, ok := r.subscriptions[name]
	r.mu.RUnlock()
	if !ok {
		return Binding{}, protocol.Errorf(protocol.CodeNotFound, "unknown subscription %q", name)
	}

	input, err := r.validate(op.validator, raw)
	if err != nil {
		return Binding{}, err
	}
	binding, err := op.bind(ctx, input)
	if err != nil {
		return Binding{}, protocol.AsError(err, protocol.CodeExecutionError)
	}
	if binding.Entity == "" || binding.ID == "" {
		return Binding{}, protocol.Errorf(protocol.CodeExecutionError, "subscription %q bound to empty entity reference", name)
	}
	return binding, nil
}

func (r *Registry) validate(v Validator, raw json.RawMessage) (any, error) {
	if v == nil {
		if len(raw) == 0 {
			return nil, nil
		}
		var input any
		if err := json.Unmarshal(raw, &input); err != nil {
			return nil, protocol.Errorf(protocol.CodeValidationError, "malformed input: %v", err)
		}
		return input, nil
	}
	input, err := v.Validate(raw)
	if err != nil {
		return nil, protocol.AsError(err, protocol.CodeValidationError)
	}
	return input, nil
}

// Names returns the sorted operation name lists for handshake_ack.
func (r *Registry) Names() (queries, mutations, subscriptions []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name := range r.queries {
		queries = append(queries, name)
	}
	for name := range r.mutations {
		mutations = append(mutations, name)
	}
	for name := range r.subscriptions {
		subscriptions = append(subscriptions, name)
	}
	sort.Strings(queries)
	sort.Strings(mutations)
	sort.Strings(subscriptions)
	return queries, mutations, subscriptions
}
