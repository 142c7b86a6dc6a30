package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Session identifies the connection a request arrived on. Subscription
// handlers use it to key per-connection interest sets.
type Session interface {
	ID() string
}

// Handler processes one method call. Returning *Error surfaces the error
// verbatim to the caller; any other non-nil error is reported as an internal
// error with detail suppressed from the wire.
type Handler func(ctx context.Context, sess Session, params json.RawMessage) (any, error)

// Registry maps method names to handlers. It is built once at startup and
// read-only afterwards, so lookups need no locking.
type Registry struct {
	methods       map[string]Handler
	subscriptions []string
}

// NewRegistry creates an empty method registry.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]Handler)}
}

// Register binds a method name to a handler. Registering the same name twice
// is a configuration error and fails immediately rather than at call time.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return fmt.Errorf("register: empty method name")
	}
	if h == nil {
		return fmt.Errorf("register %q: nil handler", name)
	}
	if _, exists := r.methods[name]; exists {
		return fmt.Errorf("register %q: method already registered", name)
	}
	r.methods[name] = h
	return nil
}

// RegisterSubscription records an event name as subscribable, for
// get_server_info reporting. The subscribe_/unsubscribe_ methods themselves
// are registered separately like any other method.
func (r *Registry) RegisterSubscription(event string) {
	r.subscriptions = append(r.subscriptions, event)
}

// Lookup returns the handler for a method name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	h, ok := r.methods[name]
	return h, ok
}

// Methods returns all registered method names, sorted.
func (r *Registry) Methods() []string {
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subscriptions returns all subscribable event names, sorted.
func (r *Registry) Subscriptions() []string {
	events := make([]string, len(r.subscriptions))
	copy(events, r.subscriptions)
	sort.Strings(events)
	return events
}
