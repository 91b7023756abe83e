// Package dispatch runs the multi-store polling loops. One Loop serves one
// primitive: it asks the provider for stores, lets the strategy pick one,
// claims a batch, invokes handlers, and settles every row as acked,
// abandoned, or failed. Reap and retention passes ride the same loop.
package dispatch

import (
	"context"
	"sync"

	perr "conveyor/internal/platform/errors"
	"conveyor/internal/platform/store"
	"conveyor/internal/queue/workqueue"
)

// Handler processes one claimed row. q is the row's settlement transaction:
// anything written through it commits atomically with the ack, and rolls
// back when the handler errors. Handlers must be idempotent and observe ctx.
type Handler func(ctx context.Context, q store.RowQuerier, it workqueue.Item) error

// Resolver maps a row to its handler
type Resolver interface {
	Resolve(topic string) (Handler, bool)
}

// ResolverFunc adapts a function to Resolver
type ResolverFunc func(topic string) (Handler, bool)

// Resolve calls the underlying function
func (f ResolverFunc) Resolve(topic string) (Handler, bool) { return f(topic) }

// Fixed returns a resolver that ignores the topic; timer and job-run
// dispatchers use it since every row gets the same hand-off treatment
func Fixed(h Handler) Resolver {
	return ResolverFunc(func(string) (Handler, bool) { return h, true })
}

// Registry is a thread-safe topic to handler map populated at startup
type Registry struct {
	mu sync.RWMutex
	m  map[string]Handler
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry { return &Registry{m: make(map[string]Handler)} }

// Register binds topic to h; registering a topic twice is a Validation error
func (r *Registry) Register(topic string, h Handler) error {
	if topic == "" || h == nil {
		return perr.Validationf("registry: topic and handler required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.m[topic]; dup {
		return perr.Conflictf("registry: topic %q already registered", topic)
	}
	r.m[topic] = h
	return nil
}

// MustRegister is Register that panics; for static wiring in main
func (r *Registry) MustRegister(topic string, h Handler) {
	if err := r.Register(topic, h); err != nil {
		panic(err)
	}
}

// Resolve looks up the handler for topic
func (r *Registry) Resolve(topic string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.m[topic]
	return h, ok
}

// Topics returns the registered topic names; diagnostic only
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for t := range r.m {
		out = append(out, t)
	}
	return out
}

// UnknownPolicy decides what happens to a row whose topic has no handler
type UnknownPolicy string

const (
	// UnknownRetry abandons with backoff; the default, since handlers may
	// register later in the process lifetime
	UnknownRetry UnknownPolicy = "retry"

	// UnknownComplete acks the row as if handled
	UnknownComplete UnknownPolicy = "complete"

	// UnknownPoison fails the row terminally
	UnknownPoison UnknownPolicy = "poison"
)

// UnknownPolicyByName validates a config value
func UnknownPolicyByName(name string) (UnknownPolicy, error) {
	switch UnknownPolicy(name) {
	case "", UnknownRetry:
		return UnknownRetry, nil
	case UnknownComplete, UnknownPoison:
		return UnknownPolicy(name), nil
	default:
		return "", perr.Validationf("unknown-topic policy %q", name)
	}
}
