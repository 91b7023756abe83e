// Package provider enumerates the tenant databases a primitive polls and
// decides which one to visit next. Configured providers carry a fixed list;
// dynamic providers discover endpoints and refresh them periodically.
package provider

import (
	"context"

	perr "conveyor/internal/platform/errors"
	"conveyor/internal/platform/store"
)

// Handle is one pollable tenant database
type Handle struct {
	// ID is the human-readable store tag used in logs and lease names
	ID string

	// DB is the sql seam for that tenant
	DB store.TxRunner
}

// Provider yields the current store set. All returns a snapshot the caller
// may hold across a poll without locking; ByKey routes writes.
type Provider interface {
	All(ctx context.Context) []Handle
	ByKey(ctx context.Context, key string) (Handle, error)
}

// Configured is a fixed store list supplied at wiring time
type Configured struct {
	handles []Handle
	byKey   map[string]Handle
}

// NewConfigured builds a provider over the given handles, keyed by ID
func NewConfigured(handles ...Handle) *Configured {
	c := &Configured{byKey: make(map[string]Handle, len(handles))}
	for _, h := range handles {
		if _, dup := c.byKey[h.ID]; dup {
			continue
		}
		c.byKey[h.ID] = h
		c.handles = append(c.handles, h)
	}
	return c
}

// All returns a copy of the configured set
func (c *Configured) All(ctx context.Context) []Handle {
	out := make([]Handle, len(c.handles))
	copy(out, c.handles)
	return out
}

// ByKey returns the store owning key or a NotFound error
func (c *Configured) ByKey(ctx context.Context, key string) (Handle, error) {
	h, ok := c.byKey[key]
	if !ok {
		return Handle{}, perr.NotFoundf("provider: unknown store key %q", key)
	}
	return h, nil
}
