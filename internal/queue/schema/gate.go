package schema

import (
	"context"
	"sync"
)

// Gate signals that schema deployment has finished. Background loops wait
// on it before their first poll when auto-deploy is disabled and some other
// process owns the DDL.
type Gate struct {
	once sync.Once
	ch   chan struct{}
}

// NewGate returns a closed-on-Open gate
func NewGate() *Gate { return &Gate{ch: make(chan struct{})} }

// Open releases all waiters; safe to call more than once
func (g *Gate) Open() { g.once.Do(func() { close(g.ch) }) }

// Wait blocks until the gate opens or the context ends. A nil gate never
// blocks, so components can treat the gate as optional.
func (g *Gate) Wait(ctx context.Context) error {
	if g == nil {
		return nil
	}
	select {
	case <-g.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done exposes the signal channel for select loops
func (g *Gate) Done() <-chan struct{} {
	if g == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return g.ch
}
