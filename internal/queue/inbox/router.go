package inbox

import (
	"context"

	"conveyor/internal/platform/logger"
	"conveyor/internal/queue/provider"
)

// Router resolves store keys to inbox surfaces; see outbox.Router
type Router struct {
	p     provider.Provider
	table string
	log   logger.Logger
}

// NewRouter routes dedupe and enqueues over p's stores against table
func NewRouter(p provider.Provider, table string, log logger.Logger) *Router {
	return &Router{p: p, table: table, log: log}
}

// Get returns the inbox bound to the store owning key
func (r *Router) Get(ctx context.Context, key string) (*Inbox, error) {
	h, err := r.p.ByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	return New(h.DB, r.table, r.log)
}
