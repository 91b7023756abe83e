package outbox

import (
	"context"

	"conveyor/internal/platform/logger"
	"conveyor/internal/queue/provider"
)

// Router resolves store keys to outbox write surfaces. Binding is rebuilt per
// lookup so dynamic providers that re-bind a key always route to the live
// connection.
type Router struct {
	p     provider.Provider
	table string
	log   logger.Logger
}

// NewRouter routes enqueues over p's stores against the given table
func NewRouter(p provider.Provider, table string, log logger.Logger) *Router {
	return &Router{p: p, table: table, log: log}
}

// Get returns the outbox bound to the store owning key
func (r *Router) Get(ctx context.Context, key string) (*Outbox, error) {
	h, err := r.p.ByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	return New(h.DB, r.table, r.log)
}
