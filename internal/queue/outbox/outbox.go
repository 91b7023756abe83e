// Package outbox is the enqueue side of the transactional outbox. Dispatch
// of enqueued rows is generic and lives in the dispatch package.
package outbox

import (
	"context"

	"conveyor/internal/platform/logger"
	"conveyor/internal/platform/store"
	"conveyor/internal/queue/workqueue"
)

// Message is the enqueue shape; see workqueue.Message
type Message = workqueue.Message

// Outbox is the write surface bound to one database
type Outbox struct {
	wq  *workqueue.Store
	db  store.TxRunner
	log logger.Logger
}

// New binds an outbox to db over the given schema-qualified table
func New(db store.TxRunner, table string, log logger.Logger) (*Outbox, error) {
	wq, err := workqueue.New(workqueue.OutboxBinding(table))
	if err != nil {
		return nil, err
	}
	return &Outbox{wq: wq, db: db, log: log}, nil
}

// Enqueue inserts a ready message using the outbox's own connection. The
// insert is a single statement, so it is atomic on its own.
func (o *Outbox) Enqueue(ctx context.Context, m Message) (string, error) {
	id, err := o.wq.Enqueue(ctx, o.db, m)
	if err != nil {
		return "", err
	}
	o.log.Debug().Str("topic", m.Topic).Str("row_id", id).Msg("outbox enqueued")
	return id, nil
}

// EnqueueIn enlists the insert in the caller's transaction so the message
// commits or rolls back together with the business writes
func (o *Outbox) EnqueueIn(ctx context.Context, q store.RowQuerier, m Message) (string, error) {
	return o.wq.Enqueue(ctx, q, m)
}

// Get fetches one row's projection
func (o *Outbox) Get(ctx context.Context, id string) (workqueue.Item, error) {
	return o.wq.Get(ctx, o.db, id)
}

// Revive moves failed rows back to ready for another round of dispatch
func (o *Outbox) Revive(ctx context.Context, ids []string) (int64, error) {
	return o.wq.Revive(ctx, o.db, ids, 0)
}

// Queue exposes the underlying protocol store for dispatcher wiring
func (o *Outbox) Queue() *workqueue.Store { return o.wq }

// DB exposes the bound database
func (o *Outbox) DB() store.TxRunner { return o.db }
