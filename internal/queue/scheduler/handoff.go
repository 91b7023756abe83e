package scheduler

import (
	"context"

	"conveyor/internal/platform/store"
	"conveyor/internal/queue/dispatch"
	"conveyor/internal/queue/outbox"
	"conveyor/internal/queue/workqueue"
)

// HandOff returns the dispatch handler for timer and job-run rows: the
// claimed row's message is enqueued into the outbox through the settlement
// transaction, so exactly one outbox insert commits per successful fire.
// Wire it with dispatch.Fixed; the row's own topic is the outbox topic.
func HandOff(ob *outbox.Outbox) dispatch.Handler {
	return func(ctx context.Context, q store.RowQuerier, it workqueue.Item) error {
		_, err := ob.EnqueueIn(ctx, q, outbox.Message{
			Topic:         it.Topic,
			Payload:       it.Payload,
			CorrelationID: it.CorrelationID,
			MessageID:     it.MessageID,
			JoinID:        it.JoinID,
		})
		return err
	}
}
