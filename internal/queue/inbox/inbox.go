// Package inbox deduplicates incoming messages. It serves two surfaces over
// the same table: synchronous dedupe at an edge (AlreadyProcessed plus the
// Mark transitions) and a queued inbox whose rows flow through the standard
// claim protocol under a topic handler registry.
package inbox

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	perr "conveyor/internal/platform/errors"
	"conveyor/internal/platform/logger"
	"conveyor/internal/platform/store"
	"conveyor/internal/queue/workqueue"
)

// Message is the queued-inbox insert shape. Source and MessageID identify
// the message at the producer; Hash distinguishes same-id messages whose
// payload differs (different payload, different message).
type Message struct {
	Source        string `validate:"required"`
	MessageID     string `validate:"required"`
	Topic         string `validate:"required"`
	Payload       []byte
	CorrelationID string
	JoinID        string
	Hash          string
	DueTimeUTC    *time.Time
}

var validate = validator.New()

// Inbox is the dedupe surface bound to one database
type Inbox struct {
	wq  *workqueue.Store
	db  store.TxRunner
	log logger.Logger

	alreadySQL    string
	enqueueSQL    string
	processingSQL string
	processedSQL  string
	deadSQL       string
}

// New binds an inbox to db over the given schema-qualified table
func New(db store.TxRunner, table string, log logger.Logger) (*Inbox, error) {
	wq, err := workqueue.New(workqueue.InboxBinding(table))
	if err != nil {
		return nil, err
	}
	i := &Inbox{wq: wq, db: db, log: log}
	i.buildSQL(table)
	return i, nil
}

func (i *Inbox) buildSQL(table string) {
	// sync-dedupe rows carry no topic and must never surface in the queued
	// dispatcher, so their next_attempt_at is parked at infinity. The insert
	// seeds attempt at 1: the winning racer is itself the first observation.
	i.alreadySQL = `
        INSERT INTO ` + table + ` AS i (id, source, message_id, hash, status, attempt, next_attempt_at)
        VALUES ($1, $2, $3, $4, 'seen', 1, 'infinity')
        ON CONFLICT (source, message_id, hash) DO UPDATE
           SET last_seen_utc = now(),
               attempt = i.attempt + 1
        RETURNING i.id::text, i.status
    `

	i.enqueueSQL = `
        INSERT INTO ` + table + ` AS i
               (id, source, message_id, topic, payload, correlation_id, join_id, hash, status, next_attempt_at, due_time_utc)
        VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, '')::uuid, $8, 'seen', now(), $9)
        ON CONFLICT (source, message_id, hash) DO UPDATE
           SET last_seen_utc = now()
        RETURNING i.id::text, (xmax = 0) AS inserted
    `

	i.processingSQL = `
        UPDATE ` + table + `
           SET status = 'processing',
               attempt = attempt + 1,
               last_seen_utc = now()
         WHERE id = $1
           AND status IN ('seen', 'processing')
    `

	i.processedSQL = `
        UPDATE ` + table + `
           SET status = 'done',
               processed_at = now(),
               owner_token = NULL,
               locked_until = NULL
         WHERE id = $1
           AND status = 'processing'
    `

	i.deadSQL = `
        UPDATE ` + table + `
           SET status = 'dead',
               owner_token = NULL,
               locked_until = NULL,
               last_error = CASE WHEN $2 = '' THEN last_error ELSE $2 END
         WHERE id = $1
           AND status <> 'done'
    `
}

// AlreadyProcessed records an observation of (source, messageID, hash) and
// reports whether that exact message already completed processing. The first
// caller inserts the row and gets false; concurrent racers lose the insert
// and read the winner's status. A differing hash is a distinct message.
func (i *Inbox) AlreadyProcessed(ctx context.Context, source, messageID, hash string) (bool, string, error) {
	if source == "" || messageID == "" {
		return false, "", perr.Validationf("inbox: source and messageID required")
	}
	var id, status string
	err := i.db.QueryRow(ctx, i.alreadySQL, uuid.NewString(), source, messageID, hash).Scan(&id, &status)
	if err != nil {
		return false, "", perr.FromPostgres(err, "inbox already-processed")
	}
	return status == string(workqueue.StatusDone), id, nil
}

// MarkProcessing moves a row to processing and bumps its attempt counter.
// Legal from seen or processing only; anything else is NotFound.
func (i *Inbox) MarkProcessing(ctx context.Context, id string) error {
	return i.mark(ctx, i.processingSQL, id)
}

// MarkProcessed finishes a row as done and stamps processed_at. Legal from
// processing only; a row still in seen must go through MarkProcessing first.
func (i *Inbox) MarkProcessed(ctx context.Context, id string) error {
	return i.mark(ctx, i.processedSQL, id)
}

// MarkDead parks a row terminally; reason replaces last_error unless empty.
// Refused for rows already done.
func (i *Inbox) MarkDead(ctx context.Context, id string, reason string) error {
	tag, err := i.db.Exec(ctx, i.deadSQL, id, reason)
	if err != nil {
		return perr.FromPostgres(err, "inbox mark dead")
	}
	if tag.RowsAffected() == 0 {
		return perr.NotFoundf("inbox row %s not in a markable state", id)
	}
	return nil
}

func (i *Inbox) mark(ctx context.Context, sql, id string) error {
	tag, err := i.db.Exec(ctx, sql, id)
	if err != nil {
		return perr.FromPostgres(err, "inbox mark")
	}
	if tag.RowsAffected() == 0 {
		return perr.NotFoundf("inbox row %s not in a markable state", id)
	}
	return nil
}

// Enqueue inserts a queued seen row eligible for the inbox dispatcher.
// Duplicate (source, messageID, hash) keys return the existing row's id with
// fresh=false instead of a second row.
func (i *Inbox) Enqueue(ctx context.Context, m Message) (string, bool, error) {
	return i.EnqueueIn(ctx, i.db, m)
}

// EnqueueIn is Enqueue enlisted in the caller's transaction
func (i *Inbox) EnqueueIn(ctx context.Context, q store.RowQuerier, m Message) (string, bool, error) {
	if err := validate.Struct(m); err != nil {
		return "", false, perr.Validationf("inbox enqueue: %v", err)
	}
	var id string
	var fresh bool
	err := q.QueryRow(ctx, i.enqueueSQL,
		uuid.NewString(), m.Source, m.MessageID, m.Topic, m.Payload,
		m.CorrelationID, m.JoinID, m.Hash, m.DueTimeUTC,
	).Scan(&id, &fresh)
	if err != nil {
		return "", false, perr.FromPostgres(err, "inbox enqueue")
	}
	if fresh {
		i.log.Debug().Str("topic", m.Topic).Str("row_id", id).Msg("inbox enqueued")
	}
	return id, fresh, nil
}

// Get fetches one row's common projection
func (i *Inbox) Get(ctx context.Context, id string) (workqueue.Item, error) {
	return i.wq.Get(ctx, i.db, id)
}

// Revive moves dead rows back to seen for another round of dispatch
func (i *Inbox) Revive(ctx context.Context, ids []string) (int64, error) {
	return i.wq.Revive(ctx, i.db, ids, 0)
}

// Queue exposes the underlying protocol store for dispatcher wiring
func (i *Inbox) Queue() *workqueue.Store { return i.wq }

// DB returns the bound database seam
func (i *Inbox) DB() store.TxRunner { return i.db }
