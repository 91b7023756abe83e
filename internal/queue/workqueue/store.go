package workqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	perr "conveyor/internal/platform/errors"
	"conveyor/internal/platform/store"
)

// Store holds the SQL for one table binding. It is stateless beyond the
// prepared text; safe for concurrent use across goroutines and databases.
type Store struct {
	b Binding

	enqueueSQL string
	claimSQL   string
	ackSQL     string
	abandonSQL string
	failSQL    string
	reapSQL    string
	reviveSQL  string
	getSQL     string
	purgeSQL   string
}

// New validates the binding and builds the statement set
func New(b Binding) (*Store, error) {
	if err := validate.Struct(b); err != nil {
		return nil, perr.Validationf("workqueue binding: %v", err)
	}

	const cols = `id::text, topic, payload, COALESCE(correlation_id, ''), COALESCE(message_id, ''),
	       COALESCE(join_id::text, ''), %[2]s, created_at, due_time_utc, next_attempt_at,
	       locked_until, COALESCE(last_error, '')`

	s := &Store{b: b}

	s.enqueueSQL = fmt.Sprintf(`
        INSERT INTO %[1]s (id, topic, payload, correlation_id, message_id, join_id, status, next_attempt_at, due_time_utc)
        VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, '')::uuid, '%[2]s', now(), $7)
        RETURNING id::text
    `, b.Table, b.ReadyStatus)

	s.claimSQL = fmt.Sprintf(`
        WITH ready AS (
            SELECT id
              FROM %[1]s
             WHERE status = '%[3]s'
               AND next_attempt_at <= now()
               AND (due_time_utc IS NULL OR due_time_utc <= now())
             ORDER BY next_attempt_at ASC, created_at ASC, id ASC
             LIMIT $1
             FOR UPDATE SKIP LOCKED
        ), claimed AS (
            UPDATE %[1]s w
               SET status = '%[4]s',
                   owner_token = $2,
                   locked_until = now() + make_interval(secs => $3)
             WHERE w.id IN (SELECT id FROM ready)
            RETURNING w.*
        )
        SELECT `+cols+`
          FROM claimed
         ORDER BY next_attempt_at ASC, created_at ASC, id ASC
    `, b.Table, b.AttemptColumn, b.ReadyStatus, b.BusyStatus)

	s.ackSQL = fmt.Sprintf(`
        UPDATE %[1]s
           SET status = 'done',
               processed_at = now(),
               processed_by = $1,
               owner_token = NULL,
               locked_until = NULL
         WHERE owner_token = $1
           AND id = ANY($2::uuid[])
           AND status = '%[2]s'
    `, b.Table, b.BusyStatus)

	s.abandonSQL = fmt.Sprintf(`
        UPDATE %[1]s
           SET status = '%[3]s',
               owner_token = NULL,
               locked_until = NULL,
               %[2]s = %[2]s + 1,
               next_attempt_at = now() + make_interval(secs => $3),
               last_error = CASE WHEN $4 = '' THEN last_error ELSE $4 END
         WHERE owner_token = $1
           AND id = ANY($2::uuid[])
           AND status = '%[4]s'
    `, b.Table, b.AttemptColumn, b.ReadyStatus, b.BusyStatus)

	s.failSQL = fmt.Sprintf(`
        UPDATE %[1]s
           SET status = '%[2]s',
               owner_token = NULL,
               locked_until = NULL,
               last_error = $3
         WHERE owner_token = $1
           AND id = ANY($2::uuid[])
           AND status = '%[3]s'
    `, b.Table, b.TerminalStatus, b.BusyStatus)

	s.reapSQL = fmt.Sprintf(`
        UPDATE %[1]s
           SET status = '%[2]s',
               owner_token = NULL,
               locked_until = NULL,
               reclaims = reclaims + 1
         WHERE status = '%[3]s'
           AND locked_until < now()
    `, b.Table, b.ReadyStatus, b.BusyStatus)

	s.reviveSQL = fmt.Sprintf(`
        UPDATE %[1]s
           SET status = '%[2]s',
               owner_token = NULL,
               locked_until = NULL,
               last_error = NULL,
               next_attempt_at = now() + make_interval(secs => $2)
         WHERE id = ANY($1::uuid[])
           AND status IN ('failed', 'dead')
    `, b.Table, b.ReadyStatus)

	s.getSQL = fmt.Sprintf(`
        SELECT `+cols+`
          FROM %[1]s
         WHERE id = $1
    `, b.Table, b.AttemptColumn)

	s.purgeSQL = fmt.Sprintf(`
        DELETE FROM %[1]s
         WHERE status = 'done'
           AND processed_at < now() - make_interval(secs => $1)
    `, b.Table)

	return s, nil
}

// Binding returns the table binding the store was built with
func (s *Store) Binding() Binding { return s.b }

// Enqueue inserts a ready row and returns its id. Pass a transaction-bound
// querier to make the insert atomic with business writes. When MessageID is
// empty a fresh uuid is assigned so downstream dedupe always has a key.
func (s *Store) Enqueue(ctx context.Context, q store.RowQuerier, m Message) (string, error) {
	if err := validate.Struct(m); err != nil {
		return "", perr.Validationf("enqueue: %v", err)
	}
	msgID := m.MessageID
	if msgID == "" {
		msgID = uuid.NewString()
	}
	var id string
	err := q.QueryRow(ctx, s.enqueueSQL,
		uuid.NewString(), m.Topic, m.Payload, m.CorrelationID, msgID, m.JoinID, m.DueTimeUTC,
	).Scan(&id)
	if err != nil {
		return "", perr.FromPostgres(err, "workqueue enqueue")
	}
	return id, nil
}

// Claim atomically moves up to batch due rows to the busy state under owner
// and the given lease, returning them in claim order. Concurrent claimers
// always see disjoint sets; batch <= 0 claims nothing and does not hit the db.
func (s *Store) Claim(
	ctx context.Context, q store.RowQuerier, owner string, lease time.Duration, batch int,
) ([]Item, error) {
	if batch <= 0 {
		return nil, nil
	}
	items, err := store.Many(ctx, q, s.scanItem, s.claimSQL, batch, owner, lease.Seconds())
	if err != nil {
		return nil, perr.FromPostgres(err, "workqueue claim")
	}
	for i := range items {
		items[i].OwnerToken = owner
	}
	return items, nil
}

// Ack marks the owner's rows done and reports how many actually matched;
// rows reaped or re-claimed in the meantime are silently skipped
func (s *Store) Ack(ctx context.Context, q store.RowQuerier, owner string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := q.Exec(ctx, s.ackSQL, owner, ids)
	if err != nil {
		return 0, perr.FromPostgres(err, "workqueue ack")
	}
	return tag.RowsAffected(), nil
}

// Abandon releases the owner's rows back to ready with an incremented
// attempt counter and next_attempt_at pushed out by delay. lastErr replaces
// the recorded error unless empty.
func (s *Store) Abandon(
	ctx context.Context, q store.RowQuerier, owner string, ids []string, lastErr string, delay time.Duration,
) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := q.Exec(ctx, s.abandonSQL, owner, ids, delay.Seconds(), lastErr)
	if err != nil {
		return 0, perr.FromPostgres(err, "workqueue abandon")
	}
	return tag.RowsAffected(), nil
}

// Fail moves the owner's rows to the terminal failure state for inspection
func (s *Store) Fail(
	ctx context.Context, q store.RowQuerier, owner string, ids []string, lastErr string,
) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := q.Exec(ctx, s.failSQL, owner, ids, lastErr)
	if err != nil {
		return 0, perr.FromPostgres(err, "workqueue fail")
	}
	return tag.RowsAffected(), nil
}

// Reap returns every row whose lease elapsed to ready, bumping its reclaim
// counter. The only mutation that does not require the owner token.
func (s *Store) Reap(ctx context.Context, q store.RowQuerier) (int64, error) {
	tag, err := q.Exec(ctx, s.reapSQL)
	if err != nil {
		return 0, perr.FromPostgres(err, "workqueue reap")
	}
	return tag.RowsAffected(), nil
}

// Revive manually moves failed or dead rows back to ready, optionally delayed
func (s *Store) Revive(ctx context.Context, q store.RowQuerier, ids []string, delay time.Duration) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := q.Exec(ctx, s.reviveSQL, ids, delay.Seconds())
	if err != nil {
		return 0, perr.FromPostgres(err, "workqueue revive")
	}
	return tag.RowsAffected(), nil
}

// Get fetches the common projection of one row
func (s *Store) Get(ctx context.Context, q store.RowQuerier, id string) (Item, error) {
	it, err := store.One(ctx, q, s.scanItem, s.getSQL, id)
	if err != nil {
		if perr.IsCode(err, perr.ErrorCodeNotFound) {
			return Item{}, err
		}
		return Item{}, perr.FromPostgres(err, "workqueue get")
	}
	return it, nil
}

// PurgeDone deletes done rows processed longer than olderThan ago
func (s *Store) PurgeDone(ctx context.Context, q store.RowQuerier, olderThan time.Duration) (int64, error) {
	tag, err := q.Exec(ctx, s.purgeSQL, olderThan.Seconds())
	if err != nil {
		return 0, perr.FromPostgres(err, "workqueue purge done")
	}
	return tag.RowsAffected(), nil
}

func (s *Store) scanItem(r store.Row) (Item, error) {
	var it Item
	err := r.Scan(
		&it.ID, &it.Topic, &it.Payload, &it.CorrelationID, &it.MessageID,
		&it.JoinID, &it.Attempt, &it.CreatedAt, &it.DueTimeUTC, &it.NextAttemptAt,
		&it.LockedUntil, &it.LastError,
	)
	return it, err
}
