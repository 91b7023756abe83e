// Package join coordinates fan-in: a group of outbox messages must all
// reach a terminal state before a single downstream message is produced.
// Membership lives in join rows; a join.wait outbox message re-checks the
// group until it resolves and emits the on-complete or on-fail message
// inside its own settlement transaction.
package join

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	perr "conveyor/internal/platform/errors"
	"conveyor/internal/platform/logger"
	"conveyor/internal/platform/store"
	"conveyor/internal/queue/dispatch"
	"conveyor/internal/queue/outbox"
	"conveyor/internal/queue/schema"
	"conveyor/internal/queue/workqueue"
)

// Topic is the outbox topic the wait handler registers under
const Topic = "join.wait"

// Policy is the join.wait payload
type Policy struct {
	JoinID              string          `json:"joinId" validate:"required,uuid"`
	FailIfAnyStepFailed bool            `json:"failIfAnyStepFailed"`
	OnCompleteTopic     string          `json:"onCompleteTopic" validate:"required"`
	OnCompletePayload   json.RawMessage `json:"onCompletePayload,omitempty"`
	OnFailTopic         string          `json:"onFailTopic,omitempty" validate:"required_if=FailIfAnyStepFailed true"`
	OnFailPayload       json.RawMessage `json:"onFailPayload,omitempty"`
}

// Status is a join's member tally
type Status struct {
	Total       int
	Pending     int
	Failed      int
	CompletedAt *time.Time
	FailedAt    *time.Time
}

var validate = validator.New()

// Coordinator is the fan-in surface bound to one database
type Coordinator struct {
	db  store.TxRunner
	ob  *outbox.Outbox
	log logger.Logger

	newJoinSQL      string
	addMemberSQL    string
	memberDoneSQL   string
	memberFailedSQL string
	tallySQL        string
	statusSQL       string
	completeSQL     string
	failSQL         string
}

// New binds a coordinator to db; ob must target the same database's outbox
func New(db store.TxRunner, ob *outbox.Outbox, n schema.Names, log logger.Logger) (*Coordinator, error) {
	n = n.WithDefaults()
	if err := n.Validate(); err != nil {
		return nil, err
	}
	c := &Coordinator{db: db, ob: ob, log: log}
	c.buildSQL(n.QualifiedJoins(), n.QualifiedJoinMembers())
	return c, nil
}

func (c *Coordinator) buildSQL(joins, members string) {
	c.newJoinSQL = `INSERT INTO ` + joins + ` (join_id) VALUES ($1)`

	c.addMemberSQL = `
        INSERT INTO ` + members + ` (join_id, outbox_message_id)
        VALUES ($1, $2)
        ON CONFLICT (join_id, outbox_message_id) DO NOTHING
    `

	c.memberDoneSQL = `
        UPDATE ` + members + `
           SET completed_at = now()
         WHERE join_id = $1
           AND outbox_message_id = $2
           AND completed_at IS NULL
           AND failed_at IS NULL
    `

	c.memberFailedSQL = `
        UPDATE ` + members + `
           SET failed_at = now()
         WHERE join_id = $1
           AND outbox_message_id = $2
           AND completed_at IS NULL
           AND failed_at IS NULL
    `

	c.tallySQL = `
        SELECT count(*) AS total,
               count(*) FILTER (WHERE completed_at IS NULL AND failed_at IS NULL) AS pending,
               count(*) FILTER (WHERE failed_at IS NOT NULL) AS failed
          FROM ` + members + `
         WHERE join_id = $1
    `

	c.statusSQL = `
        SELECT completed_at, failed_at
          FROM ` + joins + `
         WHERE join_id = $1
    `

	// the terminal transition doubles as the idempotency guard: whoever
	// flips the row enqueues the downstream message, everyone else no-ops
	c.completeSQL = `
        UPDATE ` + joins + `
           SET completed_at = now()
         WHERE join_id = $1
           AND completed_at IS NULL
           AND failed_at IS NULL
    `

	c.failSQL = `
        UPDATE ` + joins + `
           SET failed_at = now()
         WHERE join_id = $1
           AND completed_at IS NULL
           AND failed_at IS NULL
    `
}

// NewJoin creates an empty join group and returns its id
func (c *Coordinator) NewJoin(ctx context.Context) (string, error) {
	return c.NewJoinIn(ctx, c.db)
}

// NewJoinIn is NewJoin enlisted in the caller's transaction
func (c *Coordinator) NewJoinIn(ctx context.Context, q store.RowQuerier) (string, error) {
	id := uuid.NewString()
	if _, err := q.Exec(ctx, c.newJoinSQL, id); err != nil {
		return "", perr.FromPostgres(err, "join create")
	}
	return id, nil
}

// AddMembersIn registers outbox message ids as members of joinID. Call it in
// the same transaction as the outbox enqueues so the group is complete the
// moment it becomes visible.
func (c *Coordinator) AddMembersIn(ctx context.Context, q store.RowQuerier, joinID string, outboxIDs ...string) error {
	if joinID == "" || len(outboxIDs) == 0 {
		return perr.Validationf("join: joinID and at least one member required")
	}
	for _, oid := range outboxIDs {
		if _, err := q.Exec(ctx, c.addMemberSQL, joinID, oid); err != nil {
			return perr.FromPostgres(err, "join add member")
		}
	}
	return nil
}

// MemberDone marks one member complete; idempotent
func (c *Coordinator) MemberDone(ctx context.Context, joinID, outboxID string) error {
	return c.MemberDoneIn(ctx, c.db, joinID, outboxID)
}

// MemberDoneIn is MemberDone on the caller's querier
func (c *Coordinator) MemberDoneIn(ctx context.Context, q store.RowQuerier, joinID, outboxID string) error {
	if _, err := q.Exec(ctx, c.memberDoneSQL, joinID, outboxID); err != nil {
		return perr.FromPostgres(err, "join member done")
	}
	return nil
}

// MemberFailed marks one member failed; idempotent
func (c *Coordinator) MemberFailed(ctx context.Context, joinID, outboxID string) error {
	if _, err := c.db.Exec(ctx, c.memberFailedSQL, joinID, outboxID); err != nil {
		return perr.FromPostgres(err, "join member failed")
	}
	return nil
}

// Stat returns the join's tally and terminal timestamps
func (c *Coordinator) Stat(ctx context.Context, joinID string) (Status, error) {
	var s Status
	err := c.db.QueryRow(ctx, c.tallySQL, joinID).Scan(&s.Total, &s.Pending, &s.Failed)
	if err != nil {
		return Status{}, perr.FromPostgres(err, "join stat")
	}
	err = c.db.QueryRow(ctx, c.statusSQL, joinID).Scan(&s.CompletedAt, &s.FailedAt)
	if err != nil {
		return Status{}, perr.FromPostgres(err, "join stat")
	}
	return s, nil
}

// EnqueueWait enqueues the join.wait message that resolves the group
func (c *Coordinator) EnqueueWait(ctx context.Context, p Policy) (string, error) {
	return c.EnqueueWaitIn(ctx, c.ob.DB(), p)
}

// EnqueueWaitIn is EnqueueWait enlisted in the caller's transaction
func (c *Coordinator) EnqueueWaitIn(ctx context.Context, q store.RowQuerier, p Policy) (string, error) {
	if err := validate.Struct(p); err != nil {
		return "", perr.Validationf("join wait: %v", err)
	}
	body, err := json.Marshal(p)
	if err != nil {
		return "", perr.Validationf("join wait payload: %v", err)
	}
	return c.ob.EnqueueIn(ctx, q, outbox.Message{
		Topic:         Topic,
		Payload:       body,
		CorrelationID: p.JoinID,
		JoinID:        p.JoinID,
	})
}

// WaitHandler resolves a join.wait row. Pending members raise JoinNotReady
// so dispatch re-checks on a short linear delay; a resolved group flips the
// join row and enqueues its downstream message atomically with the ack.
func (c *Coordinator) WaitHandler() dispatch.Handler {
	return func(ctx context.Context, q store.RowQuerier, it workqueue.Item) error {
		var p Policy
		if err := json.Unmarshal(it.Payload, &p); err != nil {
			return perr.Permanentf("join wait: malformed payload: %v", err)
		}
		if err := validate.Struct(p); err != nil {
			return perr.Permanentf("join wait: invalid policy: %v", err)
		}

		var total, pending, failed int
		if err := q.QueryRow(ctx, c.tallySQL, p.JoinID).Scan(&total, &pending, &failed); err != nil {
			return perr.FromPostgres(err, "join wait tally")
		}
		if pending > 0 {
			return perr.JoinNotReadyf("join %s: %d of %d members pending", p.JoinID, pending, total)
		}

		if failed > 0 && p.FailIfAnyStepFailed {
			tag, err := q.Exec(ctx, c.failSQL, p.JoinID)
			if err != nil {
				return perr.FromPostgres(err, "join wait fail")
			}
			if tag.RowsAffected() == 0 {
				// already resolved by an earlier attempt
				return nil
			}
			_, err = c.ob.EnqueueIn(ctx, q, outbox.Message{
				Topic:         p.OnFailTopic,
				Payload:       p.OnFailPayload,
				CorrelationID: p.JoinID,
			})
			if err != nil {
				return err
			}
			logger.C(ctx).Info().Str("join_id", p.JoinID).Int("failed", failed).Msg("join failed")
			return nil
		}

		tag, err := q.Exec(ctx, c.completeSQL, p.JoinID)
		if err != nil {
			return perr.FromPostgres(err, "join wait complete")
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		_, err = c.ob.EnqueueIn(ctx, q, outbox.Message{
			Topic:         p.OnCompleteTopic,
			Payload:       p.OnCompletePayload,
			CorrelationID: p.JoinID,
		})
		if err != nil {
			return err
		}
		logger.C(ctx).Info().Str("join_id", p.JoinID).Int("members", total).Msg("join completed")
		return nil
	}
}

// Middleware tracks membership around a business handler: success marks the
// member complete inside the settlement transaction; a permanent failure
// marks it failed on a side connection before the row is poisoned.
func (c *Coordinator) Middleware(next dispatch.Handler) dispatch.Handler {
	return func(ctx context.Context, q store.RowQuerier, it workqueue.Item) error {
		if it.JoinID == "" {
			return next(ctx, q, it)
		}
		if err := next(ctx, q, it); err != nil {
			if perr.IsPermanent(err) {
				if merr := c.MemberFailed(ctx, it.JoinID, it.ID); merr != nil {
					logger.C(ctx).Warn().Err(merr).Str("join_id", it.JoinID).Msg("member-failed mark did not apply")
				}
			}
			return err
		}
		return c.MemberDoneIn(ctx, q, it.JoinID, it.ID)
	}
}
