// Package scheduler persists one-shot timers and recurring cron jobs. Both
// materialize as work rows; a periodic tick turns due job schedules into
// job-run rows and the dispatch hand-off turns claimed timers and runs into
// outbox messages inside the settlement transaction.
package scheduler

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"conveyor/internal/platform/clock"
	perr "conveyor/internal/platform/errors"
	"conveyor/internal/platform/logger"
	"conveyor/internal/platform/store"
	"conveyor/internal/queue/schema"
	"conveyor/internal/queue/workqueue"
)

// Job is a recurring schedule persisted by name
type Job struct {
	Name          string `validate:"required"`
	Topic         string `validate:"required"`
	Cron          string `validate:"required"`
	Payload       []byte
	Enabled       bool
	CoalesceFires bool

	// LastScheduledAt is maintained by the tick pass; read-only
	LastScheduledAt time.Time
}

// NewJob returns an enabled job with catch-up semantics
func NewJob(name, topic, cronExpr string, payload []byte) Job {
	return Job{Name: name, Topic: topic, Cron: cronExpr, Payload: payload, Enabled: true}
}

var validate = validator.New()

// Scheduler is the timer and job surface bound to one database
type Scheduler struct {
	db     store.TxRunner
	timers *workqueue.Store
	runs   *workqueue.Store
	wall   clock.Wall
	log    logger.Logger

	cancelTimerSQL string
	upsertJobSQL   string
	deleteJobSQL   string
	enableJobSQL   string
	listJobsSQL    string
	tickJobsSQL    string
	insertRunSQL   string
	advanceJobSQL  string
	getJobSQL      string
}

// New binds a scheduler to db over the named tables
func New(db store.TxRunner, n schema.Names, wall clock.Wall, log logger.Logger) (*Scheduler, error) {
	n = n.WithDefaults()
	if err := n.Validate(); err != nil {
		return nil, err
	}
	timers, err := workqueue.New(workqueue.OutboxBinding(n.QualifiedTimers()))
	if err != nil {
		return nil, err
	}
	runs, err := workqueue.New(workqueue.OutboxBinding(n.QualifiedJobRuns()))
	if err != nil {
		return nil, err
	}
	if wall == nil {
		wall = clock.System()
	}
	s := &Scheduler{db: db, timers: timers, runs: runs, wall: wall, log: log}
	s.buildSQL(n)
	return s, nil
}

func (s *Scheduler) buildSQL(n schema.Names) {
	timers, jobs, runs := n.QualifiedTimers(), n.QualifiedJobs(), n.QualifiedJobRuns()

	s.cancelTimerSQL = `
        DELETE FROM ` + timers + `
         WHERE id = $1
           AND status = 'ready'
    `

	s.upsertJobSQL = `
        INSERT INTO ` + jobs + ` (name, topic, cron_expression, payload, enabled, coalesce_fires)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (name) DO UPDATE
           SET topic = EXCLUDED.topic,
               cron_expression = EXCLUDED.cron_expression,
               payload = EXCLUDED.payload,
               enabled = EXCLUDED.enabled,
               coalesce_fires = EXCLUDED.coalesce_fires,
               updated_at = now()
    `

	s.deleteJobSQL = `DELETE FROM ` + jobs + ` WHERE name = $1`

	s.enableJobSQL = `
        UPDATE ` + jobs + `
           SET enabled = $2, updated_at = now()
         WHERE name = $1
    `

	s.listJobsSQL = `
        SELECT name, topic, cron_expression, COALESCE(payload, ''), enabled, coalesce_fires, last_scheduled_at
          FROM ` + jobs + `
         ORDER BY name
    `

	s.getJobSQL = `
        SELECT name, topic, cron_expression, COALESCE(payload, ''), enabled, coalesce_fires, last_scheduled_at
          FROM ` + jobs + `
         WHERE name = $1
    `

	// per-job row locks so concurrent tickers partition the job set
	s.tickJobsSQL = `
        SELECT name, topic, cron_expression, COALESCE(payload, ''), enabled, coalesce_fires, last_scheduled_at
          FROM ` + jobs + `
         WHERE enabled
         ORDER BY name
           FOR UPDATE SKIP LOCKED
    `

	s.insertRunSQL = `
        INSERT INTO ` + runs + ` (id, job_name, scheduled_for, topic, payload, correlation_id, message_id, status, next_attempt_at)
        VALUES ($1, $2, $3, $4, $5, $2, $6, 'ready', now())
    `

	s.advanceJobSQL = `
        UPDATE ` + jobs + `
           SET last_scheduled_at = $2, updated_at = now()
         WHERE name = $1
    `
}

// ScheduleTimer inserts a one-shot timer that becomes claimable at due
func (s *Scheduler) ScheduleTimer(ctx context.Context, topic string, payload []byte, due time.Time) (string, error) {
	return s.ScheduleTimerIn(ctx, s.db, topic, payload, due)
}

// ScheduleTimerIn is ScheduleTimer enlisted in the caller's transaction
func (s *Scheduler) ScheduleTimerIn(
	ctx context.Context, q store.RowQuerier, topic string, payload []byte, due time.Time,
) (string, error) {
	if due.IsZero() {
		return "", perr.Validationf("scheduler: timer due time required")
	}
	u := due.UTC()
	return s.timers.Enqueue(ctx, q, workqueue.Message{Topic: topic, Payload: payload, DueTimeUTC: &u})
}

// CancelTimer deletes a timer that has not fired; returns whether it did
func (s *Scheduler) CancelTimer(ctx context.Context, id string) (bool, error) {
	tag, err := s.db.Exec(ctx, s.cancelTimerSQL, id)
	if err != nil {
		return false, perr.FromPostgres(err, "scheduler cancel timer")
	}
	return tag.RowsAffected() == 1, nil
}

// CreateOrUpdateJob upserts a job after validating its cron expression
func (s *Scheduler) CreateOrUpdateJob(ctx context.Context, j Job) error {
	if err := validate.Struct(j); err != nil {
		return perr.Validationf("scheduler job: %v", err)
	}
	if _, err := ParseCron(j.Cron); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, s.upsertJobSQL, j.Name, j.Topic, j.Cron, j.Payload, j.Enabled, j.CoalesceFires)
	if err != nil {
		return perr.FromPostgres(err, "scheduler upsert job")
	}
	return nil
}

// DeleteJob removes a job; pending runs are unaffected
func (s *Scheduler) DeleteJob(ctx context.Context, name string) (bool, error) {
	tag, err := s.db.Exec(ctx, s.deleteJobSQL, name)
	if err != nil {
		return false, perr.FromPostgres(err, "scheduler delete job")
	}
	return tag.RowsAffected() == 1, nil
}

// SetJobEnabled flips dispatching for a job without touching its schedule
func (s *Scheduler) SetJobEnabled(ctx context.Context, name string, enabled bool) error {
	tag, err := s.db.Exec(ctx, s.enableJobSQL, name, enabled)
	if err != nil {
		return perr.FromPostgres(err, "scheduler enable job")
	}
	if tag.RowsAffected() == 0 {
		return perr.NotFoundf("scheduler: job %q", name)
	}
	return nil
}

// ListJobs returns every job in name order
func (s *Scheduler) ListJobs(ctx context.Context) ([]Job, error) {
	jobs, err := store.Many(ctx, s.db, scanJob, s.listJobsSQL)
	if err != nil {
		return nil, perr.FromPostgres(err, "scheduler list jobs")
	}
	return jobs, nil
}

// TriggerJob inserts an immediate run outside the schedule; the job's
// last_scheduled_at is not advanced
func (s *Scheduler) TriggerJob(ctx context.Context, name string) (string, error) {
	var id string
	err := s.db.Tx(ctx, func(q store.RowQuerier) error {
		j, err := store.One(ctx, q, scanJob, s.getJobSQL, name)
		if err != nil {
			if perr.IsCode(err, perr.ErrorCodeNotFound) {
				return perr.NotFoundf("scheduler: job %q", name)
			}
			return perr.FromPostgres(err, "scheduler trigger job")
		}
		id = uuid.NewString()
		if _, err := q.Exec(ctx, s.insertRunSQL,
			id, j.Name, s.wall.Now(), j.Topic, j.Payload, uuid.NewString()); err != nil {
			return perr.FromPostgres(err, "scheduler trigger job")
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	s.log.Info().Str("job", name).Str("row_id", id).Msg("job triggered")
	return id, nil
}

// Tick materializes due fires for every enabled job, advancing each job's
// last_scheduled_at in the same transaction as its run inserts. Safe to run
// from many workers; row locks partition the job set. Returns the number of
// runs inserted.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.wall.Now()
	inserted := 0
	err := s.db.Tx(ctx, func(q store.RowQuerier) error {
		jobs, err := store.Many(ctx, q, scanJob, s.tickJobsSQL)
		if err != nil {
			return perr.FromPostgres(err, "scheduler tick")
		}
		for _, j := range jobs {
			sched, err := ParseCron(j.Cron)
			if err != nil {
				// bad expressions are caught at upsert; a row edited out of
				// band must not wedge the whole pass
				s.log.Error().Str("job", j.Name).Str("cron", j.Cron).Msg("unparseable cron expression, skipping")
				continue
			}
			due := dueTimes(sched, j.LastScheduledAt, now, j.CoalesceFires)
			if len(due) == 0 {
				continue
			}
			for _, at := range due {
				if _, err := q.Exec(ctx, s.insertRunSQL,
					uuid.NewString(), j.Name, at, j.Topic, j.Payload, uuid.NewString()); err != nil {
					return perr.FromPostgres(err, "scheduler tick")
				}
			}
			if _, err := q.Exec(ctx, s.advanceJobSQL, j.Name, due[len(due)-1]); err != nil {
				return perr.FromPostgres(err, "scheduler tick")
			}
			inserted += len(due)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if inserted > 0 {
		s.log.Debug().Int("runs", inserted).Msg("scheduler tick materialized runs")
	}
	return inserted, nil
}

// Run ticks on every interval until ctx ends
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if _, err := s.Tick(ctx); err != nil {
				s.log.Warn().Err(err).Msg("scheduler tick failed")
			}
		}
	}
}

// Timers exposes the timer protocol store for dispatcher wiring
func (s *Scheduler) Timers() *workqueue.Store { return s.timers }

// Runs exposes the job-run protocol store for dispatcher wiring
func (s *Scheduler) Runs() *workqueue.Store { return s.runs }

// DB returns the bound database seam
func (s *Scheduler) DB() store.TxRunner { return s.db }

func scanJob(r store.Row) (Job, error) {
	var j Job
	err := r.Scan(&j.Name, &j.Topic, &j.Cron, &j.Payload, &j.Enabled, &j.CoalesceFires, &j.LastScheduledAt)
	if err != nil {
		return Job{}, err
	}
	j.LastScheduledAt = j.LastScheduledAt.UTC()
	return j, nil
}
