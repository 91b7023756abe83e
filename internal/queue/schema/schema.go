// Package schema deploys the queue tables. Deployment is idempotent so
// every worker can run it at startup; the Gate lets background loops wait
// until a deploy (possibly run elsewhere) has completed.
package schema

import (
	"context"
	"fmt"
	"regexp"

	perr "conveyor/internal/platform/errors"
	"conveyor/internal/platform/store"
)

// Names holds the schema and table names for one deployment. Zero fields
// fall back to the defaults at use time via WithDefaults.
type Names struct {
	Schema      string
	Outbox      string
	Inbox       string
	Timers      string
	Jobs        string
	JobRuns     string
	Leases      string
	Joins       string
	JoinMembers string
}

// DefaultNames is the standard layout under the infra schema
func DefaultNames() Names {
	return Names{
		Schema:      "infra",
		Outbox:      "outbox",
		Inbox:       "inbox",
		Timers:      "timers",
		Jobs:        "jobs",
		JobRuns:     "job_runs",
		Leases:      "leases",
		Joins:       "joins",
		JoinMembers: "join_members",
	}
}

// WithDefaults fills empty fields from DefaultNames
func (n Names) WithDefaults() Names {
	d := DefaultNames()
	fill := func(v, def string) string {
		if v == "" {
			return def
		}
		return v
	}
	return Names{
		Schema:      fill(n.Schema, d.Schema),
		Outbox:      fill(n.Outbox, d.Outbox),
		Inbox:       fill(n.Inbox, d.Inbox),
		Timers:      fill(n.Timers, d.Timers),
		Jobs:        fill(n.Jobs, d.Jobs),
		JobRuns:     fill(n.JobRuns, d.JobRuns),
		Leases:      fill(n.Leases, d.Leases),
		Joins:       fill(n.Joins, d.Joins),
		JoinMembers: fill(n.JoinMembers, d.JoinMembers),
	}
}

var identRx = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate rejects anything that is not a bare SQL identifier; names are
// interpolated into DDL so this is the only line of defense
func (n Names) Validate() error {
	for _, v := range []string{
		n.Schema, n.Outbox, n.Inbox, n.Timers, n.Jobs, n.JobRuns, n.Leases, n.Joins, n.JoinMembers,
	} {
		if !identRx.MatchString(v) {
			return perr.Validationf("schema: bad identifier %q", v)
		}
	}
	return nil
}

// Qualified returns schema.table
func (n Names) Qualified(table string) string { return n.Schema + "." + table }

// QualifiedOutbox and friends are convenience accessors for wiring bindings
func (n Names) QualifiedOutbox() string      { return n.Qualified(n.Outbox) }
func (n Names) QualifiedInbox() string       { return n.Qualified(n.Inbox) }
func (n Names) QualifiedTimers() string      { return n.Qualified(n.Timers) }
func (n Names) QualifiedJobs() string        { return n.Qualified(n.Jobs) }
func (n Names) QualifiedJobRuns() string     { return n.Qualified(n.JobRuns) }
func (n Names) QualifiedLeases() string      { return n.Qualified(n.Leases) }
func (n Names) QualifiedJoins() string       { return n.Qualified(n.Joins) }
func (n Names) QualifiedJoinMembers() string { return n.Qualified(n.JoinMembers) }

// workColumns is the protocol column set shared by all four work tables
const workColumns = `
    status          text NOT NULL,
    owner_token     text,
    locked_until    timestamptz,
    created_at      timestamptz NOT NULL DEFAULT now(),
    due_time_utc    timestamptz,
    next_attempt_at timestamptz NOT NULL DEFAULT now(),
    last_error      text,
    processed_at    timestamptz,
    processed_by    text,
    reclaims        int NOT NULL DEFAULT 0`

// Statements returns the DDL in execution order
func Statements(n Names) ([]string, error) {
	n = n.WithDefaults()
	if err := n.Validate(); err != nil {
		return nil, err
	}

	var out []string
	add := func(format string, a ...any) { out = append(out, fmt.Sprintf(format, a...)) }

	add(`CREATE SCHEMA IF NOT EXISTS %s`, n.Schema)

	add(`CREATE TABLE IF NOT EXISTS %s (
    id              uuid PRIMARY KEY,
    topic           text NOT NULL,
    payload         bytea,
    correlation_id  text,
    message_id      text,
    join_id         uuid,
    retry_count     int NOT NULL DEFAULT 0,`+workColumns+`
)`, n.QualifiedOutbox())
	add(`CREATE INDEX IF NOT EXISTS %s_claim_idx ON %s (status, next_attempt_at)`, n.Outbox, n.QualifiedOutbox())
	add(`CREATE INDEX IF NOT EXISTS %s_join_idx ON %s (join_id) WHERE join_id IS NOT NULL`, n.Outbox, n.QualifiedOutbox())

	add(`CREATE TABLE IF NOT EXISTS %s (
    id              uuid PRIMARY KEY,
    source          text NOT NULL,
    message_id      text NOT NULL,
    topic           text NOT NULL DEFAULT '',
    payload         bytea,
    correlation_id  text,
    join_id         uuid,
    hash            text NOT NULL DEFAULT '',
    first_seen_utc  timestamptz NOT NULL DEFAULT now(),
    last_seen_utc   timestamptz NOT NULL DEFAULT now(),
    attempt         int NOT NULL DEFAULT 0,`+workColumns+`,
    UNIQUE (source, message_id, hash)
)`, n.QualifiedInbox())
	add(`CREATE INDEX IF NOT EXISTS %s_claim_idx ON %s (status, next_attempt_at)`, n.Inbox, n.QualifiedInbox())

	add(`CREATE TABLE IF NOT EXISTS %s (
    id              uuid PRIMARY KEY,
    topic           text NOT NULL,
    payload         bytea,
    correlation_id  text,
    message_id      text,
    join_id         uuid,
    retry_count     int NOT NULL DEFAULT 0,`+workColumns+`
)`, n.QualifiedTimers())
	add(`CREATE INDEX IF NOT EXISTS %s_claim_idx ON %s (status, next_attempt_at)`, n.Timers, n.QualifiedTimers())

	add(`CREATE TABLE IF NOT EXISTS %s (
    name              text PRIMARY KEY,
    topic             text NOT NULL,
    cron_expression   text NOT NULL,
    payload           bytea,
    enabled           boolean NOT NULL DEFAULT true,
    coalesce_fires    boolean NOT NULL DEFAULT false,
    last_scheduled_at timestamptz NOT NULL DEFAULT now(),
    created_at        timestamptz NOT NULL DEFAULT now(),
    updated_at        timestamptz NOT NULL DEFAULT now()
)`, n.QualifiedJobs())

	add(`CREATE TABLE IF NOT EXISTS %s (
    id              uuid PRIMARY KEY,
    job_name        text NOT NULL,
    scheduled_for   timestamptz NOT NULL,
    topic           text NOT NULL,
    payload         bytea,
    correlation_id  text,
    message_id      text,
    join_id         uuid,
    retry_count     int NOT NULL DEFAULT 0,`+workColumns+`
)`, n.QualifiedJobRuns())
	add(`CREATE INDEX IF NOT EXISTS %s_claim_idx ON %s (status, next_attempt_at)`, n.JobRuns, n.QualifiedJobRuns())
	add(`CREATE INDEX IF NOT EXISTS %s_job_idx ON %s (job_name, scheduled_for)`, n.JobRuns, n.QualifiedJobRuns())

	add(`CREATE TABLE IF NOT EXISTS %s (
    name            text PRIMARY KEY,
    owner           text NOT NULL,
    acquired_at     timestamptz NOT NULL DEFAULT now(),
    lease_until_utc timestamptz NOT NULL,
    fencing_token   bigint NOT NULL DEFAULT 1
)`, n.QualifiedLeases())

	add(`CREATE TABLE IF NOT EXISTS %s (
    join_id         uuid PRIMARY KEY,
    created_at      timestamptz NOT NULL DEFAULT now(),
    completed_at    timestamptz,
    failed_at       timestamptz
)`, n.QualifiedJoins())

	add(`CREATE TABLE IF NOT EXISTS %s (
    join_id           uuid NOT NULL,
    outbox_message_id uuid NOT NULL,
    completed_at      timestamptz,
    failed_at         timestamptz,
    PRIMARY KEY (join_id, outbox_message_id)
)`, n.QualifiedJoinMembers())
	add(`CREATE INDEX IF NOT EXISTS %s_member_idx ON %s (outbox_message_id)`, n.JoinMembers, n.QualifiedJoinMembers())

	return out, nil
}

// Deploy creates the schema and tables if they do not exist yet
func Deploy(ctx context.Context, q store.RowQuerier, n Names) error {
	stmts, err := Statements(n)
	if err != nil {
		return err
	}
	for _, s := range stmts {
		if _, err := q.Exec(ctx, s); err != nil {
			return perr.Wrapf(err, perr.ErrorCodeSchemaDeploy, "schema deploy: %s", firstLine(s))
		}
	}
	return nil
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
