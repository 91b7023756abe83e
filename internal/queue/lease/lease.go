// Package lease implements named distributed locks with fencing tokens.
// The store issues server-authoritative deadlines; the Runner keeps a held
// lease renewed on a monotonic schedule and surfaces loss as context
// cancellation.
package lease

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"

	perr "conveyor/internal/platform/errors"
	"conveyor/internal/platform/store"
)

// AcquireResult reports the outcome of an acquire attempt. ServerNow is the
// database clock so callers can compute skew against their own.
type AcquireResult struct {
	Acquired      bool
	LeaseUntilUTC time.Time
	FencingToken  int64
	ServerNow     time.Time
}

// RenewResult reports the outcome of a renewal
type RenewResult struct {
	Renewed       bool
	LeaseUntilUTC time.Time
	FencingToken  int64
	ServerNow     time.Time
}

// API is the lease surface the Runner drives; satisfied by Client
type API interface {
	Acquire(ctx context.Context, name, owner string, d time.Duration) (AcquireResult, error)
	Renew(ctx context.Context, name, owner string, d time.Duration) (RenewResult, error)
	Release(ctx context.Context, name, owner string) error
}

var identRx = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Store holds the lease SQL for one table
type Store struct {
	acquireSQL string
	renewSQL   string
	releaseSQL string
	nowSQL     string
}

// NewStore builds the statement set for the given schema-qualified table
func NewStore(table string) (*Store, error) {
	if !identRx.MatchString(table) {
		return nil, perr.Validationf("lease: bad table %q", table)
	}
	s := &Store{nowSQL: `SELECT now()`}

	// acquire wins when the row is absent or expired; the fencing token is
	// bumped on every change of tenure and never reset
	s.acquireSQL = fmt.Sprintf(`
        INSERT INTO %[1]s AS l (name, owner, acquired_at, lease_until_utc, fencing_token)
        VALUES ($1, $2, now(), now() + make_interval(secs => $3), 1)
        ON CONFLICT (name) DO UPDATE
           SET owner = EXCLUDED.owner,
               acquired_at = now(),
               lease_until_utc = now() + make_interval(secs => $3),
               fencing_token = l.fencing_token + 1
         WHERE l.lease_until_utc <= now()
        RETURNING lease_until_utc, fencing_token, now()
    `, table)

	s.renewSQL = fmt.Sprintf(`
        UPDATE %[1]s
           SET lease_until_utc = now() + make_interval(secs => $3)
         WHERE name = $1
           AND owner = $2
           AND lease_until_utc > now()
        RETURNING lease_until_utc, fencing_token, now()
    `, table)

	// release keeps the row so the fencing sequence survives tenure changes
	s.releaseSQL = fmt.Sprintf(`
        UPDATE %[1]s
           SET lease_until_utc = now()
         WHERE name = $1
           AND owner = $2
           AND lease_until_utc > now()
    `, table)

	return s, nil
}

// Bind ties the store to a querier, yielding the API the Runner consumes
func (s *Store) Bind(q store.RowQuerier) *Client { return &Client{s: s, q: q} }

// Client is a Store bound to one database
type Client struct {
	s *Store
	q store.RowQuerier
}

// Acquire attempts to take the lease for owner. Not acquired is not an
// error; the result still carries the server clock.
func (c *Client) Acquire(ctx context.Context, name, owner string, d time.Duration) (AcquireResult, error) {
	if name == "" || owner == "" {
		return AcquireResult{}, perr.Validationf("lease acquire: name and owner required")
	}
	var r AcquireResult
	err := c.q.QueryRow(ctx, c.s.acquireSQL, name, owner, d.Seconds()).
		Scan(&r.LeaseUntilUTC, &r.FencingToken, &r.ServerNow)
	if err == nil {
		r.Acquired = true
		return r, nil
	}
	if !isNoRows(err) {
		return AcquireResult{}, perr.FromPostgres(err, "lease acquire")
	}
	now, nerr := c.serverNow(ctx)
	if nerr != nil {
		return AcquireResult{}, nerr
	}
	return AcquireResult{Acquired: false, ServerNow: now}, nil
}

// Renew extends the owner's unexpired lease, preserving the fencing token
func (c *Client) Renew(ctx context.Context, name, owner string, d time.Duration) (RenewResult, error) {
	var r RenewResult
	err := c.q.QueryRow(ctx, c.s.renewSQL, name, owner, d.Seconds()).
		Scan(&r.LeaseUntilUTC, &r.FencingToken, &r.ServerNow)
	if err == nil {
		r.Renewed = true
		return r, nil
	}
	if !isNoRows(err) {
		return RenewResult{}, perr.FromPostgres(err, "lease renew")
	}
	now, nerr := c.serverNow(ctx)
	if nerr != nil {
		return RenewResult{}, nerr
	}
	return RenewResult{Renewed: false, ServerNow: now}, nil
}

// Release expires the owner's lease immediately; best effort
func (c *Client) Release(ctx context.Context, name, owner string) error {
	if _, err := c.q.Exec(ctx, c.s.releaseSQL, name, owner); err != nil {
		return perr.FromPostgres(err, "lease release")
	}
	return nil
}

func (c *Client) serverNow(ctx context.Context) (time.Time, error) {
	now, err := store.Scalar[time.Time](ctx, c.q, c.s.nowSQL)
	if err != nil {
		return time.Time{}, perr.FromPostgres(err, "lease server clock")
	}
	return now, nil
}

// isNoRows detects the no-row result of a conditional RETURNING statement;
// the string fallback covers seams that surface their own scan errors
func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows) || err.Error() == "no rows in result set"
}
