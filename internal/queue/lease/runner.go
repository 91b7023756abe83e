package lease

import (
	"context"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"conveyor/internal/platform/clock"
	perr "conveyor/internal/platform/errors"
	"conveyor/internal/platform/logger"
)

// Runner states
const (
	stateHeld int32 = iota
	stateLost
	stateReleased
)

// RunnerOptions configures Acquire
type RunnerOptions struct {
	Name  string
	Owner string // defaults to a fresh uuid

	// Duration is the lease length requested on acquire and every renewal
	Duration time.Duration

	// RenewPercent places the renewal at Duration*RenewPercent on the
	// monotonic clock; the remaining margin absorbs one failed attempt
	RenewPercent float64

	Mono clock.Mono
	Log  logger.Logger
}

func (o *RunnerOptions) defaults() {
	if o.Owner == "" {
		o.Owner = uuid.NewString()
	}
	if o.Duration <= 0 {
		o.Duration = 30 * time.Second
	}
	if o.RenewPercent <= 0 || o.RenewPercent >= 1 {
		o.RenewPercent = 0.6
	}
	if o.Mono == nil {
		o.Mono = clock.SystemMono()
	}
}

// Runner keeps an acquired lease alive. Its Context is cancelled the moment
// the lease is lost, released, or the parent context ends; work whose
// correctness depends on the lease must run under it.
type Runner struct {
	api   API
	name  string
	owner string
	d     time.Duration
	pct   float64
	mono  clock.Mono
	log   logger.Logger

	fencing int64
	until   atomic.Value // time.Time, server authoritative

	ctx    context.Context
	cancel context.CancelCauseFunc
	state  atomic.Int32
	done   chan struct{}
}

// Acquire attempts to take the lease and, on success, starts the renewal
// task. Returns (nil, nil) when the lease is currently held elsewhere.
func Acquire(ctx context.Context, api API, opts RunnerOptions) (*Runner, error) {
	if opts.Name == "" {
		return nil, perr.Validationf("lease runner: name required")
	}
	opts.defaults()

	res, err := api.Acquire(ctx, opts.Name, opts.Owner, opts.Duration)
	if err != nil {
		return nil, err
	}
	if !res.Acquired {
		return nil, nil
	}

	rctx, cancel := context.WithCancelCause(ctx)
	r := &Runner{
		api:     api,
		name:    opts.Name,
		owner:   opts.Owner,
		d:       opts.Duration,
		pct:     opts.RenewPercent,
		mono:    opts.Mono,
		log:     opts.Log,
		fencing: res.FencingToken,
		ctx:     rctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	r.until.Store(res.LeaseUntilUTC)

	go r.renewLoop()
	return r, nil
}

// Context is cancelled on loss, release, or parent cancellation
func (r *Runner) Context() context.Context { return r.ctx }

// Owner returns the owner identity recorded on the lease row
func (r *Runner) Owner() string { return r.owner }

// FencingToken is the token issued at acquire, for external fencing checks
func (r *Runner) FencingToken() int64 { return r.fencing }

// LeaseUntil returns the latest server-authoritative expiry observed
func (r *Runner) LeaseUntil() time.Time {
	t, _ := r.until.Load().(time.Time)
	return t
}

// Lost reports whether the lease has been observed lost
func (r *Runner) Lost() bool { return r.state.Load() == stateLost }

// Check returns a LeaseLost error when the lease is gone, nil while held
func (r *Runner) Check() error {
	if r.Lost() {
		return context.Cause(r.ctx)
	}
	return nil
}

// Release stops renewal and best-effort expires the lease row. Safe to call
// more than once; after loss it only waits for the renewal task to exit.
func (r *Runner) Release(ctx context.Context) error {
	if r.state.CompareAndSwap(stateHeld, stateReleased) {
		r.cancel(perr.New(perr.ErrorCodeLeaseLost, "lease released"))
	}
	<-r.done
	if r.state.Load() == stateReleased {
		return r.api.Release(ctx, r.name, r.owner)
	}
	return nil
}

func (r *Runner) renewLoop() {
	defer close(r.done)

	next := r.nextRenewal()
	for {
		t := time.NewTimer(next.Remaining(r.mono))
		select {
		case <-r.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		res, err := r.api.Renew(r.ctx, r.name, r.owner, r.d)
		if err != nil && r.ctx.Err() == nil {
			// one immediate retry; renewPercent leaves enough margin
			res, err = r.api.Renew(r.ctx, r.name, r.owner, r.d)
		}
		switch {
		case r.ctx.Err() != nil:
			return
		case err != nil:
			r.lose(perr.Wrapf(err, perr.ErrorCodeLeaseLost, "lease %q: renewal failed", r.name))
			return
		case !res.Renewed:
			r.lose(perr.LeaseLostf("lease %q: taken over or expired", r.name))
			return
		}

		r.until.Store(res.LeaseUntilUTC)
		r.log.Debug().Str("lease", r.name).Time("until", res.LeaseUntilUTC).Msg("lease renewed")
		next = r.nextRenewal()
	}
}

func (r *Runner) nextRenewal() clock.Deadline {
	jitter := time.Duration(rand.Float64() * float64(time.Second))
	return clock.After(r.mono, time.Duration(float64(r.d)*r.pct)+jitter)
}

func (r *Runner) lose(cause error) {
	if r.state.CompareAndSwap(stateHeld, stateLost) {
		r.log.Warn().Str("lease", r.name).Err(cause).Msg("lease lost")
		r.cancel(cause)
	}
}
