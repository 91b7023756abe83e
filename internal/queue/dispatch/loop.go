package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"conveyor/internal/platform/clock"
	perr "conveyor/internal/platform/errors"
	"conveyor/internal/platform/logger"
	"conveyor/internal/platform/store"
	"conveyor/internal/queue/lease"
	"conveyor/internal/queue/provider"
	"conveyor/internal/queue/schema"
	"conveyor/internal/queue/workqueue"
)

// handlerBudgetFrac caps handler wall time at a fraction of the row lease so
// a slow handler settles (or rolls back) before the reaper can reclaim its row
const handlerBudgetFrac = 0.8

// Queue is the claim protocol surface a Loop drives; *workqueue.Store
// satisfies it. Narrowed to an interface so tests can script settlements.
type Queue interface {
	Claim(ctx context.Context, q store.RowQuerier, owner string, lease time.Duration, batch int) ([]workqueue.Item, error)
	Ack(ctx context.Context, q store.RowQuerier, owner string, ids []string) (int64, error)
	Abandon(ctx context.Context, q store.RowQuerier, owner string, ids []string, lastErr string, delay time.Duration) (int64, error)
	Fail(ctx context.Context, q store.RowQuerier, owner string, ids []string, lastErr string) (int64, error)
	Reap(ctx context.Context, q store.RowQuerier) (int64, error)
	PurgeDone(ctx context.Context, q store.RowQuerier, olderThan time.Duration) (int64, error)
}

// Retention controls the periodic purge of done rows
type Retention struct {
	Disabled bool
	Period   time.Duration // default 7 days
	Interval time.Duration // default 1h between purge passes
}

// Options configures one polling loop
type Options struct {
	// Name labels the primitive in logs and lease names ("outbox", "inbox", ...)
	Name string

	Provider provider.Provider
	Strategy provider.Strategy
	Queue    Queue
	Resolver Resolver
	Unknown  UnknownPolicy

	PollInterval  time.Duration // default 250ms
	BatchSize     int           // default 50
	LeaseDuration time.Duration // default 5m

	// HandlerConcurrency bounds in-flight handlers per claimed batch
	HandlerConcurrency int // default 8

	// MaxAttempts fails a row terminally once its attempt counter reaches it;
	// zero retries forever
	MaxAttempts int

	Backoff workqueue.Backoff

	ReapInterval time.Duration // default 30s
	Retention    Retention

	// Leases, when set, coordinates pollers: each pass holds the named lease
	// for (Name, store) and handlers run under its cancellation context
	Leases *lease.Store

	// Gate, when set, defers the first poll until schema deployment opens it
	Gate *schema.Gate

	Mono clock.Mono
	Log  logger.Logger
}

func (o *Options) defaults() error {
	if o.Name == "" || o.Provider == nil || o.Queue == nil || o.Resolver == nil {
		return perr.Validationf("dispatch: name, provider, queue, and resolver are required")
	}
	if o.Strategy == nil {
		o.Strategy = &provider.RoundRobin{}
	}
	if _, err := UnknownPolicyByName(string(o.Unknown)); err != nil {
		return err
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = 5 * time.Minute
	}
	if o.HandlerConcurrency <= 0 {
		o.HandlerConcurrency = 8
	}
	if o.Backoff == (workqueue.Backoff{}) {
		o.Backoff = workqueue.DefaultBackoff()
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = 30 * time.Second
	}
	if o.Retention.Period <= 0 {
		o.Retention.Period = 7 * 24 * time.Hour
	}
	if o.Retention.Interval <= 0 {
		o.Retention.Interval = time.Hour
	}
	if o.Mono == nil {
		o.Mono = clock.SystemMono()
	}
	return nil
}

// settlement kinds for a processed row; done rows were acked inside the
// handler transaction and need no further action
type settleKind int

const (
	settleDone settleKind = iota
	settleAbandon
	settleFail
	settleSkip // leave busy for the reaper (lease lost, ownership conflict)
)

type outcome struct {
	id    string
	kind  settleKind
	msg   string
	delay time.Duration
}

// Loop polls the provider's stores for one primitive and settles every
// claimed row. Run one Loop per primitive per process; batches within a pass
// run handlers concurrently.
type Loop struct {
	o Options

	lastID    string
	lastCount int
}

// New validates options and applies defaults
func New(o Options) (*Loop, error) {
	if err := o.defaults(); err != nil {
		return nil, err
	}
	return &Loop{o: o}, nil
}

// Run polls until ctx ends. Per-store failures are logged and isolated; the
// loop only returns on context cancellation.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.o.Gate.Wait(ctx); err != nil {
		return err
	}
	l.o.Log.Info().Str("loop", l.o.Name).Msg("dispatch loop started")

	reapAt := clock.After(l.o.Mono, l.o.ReapInterval)
	purgeAt := clock.After(l.o.Mono, l.o.Retention.Interval)

	for {
		tick := clock.After(l.o.Mono, l.o.PollInterval)
		stores := l.o.Provider.All(ctx)

		if reapAt.Expired(l.o.Mono) {
			l.reapAll(ctx, stores)
			reapAt = clock.After(l.o.Mono, l.o.ReapInterval)
		}
		if !l.o.Retention.Disabled && purgeAt.Expired(l.o.Mono) {
			l.purgeAll(ctx, stores)
			purgeAt = clock.After(l.o.Mono, l.o.Retention.Interval)
		}

		if h, ok := l.o.Strategy.Next(stores, l.lastID, l.lastCount); ok {
			l.lastID, l.lastCount = h.ID, l.pollOne(ctx, h)
		} else {
			l.lastID, l.lastCount = "", 0
		}

		if err := sleepUntil(ctx, l.o.Mono, tick); err != nil {
			return err
		}
	}
}

// pollOne claims and settles one batch from h, returning how many rows the
// claim yielded so drain-first strategies can stay on a hot store
func (l *Loop) pollOne(ctx context.Context, h provider.Handle) int {
	owner := uuid.NewString()
	runCtx := ctx

	if l.o.Leases != nil {
		r, err := lease.Acquire(ctx, l.o.Leases.Bind(h.DB), lease.RunnerOptions{
			Name:     "dispatch/" + l.o.Name + "/" + h.ID,
			Owner:    owner,
			Duration: l.o.LeaseDuration,
			Mono:     l.o.Mono,
			Log:      l.o.Log,
		})
		if err != nil {
			l.o.Log.Warn().Err(err).Str("store_id", h.ID).Msg("poll lease acquire failed")
			return 0
		}
		if r == nil {
			// another worker holds this store
			return 0
		}
		defer func() { _ = r.Release(ctx) }()
		runCtx = r.Context()
	}

	items, err := l.o.Queue.Claim(runCtx, h.DB, owner, l.o.LeaseDuration, l.o.BatchSize)
	if err != nil {
		l.o.Log.Error().Err(err).Str("store_id", h.ID).Msg("claim failed")
		return 0
	}
	if len(items) == 0 {
		return 0
	}

	outs := make([]outcome, len(items))
	var g errgroup.Group
	g.SetLimit(l.o.HandlerConcurrency)
	for i := range items {
		i := i
		g.Go(func() error {
			outs[i] = l.runOne(runCtx, h, owner, items[i])
			return nil
		})
	}
	_ = g.Wait()

	l.settle(runCtx, h, owner, outs)
	return len(items)
}

// runOne executes the handler and the ack in one transaction on h, then
// classifies any failure into a settlement
func (l *Loop) runOne(ctx context.Context, h provider.Handle, owner string, it workqueue.Item) outcome {
	ctx = logger.WithScope(ctx, logger.Scope{
		CorrelationID: it.CorrelationID,
		OwnerToken:    owner,
		StoreID:       h.ID,
		RowID:         it.ID,
	})
	log := logger.C(ctx)

	handler, ok := l.o.Resolver.Resolve(it.Topic)
	if !ok {
		switch l.o.Unknown {
		case UnknownComplete:
			handler = func(context.Context, store.RowQuerier, workqueue.Item) error { return nil }
		case UnknownPoison:
			return outcome{id: it.ID, kind: settleFail, msg: "no handler for topic " + it.Topic}
		default:
			return l.retryOrFail(it, "no handler for topic "+it.Topic)
		}
	}

	budget := time.Duration(float64(l.o.LeaseDuration) * handlerBudgetFrac)
	hctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	err := h.DB.Tx(hctx, func(q store.RowQuerier) error {
		if herr := handler(hctx, q, it); herr != nil {
			return herr
		}
		n, aerr := l.o.Queue.Ack(hctx, q, owner, []string{it.ID})
		if aerr != nil {
			return aerr
		}
		if n != 1 {
			// reaped or reclaimed mid-flight; roll the handler's writes back
			return perr.Conflictf("row ownership lost before ack")
		}
		return nil
	})

	switch {
	case err == nil:
		log.Debug().Str("topic", it.Topic).Msg("row processed")
		return outcome{id: it.ID, kind: settleDone}
	case ctx.Err() != nil:
		// lease lost or shutdown; the row stays busy until reaped
		return outcome{id: it.ID, kind: settleSkip}
	case errors.Is(err, context.DeadlineExceeded):
		log.Warn().Str("topic", it.Topic).Msg("handler budget exceeded")
		return l.retryOrFail(it, "handler budget exceeded")
	case perr.IsCode(err, perr.ErrorCodeConflict):
		return outcome{id: it.ID, kind: settleSkip}
	case perr.IsPermanent(err):
		log.Warn().Err(err).Str("topic", it.Topic).Msg("row failed permanently")
		return outcome{id: it.ID, kind: settleFail, msg: err.Error()}
	case perr.IsJoinNotReady(err):
		return outcome{id: it.ID, kind: settleAbandon, msg: err.Error(), delay: workqueue.JoinRetryDelay(it.Attempt)}
	default:
		log.Warn().Err(err).Str("topic", it.Topic).Int("attempt", it.Attempt).Msg("handler error")
		return l.retryOrFail(it, err.Error())
	}
}

func (l *Loop) retryOrFail(it workqueue.Item, msg string) outcome {
	if l.o.MaxAttempts > 0 && it.Attempt+1 >= l.o.MaxAttempts {
		return outcome{id: it.ID, kind: settleFail, msg: "max attempts exhausted: " + msg}
	}
	return outcome{id: it.ID, kind: settleAbandon, msg: msg, delay: l.o.Backoff.Delay(it.Attempt)}
}

func (l *Loop) settle(ctx context.Context, h provider.Handle, owner string, outs []outcome) {
	for _, o := range outs {
		var err error
		switch o.kind {
		case settleAbandon:
			_, err = l.o.Queue.Abandon(ctx, h.DB, owner, []string{o.id}, o.msg, o.delay)
		case settleFail:
			_, err = l.o.Queue.Fail(ctx, h.DB, owner, []string{o.id}, o.msg)
		default:
			continue
		}
		if err != nil {
			// the row stays busy and the reaper will recover it
			l.o.Log.Warn().Err(err).Str("store_id", h.ID).Str("row_id", o.id).Msg("settlement failed")
		}
	}
}

func (l *Loop) reapAll(ctx context.Context, stores []provider.Handle) {
	for _, h := range stores {
		n, err := l.o.Queue.Reap(ctx, h.DB)
		if err != nil {
			l.o.Log.Warn().Err(err).Str("store_id", h.ID).Msg("reap failed")
			continue
		}
		if n > 0 {
			l.o.Log.Info().Str("store_id", h.ID).Int64("rows", n).Msg("reaped expired claims")
		}
	}
}

func (l *Loop) purgeAll(ctx context.Context, stores []provider.Handle) {
	for _, h := range stores {
		n, err := l.o.Queue.PurgeDone(ctx, h.DB, l.o.Retention.Period)
		if err != nil {
			l.o.Log.Warn().Err(err).Str("store_id", h.ID).Msg("retention purge failed")
			continue
		}
		if n > 0 {
			l.o.Log.Debug().Str("store_id", h.ID).Int64("rows", n).Msg("purged done rows")
		}
	}
}

// sleepUntil blocks until the tick deadline or ctx cancellation
func sleepUntil(ctx context.Context, m clock.Mono, dl clock.Deadline) error {
	left := dl.Remaining(m)
	if left <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(left)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
