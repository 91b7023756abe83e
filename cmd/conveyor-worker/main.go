// Command conveyor-worker runs the polling loops for every queue primitive
// against one or more postgres stores: outbox and inbox dispatch, scheduler
// ticks with timer and job-run hand-off, reaping, and retention cleanup.
package main

import (
	"context"
	"flag"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"conveyor/internal/platform/config"
	"conveyor/internal/platform/logger"
	"conveyor/internal/platform/store"
	"conveyor/internal/queue/dispatch"
	"conveyor/internal/queue/inbox"
	"conveyor/internal/queue/join"
	"conveyor/internal/queue/lease"
	"conveyor/internal/queue/outbox"
	"conveyor/internal/queue/provider"
	"conveyor/internal/queue/scheduler"
	"conveyor/internal/queue/schema"
)

func main() {
	root := config.New().Prefix("CONVEYOR_")
	dbCfg := root.Prefix("PGSQL_")
	l := logger.Get()

	var (
		fStrategy = flag.String("strategy", root.MayEnum("STRATEGY", provider.StrategyRoundRobin,
			provider.StrategyRoundRobin, provider.StrategyDrainFirst), "store selection strategy")
		fBatch      = flag.Int("batch", root.MayInt("BATCH_SIZE", 50), "claim batch size per poll")
		fPoll       = flag.Duration("poll-interval", root.MayDuration("POLL_INTERVAL", 0), "poll interval (0 = default)")
		fLease      = flag.Duration("lease", root.MayDuration("LEASE_DURATION", 0), "row lease duration (0 = default)")
		fMaxInbox   = flag.Int("inbox-max-attempts", root.MayInt("INBOX_MAX_ATTEMPTS", 5), "inbox attempts before dead")
		fCoordinate = flag.Bool("coordinate", root.MayBool("COORDINATE", false), "lease-coordinate pollers per store")
		fTickEvery  = flag.Duration("tick-interval", root.MayDuration("TICK_INTERVAL", 0), "scheduler tick interval")
		fDeploy     = flag.Bool("schema-deploy", root.MayBool("SCHEMA_DEPLOY", true), "deploy schema at startup")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	names := schema.Names{Schema: root.MayString("SCHEMA", "")}.WithDefaults()
	if err := names.Validate(); err != nil {
		l.Fatal().Err(err).Msg("bad schema names")
	}

	// stores: the primary url plus optional "id=url" extras
	type target struct{ id, url string }
	targets := []target{{id: root.MayString("STORE_ID", "primary"), url: dbCfg.MustString("URL")}}
	for _, pair := range root.MayCSV("EXTRA_STORES", nil) {
		id, url, ok := strings.Cut(pair, "=")
		if !ok || id == "" || url == "" {
			l.Fatal().Str("entry", pair).Msg("EXTRA_STORES entries must be id=url")
		}
		targets = append(targets, target{id: id, url: url})
	}

	var handles []provider.Handle
	for _, tg := range targets {
		st, err := store.Open(ctx, store.Config{
			PG: store.PGConfig{
				Enabled:     true,
				URL:         tg.url,
				MaxConns:    int32(dbCfg.MayInt("MAX_CONNS", 8)),
				SlowQueryMs: dbCfg.MayInt("SLOW_MS", 500),
				LogSQL:      dbCfg.MayBool("LOG_SQL", false),
			},
		}, store.WithLogger(*l))
		if err != nil {
			l.Fatal().Err(err).Str("store_id", tg.id).Msg("store.Open failed")
		}
		if err := st.Guard(ctx); err != nil {
			l.Fatal().Err(err).Str("store_id", tg.id).Msg("store not reachable")
		}
		defer func(st *store.Store, id string) {
			if err := st.Close(context.Background()); err != nil {
				l.Error().Err(err).Str("store_id", id).Msg("failed to close store")
			}
		}(st, tg.id)
		handles = append(handles, provider.Handle{ID: tg.id, DB: st.PG})
	}
	stores := provider.NewConfigured(handles...)

	gate := schema.NewGate()
	if *fDeploy {
		for _, h := range handles {
			if err := schema.Deploy(ctx, h.DB, names); err != nil {
				l.Fatal().Err(err).Str("store_id", h.ID).Msg("schema deploy failed")
			}
		}
	}
	gate.Open()

	primary := handles[0]
	ob, err := outbox.New(primary.DB, names.QualifiedOutbox(), *l)
	if err != nil {
		l.Fatal().Err(err).Msg("outbox wiring failed")
	}
	sched, err := scheduler.New(primary.DB, names, nil, *logger.Named("scheduler"))
	if err != nil {
		l.Fatal().Err(err).Msg("scheduler wiring failed")
	}
	joins, err := join.New(primary.DB, ob, names, *logger.Named("join"))
	if err != nil {
		l.Fatal().Err(err).Msg("join wiring failed")
	}

	var leases *lease.Store
	if *fCoordinate {
		if leases, err = lease.NewStore(names.QualifiedLeases()); err != nil {
			l.Fatal().Err(err).Msg("lease wiring failed")
		}
	}

	outboxTopics := dispatch.NewRegistry()
	outboxTopics.MustRegister(join.Topic, joins.WaitHandler())

	inboxTopics := dispatch.NewRegistry()

	newStrategy := func() provider.Strategy {
		s, err := provider.ByName(*fStrategy)
		if err != nil {
			l.Fatal().Err(err).Msg("bad selection strategy")
		}
		return s
	}

	newLoop := func(name string, q dispatch.Queue, res dispatch.Resolver, maxAttempts int) *dispatch.Loop {
		loop, err := dispatch.New(dispatch.Options{
			Name:          name,
			Provider:      stores,
			Strategy:      newStrategy(),
			Queue:         q,
			Resolver:      res,
			PollInterval:  *fPoll,
			BatchSize:     *fBatch,
			LeaseDuration: *fLease,
			MaxAttempts:   maxAttempts,
			Leases:        leases,
			Gate:          gate,
			Log:           *logger.Named(name),
		})
		if err != nil {
			l.Fatal().Err(err).Str("loop", name).Msg("dispatch wiring failed")
		}
		return loop
	}

	ib, err := inbox.New(primary.DB, names.QualifiedInbox(), *l)
	if err != nil {
		l.Fatal().Err(err).Msg("inbox wiring failed")
	}

	handOff := dispatch.Fixed(scheduler.HandOff(ob))
	loops := []*dispatch.Loop{
		newLoop("outbox", ob.Queue(), joinAware(joins, outboxTopics), 0),
		newLoop("inbox", ib.Queue(), inboxTopics, *fMaxInbox),
		newLoop("timers", sched.Timers(), handOff, 0),
		newLoop("jobruns", sched.Runs(), handOff, 0),
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, loop := range loops {
		loop := loop
		g.Go(func() error { return loop.Run(gctx) })
	}
	g.Go(func() error { return sched.Run(gctx, *fTickEvery) })

	l.Info().Int("stores", len(handles)).Str("strategy", *fStrategy).Msg("conveyor worker started")
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		l.Fatal().Err(err).Msg("conveyor worker failed")
	}
	l.Info().Msg("conveyor worker stopped")
}

// joinAware wraps every resolved outbox handler with join membership tracking
func joinAware(c *join.Coordinator, reg *dispatch.Registry) dispatch.Resolver {
	return dispatch.ResolverFunc(func(topic string) (dispatch.Handler, bool) {
		h, ok := reg.Resolve(topic)
		if !ok {
			return nil, false
		}
		return c.Middleware(h), true
	})
}
