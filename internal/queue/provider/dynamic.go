package provider

import (
	"context"
	"sort"
	"sync"
	"time"

	perr "conveyor/internal/platform/errors"
	"conveyor/internal/platform/logger"
	"conveyor/internal/platform/store"
)

// Endpoint is one discovered database
type Endpoint struct {
	ID  string
	URL string
}

// Discovery returns the current endpoint set; called on every refresh
type Discovery interface {
	Discover(ctx context.Context) ([]Endpoint, error)
}

// DiscoveryFunc adapts a function to Discovery
type DiscoveryFunc func(ctx context.Context) ([]Endpoint, error)

// Discover calls the underlying function
func (f DiscoveryFunc) Discover(ctx context.Context) ([]Endpoint, error) { return f(ctx) }

// Opener turns an endpoint into an open store; injectable for tests
type Opener func(ctx context.Context, ep Endpoint) (*store.Store, error)

// DynamicOptions configures NewDynamic
type DynamicOptions struct {
	// RefreshInterval between discovery passes; default 5m
	RefreshInterval time.Duration

	// Opener defaults to opening a pg-backed store over the endpoint URL
	Opener Opener

	MaxConns int32
	Log      logger.Logger
}

type dynEntry struct {
	url string
	st  *store.Store
}

// Dynamic discovers stores at runtime. New endpoints are opened, vanished
// ones torn down, and changed connection strings re-bound on refresh.
type Dynamic struct {
	disc    Discovery
	open    Opener
	refresh time.Duration
	log     logger.Logger

	mu      sync.RWMutex
	entries map[string]*dynEntry
}

// NewDynamic builds an empty dynamic provider; call Refresh or Run to
// populate it
func NewDynamic(disc Discovery, opts DynamicOptions) *Dynamic {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 5 * time.Minute
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = 4
	}
	if opts.Opener == nil {
		log := opts.Log
		maxConns := opts.MaxConns
		opts.Opener = func(ctx context.Context, ep Endpoint) (*store.Store, error) {
			return store.Open(ctx, store.Config{
				PG: store.PGConfig{Enabled: true, URL: ep.URL, MaxConns: maxConns},
			}, store.WithLogger(log))
		}
	}
	return &Dynamic{
		disc:    disc,
		open:    opts.Opener,
		refresh: opts.RefreshInterval,
		log:     opts.Log,
		entries: make(map[string]*dynEntry),
	}
}

// Refresh runs one discovery pass and reconciles the cached set
func (d *Dynamic) Refresh(ctx context.Context) error {
	eps, err := d.disc.Discover(ctx)
	if err != nil {
		return perr.Wrap(err, perr.ErrorCodeUnavailable, "store discovery failed")
	}

	seen := make(map[string]Endpoint, len(eps))
	for _, ep := range eps {
		if ep.ID == "" || ep.URL == "" {
			continue
		}
		seen[ep.ID] = ep
	}

	// open or re-bind outside the lock; swap in atomically below
	d.mu.RLock()
	var opens []Endpoint
	for id, ep := range seen {
		cur, ok := d.entries[id]
		if !ok || cur.url != ep.URL {
			opens = append(opens, ep)
		}
	}
	d.mu.RUnlock()

	opened := make(map[string]*dynEntry, len(opens))
	for _, ep := range opens {
		st, oerr := d.open(ctx, ep)
		if oerr != nil {
			d.log.Error().Err(oerr).Str("store_id", ep.ID).Msg("store open failed; keeping previous binding")
			continue
		}
		opened[ep.ID] = &dynEntry{url: ep.URL, st: st}
	}

	var stale []*dynEntry
	d.mu.Lock()
	for id, e := range d.entries {
		if _, keep := seen[id]; !keep {
			stale = append(stale, e)
			delete(d.entries, id)
		}
	}
	for id, e := range opened {
		if old, ok := d.entries[id]; ok {
			stale = append(stale, old)
		}
		d.entries[id] = e
	}
	d.mu.Unlock()

	for _, e := range stale {
		if cerr := e.st.Close(ctx); cerr != nil {
			d.log.Warn().Err(cerr).Msg("stale store close failed")
		}
	}
	return nil
}

// Run refreshes immediately and then on every interval until ctx ends
func (d *Dynamic) Run(ctx context.Context) error {
	if err := d.Refresh(ctx); err != nil {
		d.log.Warn().Err(err).Msg("initial store discovery failed")
	}
	t := time.NewTicker(d.refresh)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := d.Refresh(ctx); err != nil {
				d.log.Warn().Err(err).Msg("store discovery refresh failed")
			}
		}
	}
}

// All returns the current snapshot in stable ID order
func (d *Dynamic) All(ctx context.Context) []Handle {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Handle, 0, len(d.entries))
	for id, e := range d.entries {
		out = append(out, Handle{ID: id, DB: e.st.PG})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByKey returns the cached store for key or NotFound
func (d *Dynamic) ByKey(ctx context.Context, key string) (Handle, error) {
	d.mu.RLock()
	e, ok := d.entries[key]
	d.mu.RUnlock()
	if !ok {
		return Handle{}, perr.NotFoundf("provider: unknown store key %q", key)
	}
	return Handle{ID: key, DB: e.st.PG}, nil
}

// Close tears down every open store
func (d *Dynamic) Close(ctx context.Context) error {
	d.mu.Lock()
	entries := d.entries
	d.entries = make(map[string]*dynEntry)
	d.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := e.st.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return perr.Wrapf(errs[0], perr.ErrorCodeDB, "dynamic provider close: %d stores failed", len(errs))
	}
	return nil
}
