package provider

import (
	"sync"

	perr "conveyor/internal/platform/errors"
)

// Strategy decides which store a polling loop visits next. Implementations
// must be safe for concurrent use; callers hold no per-store lock while
// consulting one.
type Strategy interface {
	// Next picks from stores given the previous pick and how many rows it
	// yielded; ok is false when there is nothing to poll
	Next(stores []Handle, lastID string, lastCount int) (Handle, bool)
}

// RoundRobin cycles through the store list one batch at a time. The index
// wraps when the list shrinks between calls.
type RoundRobin struct {
	mu  sync.Mutex
	idx int
}

// Next returns the next store in rotation
func (r *RoundRobin) Next(stores []Handle, lastID string, lastCount int) (Handle, bool) {
	if len(stores) == 0 {
		return Handle{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.idx >= len(stores) {
		r.idx = 0
	}
	h := stores[r.idx]
	r.idx++
	return h, true
}

// DrainFirst stays on a store while it keeps yielding rows, then falls back
// to round-robin. Keeps latency low on a hot tenant without starving the
// rest forever, since an empty batch always advances.
type DrainFirst struct {
	rr RoundRobin
}

// Next re-picks the last store when it produced work, otherwise rotates
func (d *DrainFirst) Next(stores []Handle, lastID string, lastCount int) (Handle, bool) {
	if lastCount > 0 && lastID != "" {
		for _, h := range stores {
			if h.ID == lastID {
				return h, true
			}
		}
	}
	return d.rr.Next(stores, lastID, lastCount)
}

// Strategy names accepted by ByName
const (
	StrategyRoundRobin = "round-robin"
	StrategyDrainFirst = "drain-first"
)

// ByName maps a config value to a fresh strategy instance
func ByName(name string) (Strategy, error) {
	switch name {
	case "", StrategyRoundRobin:
		return &RoundRobin{}, nil
	case StrategyDrainFirst:
		return &DrainFirst{}, nil
	default:
		return nil, perr.Validationf("unknown selection strategy %q", name)
	}
}
