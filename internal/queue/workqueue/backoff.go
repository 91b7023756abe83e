package workqueue

import (
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays: exponential from Base, doubling per
// attempt, capped at Cap, spread by +-Jitter fraction
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64
}

// DefaultBackoff is the 1s..60s +-10% schedule
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Cap: 60 * time.Second, Jitter: 0.10}
}

// Delay returns the wait before retry number attempt (0-based: the delay
// applied after the first failure is Delay(0))
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	ceil := b.Cap
	if ceil <= 0 {
		ceil = 60 * time.Second
	}
	if attempt < 0 {
		attempt = 0
	}

	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= ceil {
			d = ceil
			break
		}
	}
	if d > ceil {
		d = ceil
	}

	if b.Jitter > 0 {
		spread := (rand.Float64()*2 - 1) * b.Jitter // [-jitter, +jitter)
		d = time.Duration(float64(d) * (1 + spread))
	}
	if d < 0 {
		d = 0
	}
	return d
}

// JoinRetryDelay is the short fixed delay used when a fan-in join is not
// ready yet: 2s * (attempt mod 10) plus up to 1s of jitter
func JoinRetryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return 2*time.Second*time.Duration(attempt%10) + time.Duration(rand.Float64()*float64(time.Second))
}
