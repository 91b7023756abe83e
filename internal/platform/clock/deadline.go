package clock

import "time"

// Deadline is a point on the monotonic timeline
// the zero value means "no deadline" and never expires
type Deadline struct {
	at  time.Duration
	set bool
}

// After builds a Deadline d from now on the given monotonic clock
func After(m Mono, d time.Duration) Deadline {
	return Deadline{at: m.Elapsed() + d, set: true}
}

// IsZero reports whether the deadline was never set
func (dl Deadline) IsZero() bool { return !dl.set }

// Expired reports whether the deadline has passed on m
func (dl Deadline) Expired(m Mono) bool {
	if !dl.set {
		return false
	}
	return m.Elapsed() >= dl.at
}

// Remaining returns the time left on m, clamped at zero
func (dl Deadline) Remaining(m Mono) time.Duration {
	if !dl.set {
		return 0
	}
	left := dl.at - m.Elapsed()
	if left < 0 {
		return 0
	}
	return left
}

// Extend returns a new Deadline pushed d further out
func (dl Deadline) Extend(d time.Duration) Deadline {
	if !dl.set {
		return dl
	}
	return Deadline{at: dl.at + d, set: true}
}
