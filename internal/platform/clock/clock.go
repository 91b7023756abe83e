// Package clock separates wall-clock time (persisted values) from
// monotonic time (timeouts, retry delays, renewal schedules)
package clock

import "time"

// Wall produces UTC timestamps for database fields and business scheduling
// it is injectable so tests can pin or advance time
type Wall interface {
	Now() time.Time
}

// Mono returns a non-decreasing duration reference since an arbitrary origin
// never persist these values; they do not survive a process restart
type Mono interface {
	Elapsed() time.Duration
}

// WallFunc adapts a function to Wall
type WallFunc func() time.Time

// Now calls the underlying function and normalizes to UTC
func (f WallFunc) Now() time.Time { return f().UTC() }

// MonoFunc adapts a function to Mono
type MonoFunc func() time.Duration

// Elapsed calls the underlying function
func (f MonoFunc) Elapsed() time.Duration { return f() }

// System returns the process wall clock (time.Now in UTC)
func System() Wall { return WallFunc(time.Now) }

// monoOrigin anchors the process monotonic reference
// time.Since uses the monotonic reading embedded in the anchor, so the
// result does not move under NTP steps or VM pauses of the wall clock
var monoOrigin = time.Now()

// SystemMono returns the process monotonic clock
func SystemMono() Mono {
	return MonoFunc(func() time.Duration { return time.Since(monoOrigin) })
}

// Fixed returns a Wall pinned at t; useful in tests
func Fixed(t time.Time) Wall {
	u := t.UTC()
	return WallFunc(func() time.Time { return u })
}

// Stepper is a manually advanced clock implementing both Wall and Mono
type Stepper struct {
	wall time.Time
	mono time.Duration
}

// NewStepper starts a stepper at the given wall time with zero elapsed
func NewStepper(start time.Time) *Stepper {
	return &Stepper{wall: start.UTC()}
}

// Now returns the current simulated wall time
func (s *Stepper) Now() time.Time { return s.wall }

// Elapsed returns the current simulated monotonic reading
func (s *Stepper) Elapsed() time.Duration { return s.mono }

// Advance moves both clocks forward by d
func (s *Stepper) Advance(d time.Duration) {
	s.wall = s.wall.Add(d)
	s.mono += d
}

// JumpWall moves only the wall clock, simulating an NTP step or DST shift
// the monotonic reading is unaffected
func (s *Stepper) JumpWall(d time.Duration) { s.wall = s.wall.Add(d) }
