package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"

	perr "conveyor/internal/platform/errors"
)

// six-field seconds-granularity cron, interpreted in UTC
var cronParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ParseCron validates a six-field cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	s, err := cronParser.Parse(expr)
	if err != nil {
		return nil, perr.Validationf("cron %q: %v", expr, err)
	}
	return s, nil
}

// maxCatchUp bounds how many missed fires a single tick materializes for one
// job; anything beyond waits for the next tick
const maxCatchUp = 512

// dueTimes returns every fire strictly after last and not after now, in
// order. Coalesce suppresses a backlog to its latest fire.
func dueTimes(s cron.Schedule, last, now time.Time, coalesce bool) []time.Time {
	var out []time.Time
	t := s.Next(last.UTC())
	for !t.After(now) {
		out = append(out, t)
		if len(out) >= maxCatchUp {
			break
		}
		t = s.Next(t)
	}
	if coalesce && len(out) > 1 {
		out = out[len(out)-1:]
	}
	return out
}
