package cron

import (
	"fmt"
	"time"

	cronv3 "github.com/robfig/cron/v3"
)

// parser accepts the standard 5-field cron form
var parser = cronv3.NewParser(
	cronv3.Minute | cronv3.Hour | cronv3.Dom | cronv3.Month | cronv3.Dow,
)

// NextRun computes the next instant after "after" matching the
// expression in the given timezone. DST gaps and overlaps resolve to
// the library's next valid instant. A zero time with an error means the
// expression yields no future instant.
func NextRun(expression, timezone string, after time.Time) (time.Time, error) {
	sched, err := parser.Parse(expression)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expression, err)
	}

	loc := time.UTC
	if timezone != "" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timezone %q: %w", timezone, err)
		}
	}

	next := sched.Next(after.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("expression %q has no next instant after %s", expression, after)
	}
	return next, nil
}
