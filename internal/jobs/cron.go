package jobs

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// NextFireTime computes the next fire time for a cron expression after
// refTime in the given timezone (empty means UTC). The scheduler treats
// this as a pure function; there is no stateful cron engine.
func NextFireTime(cronExpr, tz string, refTime time.Time) (time.Time, error) {
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}

	gron := gronx.New()
	if !gron.IsValid(cronExpr) {
		return time.Time{}, fmt.Errorf("invalid cron expression %q", cronExpr)
	}

	next, err := gronx.NextTickAfter(cronExpr, refTime.In(loc), false)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to compute next tick for %q: %w", cronExpr, err)
	}
	return next.UTC(), nil
}

// ValidCron reports whether expr parses as a cron expression.
func ValidCron(expr string) bool {
	return gronx.New().IsValid(expr)
}
