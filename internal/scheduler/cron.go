package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts five-field expressions, descriptors such as @daily and
// @every 5m, and a CRON_TZ= or TZ= prefix.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron parses a cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	if expr == "" {
		return nil, fmt.Errorf("%w: empty cron expression", ErrInvalidSchedule)
	}
	s, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, expr, err)
	}
	return s, nil
}

// NextCron returns the first activation of expr strictly after t.
func NextCron(expr string, t time.Time) (time.Time, error) {
	s, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(t), nil
}
