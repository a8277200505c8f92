package quota

import (
	"context"
	"time"
)

// StaticPlans is a PlanSource that applies the same limits to every tenant.
// Deployments without a billing subsystem configure it from the environment;
// tests use it for deterministic limits.
type StaticPlans map[Metric]int64

// PlanLimits returns the fixed limits regardless of tenant.
func (p StaticPlans) PlanLimits(_ context.Context, _ string) (map[Metric]int64, error) {
	out := make(map[Metric]int64, len(p))
	for m, v := range p {
		out[m] = v
	}
	return out, nil
}

// CalendarMonths resolves billing periods to UTC calendar months, so usage
// counters roll over at midnight UTC on the first of each month.
type CalendarMonths struct{}

// CurrentPeriod returns the calendar month containing now.
func (CalendarMonths) CurrentPeriod(_ context.Context, _ string, now time.Time) (Period, error) {
	t := now.UTC()
	return Period{
		ID:  t.Format("2006-01"),
		End: time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0),
	}, nil
}
