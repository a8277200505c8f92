// Package quota implements the plan-aware usage-quota service consulted by
// both the scheduling API and the dispatch loop.
//
// Usage is tracked per (tenant, metric, billing period) on the shared counter
// store, under the "uc:" namespace (disjoint from the rate limiter's "rl:").
// Enforcement is two-phase: CheckAndReserve atomically increments before the
// expensive work happens, Commit finalizes the reservation after success, and
// Release decrements it on failure paths so failed publishes are never
// charged. The reserve step is a real increment, not a read, so two
// concurrent requests can never both pass against stale remaining-quota.
//
// Counter entries expire a little after their billing period ends; the
// authoritative usage ledger lives outside this service and reconciles
// against committed values.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-publish-backend/internal/counter"
)

// keyPrefix namespaces usage counters away from rate windows.
const keyPrefix = "uc"

// Metric names a billable unit of work.
type Metric string

const (
	// MetricPublish counts successful post publications.
	MetricPublish Metric = "publish"
	// MetricGeneration counts content-generation requests.
	MetricGeneration Metric = "generation"
)

// PlanSource exposes a tenant's plan-defined limits per metric. Implemented
// by the billing/plan subsystem; a limit of 0 means the metric is not
// included in the plan.
type PlanSource interface {
	PlanLimits(ctx context.Context, tenantID string) (map[Metric]int64, error)
}

// PeriodResolver maps (tenant, instant) to the tenant's current billing
// period. Period IDs roll over at period boundaries, which implicitly resets
// usage counters by moving them to a fresh key.
type PeriodResolver interface {
	CurrentPeriod(ctx context.Context, tenantID string, now time.Time) (Period, error)
}

// Period identifies one billing period of a tenant.
type Period struct {
	ID  string
	End time.Time
}

// Decision is the outcome of a quota check, with the numbers callers surface
// to users on denial. PeriodID records the billing period the decision was
// made in; a caller releasing a reservation passes it back so the release
// lands on the key the reserve incremented even across a period rollover.
type Decision struct {
	Allowed   bool  `json:"allowed"`
	Current   int64 `json:"current"`
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`

	PeriodID string `json:"-"`
}

// Usage reports a tenant's consumption for UI display and feature gating.
type Usage struct {
	Metrics   map[Metric]MetricUsage `json:"metrics"`
	PeriodEnd time.Time              `json:"period_end"`
}

// MetricUsage is the per-metric slice of a Usage report.
type MetricUsage struct {
	Used      int64 `json:"used"`
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
}

var committedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "quota_committed_total",
		Help: "Usage amounts committed after successful operations, by metric.",
	},
	[]string{"metric"},
)

func init() {
	prometheus.MustRegister(committedTotal)
}

// Service answers quota questions against the shared counter store.
type Service struct {
	store   counter.Store
	plans   PlanSource
	periods PeriodResolver

	// grace keeps expired period counters readable for late reconciliation.
	grace time.Duration
	now   func() time.Time
}

// New constructs a quota Service. The store handle is explicit: no ambient
// globals, so tests can substitute an isolated backend.
func New(store counter.Store, plans PlanSource, periods PeriodResolver) *Service {
	return &Service{
		store:   store,
		plans:   plans,
		periods: periods,
		grace:   72 * time.Hour,
		now:     time.Now,
	}
}

// CheckAndReserve atomically reserves amount against the tenant's limit for
// metric in the current billing period. When the reservation would exceed the
// limit it is rolled back and the decision is a deny carrying current/limit/
// remaining for the caller to surface.
//
// Store or plan lookup failures fail closed (deny): an occasional untracked
// publish is acceptable, untracked overage billing is not.
func (s *Service) CheckAndReserve(ctx context.Context, tenantID string, metric Metric, amount int64) (Decision, error) {
	limit, period, err := s.resolve(ctx, tenantID, metric)
	if err != nil {
		return Decision{}, err
	}

	key := s.key(tenantID, metric, period.ID)
	ttl := period.End.Sub(s.now()) + s.grace
	cur, err := s.store.IncrBy(ctx, key, amount, ttl)
	if err != nil {
		log.Error().Err(err).
			Str("tenant_id", tenantID).
			Str("metric", string(metric)).
			Msg("quota store unavailable, failing closed")
		return Decision{}, err
	}

	if cur > limit {
		// Roll the reservation back so the deny does not consume quota.
		if _, derr := s.store.DecrBy(ctx, key, amount); derr != nil {
			log.Warn().Err(derr).Str("key", key).Msg("quota rollback failed")
		}
		prev := cur - amount
		return Decision{Allowed: false, Current: prev, Limit: limit, Remaining: remaining(limit, prev), PeriodID: period.ID}, nil
	}
	return Decision{Allowed: true, Current: cur, Limit: limit, Remaining: limit - cur, PeriodID: period.ID}, nil
}

// Commit finalizes a reservation after the corresponding operation succeeded.
// The counter already holds the reserved amount, so commitment is an
// accounting event, not another increment.
func (s *Service) Commit(ctx context.Context, tenantID string, metric Metric, amount int64) {
	committedTotal.WithLabelValues(string(metric)).Add(float64(amount))
	log.Debug().
		Str("tenant_id", tenantID).
		Str("metric", string(metric)).
		Int64("amount", amount).
		Msg("quota committed")
}

// Release un-reserves amount after a failure that followed a successful
// CheckAndReserve, so the failed operation is not charged. periodID is the
// PeriodID of the reserving Decision: releasing against the reserve-time
// period keeps a release that straddles a period rollover from driving the
// fresh period's counter negative. An empty periodID falls back to the
// current period.
func (s *Service) Release(ctx context.Context, tenantID string, metric Metric, amount int64, periodID string) error {
	if periodID == "" {
		period, err := s.periods.CurrentPeriod(ctx, tenantID, s.now())
		if err != nil {
			return err
		}
		periodID = period.ID
	}
	_, err := s.store.DecrBy(ctx, s.key(tenantID, metric, periodID), amount)
	if err != nil {
		log.Warn().Err(err).
			Str("tenant_id", tenantID).
			Str("metric", string(metric)).
			Msg("quota release failed")
	}
	return err
}

// Check answers a read-only remaining-quota query. Used for the soft check at
// schedule time; the hard check happens again at dispatch time via
// CheckAndReserve.
func (s *Service) Check(ctx context.Context, tenantID string, metric Metric) (Decision, error) {
	limit, period, err := s.resolve(ctx, tenantID, metric)
	if err != nil {
		return Decision{}, err
	}
	cur, err := s.store.Get(ctx, s.key(tenantID, metric, period.ID))
	if err != nil {
		return Decision{}, err
	}
	rem := remaining(limit, cur)
	return Decision{Allowed: rem > 0, Current: cur, Limit: limit, Remaining: rem, PeriodID: period.ID}, nil
}

// GetUsage returns usage and limits across all plan metrics for the tenant's
// current billing period.
func (s *Service) GetUsage(ctx context.Context, tenantID string) (Usage, error) {
	limits, err := s.plans.PlanLimits(ctx, tenantID)
	if err != nil {
		return Usage{}, err
	}
	period, err := s.periods.CurrentPeriod(ctx, tenantID, s.now())
	if err != nil {
		return Usage{}, err
	}

	out := Usage{Metrics: make(map[Metric]MetricUsage, len(limits)), PeriodEnd: period.End}
	for metric, limit := range limits {
		used, err := s.store.Get(ctx, s.key(tenantID, metric, period.ID))
		if err != nil {
			return Usage{}, err
		}
		out.Metrics[metric] = MetricUsage{Used: used, Limit: limit, Remaining: remaining(limit, used)}
	}
	return out, nil
}

func (s *Service) resolve(ctx context.Context, tenantID string, metric Metric) (int64, Period, error) {
	limits, err := s.plans.PlanLimits(ctx, tenantID)
	if err != nil {
		return 0, Period{}, err
	}
	period, err := s.periods.CurrentPeriod(ctx, tenantID, s.now())
	if err != nil {
		return 0, Period{}, err
	}
	return limits[metric], period, nil
}

func (s *Service) key(tenantID string, metric Metric, periodID string) string {
	return fmt.Sprintf("%s:%s:%s:%s", keyPrefix, tenantID, metric, periodID)
}

func remaining(limit, used int64) int64 {
	if used >= limit {
		return 0
	}
	return limit - used
}
