// Package ratelimit implements the fixed-window dispatch rate limiter that
// protects external platform APIs from being hammered by the dispatch loop.
//
// Each (tenant, platform) pair owns a counter key scoped to the current
// window start. Admission is a single atomic increment: if the post-increment
// count is within the platform's budget the call is admitted, otherwise it is
// denied and the increment is intentionally left in place (the slight
// overcount self-corrects when the window key expires).
//
// This limiter is distinct from the HTTP edge limiter in internal/http:
// it is shared by all dispatch workers through the counter store, so
// horizontally scaled deployments enforce one global budget per pair.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-publish-backend/internal/counter"
	"github.com/tbourn/go-publish-backend/internal/domain"
)

// keyPrefix namespaces rate-window keys away from usage counters, which share
// the same store.
const keyPrefix = "rl"

// Limits maps each platform to its admission budget per window. Values track
// the published API limits of the respective platforms, scaled to one tenant.
type Limits map[domain.Platform]int64

// DefaultLimits returns per-window call budgets appropriate for each
// platform's public API tier.
func DefaultLimits() Limits {
	return Limits{
		domain.PlatformX:         15,
		domain.PlatformLinkedIn:  20,
		domain.PlatformInstagram: 10,
		domain.PlatformTikTok:    10,
		domain.PlatformReddit:    30,
		domain.PlatformFacebook:  20,
		domain.PlatformThreads:   15,
	}
}

// Limiter answers admit/deny per (tenant, platform) using fixed windows
// backed by the shared counter store.
type Limiter struct {
	store  counter.Store
	limits Limits
	window time.Duration
	grace  time.Duration

	// now is a seam for tests; defaults to time.Now.
	now func() time.Time
}

// New constructs a Limiter over the given store. A window <= 0 defaults to
// one minute. Platforms missing from limits fall back to the default budget.
func New(store counter.Store, limits Limits, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	if limits == nil {
		limits = DefaultLimits()
	}
	return &Limiter{
		store:  store,
		limits: limits,
		window: window,
		grace:  window, // keep expired windows around one extra window
		now:    time.Now,
	}
}

// Admit reports whether one more call for (tenantID, platform) fits in the
// current window.
//
// Counter-store failures fail open: an untracked publish is acceptable,
// stalling the whole dispatch loop on a cache outage is not.
func (l *Limiter) Admit(ctx context.Context, tenantID string, platform domain.Platform) bool {
	windowStart := l.now().UTC().Truncate(l.window)
	key := fmt.Sprintf("%s:%s:%s:%d", keyPrefix, tenantID, platform, windowStart.Unix())

	n, err := l.store.IncrBy(ctx, key, 1, l.window+l.grace)
	if err != nil {
		log.Warn().Err(err).
			Str("tenant_id", tenantID).
			Str("platform", string(platform)).
			Msg("rate limiter store unavailable, failing open")
		return true
	}
	return n <= l.limit(platform)
}

func (l *Limiter) limit(platform domain.Platform) int64 {
	if max, ok := l.limits[platform]; ok && max > 0 {
		return max
	}
	return 10
}
