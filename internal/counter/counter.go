// Package counter provides the shared atomically-incrementable counter store
// used by both the rate limiter and the quota service. Entries are ephemeral
// by design: every key carries an expiry and the store is never the system of
// record for billing.
//
// The two consumers operate under disjoint key namespaces ("rl:" for rate
// windows, "uc:" for usage counters), so a single backend can serve both
// without coordination.
package counter

import (
	"context"
	"time"
)

// Store is the atomic counter contract shared by the rate limiter and the
// quota service. Implementations must make IncrBy atomic with respect to
// concurrent callers of the same key and must apply ttl on first increment
// so entries self-expire.
type Store interface {
	// IncrBy atomically adds delta to key and returns the post-increment
	// value. The ttl is applied when the key has no expiry yet; subsequent
	// increments never shorten an existing expiry.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// DecrBy atomically subtracts delta from key and returns the resulting
	// value. Decrementing a missing key yields a negative value; callers
	// that un-reserve are expected to have incremented first.
	DecrBy(ctx context.Context, key string, delta int64) (int64, error)

	// Get returns the current value of key, or 0 when the key is absent
	// or expired.
	Get(ctx context.Context, key string) (int64, error)
}
