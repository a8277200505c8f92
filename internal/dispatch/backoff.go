package dispatch

import (
	"math/rand"
	"time"
)

// BackoffConfig shapes the retry delay curve for retryable publish failures.
type BackoffConfig struct {
	// Base is the delay after the first failed attempt.
	Base time.Duration
	// Cap bounds the exponential growth.
	Cap time.Duration
}

// DefaultBackoff returns the production retry curve: 30s, 1m, 2m, 4m, …
// capped at 15 minutes.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{Base: 30 * time.Second, Cap: 15 * time.Minute}
}

// nextAttemptAt computes the persisted next-eligible time after a retryable
// failure: base × 2^(attempt-1), capped, plus a small random jitter so
// simultaneously failing jobs do not stampede the same platform on the next
// scan. attempt is 1-based (the attempt that just failed).
//
// The result is stored on the job row rather than held in an in-process
// timer, so retry state survives process restarts.
func nextAttemptAt(now time.Time, attempt int, cfg BackoffConfig, rng *rand.Rand) time.Time {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.Base <= 0 {
		cfg.Base = 30 * time.Second
	}
	if cfg.Cap <= 0 {
		cfg.Cap = 15 * time.Minute
	}

	delay := cfg.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cfg.Cap {
			delay = cfg.Cap
			break
		}
	}

	// jitter in [0, min(base, delay/4))
	maxJitter := cfg.Base
	if q := delay / 4; q < maxJitter {
		maxJitter = q
	}
	var jitter time.Duration
	if maxJitter > 0 && rng != nil {
		jitter = time.Duration(rng.Int63n(int64(maxJitter)))
	}

	return now.Add(delay + jitter).UTC()
}
