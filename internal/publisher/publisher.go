// Package publisher contains the per-platform publish adapters.
//
// Each supported platform is one variant of a closed set implementing the
// Publisher interface. An adapter owns three responsibilities: mapping the
// rendered content piece into the platform's payload shape, attaching the
// job's idempotency key through whatever mechanism the platform exposes
// (native idempotency header, client-generated dedupe id in the body, or a
// pre-check-then-create call), and classifying the platform's response into
// the engine's three-way result vocabulary.
//
// The classification boundary is strict: no raw transport error ever escapes
// an adapter. The dispatch loop only sees Success, RetryableFailure, or
// PermanentFailure.
package publisher

import (
	"context"
	"net/http"
	"time"

	"github.com/tbourn/go-publish-backend/internal/domain"
)

// Outcome is the three-way classification of a publish attempt.
type Outcome int

const (
	// OutcomeSuccess: the post is live; PostID and URL are set.
	OutcomeSuccess Outcome = iota
	// OutcomeRetryable: transient failure (timeout, 5xx, throttling); the
	// dispatch loop schedules a backoff retry.
	OutcomeRetryable
	// OutcomePermanent: the attempt can never succeed (revoked auth,
	// rejected content, deleted destination); the job terminates.
	OutcomePermanent
)

// String returns the outcome name used in logs and metrics labels.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	default:
		return "permanent"
	}
}

// Result is what an adapter reports back to the dispatch loop.
type Result struct {
	Outcome Outcome
	PostID  string
	URL     string
	Reason  string
}

// Success builds a successful result carrying the platform's post identity.
func Success(postID, url string) Result {
	return Result{Outcome: OutcomeSuccess, PostID: postID, URL: url}
}

// Retryable builds a transient-failure result.
func Retryable(reason string) Result {
	return Result{Outcome: OutcomeRetryable, Reason: reason}
}

// Permanent builds a terminal-failure result.
func Permanent(reason string) Result {
	return Result{Outcome: OutcomePermanent, Reason: reason}
}

// Request carries one publish attempt into an adapter. IdempotencyKey is the
// job's key, identical on every retry of the same logical publish. Account
// validity is checked by the dispatch loop before the adapter is invoked.
type Request struct {
	Content        domain.ContentPiece
	Account        domain.ConnectedAccount
	IdempotencyKey string
}

// Publisher is the capability each platform variant implements.
type Publisher interface {
	// Platform names the variant.
	Platform() domain.Platform
	// Publish performs the external call and classifies the response.
	// Implementations honor ctx for the hard per-call timeout.
	Publish(ctx context.Context, req Request) Result
}

// Registry holds the closed set of adapters keyed by platform.
type Registry map[domain.Platform]Publisher

// For returns the adapter for platform, or nil when the platform is unknown
// (which the dispatch loop treats as a permanent failure).
func (r Registry) For(platform domain.Platform) Publisher {
	return r[platform]
}

// NewRegistry builds the full adapter set against the given API base URLs.
// Base URLs are injectable so tests can point adapters at a local server;
// production wiring uses DefaultBaseURLs.
func NewRegistry(client *http.Client, bases BaseURLs) Registry {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	rc := &restClient{http: client}
	return Registry{
		domain.PlatformX:         &xPublisher{rest: rc, base: bases.X},
		domain.PlatformLinkedIn:  &linkedInPublisher{rest: rc, base: bases.LinkedIn},
		domain.PlatformInstagram: &instagramPublisher{rest: rc, base: bases.Instagram},
		domain.PlatformTikTok:    &tikTokPublisher{rest: rc, base: bases.TikTok},
		domain.PlatformReddit:    &redditPublisher{rest: rc, base: bases.Reddit},
		domain.PlatformFacebook:  &facebookPublisher{rest: rc, base: bases.Facebook},
		domain.PlatformThreads:   &threadsPublisher{rest: rc, base: bases.Threads},
	}
}

// BaseURLs configures where each adapter sends its API calls.
type BaseURLs struct {
	X, LinkedIn, Instagram, TikTok, Reddit, Facebook, Threads string
}

// DefaultBaseURLs returns the production API endpoints.
func DefaultBaseURLs() BaseURLs {
	return BaseURLs{
		X:         "https://api.x.com/2",
		LinkedIn:  "https://api.linkedin.com/v2",
		Instagram: "https://graph.instagram.com/v19.0",
		TikTok:    "https://open.tiktokapis.com/v2",
		Reddit:    "https://oauth.reddit.com/api",
		Facebook:  "https://graph.facebook.com/v19.0",
		Threads:   "https://graph.threads.net/v1.0",
	}
}
