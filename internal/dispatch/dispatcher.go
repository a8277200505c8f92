// Package dispatch runs the recurring scan that moves due publish jobs
// through their state machine: claim, rate/quota admission, the external
// platform call, and the resulting transition.
//
// Any number of dispatcher instances may scan the same job table. Safety
// comes from the storage layer's conditional claim, not from coordination
// between workers: each transition re-checks the job's status in its WHERE
// clause, so exactly one worker wins each attempt and the rest observe a
// lost claim and move on.
//
// Within one scan, jobs are dispatched concurrently up to a configurable
// cap; a slow platform call never blocks admission of the next job. Each
// publish call carries a hard timeout, and a worker crash between claim and
// result is recovered by the stale-reclaim path on a later scan.
package dispatch

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-publish-backend/internal/domain"
	"github.com/tbourn/go-publish-backend/internal/publisher"
	"github.com/tbourn/go-publish-backend/internal/quota"
	"github.com/tbourn/go-publish-backend/internal/ratelimit"
	"github.com/tbourn/go-publish-backend/internal/repo"
)

// ContentSource provides read-only access to a content piece's rendered
// body, hashtags, and media references. Implemented by the content
// subsystem; looked up per dispatch attempt so edits land in retries.
type ContentSource interface {
	GetContentPiece(ctx context.Context, contentPieceID string) (*domain.ContentPiece, error)
}

// AccountSource provides read-only access to connected destination accounts.
type AccountSource interface {
	GetAccount(ctx context.Context, accountID string) (*domain.ConnectedAccount, error)
}

// Config carries the dispatcher's tuning knobs; zero values fall back to
// production defaults in New.
type Config struct {
	// ScanInterval is the period between scans.
	ScanInterval time.Duration
	// BatchSize caps how many due jobs one scan picks up.
	BatchSize int
	// Concurrency caps simultaneous publish calls per scan.
	Concurrency int
	// CallTimeout is the hard per-publish-call deadline.
	CallTimeout time.Duration
	// StaleAfter is how long a job may sit in PUBLISHING before a scan may
	// reclaim it (worker presumed dead). Keep it well above CallTimeout.
	StaleAfter time.Duration
	// Backoff shapes retry delays.
	Backoff BackoffConfig
}

// Dispatcher owns the scan loop.
type Dispatcher struct {
	db         *gorm.DB
	limiter    *ratelimit.Limiter
	quota      *quota.Service
	publishers publisher.Registry
	content    ContentSource
	accounts   AccountSource
	cfg        Config

	cron *cron.Cron
	lg   zerolog.Logger

	mu  sync.Mutex
	rng *rand.Rand

	// now is a seam for tests; defaults to time.Now.
	now func() time.Time
}

// New wires a Dispatcher. All collaborators are explicit handles: no ambient
// globals, so tests can assemble the loop against fakes and an isolated
// store.
func New(db *gorm.DB, limiter *ratelimit.Limiter, qs *quota.Service, pubs publisher.Registry, content ContentSource, accounts AccountSource, cfg Config) *Dispatcher {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * cfg.CallTimeout
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	return &Dispatcher{
		db:         db,
		limiter:    limiter,
		quota:      qs,
		publishers: pubs,
		content:    content,
		accounts:   accounts,
		cfg:        cfg,
		lg:         log.With().Str("component", "dispatcher").Logger(),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		now:        time.Now,
	}
}

// Start launches the recurring scan. Overlapping runs are skipped rather
// than stacked: a scan that outlives the interval delays the next one.
func (d *Dispatcher) Start() error {
	d.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))
	_, err := d.cron.AddFunc("@every "+d.cfg.ScanInterval.String(), func() {
		if err := d.RunOnce(context.Background()); err != nil {
			d.lg.Error().Err(err).Msg("scan failed")
		}
	})
	if err != nil {
		return err
	}
	d.cron.Start()
	d.lg.Info().Dur("interval", d.cfg.ScanInterval).Msg("dispatch loop started")
	return nil
}

// Stop halts scheduling and waits for in-flight scans to finish.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if d.cron == nil {
		return nil
	}
	done := d.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes a single scan cycle: select due jobs (oldest scheduled_at
// first), dispatch them concurrently up to the configured cap, and wait for
// the batch to settle. Exported so tests and operational tooling can drive
// the loop deterministically.
func (d *Dispatcher) RunOnce(ctx context.Context) error {
	tr := otel.Tracer("dispatch/Dispatcher")
	ctx, span := tr.Start(ctx, "RunOnce")
	defer span.End()

	start := d.now()
	defer func() { scanDuration.Observe(d.now().Sub(start).Seconds()) }()

	now := d.now().UTC()
	d.refreshTableGauges(ctx, now)

	staleBefore := now.Add(-d.cfg.StaleAfter)
	jobs, err := repo.ListDuePublishJobs(ctx, d.db, now, staleBefore, d.cfg.BatchSize)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("jobs.due", len(jobs)))
	if len(jobs) == 0 {
		return nil
	}

	sem := make(chan struct{}, d.cfg.Concurrency)
	var wg sync.WaitGroup
	for i := range jobs {
		job := jobs[i]
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() { <-sem; wg.Done() }()
			d.process(ctx, job, staleBefore)
		}()
	}
	wg.Wait()
	return nil
}

// refreshTableGauges updates the job-table gauges. Failures only cost
// visibility, so they are logged and swallowed.
func (d *Dispatcher) refreshTableGauges(ctx context.Context, now time.Time) {
	counts, err := repo.JobStatusCounts(ctx, d.db)
	if err != nil {
		d.lg.Warn().Err(err).Msg("job status counts failed")
		return
	}
	for _, st := range []domain.JobStatus{
		domain.StatusScheduled, domain.StatusPublishing, domain.StatusRetrying,
		domain.StatusPublished, domain.StatusFailed, domain.StatusCancelled,
	} {
		jobsByStatus.WithLabelValues(string(st)).Set(float64(counts[st]))
	}

	age, err := repo.OldestDueAge(ctx, d.db, now)
	if err != nil {
		d.lg.Warn().Err(err).Msg("oldest due age failed")
		return
	}
	oldestDueAge.Set(age.Seconds())
}

// process runs the full admission pipeline and publish attempt for one job.
func (d *Dispatcher) process(ctx context.Context, job domain.PublishJob, staleBefore time.Time) {
	tr := otel.Tracer("dispatch/Dispatcher")
	ctx, span := tr.Start(ctx, "process",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.platform", string(job.Platform)),
		),
	)
	defer span.End()

	lg := d.lg.With().
		Str("job_id", job.ID).
		Str("tenant_id", job.TenantID).
		Str("platform", string(job.Platform)).
		Logger()

	// A stale row with no attempts left cannot be reclaimed; mark it failed
	// before admission so it stops surfacing on every scan.
	if job.Status == domain.StatusPublishing && job.AttemptCount >= job.MaxAttempts {
		failed, err := repo.FailExhaustedStaleJob(ctx, d.db, job.ID, staleBefore)
		if err != nil {
			lg.Error().Err(err).Msg("fail exhausted stale job failed")
			return
		}
		if failed {
			lg.Warn().Int("attempt", job.AttemptCount).Msg("stale job with attempts exhausted, marked failed")
		}
		return
	}

	// Rate limiting is internal flow control: a denied job just waits for
	// the next scan, with no attempt-count cost.
	if !d.limiter.Admit(ctx, job.TenantID, job.Platform) {
		jobsSkipped.WithLabelValues("rate_limited").Inc()
		lg.Debug().Msg("rate limited, deferring to next scan")
		return
	}

	// Reserve quota before the expensive work; released again on every
	// path that does not end in a successful publish.
	decision, err := d.quota.CheckAndReserve(ctx, job.TenantID, quota.MetricPublish, 1)
	if err != nil {
		jobsSkipped.WithLabelValues("quota_error").Inc()
		return
	}
	if !decision.Allowed {
		jobsSkipped.WithLabelValues("quota_denied").Inc()
		lg.Debug().Int64("limit", decision.Limit).Msg("publish quota exhausted, deferring")
		return
	}

	claimed, stale, err := d.claim(ctx, &job, staleBefore)
	if err != nil || !claimed {
		if err != nil {
			lg.Error().Err(err).Msg("claim failed")
		} else {
			jobsSkipped.WithLabelValues("claim_lost").Inc()
		}
		d.release(ctx, job.TenantID, decision.PeriodID)
		return
	}
	if stale {
		staleReclaims.Inc()
		lg.Warn().Int("attempt", job.AttemptCount).Msg("reclaimed stale publishing job")
	}

	d.attempt(ctx, &job, decision.PeriodID, lg)
}

// claim advances the job into PUBLISHING via the appropriate conditional
// write and mirrors the increment onto the local copy. stale reports whether
// the stale-reclaim path was used.
func (d *Dispatcher) claim(ctx context.Context, job *domain.PublishJob, staleBefore time.Time) (claimed, stale bool, err error) {
	now := d.now()
	if job.Status == domain.StatusPublishing {
		claimed, err = repo.ReclaimStalePublishJob(ctx, d.db, job.ID, staleBefore, now)
		stale = true
	} else {
		claimed, err = repo.ClaimPublishJob(ctx, d.db, job.ID, now)
	}
	if claimed {
		job.AttemptCount++
	}
	return claimed, stale && claimed, err
}

// attempt resolves collaborator data, performs the platform call under the
// hard timeout, and applies the resulting transition. periodID is the billing
// period the quota reservation was made in.
func (d *Dispatcher) attempt(ctx context.Context, job *domain.PublishJob, periodID string, lg zerolog.Logger) {
	account, err := d.accounts.GetAccount(ctx, job.DestinationAccountID)
	if err != nil {
		d.handleResult(ctx, job, periodID, publisher.Retryable("account lookup failed: "+err.Error()), lg)
		return
	}
	if account == nil || !account.Valid {
		d.handleResult(ctx, job, periodID, publisher.Permanent("destination account disconnected"), lg)
		return
	}
	content, err := d.content.GetContentPiece(ctx, job.ContentPieceID)
	if err != nil {
		d.handleResult(ctx, job, periodID, publisher.Retryable("content lookup failed: "+err.Error()), lg)
		return
	}

	pub := d.publishers.For(job.Platform)
	if pub == nil {
		d.handleResult(ctx, job, periodID, publisher.Permanent("no adapter for platform "+string(job.Platform)), lg)
		return
	}

	inflight.Inc()
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	res := pub.Publish(callCtx, publisher.Request{
		Content:        *content,
		Account:        *account,
		IdempotencyKey: job.IdempotencyKey,
	})
	cancel()
	inflight.Dec()

	d.handleResult(ctx, job, periodID, res, lg)
}

// handleResult applies one publish outcome to the job row and the quota
// reservation. The adapter boundary guarantees res is one of exactly three
// outcomes; nothing else reaches this switch.
func (d *Dispatcher) handleResult(ctx context.Context, job *domain.PublishJob, periodID string, res publisher.Result, lg zerolog.Logger) {
	publishAttempts.WithLabelValues(string(job.Platform), res.Outcome.String()).Inc()

	switch res.Outcome {
	case publisher.OutcomeSuccess:
		if err := repo.MarkPublished(ctx, d.db, job.ID, res.PostID, res.URL, d.now()); err != nil {
			lg.Error().Err(err).Msg("mark published failed")
			return
		}
		d.quota.Commit(ctx, job.TenantID, quota.MetricPublish, 1)
		lg.Info().
			Int("attempt", job.AttemptCount).
			Str("platform_post_id", res.PostID).
			Msg("published")

	case publisher.OutcomeRetryable:
		d.release(ctx, job.TenantID, periodID)
		if job.AttemptCount >= job.MaxAttempts {
			if err := repo.MarkFailed(ctx, d.db, job.ID, res.Reason); err != nil {
				lg.Error().Err(err).Msg("mark failed failed")
				return
			}
			lg.Warn().Int("attempt", job.AttemptCount).Str("reason", res.Reason).Msg("attempts exhausted, job failed")
			return
		}
		next := d.nextAttemptAt(job.AttemptCount)
		if err := repo.MarkRetrying(ctx, d.db, job.ID, next, res.Reason); err != nil {
			lg.Error().Err(err).Msg("mark retrying failed")
			return
		}
		lg.Warn().
			Int("attempt", job.AttemptCount).
			Time("next_attempt_at", next).
			Str("reason", res.Reason).
			Msg("retryable failure, backing off")

	case publisher.OutcomePermanent:
		d.release(ctx, job.TenantID, periodID)
		if err := repo.MarkFailed(ctx, d.db, job.ID, res.Reason); err != nil {
			lg.Error().Err(err).Msg("mark failed failed")
			return
		}
		lg.Warn().Int("attempt", job.AttemptCount).Str("reason", res.Reason).Msg("permanent failure, job failed")
	}
}

func (d *Dispatcher) release(ctx context.Context, tenantID, periodID string) {
	_ = d.quota.Release(ctx, tenantID, quota.MetricPublish, 1, periodID)
}

func (d *Dispatcher) nextAttemptAt(attempt int) time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return nextAttemptAt(d.now(), attempt, d.cfg.Backoff, d.rng)
}
