// Package services – PublishService
//
// This file implements the PublishService, which owns the synchronous side of
// the publishing engine: scheduling new publish jobs, cancelling pending ones,
// and answering status, listing, and usage queries. It validates scheduling
// input, resolves the destination account to its platform, and performs the
// soft quota check whose hard counterpart runs again at dispatch time.
//
// Service-level errors (e.g., ErrJobNotFound, QuotaExceededError) are returned
// for predictable cases so handlers can map them to HTTP results consistently.
//
// Observability: all public methods are OpenTelemetry-instrumented; spans
// include tenant/job identifiers and pagination parameters where applicable.
package services

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-publish-backend/internal/domain"
	"github.com/tbourn/go-publish-backend/internal/quota"
	"github.com/tbourn/go-publish-backend/internal/repo"
)

// JobRepo defines the repository contract required by PublishService.
// Implementations are responsible for persistence of publish-job records.
type JobRepo interface {
	// CreatePublishJob inserts a new job row in the scheduled state. An empty
	// idempotencyKey means generate one.
	CreatePublishJob(ctx context.Context, db *gorm.DB, tenantID, contentPieceID, accountID string, platform domain.Platform, scheduledAt time.Time, maxAttempts int, idempotencyKey string) (*domain.PublishJob, error)

	// FindJobByIdempotencyKey returns the job created under a client key for
	// the account, or repo.ErrNotFound.
	FindJobByIdempotencyKey(ctx context.Context, db *gorm.DB, accountID, key string) (*domain.PublishJob, error)

	// GetPublishJob fetches a job by ID ensuring it belongs to the tenant.
	GetPublishJob(ctx context.Context, db *gorm.DB, id, tenantID string) (*domain.PublishJob, error)

	// CancelPublishJob cancels a pending job, refusing mid-publish and
	// terminal ones.
	CancelPublishJob(ctx context.Context, db *gorm.DB, id, tenantID string) error

	// CountTenantJobs returns the total number of jobs for pagination.
	CountTenantJobs(ctx context.Context, db *gorm.DB, tenantID string) (int64, error)

	// ListTenantJobsPage returns a page of the tenant's jobs, newest first.
	ListTenantJobsPage(ctx context.Context, db *gorm.DB, tenantID string, offset, limit int) ([]domain.PublishJob, error)
}

// ContentSource resolves content piece references at schedule time.
type ContentSource interface {
	GetContentPiece(ctx context.Context, contentPieceID string) (*domain.ContentPiece, error)
}

// AccountSource resolves connected destination accounts at schedule time.
type AccountSource interface {
	GetAccount(ctx context.Context, accountID string) (*domain.ConnectedAccount, error)
}

// QuotaReader is the read-only slice of the quota service the synchronous API
// needs: the soft remaining-quota check and the usage snapshot.
type QuotaReader interface {
	Check(ctx context.Context, tenantID string, metric quota.Metric) (quota.Decision, error)
	GetUsage(ctx context.Context, tenantID string) (quota.Usage, error)
}

// PublishService provides schedule, cancel, status, listing, and usage
// operations over publish jobs. Dispatching the scheduled work is the
// dispatch package's job; this service never calls a platform.
type PublishService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the publish-job repository used by this service.
	Repo JobRepo
	// Content resolves content piece IDs.
	Content ContentSource
	// Accounts resolves destination account IDs.
	Accounts AccountSource
	// Quota answers the soft schedule-time quota check and usage queries.
	Quota QuotaReader

	// PastGrace allows scheduledAt slightly in the past to absorb clock skew
	// and request latency.
	PastGrace time.Duration
	// MaxAttempts is stamped onto every new job.
	MaxAttempts int

	// now is a seam for tests; nil means time.Now.
	now func() time.Time
}

// NewPublishService constructs a PublishService with production defaults.
func NewPublishService(db *gorm.DB, r JobRepo, content ContentSource, accounts AccountSource, q QuotaReader) *PublishService {
	return &PublishService{
		DB:          db,
		Repo:        r,
		Content:     content,
		Accounts:    accounts,
		Quota:       q,
		PastGrace:   2 * time.Minute,
		MaxAttempts: 5,
	}
}

// Schedule validates the request and creates a new publish job in the
// scheduled state. The platform is derived from the destination account, not
// supplied by the caller.
//
// A non-empty idempotencyKey makes the call replay-safe: a second Schedule
// with the same key and account returns the job created by the first one
// instead of creating another.
//
// The quota check here is advisory: it rejects obviously over-quota tenants
// immediately, but the authoritative reserve-and-check runs again at dispatch
// time, so a job admitted here can still be deferred later.
func (s *PublishService) Schedule(ctx context.Context, tenantID, contentPieceID, accountID string, scheduledAt time.Time, idempotencyKey string) (*domain.PublishJob, error) {
	tr := otel.Tracer("services/PublishService")
	ctx, span := tr.Start(ctx, "Schedule",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("account.id", accountID),
			attribute.String("content_piece.id", contentPieceID),
		),
	)
	defer span.End()

	now := s.clock()
	if scheduledAt.Before(now.Add(-s.PastGrace)) {
		return nil, ErrScheduledInPast
	}

	account, err := s.Accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil || account.TenantID != tenantID {
		return nil, ErrAccountNotFound
	}
	if !account.Valid {
		return nil, ErrAccountDisconnected
	}
	if !account.Platform.Valid() {
		return nil, ErrUnsupportedPlatform
	}

	content, err := s.Content.GetContentPiece(ctx, contentPieceID)
	if err != nil {
		return nil, err
	}
	if content == nil {
		return nil, ErrContentNotFound
	}

	// Replay check before the quota check so a retried request is never
	// denied for quota it already consumed.
	if idempotencyKey != "" {
		existing, err := s.Repo.FindJobByIdempotencyKey(ctx, s.DB, accountID, idempotencyKey)
		switch {
		case err == nil:
			if existing.TenantID != tenantID {
				return nil, ErrAccountNotFound
			}
			return existing, nil
		case !errors.Is(err, repo.ErrNotFound):
			return nil, err
		}
	}

	decision, err := s.Quota.Check(ctx, tenantID, quota.MetricPublish)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, &QuotaExceededError{Decision: decision}
	}

	return s.Repo.CreatePublishJob(ctx, s.DB, tenantID, contentPieceID, accountID, account.Platform, scheduledAt, s.MaxAttempts, idempotencyKey)
}

// Cancel cancels a pending job owned by the tenant. Jobs that are mid-publish
// or already terminal are refused with ErrNotCancellable.
func (s *PublishService) Cancel(ctx context.Context, tenantID, jobID string) error {
	tr := otel.Tracer("services/PublishService")
	ctx, span := tr.Start(ctx, "Cancel",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("job.id", jobID),
		),
	)
	defer span.End()

	err := s.Repo.CancelPublishJob(ctx, s.DB, jobID, tenantID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repo.ErrNotFound):
		return ErrJobNotFound
	case errors.Is(err, repo.ErrNotCancellable):
		return ErrNotCancellable
	default:
		return err
	}
}

// Get returns a snapshot of the job for status polling.
func (s *PublishService) Get(ctx context.Context, tenantID, jobID string) (*domain.PublishJob, error) {
	tr := otel.Tracer("services/PublishService")
	ctx, span := tr.Start(ctx, "Get",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("job.id", jobID),
		),
	)
	defer span.End()

	job, err := s.Repo.GetPublishJob(ctx, s.DB, jobID, tenantID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return job, nil
}

// ListPage returns a page of the tenant's jobs (paginated).
// It applies defaults for invalid page/pageSize and returns total count.
func (s *PublishService) ListPage(ctx context.Context, tenantID string, page, pageSize int) ([]domain.PublishJob, int64, error) {
	tr := otel.Tracer("services/PublishService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := s.Repo.CountTenantJobs(ctx, s.DB, tenantID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.PublishJob{}, 0, nil
	}

	items, err := s.Repo.ListTenantJobsPage(ctx, s.DB, tenantID, offset, pageSize)
	return items, total, err
}

// Usage returns the tenant's metered usage and limits for the current billing
// period.
func (s *PublishService) Usage(ctx context.Context, tenantID string) (quota.Usage, error) {
	tr := otel.Tracer("services/PublishService")
	ctx, span := tr.Start(ctx, "Usage",
		trace.WithAttributes(attribute.String("tenant.id", tenantID)),
	)
	defer span.End()

	return s.Quota.GetUsage(ctx, tenantID)
}

func (s *PublishService) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}
