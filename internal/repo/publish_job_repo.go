// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the Publish Job Store: repository
// functions for creating, claiming, and transitioning PublishJob rows.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations. They
// follow the "thin repository" approach: no business logic, only persistence
// and query composition.
//
// Concurrency contract: every state transition here is a single conditional
// UPDATE whose WHERE clause re-checks the expected current status. The
// conditional claim is what lets multiple dispatch workers scan the same
// table without an application-level lock: exactly one worker observes
// RowsAffected == 1 for a given job, all others lose the race and move on.
// This is a hard requirement of the design, not an optimization.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-publish-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrNotCancellable is returned when a cancellation request targets a job
// that is in flight or already terminal.
var ErrNotCancellable = errors.New("job not cancellable")

// CreatePublishJob inserts a new job in the scheduled state. The idempotency
// key is set here, once; it never changes across retries and is the sole
// de-duplication token given to platform adapters. An empty idempotencyKey
// means the caller supplied none and a fresh one is generated; a non-empty
// key (client-supplied) is protected against double-submission by the
// (destination_account_id, idempotency_key) unique index.
func CreatePublishJob(ctx context.Context, db *gorm.DB, tenantID, contentPieceID, accountID string, platform domain.Platform, scheduledAt time.Time, maxAttempts int, idempotencyKey string) (*domain.PublishJob, error) {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}
	j := &domain.PublishJob{
		ID:                   uuid.NewString(),
		TenantID:             tenantID,
		ContentPieceID:       contentPieceID,
		DestinationAccountID: accountID,
		Platform:             platform,
		Status:               domain.StatusScheduled,
		ScheduledAt:          scheduledAt.UTC(),
		MaxAttempts:          maxAttempts,
		IdempotencyKey:       idempotencyKey,
		CreatedAt:            time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(j).Error; err != nil {
		return nil, err
	}
	return j, nil
}

// FindJobByIdempotencyKey returns the job created under the given client
// idempotency key for the destination account, or ErrNotFound. Used to serve
// schedule replays without creating a second job.
func FindJobByIdempotencyKey(ctx context.Context, db *gorm.DB, accountID, key string) (*domain.PublishJob, error) {
	var j domain.PublishJob
	err := db.WithContext(ctx).
		Where("destination_account_id = ? AND idempotency_key = ?", accountID, key).
		First(&j).Error
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// HasJobWithIdempotencyKey reports whether the tenant already created a job
// under the given client idempotency key. Used by the edge idempotency
// middleware as a cheap replay lookup.
func HasJobWithIdempotencyKey(ctx context.Context, db *gorm.DB, tenantID, key string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.PublishJob{}).
		Where("tenant_id = ? AND idempotency_key = ?", tenantID, key).
		Count(&n).Error
	return n > 0, err
}

// GetPublishJob fetches a job by ID scoped to its owning tenant, or
// ErrNotFound.
func GetPublishJob(ctx context.Context, db *gorm.DB, id, tenantID string) (*domain.PublishJob, error) {
	var j domain.PublishJob
	err := db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		First(&j).Error
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// ListDuePublishJobs returns up to limit jobs eligible for dispatch at now,
// ordered by scheduled_at ascending: scheduled/retrying jobs whose effective
// time has passed, plus publishing jobs whose last attempt is older than
// staleBefore (a worker died mid-attempt and the row must be reclaimed).
func ListDuePublishJobs(ctx context.Context, db *gorm.DB, now, staleBefore time.Time, limit int) ([]domain.PublishJob, error) {
	var out []domain.PublishJob
	err := db.WithContext(ctx).
		Where("(status IN ? AND scheduled_at <= ?) OR (status = ? AND last_attempt_at <= ?)",
			[]domain.JobStatus{domain.StatusScheduled, domain.StatusRetrying}, now.UTC(),
			domain.StatusPublishing, staleBefore.UTC()).
		Order("scheduled_at asc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ClaimPublishJob attempts the SCHEDULED/RETRYING → PUBLISHING transition for
// one job. The attempt counter is incremented inside the same UPDATE, and the
// WHERE clause rejects the claim when the job is no longer claimable or has
// exhausted its attempts. Returns true when this caller won the claim.
func ClaimPublishJob(ctx context.Context, db *gorm.DB, id string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.PublishJob{}).
		Where("id = ? AND status IN ? AND attempt_count < max_attempts",
			id, []domain.JobStatus{domain.StatusScheduled, domain.StatusRetrying}).
		Updates(map[string]any{
			"status":          domain.StatusPublishing,
			"attempt_count":   gorm.Expr("attempt_count + 1"),
			"last_attempt_at": now.UTC(),
		})
	return res.RowsAffected == 1, res.Error
}

// ReclaimStalePublishJob re-claims a job stuck in PUBLISHING since before
// staleBefore (crashed worker). The reclaim counts as one attempt. Returns
// true when this caller won the reclaim.
func ReclaimStalePublishJob(ctx context.Context, db *gorm.DB, id string, staleBefore, now time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.PublishJob{}).
		Where("id = ? AND status = ? AND last_attempt_at <= ? AND attempt_count < max_attempts",
			id, domain.StatusPublishing, staleBefore.UTC()).
		Updates(map[string]any{
			"attempt_count":   gorm.Expr("attempt_count + 1"),
			"last_attempt_at": now.UTC(),
		})
	return res.RowsAffected == 1, res.Error
}

// FailExhaustedStaleJob performs PUBLISHING → FAILED for a stale job with no
// attempts remaining. Such a row cannot be reclaimed (the reclaim would exceed
// max_attempts), so this is the only exit from PUBLISHING when a worker died
// on the final attempt. Returns true when this caller applied the transition.
func FailExhaustedStaleJob(ctx context.Context, db *gorm.DB, id string, staleBefore time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.PublishJob{}).
		Where("id = ? AND status = ? AND last_attempt_at <= ? AND attempt_count >= max_attempts",
			id, domain.StatusPublishing, staleBefore.UTC()).
		Updates(map[string]any{
			"status":        domain.StatusFailed,
			"error_message": "worker lost on final attempt",
		})
	return res.RowsAffected == 1, res.Error
}

// MarkPublished performs PUBLISHING → PUBLISHED, recording the platform's
// post ID and URL and the publication time.
func MarkPublished(ctx context.Context, db *gorm.DB, id, platformPostID, platformURL string, now time.Time) error {
	return transition(ctx, db, id, domain.StatusPublishing, map[string]any{
		"status":           domain.StatusPublished,
		"published_at":     now.UTC(),
		"platform_post_id": platformPostID,
		"platform_url":     platformURL,
		"error_message":    nil,
	})
}

// MarkRetrying performs PUBLISHING → RETRYING after a retryable failure,
// storing the backoff-computed next eligible time as the new effective
// scheduled_at so the retry survives process restarts.
func MarkRetrying(ctx context.Context, db *gorm.DB, id string, nextAttemptAt time.Time, reason string) error {
	return transition(ctx, db, id, domain.StatusPublishing, map[string]any{
		"status":        domain.StatusRetrying,
		"scheduled_at":  nextAttemptAt.UTC(),
		"error_message": reason,
	})
}

// MarkFailed performs PUBLISHING → FAILED (permanent failure or attempts
// exhausted), recording the terminal error message.
func MarkFailed(ctx context.Context, db *gorm.DB, id, reason string) error {
	return transition(ctx, db, id, domain.StatusPublishing, map[string]any{
		"status":        domain.StatusFailed,
		"error_message": reason,
	})
}

// CancelPublishJob performs SCHEDULED/RETRYING → CANCELLED for a job owned by
// tenantID. A job that exists but is publishing or terminal yields
// ErrNotCancellable; a missing job yields ErrNotFound. In-flight attempts are
// never aborted; cancellation only prevents future admission.
func CancelPublishJob(ctx context.Context, db *gorm.DB, id, tenantID string) error {
	res := db.WithContext(ctx).
		Model(&domain.PublishJob{}).
		Where("id = ? AND tenant_id = ? AND status IN ?",
			id, tenantID, []domain.JobStatus{domain.StatusScheduled, domain.StatusRetrying}).
		Update("status", domain.StatusCancelled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	if _, err := GetPublishJob(ctx, db, id, tenantID); err != nil {
		return err
	}
	return ErrNotCancellable
}

// CountTenantJobs returns the total number of jobs owned by tenantID.
func CountTenantJobs(ctx context.Context, db *gorm.DB, tenantID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.PublishJob{}).
		Where("tenant_id = ?", tenantID).
		Count(&total).Error
	return total, err
}

// ListTenantJobsPage returns a paginated slice of a tenant's jobs, newest
// first, for dashboard polling. Use CountTenantJobs for pagination metadata.
func ListTenantJobsPage(ctx context.Context, db *gorm.DB, tenantID string, offset, limit int) ([]domain.PublishJob, error) {
	var out []domain.PublishJob
	err := db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// transition applies a conditional single-row status transition. RowsAffected
// == 0 means the job was not in the expected state (lost race or terminal),
// reported as ErrNotFound for the caller to handle.
func transition(ctx context.Context, db *gorm.DB, id string, from domain.JobStatus, updates map[string]any) error {
	res := db.WithContext(ctx).
		Model(&domain.PublishJob{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
