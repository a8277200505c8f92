// Publish-job HTTP handlers.
//
// This file exposes REST endpoints for publish-job resources:
//   - POST   /publish-jobs        (schedule)
//   - GET    /publish-jobs        (list, paginated)
//   - GET    /publish-jobs/{id}   (status snapshot)
//   - DELETE /publish-jobs/{id}   (cancel)
//   - GET    /usage               (quota usage for the tenant)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses. All dispatch-time behavior is
// asynchronous and visible only through the status endpoint; a scheduling
// request never fails because of a later platform error.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-publish-backend/internal/domain"
	"github.com/tbourn/go-publish-backend/internal/http/middleware"
	"github.com/tbourn/go-publish-backend/internal/quota"
	"github.com/tbourn/go-publish-backend/internal/services"
	"github.com/tbourn/go-publish-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// PublishService defines publish-job lifecycle operations consumed by HTTP
// handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type PublishService interface {
	// Schedule creates a new publish job for the tenant. A non-empty
	// idempotencyKey makes retried requests return the original job.
	Schedule(ctx context.Context, tenantID, contentPieceID, accountID string, scheduledAt time.Time, idempotencyKey string) (*domain.PublishJob, error)
	// Cancel cancels a pending job owned by the tenant.
	Cancel(ctx context.Context, tenantID, jobID string) error
	// Get returns a job snapshot for status polling.
	Get(ctx context.Context, tenantID, jobID string) (*domain.PublishJob, error)
	// ListPage returns a page of the tenant's jobs and the total count.
	ListPage(ctx context.Context, tenantID string, page, pageSize int) ([]domain.PublishJob, int64, error)
	// Usage returns metered usage and limits for the current billing period.
	Usage(ctx context.Context, tenantID string) (quota.Usage, error)
}

//
// Handler wiring
//

// Handlers groups the publish-job and usage HTTP endpoints. It depends on an
// abstract service interface to keep transport concerns separate from
// business logic.
type Handlers struct {
	pubSvc PublishService
}

// New constructs and returns a Handlers instance bound to the given service.
func New(pubSvc PublishService) *Handlers {
	return &Handlers{pubSvc: pubSvc}
}

// tenantID extracts the authenticated tenant id from Gin context (set by
// upstream middleware). If absent, it falls back to the "X-Tenant-ID" header
// (tests use it), and finally to "demo-tenant". It never touches c.Request if
// it's nil.
func tenantID(c *gin.Context) string {
	if v, ok := c.Get("tenantID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := c.GetHeader("X-Tenant-ID"); h != "" {
			return h
		}
	}
	return "demo-tenant"
}

//
// DTOs
//

// SchedulePublishRequest is the JSON payload for scheduling a publish job.
type SchedulePublishRequest struct {
	// ContentPieceID references the rendered content to publish.
	ContentPieceID string `json:"content_piece_id" binding:"required" example:"141add05-4415-4938-b5a1-17e0d3171aff"`
	// DestinationAccountID selects the connected account (and thus the platform).
	DestinationAccountID string `json:"destination_account_id" binding:"required" example:"8b6388c2-8ad9-4e0e-9661-54b545b8ed9f"`
	// ScheduledAt is the earliest publish time (RFC 3339).
	ScheduledAt time.Time `json:"scheduled_at" binding:"required" example:"2025-09-01T09:00:00Z"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListJobsResponse wraps a page of publish jobs and pagination information.
type ListJobsResponse struct {
	Jobs       []domain.PublishJob `json:"jobs"`
	Pagination Pagination          `json:"pagination"`
}

// QuotaErrorResponse extends the standard error envelope with the deny
// numbers so clients can render "X of Y used" without a second call.
type QuotaErrorResponse struct {
	ErrorResponse
	Limit     int64 `json:"limit" example:"50"`
	Remaining int64 `json:"remaining" example:"0"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

//
// Handlers
//

// SchedulePublish godoc
// @ID          schedulePublish
// @Summary     Schedule a publish job
// @Description Creates a publish job in the scheduled state. The platform is derived from the destination account. Dispatch happens asynchronously; poll the status endpoint for progress.
// @Tags        PublishJobs
// @Accept      json
// @Produce     json
//
// @Param       X-Tenant-ID  header  string  false "Tenant ID (demo header)"  example(tenant123)
// @Param       body         body    handlers.SchedulePublishRequest  true  "Schedule payload"
//
// @Success     201  {object}  domain.PublishJob
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     402  {object}  handlers.QuotaErrorResponse  "Publish quota exhausted"
// @Failure     404  {object}  handlers.ErrorResponse  "Content or account not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /publish-jobs [post]
func (h *Handlers) SchedulePublish(c *gin.Context) {
	var req SchedulePublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	// Prefer the key validated by the idempotency middleware; fall back to
	// the raw header when the middleware is not installed.
	idemKey, found := middleware.GetIdempotencyKey(c)
	if !found {
		idemKey = strings.TrimSpace(c.GetHeader(middleware.HeaderIdempotencyKey))
	}

	job, err := h.pubSvc.Schedule(c.Request.Context(), tenantID(c), req.ContentPieceID, req.DestinationAccountID, req.ScheduledAt, idemKey)
	if err != nil {
		h.failSchedule(c, err)
		return
	}
	ok(c, http.StatusCreated, job)
}

// failSchedule maps Schedule errors to HTTP results.
func (h *Handlers) failSchedule(c *gin.Context, err error) {
	if qe, isQuota := services.IsQuotaExceeded(err); isQuota {
		reqID := c.Writer.Header().Get("X-Request-ID")
		c.AbortWithStatusJSON(http.StatusPaymentRequired, QuotaErrorResponse{
			ErrorResponse: ErrorResponse{
				RequestID: reqID,
				Code:      ErrCodeQuotaExceeded,
				Message:   "publish quota exhausted for the current billing period",
			},
			Limit:     qe.Decision.Limit,
			Remaining: qe.Decision.Remaining,
		})
		return
	}

	switch {
	case errors.Is(err, services.ErrScheduledInPast):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "scheduled_at is in the past")
	case errors.Is(err, services.ErrUnsupportedPlatform):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "destination platform is not supported")
	case errors.Is(err, services.ErrAccountDisconnected):
		fail(c, http.StatusConflict, ErrCodeConflict, "destination account is disconnected")
	case errors.Is(err, services.ErrAccountNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "destination account not found")
	case errors.Is(err, services.ErrContentNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "content piece not found")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeScheduleFailed, err.Error())
	}
}

// ListJobs godoc
// @ID          listPublishJobs
// @Summary     List publish jobs (paginated)
// @Description Returns a page of the tenant's publish jobs, newest first.
// @Tags        PublishJobs
// @Produce     json
//
// @Param       X-Tenant-ID  header  string  false "Tenant ID (demo header)"  example(tenant123)
// @Param       page         query   int     false "Page number"              minimum(1) default(1)
// @Param       page_size    query   int     false "Items per page"           minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListJobsResponse
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /publish-jobs [get]
func (h *Handlers) ListJobs(c *gin.Context) {
	page, pageSize := clampPagination(c)

	items, total, err := h.pubSvc.ListPage(c.Request.Context(), tenantID(c), page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListJobsResponse{
		Jobs: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// GetJob godoc
// @ID          getPublishJob
// @Summary     Get a publish job
// @Description Returns the current snapshot of a publish job for status polling.
// @Tags        PublishJobs
// @Produce     json
//
// @Param       X-Tenant-ID  header  string  false "Tenant ID (demo header)"  example(tenant123)
// @Param       id           path    string  true  "Job ID (UUID)"            format(uuid)
//
// @Success     200  {object} domain.PublishJob
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Job not found"
// @Router      /publish-jobs/{id} [get]
func (h *Handlers) GetJob(c *gin.Context) {
	jobID := c.Param("id")
	if _, err := uuid.Parse(jobID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "job id must be a UUID")
		return
	}

	job, err := h.pubSvc.Get(c.Request.Context(), tenantID(c), jobID)
	if err != nil {
		if errors.Is(err, services.ErrJobNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "publish job not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, job)
}

// CancelJob godoc
// @ID          cancelPublishJob
// @Summary     Cancel a publish job
// @Description Cancels a job that has not started publishing. Jobs that are mid-publish or already terminal cannot be cancelled.
// @Tags        PublishJobs
// @Produce     json
//
// @Param       X-Tenant-ID  header  string  false "Tenant ID (demo header)"  example(tenant123)
// @Param       id           path    string  true  "Job ID (UUID)"            format(uuid)
//
// @Success     204  {string} string "No Content"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Job not found"
// @Failure     409  {object} handlers.ErrorResponse "Job cannot be cancelled"
// @Router      /publish-jobs/{id} [delete]
func (h *Handlers) CancelJob(c *gin.Context) {
	jobID := c.Param("id")
	if _, err := uuid.Parse(jobID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "job id must be a UUID")
		return
	}

	err := h.pubSvc.Cancel(c.Request.Context(), tenantID(c), jobID)
	switch {
	case err == nil:
		noContent(c)
	case errors.Is(err, services.ErrJobNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "publish job not found")
	case errors.Is(err, services.ErrNotCancellable):
		fail(c, http.StatusConflict, ErrCodeNotCancellable, "publish job cannot be cancelled")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}

// GetUsage godoc
// @ID          getUsage
// @Summary     Get quota usage
// @Description Returns the tenant's metered usage, limits, and billing period end for UI display and feature gating.
// @Tags        Usage
// @Produce     json
//
// @Param       X-Tenant-ID  header  string  false "Tenant ID (demo header)"  example(tenant123)
//
// @Success     200  {object} quota.Usage
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /usage [get]
func (h *Handlers) GetUsage(c *gin.Context) {
	usage, err := h.pubSvc.Usage(c.Request.Context(), tenantID(c))
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, usage)
}
