// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, idempotency, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tbourn/go-publish-backend/internal/config"
	"github.com/tbourn/go-publish-backend/internal/domain"
	"github.com/tbourn/go-publish-backend/internal/http/handlers"
	"github.com/tbourn/go-publish-backend/internal/http/middleware"
	"github.com/tbourn/go-publish-backend/internal/quota"
	"github.com/tbourn/go-publish-backend/internal/repo"
	"github.com/tbourn/go-publish-backend/internal/services"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"
)

// jobRepoShim adapts the repository free functions to the services.JobRepo
// interface expected by the PublishService. This keeps services decoupled from
// the concrete repo package while reusing existing functions.
type jobRepoShim struct{}

// CreatePublishJob proxies repo.CreatePublishJob.
func (jobRepoShim) CreatePublishJob(ctx context.Context, db *gorm.DB, tenantID, contentPieceID, accountID string, platform domain.Platform, scheduledAt time.Time, maxAttempts int, idempotencyKey string) (*domain.PublishJob, error) {
	return repo.CreatePublishJob(ctx, db, tenantID, contentPieceID, accountID, platform, scheduledAt, maxAttempts, idempotencyKey)
}

// GetPublishJob proxies repo.GetPublishJob.
func (jobRepoShim) GetPublishJob(ctx context.Context, db *gorm.DB, id, tenantID string) (*domain.PublishJob, error) {
	return repo.GetPublishJob(ctx, db, id, tenantID)
}

// CancelPublishJob proxies repo.CancelPublishJob.
func (jobRepoShim) CancelPublishJob(ctx context.Context, db *gorm.DB, id, tenantID string) error {
	return repo.CancelPublishJob(ctx, db, id, tenantID)
}

// CountTenantJobs proxies repo.CountTenantJobs (pagination support).
func (jobRepoShim) CountTenantJobs(ctx context.Context, db *gorm.DB, tenantID string) (int64, error) {
	return repo.CountTenantJobs(ctx, db, tenantID)
}

// ListTenantJobsPage proxies repo.ListTenantJobsPage (pagination support).
func (jobRepoShim) ListTenantJobsPage(ctx context.Context, db *gorm.DB, tenantID string, offset, limit int) ([]domain.PublishJob, error) {
	return repo.ListTenantJobsPage(ctx, db, tenantID, offset, limit)
}

// FindJobByIdempotencyKey proxies repo.FindJobByIdempotencyKey (replay support).
func (jobRepoShim) FindJobByIdempotencyKey(ctx context.Context, db *gorm.DB, accountID, key string) (*domain.PublishJob, error) {
	return repo.FindJobByIdempotencyKey(ctx, db, accountID, key)
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), idempotency and rate
// limiting, CORS and security headers, health and metrics endpoints, and then
// mounts the versioned public API under /api/v*.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Idempotency validator (before rate limiter to allow bypass on replay)
//  8. Rate limiter (per tenant/IP, bypass on replay)
//  9. CORS and Security headers
func RegisterRoutes(r *gin.Engine, db *gorm.DB, content services.ContentSource, accounts services.AccountSource, qs *quota.Service, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{
			"X-API-Key", // project-specific sensitive header example
		},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB) and response compression
	r.Use(limitBody(1 << 20))
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Idempotency validation (before rate limiting)
	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{
			MaxLen: 200,
		},
		func(ctx context.Context, tenantID, key string, now time.Time) (bool, error) {
			seen, err := repo.HasJobWithIdempotencyKey(ctx, db, tenantID, key)
			if err != nil {
				return false, nil
			}
			return seen, nil
		},
	))

	// 8) Token-bucket rate limiter per tenant/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByTenantOrIP())
	r.Use(rl.Handler())

	// 9) CORS posture (safe defaults: allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Tenant-ID", middleware.HeaderIdempotencyKey},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// Echo ACAO with the request Origin when it is in the allowlist (in addition to gin-contrib/cors).
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Tenant-ID", middleware.HeaderIdempotencyKey},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// Dependency injection: services ← repo/db/quota
	pubSvc := services.NewPublishService(db, jobRepoShim{}, content, accounts, qs)
	h := handlers.New(pubSvc)

	// Public API
	apiBase := cfg.APIBasePath // e.g. "/api/v1"
	api := groupWithPrefix(r, apiBase)
	{
		// Publish jobs
		api.POST("/publish-jobs", h.SchedulePublish)
		api.GET("/publish-jobs", h.ListJobs)
		api.GET("/publish-jobs/:id", h.GetJob)
		api.DELETE("/publish-jobs/:id", h.CancelJob)

		// Quota usage
		api.GET("/usage", h.GetUsage)
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
