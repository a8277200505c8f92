// Command server runs the publish-engine API together with the dispatch
// loop: one process owning the HTTP surface, the job store, and the
// scheduled-publish scanner.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tbourn/go-publish-backend/internal/config"
	"github.com/tbourn/go-publish-backend/internal/counter"
	"github.com/tbourn/go-publish-backend/internal/dispatch"
	"github.com/tbourn/go-publish-backend/internal/domain"
	httpapi "github.com/tbourn/go-publish-backend/internal/http"
	"github.com/tbourn/go-publish-backend/internal/observability"
	"github.com/tbourn/go-publish-backend/internal/publisher"
	"github.com/tbourn/go-publish-backend/internal/quota"
	"github.com/tbourn/go-publish-backend/internal/ratelimit"
	"github.com/tbourn/go-publish-backend/internal/repo"
	"github.com/tbourn/go-publish-backend/internal/sysutil"
)

// version is stamped by the build (-ldflags "-X main.version=...").
var version = "dev"

// contentStore serves content pieces from the local snapshot tables.
type contentStore struct{ db *gorm.DB }

func (s contentStore) GetContentPiece(ctx context.Context, id string) (*domain.ContentPiece, error) {
	return repo.GetContentPiece(ctx, s.db, id)
}

// accountStore serves connected accounts from the local snapshot tables.
type accountStore struct{ db *gorm.DB }

func (s accountStore) GetAccount(ctx context.Context, id string) (*domain.ConnectedAccount, error) {
	return repo.GetConnectedAccount(ctx, s.db, id)
}

func main() {
	// Local development convenience; production supplies real env vars.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate failed")
	}
	if cfg.OTEL.Enabled {
		if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
			log.Warn().Err(err).Msg("gorm tracing plugin failed, continuing without DB spans")
		}
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		// Both the limiter and the quota service degrade gracefully, so a
		// cold cache at boot is a warning, not a crash.
		log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("counter store unreachable at startup")
	}
	cancel()
	store := counter.NewRedisStore(rdb)

	qs := quota.New(store, quota.StaticPlans{
		quota.MetricPublish:    cfg.QuotaPublishLimit,
		quota.MetricGeneration: cfg.QuotaGenerationLimit,
	}, quota.CalendarMonths{})
	limiter := ratelimit.New(store, nil, cfg.RateWindow)

	registry := publisher.NewRegistry(
		&http.Client{Timeout: cfg.Dispatch.CallTimeout},
		publisher.DefaultBaseURLs(),
	)

	content := contentStore{db: db}
	accounts := accountStore{db: db}

	disp := dispatch.New(db, limiter, qs, registry, content, accounts, dispatch.Config{
		ScanInterval: cfg.Dispatch.ScanInterval,
		BatchSize:    cfg.Dispatch.BatchSize,
		Concurrency:  cfg.Dispatch.Concurrency,
		CallTimeout:  cfg.Dispatch.CallTimeout,
		StaleAfter:   cfg.Dispatch.StaleAfter,
		Backoff: dispatch.BackoffConfig{
			Base: cfg.Dispatch.BackoffBase,
			Cap:  cfg.Dispatch.BackoffCap,
		},
	})
	if err := disp.Start(); err != nil {
		log.Fatal().Err(err).Msg("dispatcher start failed")
	}

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, db, content, accounts, qs, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	// Stop taking new work first, then drain in-flight publishes, then close
	// the HTTP listener and flush traces.
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := disp.Stop(drainCtx); err != nil {
		log.Warn().Err(err).Msg("dispatcher drain incomplete")
	}
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	if err := shutdownOTel(drainCtx); err != nil {
		log.Warn().Err(err).Msg("otel shutdown failed")
	}
	_ = rdb.Close()
	log.Info().Msg("bye")
}
