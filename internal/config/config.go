// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, storage paths, the dispatch loop knobs,
// rate limiting, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-publish-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// DispatchConfig defines the scan loop and retry behavior of the dispatcher.
type DispatchConfig struct {
	ScanInterval time.Duration // DISPATCH_SCAN_INTERVAL
	BatchSize    int           // DISPATCH_BATCH_SIZE
	Concurrency  int           // DISPATCH_CONCURRENCY
	CallTimeout  time.Duration // DISPATCH_CALL_TIMEOUT
	StaleAfter   time.Duration // DISPATCH_STALE_AFTER
	BackoffBase  time.Duration // DISPATCH_BACKOFF_BASE
	BackoffCap   time.Duration // DISPATCH_BACKOFF_CAP
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// Storage
	DBPath    string // SQLite path
	RedisAddr string // counter store address (host:port)

	// Dispatch loop
	Dispatch DispatchConfig

	// Platform rate windows (shared limiter over the counter store)
	RateWindow time.Duration // PLATFORM_RATE_WINDOW

	// Plan limits (per billing period; static plans until billing lands)
	QuotaPublishLimit    int64 // QUOTA_PUBLISH_LIMIT
	QuotaGenerationLimit int64 // QUOTA_GENERATION_LIMIT

	// Edge rate limiting (per tenant/IP, process-local)
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Storage
		DBPath:    getenv("DB_PATH", "app.db"),
		RedisAddr: getenv("REDIS_ADDR", "localhost:6379"),

		// Dispatch loop
		Dispatch: DispatchConfig{
			ScanInterval: getdur("DISPATCH_SCAN_INTERVAL", 5*time.Second),
			BatchSize:    getint("DISPATCH_BATCH_SIZE", 100),
			Concurrency:  getint("DISPATCH_CONCURRENCY", 8),
			CallTimeout:  getdur("DISPATCH_CALL_TIMEOUT", 30*time.Second),
			StaleAfter:   getdur("DISPATCH_STALE_AFTER", 2*time.Minute),
			BackoffBase:  getdur("DISPATCH_BACKOFF_BASE", 30*time.Second),
			BackoffCap:   getdur("DISPATCH_BACKOFF_CAP", 15*time.Minute),
		},

		// Platform rate windows
		RateWindow: getdur("PLATFORM_RATE_WINDOW", time.Minute),

		// Plan limits
		QuotaPublishLimit:    int64(getint("QUOTA_PUBLISH_LIMIT", 100)),
		QuotaGenerationLimit: int64(getint("QUOTA_GENERATION_LIMIT", 500)),

		// Edge rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-publish-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return cfg, errors.New("REDIS_ADDR must not be empty")
	}
	if cfg.Dispatch.ScanInterval <= 0 || cfg.Dispatch.CallTimeout <= 0 {
		return cfg, errors.New("dispatch intervals must be positive durations")
	}
	if cfg.Dispatch.BatchSize < 1 || cfg.Dispatch.Concurrency < 1 {
		return cfg, errors.New("DISPATCH_BATCH_SIZE and DISPATCH_CONCURRENCY must be >= 1")
	}
	if cfg.Dispatch.StaleAfter <= cfg.Dispatch.CallTimeout {
		return cfg, errors.New("DISPATCH_STALE_AFTER must exceed DISPATCH_CALL_TIMEOUT")
	}
	if cfg.Dispatch.BackoffBase <= 0 || cfg.Dispatch.BackoffCap < cfg.Dispatch.BackoffBase {
		return cfg, errors.New("DISPATCH_BACKOFF_CAP must be >= DISPATCH_BACKOFF_BASE > 0")
	}
	if cfg.RateWindow <= 0 {
		return cfg, errors.New("PLATFORM_RATE_WINDOW must be > 0")
	}
	if cfg.QuotaPublishLimit < 0 || cfg.QuotaGenerationLimit < 0 {
		return cfg, errors.New("quota limits must be >= 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	// if cfg.APIBasePath == "" || cfg.APIBasePath[0] != '/' {
	// 	return cfg, errors.New("API_BASE_PATH must start with '/'")
	// }

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
