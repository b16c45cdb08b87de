// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// The process exits if any field tagged "required" is missing.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL string `env:"DATABASE_URL,required"`
	// DatabaseURLMigrate is used by `batchq migrate`; falls back to DatabaseURL.
	DatabaseURLMigrate   string        `env:"DATABASE_URL_MIGRATE"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"25"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`
	// DBQueryExecMode: "simple_protocol" (PgBouncer-compatible) or "extended_protocol".
	DBQueryExecMode string `env:"DB_QUERY_EXEC_MODE" envDefault:"simple_protocol"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`

	// ── Engine ───────────────────────────────────────────────────────────────────
	IngestBatchSize int           `env:"INGEST_BATCH_SIZE" envDefault:"4096"`
	DefaultLease    time.Duration `env:"DEFAULT_LEASE"     envDefault:"2m"`

	// ── Completion callbacks ─────────────────────────────────────────────────────
	CallbackTimeout       time.Duration `env:"CALLBACK_TIMEOUT"        envDefault:"10s"`
	CallbackSigningSecret string        `env:"CALLBACK_SIGNING_SECRET"`
	// Allows callbacks to loopback and RFC 1918 addresses. Development only.
	CallbackAllowPrivate bool `env:"CALLBACK_ALLOW_PRIVATE" envDefault:"false"`

	// ── Workers ──────────────────────────────────────────────────────────────────
	// Queue types the embedded worker pool claims; empty disables the pool.
	WorkerTypes          []string      `env:"WORKER_TYPES"           envSeparator:","`
	WorkerConcurrency    int           `env:"WORKER_CONCURRENCY"     envDefault:"4"`
	WorkerPollInterval   time.Duration `env:"WORKER_POLL_INTERVAL"   envDefault:"2s"`
	LeaseMonitorInterval time.Duration `env:"LEASE_MONITOR_INTERVAL" envDefault:"1m"`

	// ── Auth ─────────────────────────────────────────────────────────────────────
	// sha256 hex digests of accepted API keys; empty disables authentication.
	APIKeyHashes []string `env:"API_KEY_HASHES" envSeparator:","`

	// ── Rate limiting ────────────────────────────────────────────────────────────
	// 0 disables the per-IP limiter.
	RateLimitRPS      float64       `env:"RATE_LIMIT_RPS"       envDefault:"0"`
	RateLimitBurst    int           `env:"RATE_LIMIT_BURST"     envDefault:"20"`
	RateLimitEvictTTL time.Duration `env:"RATE_LIMIT_EVICT_TTL" envDefault:"15m"`

	// ── Tracing ──────────────────────────────────────────────────────────────────
	TracingEnabled bool   `env:"TRACING_ENABLED" envDefault:"false"`
	OTLPEndpoint   string `env:"OTLP_ENDPOINT"   envDefault:"localhost:4318"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing or a value is out of range.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.IngestBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("INGEST_BATCH_SIZE must be positive, got %d", c.IngestBatchSize))
	}
	if c.DefaultLease <= 0 {
		errs = append(errs, fmt.Errorf("DEFAULT_LEASE must be positive, got %s", c.DefaultLease))
	}
	if c.CallbackTimeout <= 0 {
		errs = append(errs, fmt.Errorf("CALLBACK_TIMEOUT must be positive, got %s", c.CallbackTimeout))
	}
	if c.WorkerConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.WorkerConcurrency))
	}
	if c.WorkerPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("WORKER_POLL_INTERVAL must be positive, got %s", c.WorkerPollInterval))
	}
	switch c.DBQueryExecMode {
	case "simple_protocol", "extended_protocol":
	default:
		errs = append(errs, fmt.Errorf("DB_QUERY_EXEC_MODE must be simple_protocol or extended_protocol, got %q", c.DBQueryExecMode))
	}
	if c.CallbackAllowPrivate && !c.IsDevelopment() {
		errs = append(errs, errors.New("CALLBACK_ALLOW_PRIVATE is only allowed when APP_ENV=development"))
	}
	return errors.Join(errs...)
}

// MigrateURL returns the connection string for schema migrations.
func (c *Config) MigrateURL() string {
	if c.DatabaseURLMigrate != "" {
		return c.DatabaseURLMigrate
	}
	return c.DatabaseURL
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
