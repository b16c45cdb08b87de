// Command batchq is the task queue server binary.
//
// Subcommands:
//
//	serve    HTTP API + embedded worker pool
//	worker   standalone worker pool only (scaled deployments)
//	migrate  run pending database migrations and exit
//	keygen   print a new API key and the hash to configure
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	// Embeds the IANA timezone database so time.LoadLocation works inside
	// distroless containers without /usr/share/zoneinfo.
	_ "time/tzdata"

	// Sets GOMEMLIMIT from the cgroup memory limit so the GC triggers before
	// the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/scarson/batchq/internal/api"
	"github.com/scarson/batchq/internal/auth"
	"github.com/scarson/batchq/internal/config"
	"github.com/scarson/batchq/internal/engine"
	"github.com/scarson/batchq/internal/notify"
	"github.com/scarson/batchq/internal/store"
	"github.com/scarson/batchq/internal/tracing"
	"github.com/scarson/batchq/internal/worker"
	"github.com/scarson/batchq/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "batchq",
		Short: "batchq: Postgres-backed task queues with leased claiming",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		serveCmd(),
		workerCmd(),
		migrateCmd(),
		keygenCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// app bundles what serve and worker share.
type app struct {
	cfg      *config.Config
	db       *pgxpool.Pool
	store    *store.Store
	engine   *engine.Engine
	shutdown func(context.Context) error
}

// setup loads configuration, installs the logger and tracer, and connects to
// the database. The caller must call close.
func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	shutdown, err := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.TracingEnabled,
		Endpoint:    cfg.OTLPEndpoint,
		Environment: cfg.AppEnv,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	db, err := newPool(ctx, cfg)
	if err != nil {
		_ = shutdown(ctx) //nolint:errcheck
		return nil, fmt.Errorf("database: %w", err)
	}

	st := store.New(db)
	notifier := notify.NewWebhook(
		notify.BuildClient(cfg.CallbackTimeout, cfg.CallbackAllowPrivate),
		cfg.CallbackSigningSecret,
	)
	eng := engine.New(st, notifier, engine.Config{
		BatchSize:       cfg.IngestBatchSize,
		DefaultLease:    cfg.DefaultLease,
		CallbackTimeout: cfg.CallbackTimeout,
	}).WithLogger(logger.With("component", "engine"))

	return &app{cfg: cfg, db: db, store: st, engine: eng, shutdown: shutdown}, nil
}

// close waits for in-flight callbacks, then releases the pool and flushes traces.
func (rt *app) close() {
	rt.engine.Wait()
	rt.db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.shutdown(ctx); err != nil {
		slog.Warn("tracer shutdown", "error", err)
	}
}

// newWorkerPool builds a pool serving the configured queue types with the
// builtin handlers. Returns nil when no types are configured.
func (rt *app) newWorkerPool() (*worker.Pool, error) {
	if len(rt.cfg.WorkerTypes) == 0 {
		return nil, nil
	}
	builtins := worker.Builtins()
	pool := worker.New(rt.engine, rt.store, worker.Config{
		Concurrency:     rt.cfg.WorkerConcurrency,
		PollInterval:    rt.cfg.WorkerPollInterval,
		MonitorInterval: rt.cfg.LeaseMonitorInterval,
	}).WithLogger(slog.Default().With("component", "worker"))
	for _, typ := range rt.cfg.WorkerTypes {
		h, ok := builtins[typ]
		if !ok {
			return nil, fmt.Errorf("no builtin handler for worker type %q", typ)
		}
		pool.Register(typ, h)
	}
	return pool, nil
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the embedded worker pool",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	rt, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.close()
	cfg := rt.cfg

	workerPool, err := rt.newWorkerPool()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	apiSrv := api.NewServer(rt.engine, rt.db, cfg).WithLogger(slog.Default().With("component", "api"))
	defer apiSrv.Close()

	// Explicit timeouts required to prevent Slowloris attacks. WriteTimeout
	// is generous because task submissions may be large.
	srv := &http.Server{ //nolint:exhaustruct // remaining fields keep their defaults
		Addr:              cfg.ListenAddr,
		Handler:           apiSrv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server started", "addr", cfg.ListenAddr, "auth", len(cfg.APIKeyHashes) > 0)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	if workerPool != nil {
		g.Go(func() error {
			workerPool.Start(gctx) // blocks until gctx is cancelled
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down", "timeout_seconds", cfg.ShutdownTimeoutSeconds)
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second,
		)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server stopped")
	return nil
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the standalone worker pool (no HTTP server)",
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	rt, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.close()

	workerPool, err := rt.newWorkerPool()
	if err != nil {
		return err
	}
	if workerPool == nil {
		return errors.New("WORKER_TYPES is empty; nothing to run")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	slog.Info("worker started", "types", workerPool.Types())
	workerPool.Start(ctx) // blocks until ctx cancelled, then drains in-flight tasks
	return nil
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	slog.Info("running migrations")

	// Source: embedded SQL files from the migrations package.
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the same
	// driver is used project-wide.
	connCfg, err := pgx.ParseConfig(cfg.MigrateURL())
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── keygen ────────────────────────────────────────────────────────────────────

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an API key; add the printed hash to API_KEY_HASHES",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rawKey, hash, err := auth.GenerateAPIKey()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "key:  %s\n", rawKey) //nolint:errcheck
			fmt.Fprintf(out, "hash: %s\n", hash)   //nolint:errcheck
			return nil
		},
	}
}

// ── helpers ───────────────────────────────────────────────────────────────────

// newPool creates and validates a pgxpool: PgBouncer compatibility,
// statement timeout, pool sizing.
//
// Retries up to 10 times with linear backoff to handle the Docker Compose
// startup race where Postgres is not immediately ready.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// PgBouncer transaction-pooling compatibility.
	if cfg.DBQueryExecMode == "simple_protocol" {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	// Global per-query statement timeout prevents runaway queries from holding
	// connections (and row locks) indefinitely.
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)

	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying",
			"attempt", attempt,
			"error", connErr,
		)
		// time.NewTimer (not time.After) to avoid leaking the timer if ctx
		// is cancelled before the timer fires.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
	}

	// Warn if DB_MAX_CONNS is close to the server-side max_connections limit.
	var pgMaxConnsStr string
	if err := db.QueryRow(ctx, "SHOW max_connections").Scan(&pgMaxConnsStr); err == nil {
		if pgMaxConns, err := strconv.Atoi(pgMaxConnsStr); err == nil {
			if int(cfg.DBMaxConns) > int(float64(pgMaxConns)*0.8) {
				slog.Warn("DB_MAX_CONNS exceeds 80% of Postgres max_connections",
					"db_max_conns", cfg.DBMaxConns,
					"postgres_max_connections", pgMaxConns,
				)
			}
		}
	}

	// Advisory schema version check: catches deployments where migrations
	// haven't been applied yet.
	var schemaVersion int
	err = db.QueryRow(ctx,
		"SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1",
	).Scan(&schemaVersion)
	if err == nil && schemaVersion != expectedSchemaVersion {
		slog.Warn("schema version mismatch; run `batchq migrate`",
			"applied_version", schemaVersion,
			"expected_version", expectedSchemaVersion,
		)
	}

	return db, nil
}

// expectedSchemaVersion is the database migration version this binary requires.
// Update this constant when new migrations are added.
const expectedSchemaVersion = 1

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
