// ABOUTME: HTTP server struct, constructor, and handler wiring for batchq.
// ABOUTME: Mounts the queue and task API under /api/v1 next to /healthz and /metrics.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/scarson/batchq/internal/auth"
	"github.com/scarson/batchq/internal/config"
	"github.com/scarson/batchq/internal/engine"
	"github.com/scarson/batchq/internal/store"
)

// maxIngestBody bounds task submission bodies. Everything else keeps
// huma's 1 MB default.
const maxIngestBody = 64 << 20

// Service is the engine surface the API exposes. *engine.Engine implements it.
type Service interface {
	CreateQueue(ctx context.Context, q engine.NewQueue) (uuid.UUID, error)
	CreateQueueAndAddTasks(ctx context.Context, q engine.NewQueue, sub engine.Submission) (uuid.UUID, int, error)
	AddTasks(ctx context.Context, id uuid.UUID, sub engine.Submission) (int, error)
	GetQueue(ctx context.Context, id uuid.UUID) (*store.Queue, error)
	DeleteQueue(ctx context.Context, id uuid.UUID) error
	Status(ctx context.Context, id uuid.UUID) (store.QueueStatus, error)
	Results(ctx context.Context, id uuid.UUID) (map[string]json.RawMessage, error)
	ClaimNext(ctx context.Context, sel engine.Selector) (*store.Task, error)
	GetTask(ctx context.Context, id int64) (*store.Task, error)
	SubmitResult(ctx context.Context, r engine.Result) error
}

// Pinger reports database reachability for /healthz. *pgxpool.Pool implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the dependencies for the HTTP layer.
type Server struct {
	svc         Service
	db          Pinger
	keys        *auth.KeySet
	rateLimiter *ipRateLimiter // nil when RATE_LIMIT_RPS is 0
	log         *slog.Logger
}

// NewServer creates a Server. db may be nil, in which case /healthz reports
// degraded.
func NewServer(svc Service, db Pinger, cfg *config.Config) *Server {
	srv := &Server{
		svc:  svc,
		db:   db,
		keys: auth.NewKeySet(cfg.APIKeyHashes),
		log:  slog.Default(),
	}
	if cfg.RateLimitRPS > 0 {
		evictTTL := cfg.RateLimitEvictTTL
		if evictTTL == 0 {
			evictTTL = 15 * time.Minute
		}
		burst := max(cfg.RateLimitBurst, 1)
		srv.rateLimiter = newIPRateLimiter(rate.Limit(cfg.RateLimitRPS), burst, evictTTL)
	}
	return srv
}

// WithLogger replaces the server's logger.
func (srv *Server) WithLogger(l *slog.Logger) *Server {
	srv.log = l
	return srv
}

// Close stops background goroutines owned by the server.
func (srv *Server) Close() {
	if srv.rateLimiter != nil {
		srv.rateLimiter.Stop()
	}
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Must be first so they appear on every response including errors.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "no-referrer")
			next.ServeHTTP(w, r)
		})
	})

	// ── Standard chi middleware ───────────────────────────────────────────────
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestSize(maxIngestBody))
	r.Use(middleware.Recoverer)

	// ── Infrastructure endpoints ──────────────────────────────────────────────
	r.Get("/healthz", healthzHandler(srv.db))
	r.Handle("/metrics", promhttp.Handler())

	// ── API v1 sub-router with huma (OpenAPI 3.1) ────────────────────────────
	// Middleware must be attached before huma registers its routes.
	apiRouter := chi.NewRouter()
	if srv.rateLimiter != nil {
		apiRouter.Use(srv.rateLimit())
	}
	if !srv.keys.Empty() {
		apiRouter.Use(srv.RequireAPIKey())
	}
	humaConfig := huma.DefaultConfig("batchq API", "0.1.0")
	humaConfig.Info.Description = "Postgres-backed task queues with leased claiming and completion callbacks"
	api := humachi.New(apiRouter, humaConfig)
	registerQueueRoutes(api, srv)
	registerTaskRoutes(api, srv)

	r.Mount("/api/v1", apiRouter)

	return r
}

// healthResponse is the JSON body for /healthz.
type healthResponse struct {
	Status string `json:"status"`
	DB     string `json:"db,omitempty"`
}

// healthzHandler returns 200 {"status":"ok"} when the DB is reachable,
// or 503 {"status":"degraded","db":"unavailable"} when it is not.
func healthzHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		statusCode := http.StatusOK

		if db == nil {
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		} else if err := db.Ping(r.Context()); err != nil {
			slog.WarnContext(r.Context(), "healthz: db ping failed", "error", err)
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.ErrorContext(r.Context(), "healthz: failed to encode response", "error", err)
		}
	}
}
