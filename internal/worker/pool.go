package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scarson/batchq/internal/engine"
	"github.com/scarson/batchq/internal/metrics"
	"github.com/scarson/batchq/internal/store"
)

const (
	// DefaultPollInterval is how often an idle goroutine checks for new tasks.
	DefaultPollInterval = 2 * time.Second

	// DefaultMonitorInterval is how often the lease monitor runs.
	DefaultMonitorInterval = 1 * time.Minute
)

// Engine is the part of *engine.Engine the pool drives.
type Engine interface {
	ClaimNext(ctx context.Context, sel engine.Selector) (*store.Task, error)
	SubmitResult(ctx context.Context, r engine.Result) error
}

// LeaseCounter reports lapsed leases. *store.Store implements it.
type LeaseCounter interface {
	CountExpiredLeases(ctx context.Context) (int64, error)
}

// Config tunes a Pool. Zero values take the package defaults.
type Config struct {
	Concurrency     int
	PollInterval    time.Duration
	MonitorInterval time.Duration
}

// Pool manages goroutine workers that claim and execute tasks. Concurrency
// goroutines poll per registered queue type; a shared monitor goroutine
// publishes the expired-lease gauge.
type Pool struct {
	engine   Engine
	leases   LeaseCounter
	cfg      Config
	workerID string
	log      *slog.Logger
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates a Pool backed by e. leases may be nil, which disables the
// lease monitor. A random workerID is generated to tell processes apart in logs.
func New(e Engine, leases LeaseCounter, cfg Config) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = DefaultMonitorInterval
	}
	return &Pool{
		engine:   e,
		leases:   leases,
		cfg:      cfg,
		workerID: uuid.New().String(),
		log:      slog.Default(),
		handlers: make(map[string]Handler),
	}
}

// WithLogger replaces the pool's logger.
func (p *Pool) WithLogger(l *slog.Logger) *Pool {
	p.log = l
	return p
}

// Register associates h with the named queue type. Must be called before Start.
func (p *Pool) Register(queueType string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[queueType] = h
}

// Types returns the registered queue types in sorted order.
func (p *Pool) Types() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	types := make([]string, 0, len(p.handlers))
	for t := range p.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Start launches the polling goroutines plus the lease monitor, then blocks
// until ctx is cancelled. When ctx is cancelled no new task is claimed, any
// in-flight handler is cancelled, and Start returns after all goroutines
// have exited.
func (p *Pool) Start(ctx context.Context) {
	var wg sync.WaitGroup

	for _, typ := range p.Types() {
		for i := 0; i < p.cfg.Concurrency; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.runType(ctx, typ)
			}()
		}
		p.log.Info("worker type started", "type", typ,
			"concurrency", p.cfg.Concurrency, "worker_id", p.workerID)
	}

	if p.leases != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runLeaseMonitor(ctx)
		}()
	}

	wg.Wait()
	p.log.Info("worker pool stopped", "worker_id", p.workerID)
}

// runType polls for tasks of queueType until ctx is cancelled. After a task
// is processed the next claim is attempted immediately; the ticker only
// paces empty polls. Uses time.NewTicker (not time.After) to avoid timer leaks.
func (p *Pool) runType(ctx context.Context, queueType string) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for ctx.Err() == nil && p.ProcessOne(ctx, queueType) {
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOne claims one task of queueType and executes it. It reports
// whether a task was claimed. Errors are logged but do not stop the caller's
// polling loop.
func (p *Pool) ProcessOne(ctx context.Context, queueType string) bool {
	task, err := p.engine.ClaimNext(ctx, engine.Selector{Type: queueType})
	if err != nil {
		if ctx.Err() == nil {
			p.log.Error("claim task error", "type", queueType, "error", err)
		}
		return false
	}
	if task == nil {
		return false // no task available; normal case
	}

	p.mu.RLock()
	h := p.handlers[queueType]
	p.mu.RUnlock()

	if h == nil {
		// The lease lapses and another worker may pick the task up.
		p.log.Error("no handler registered for type", "type", queueType, "id", task.ID)
		return false
	}

	res := engine.Result{ID: task.ID, LeaseToken: task.LeaseToken}
	out, herr := p.run(ctx, h, task)
	if herr != nil {
		p.log.Warn("task handler failed",
			"type", queueType, "id", task.ID, "task_id", task.TaskID, "error", herr)
		res.Error = errorPayload(herr)
	} else {
		res.Result = out
	}

	// Submit even if ctx was cancelled mid-handler so a finished result is
	// not thrown away.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := p.engine.SubmitResult(sctx, res); err != nil {
		if errors.Is(err, engine.ErrResultConflict) {
			p.log.Warn("lease lost before result was submitted", "type", queueType, "id", task.ID)
			return true
		}
		p.log.Error("submit result error", "type", queueType, "id", task.ID, "error", err)
		return true
	}
	p.log.Debug("task finished", "type", queueType, "id", task.ID, "failed", herr != nil)
	return true
}

// run executes h with a context bounded by the task's lease.
func (p *Pool) run(ctx context.Context, h Handler, task *store.Task) (out json.RawMessage, err error) {
	hctx, cancel := context.WithDeadline(ctx, task.ExpiryTime)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.log.Error("task handler panicked", "type", task.QueueType, "id", task.ID, "panic", r)
			err = errors.New("handler panicked")
		}
	}()

	start := time.Now()
	out, err = h(hctx, task.Params)
	metrics.HandlerDurationSeconds.WithLabelValues(task.QueueType).Observe(time.Since(start).Seconds())
	if err == nil && out != nil && !json.Valid(out) {
		return nil, errors.New("handler returned invalid JSON")
	}
	return out, err
}

func errorPayload(err error) json.RawMessage {
	b, _ := json.Marshal(struct {
		Message string `json:"message"`
	}{err.Error()})
	return b
}

// runLeaseMonitor periodically samples the number of lapsed leases. Uses
// time.NewTicker (not time.After) to avoid timer leaks.
func (p *Pool) runLeaseMonitor(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.MonitorInterval)
	defer ticker.Stop()

	p.log.Info("lease monitor started", "worker_id", p.workerID, "check_interval", p.cfg.MonitorInterval)

	for {
		select {
		case <-ctx.Done():
			p.log.Info("lease monitor stopping")
			return
		case <-ticker.C:
			p.SampleLeases(ctx)
		}
	}
}

// SampleLeases updates the expired-lease gauge once.
func (p *Pool) SampleLeases(ctx context.Context) {
	n, err := p.leases.CountExpiredLeases(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Error("count expired leases", "error", err)
		}
		return
	}
	metrics.ExpiredLeases.Set(float64(n))
	if n > 0 {
		p.log.Info("tasks with lapsed leases awaiting reclaim", "count", n)
	}
}
