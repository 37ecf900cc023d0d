// Package queue runs one persistent FIFO queue per tenant, each drained by
// exactly one worker goroutine.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/tenantbot/internal/intake"
	"github.com/kalambet/tenantbot/internal/storage"
	"github.com/kalambet/tenantbot/internal/telemetry"
)

// JobStore abstracts the persistent job table.
type JobStore interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
	ClaimNextJob(ctx context.Context, tenantID string) (*storage.Job, time.Duration, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) (bool, error)
	RecoverRunning(ctx context.Context) (int64, error)
	TenantsWithPendingJobs(ctx context.Context) ([]string, error)
	PendingCount(ctx context.Context, tenantID string) (int, error)
	CancelPending(ctx context.Context, tenantID string) (int64, error)
}

// Processor handles one job. A returned error (or panic) is a
// transport-level failure and the job is retried with backoff.
type Processor interface {
	Handle(ctx context.Context, job storage.Job) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, job storage.Job) error

func (f ProcessorFunc) Handle(ctx context.Context, job storage.Job) error { return f(ctx, job) }

// MetricLogger receives queue_length samples.
type MetricLogger interface {
	Log(tenantID, metricType string, value float64, details string)
}

// QueueError reports that a message could not be persisted. Callers may
// retry.
type QueueError struct {
	TenantID string
	Err      error
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("enqueue for tenant %s: %v", e.TenantID, e.Err)
}

func (e *QueueError) Unwrap() error { return e.Err }

// Options tune a Registry. Zero values use defaults.
type Options struct {
	PollInterval time.Duration
	MaxAttempts  int
	Metrics      MetricLogger
}

type tenantQueue struct {
	notify chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
	// removing is set by Remove. The entry stays in the map until the
	// worker has exited so EnsureWorker cannot start a second one.
	removing bool
}

// Registry owns the tenant → worker map.
type Registry struct {
	store       JobStore
	poll        time.Duration
	maxAttempts int
	metrics     MetricLogger

	mu     sync.Mutex
	queues map[string]*tenantQueue
	closed bool
}

// NewRegistry creates a Registry. If opts.PollInterval <= 0 it defaults to 1s.
func NewRegistry(store JobStore, opts Options) *Registry {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Registry{
		store:       store,
		poll:        opts.PollInterval,
		maxAttempts: opts.MaxAttempts,
		metrics:     opts.Metrics,
		queues:      make(map[string]*tenantQueue),
	}
}

// Enqueue persists msg at the tail of the tenant's queue and returns the
// job id. A running worker for the tenant is woken.
func (r *Registry) Enqueue(ctx context.Context, tenantID string, msg intake.Message) (string, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", &QueueError{TenantID: tenantID, Err: err}
	}

	id := uuid.New().String()
	job := storage.Job{
		ID:          id,
		TenantID:    tenantID,
		PayloadJSON: string(payload),
		MaxAttempts: r.maxAttempts,
	}
	if err := r.store.EnqueueJob(ctx, job); err != nil {
		return "", &QueueError{TenantID: tenantID, Err: err}
	}

	r.Wake(tenantID)
	r.recordLength(ctx, tenantID)
	return id, nil
}

func (r *Registry) recordLength(ctx context.Context, tenantID string) {
	if r.metrics == nil {
		return
	}
	n, err := r.store.PendingCount(ctx, tenantID)
	if err != nil {
		slog.Warn("pending count failed", "tenant", tenantID, "error", err)
		return
	}
	r.metrics.Log(tenantID, telemetry.QueueLength, float64(n), "")
}

// EnsureWorker starts the tenant's worker unless one is already running.
// It reports whether a new worker was started.
func (r *Registry) EnsureWorker(tenantID string, p Processor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if _, ok := r.queues[tenantID]; ok {
		// Also covers a queue that is draining for Remove.
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &tenantQueue{
		notify: make(chan struct{}, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.queues[tenantID] = q
	go r.run(ctx, tenantID, q, p)

	slog.Debug("tenant worker started", "tenant", tenantID)
	return true
}

// Wake nudges the tenant's worker to look for work now.
func (r *Registry) Wake(tenantID string) {
	r.mu.Lock()
	q, ok := r.queues[tenantID]
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Active reports whether the tenant has a running worker.
func (r *Registry) Active(tenantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.queues[tenantID]
	return ok
}

// Tenants lists tenants with a running worker.
func (r *Registry) Tenants() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.queues))
	for id := range r.queues {
		out = append(out, id)
	}
	return out
}

// Pending returns the number of pending jobs for the tenant.
func (r *Registry) Pending(ctx context.Context, tenantID string) (int, error) {
	return r.store.PendingCount(ctx, tenantID)
}

// Recover resets jobs interrupted by a previous shutdown and starts a
// worker for every tenant with pending work.
func (r *Registry) Recover(ctx context.Context, p Processor) error {
	n, err := r.store.RecoverRunning(ctx)
	if err != nil {
		return fmt.Errorf("recovering running jobs: %w", err)
	}
	if n > 0 {
		slog.Info("recovered interrupted jobs", "count", n)
	}

	tenants, err := r.store.TenantsWithPendingJobs(ctx)
	if err != nil {
		return fmt.Errorf("listing tenants with pending jobs: %w", err)
	}
	for _, t := range tenants {
		r.EnsureWorker(t, p)
	}
	return nil
}

// Remove offboards a tenant's queue. The worker finishes its in-flight job
// and exits; jobs still pending are marked cancelled. It returns the number
// of cancelled jobs.
//
// Remove runs to completion even if ctx is cancelled: a half-done removal
// would leave pending jobs without a worker. While the worker drains,
// EnsureWorker for the tenant is a no-op.
func (r *Registry) Remove(ctx context.Context, tenantID string) (int64, error) {
	ctx = context.WithoutCancel(ctx)

	r.mu.Lock()
	q, ok := r.queues[tenantID]
	if ok && !q.removing {
		q.removing = true
		q.cancel()
	}
	r.mu.Unlock()

	if ok {
		<-q.done
	}

	// Cancelling and releasing the map entry under one lock means a job
	// enqueued after CancelPending is picked up by the next EnsureWorker.
	r.mu.Lock()
	defer r.mu.Unlock()
	n, err := r.store.CancelPending(ctx, tenantID)
	if ok && r.queues[tenantID] == q {
		delete(r.queues, tenantID)
	}
	if err != nil {
		return 0, fmt.Errorf("cancelling pending jobs for %s: %w", tenantID, err)
	}
	slog.Info("tenant queue removed", "tenant", tenantID, "cancelled", n)
	return n, nil
}

// Stop stops every worker after its in-flight job and waits for them.
// Pending jobs stay pending for the next Recover.
func (r *Registry) Stop() {
	r.mu.Lock()
	r.closed = true
	queues := r.queues
	r.queues = make(map[string]*tenantQueue)
	r.mu.Unlock()

	for _, q := range queues {
		q.cancel()
	}
	for _, q := range queues {
		<-q.done
	}
}
