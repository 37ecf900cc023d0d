// Package telemetry records per-tenant pipeline metrics without ever
// blocking or failing the caller.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/tenantbot/internal/storage"
)

// Metric types.
const (
	ResponseTime = "response_time"
	Error        = "error"
	MessageCount = "message_count"
	QueueLength  = "queue_length"
	GPUUsage     = "gpu_usage"
)

// SystemTenant is the tenant id used for host-level metrics.
const SystemTenant = "_system"

const (
	defaultQueryLimit = 100
	writeTimeout      = 5 * time.Second
)

// Store persists and queries metrics.
type Store interface {
	InsertMetric(ctx context.Context, m storage.Metric) error
	QueryMetrics(ctx context.Context, tenantID, metricType string, limit int) ([]storage.Metric, error)
}

// Recorder writes metrics in background goroutines. Failures are logged
// and never reach the caller.
type Recorder struct {
	store Store
	wg    sync.WaitGroup
	now   func() time.Time
}

func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store, now: time.Now}
}

// Log records a metric asynchronously and returns immediately.
func (r *Recorder) Log(tenantID, metricType string, value float64, details string) {
	m := storage.Metric{
		TenantID:  tenantID,
		Type:      metricType,
		Value:     value,
		Details:   details,
		Timestamp: r.now(),
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				slog.Error("telemetry write panicked", "tenant", tenantID, "type", metricType, "panic", p)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := r.store.InsertMetric(ctx, m); err != nil {
			slog.Warn("telemetry write failed", "tenant", tenantID, "type", metricType, "error", err)
		}
	}()
}

// Query returns up to limit metrics of the tenant, newest first. An empty
// metricType matches all types. Storage failures yield an empty slice.
func (r *Recorder) Query(ctx context.Context, tenantID, metricType string, limit int) []storage.Metric {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	metrics, err := r.store.QueryMetrics(ctx, tenantID, metricType, limit)
	if err != nil {
		slog.Warn("telemetry query failed", "tenant", tenantID, "type", metricType, "error", err)
		return []storage.Metric{}
	}
	if metrics == nil {
		return []storage.Metric{}
	}
	return metrics
}

// Flush waits for all pending writes.
func (r *Recorder) Flush() {
	r.wg.Wait()
}
