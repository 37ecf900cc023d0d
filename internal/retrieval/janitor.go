package retrieval

import (
	"context"
	"log/slog"
	"time"
)

// Janitor periodically drops knowledge bases that have not been used for ttl.
type Janitor struct {
	store    VectorStore
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
}

// NewJanitor creates a Janitor. An interval of 0 defaults to one hour.
func NewJanitor(store VectorStore, ttl, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{store: store, ttl: ttl, interval: interval, now: time.Now}
}

// Run sweeps until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep expires idle knowledge bases once and returns the affected tenants.
func (j *Janitor) Sweep(ctx context.Context) []string {
	tenants, err := j.store.ExpireIdle(ctx, j.now().Add(-j.ttl))
	if err != nil {
		slog.Warn("knowledge base expiry failed", "error", err)
		return nil
	}
	for _, t := range tenants {
		slog.Info("expired idle knowledge base", "tenant", t, "ttl", j.ttl)
	}
	return tenants
}
