package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/tenantbot/internal/engine"
)

// Sampler periodically records the inference backend's GPU memory use
// under SystemTenant.
type Sampler struct {
	source   engine.UsageReporter
	recorder *Recorder
	interval time.Duration
}

func NewSampler(source engine.UsageReporter, recorder *Recorder, interval time.Duration) *Sampler {
	return &Sampler{source: source, recorder: recorder, interval: interval}
}

// Run samples every interval until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SampleOnce(ctx)
		}
	}
}

// SampleOnce records one gpu_usage metric in MiB.
func (s *Sampler) SampleOnce(ctx context.Context) {
	bytes, err := s.source.GPUMemoryBytes(ctx)
	if err != nil {
		slog.Debug("gpu usage sample failed", "error", err)
		return
	}
	mib := float64(bytes) / (1 << 20)
	s.recorder.Log(SystemTenant, GPUUsage, mib, fmt.Sprintf("unit=MiB bytes=%d", bytes))
}
