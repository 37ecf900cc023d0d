package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSampleOnce_RecordsMiB(t *testing.T) {
	st := openStore(t)
	r := NewRecorder(st)
	s := NewSampler(fakeUsage{bytes: 512 << 20}, r, time.Minute)

	s.SampleOnce(context.Background())
	r.Flush()

	got := r.Query(context.Background(), SystemTenant, GPUUsage, 10)
	if len(got) != 1 {
		t.Fatalf("got %d metrics, want 1", len(got))
	}
	if got[0].Value != 512 {
		t.Errorf("value = %v, want 512", got[0].Value)
	}
	if got[0].Details != "unit=MiB bytes=536870912" {
		t.Errorf("details = %q", got[0].Details)
	}
}

func TestSampleOnce_SourceErrorRecordsNothing(t *testing.T) {
	st := openStore(t)
	r := NewRecorder(st)
	s := NewSampler(fakeUsage{err: errors.New("ollama down")}, r, time.Minute)

	s.SampleOnce(context.Background())
	r.Flush()

	if got := r.Query(context.Background(), SystemTenant, GPUUsage, 10); len(got) != 0 {
		t.Errorf("got %d metrics, want 0", len(got))
	}
}

func TestSamplerRun_StopsOnCancel(t *testing.T) {
	r := NewRecorder(openStore(t))
	s := NewSampler(fakeUsage{bytes: 1 << 20}, r, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	r.Flush()

	if got := r.Query(context.Background(), SystemTenant, GPUUsage, 100); len(got) == 0 {
		t.Error("no samples recorded while running")
	}
}
