package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/kalambet/tenantbot/internal/engine"
)

// mockEngine implements engine.Engine for testing.
type mockEngine struct {
	embedFn func(ctx context.Context, model string, text string) ([]float32, error)
}

func (m *mockEngine) Generate(_ context.Context, _, _ string, _ engine.GenerateOptions) (string, error) {
	return "", fmt.Errorf("not implemented")
}
func (m *mockEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	return m.embedFn(ctx, model, text)
}
func (m *mockEngine) IsRunning(_ context.Context) bool               { return true }
func (m *mockEngine) ListModels(_ context.Context) ([]string, error) { return nil, nil }
func (m *mockEngine) HasModel(_ context.Context, _ string) bool      { return true }
func (m *mockEngine) PullModel(_ context.Context, _ string, _ func(engine.PullProgress)) error {
	return fmt.Errorf("not implemented")
}

func fixedEmbed(dim int) *mockEngine {
	return &mockEngine{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
			v := make([]float32, dim)
			v[0] = 1
			return v, nil
		},
	}
}

func TestEmbed_ChecksDimension(t *testing.T) {
	e := NewEmbedder(fixedEmbed(768), "nomic-embed-text", 768)
	vec, err := e.Embed(context.Background(), "opening hours")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 768 {
		t.Errorf("got %d dimensions, want 768", len(vec))
	}

	wrong := NewEmbedder(fixedEmbed(384), "all-minilm", 768)
	_, err = wrong.Embed(context.Background(), "opening hours")
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("err = %v, want ErrDimensionMismatch", err)
	}
	if !strings.Contains(err.Error(), "all-minilm") {
		t.Errorf("error should name the model: %v", err)
	}
}

func TestEmbed_ZeroDimensionSkipsCheck(t *testing.T) {
	e := NewEmbedder(fixedEmbed(3), "m", 0)
	if _, err := e.Embed(context.Background(), "x"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
}

func TestEmbed_EngineError(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
			return nil, errors.New("connection refused")
		},
	}
	_, err := NewEmbedder(mock, "nomic-embed-text", 0).Embed(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("err = %v, want wrapped engine error", err)
	}
}

func TestEmbedBatch_KeepsOrder(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, text string) ([]float32, error) {
			return []float32{float32(len(text)), 0}, nil
		},
	}
	texts := []string{"a", "bbb", "cc", "dddd", "eeeee", "f"}

	vecs, err := NewEmbedder(mock, "m", 2).EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != len(texts) {
		t.Fatalf("got %d vectors, want %d", len(vecs), len(texts))
	}
	for i, text := range texts {
		if vecs[i][0] != float32(len(text)) {
			t.Errorf("vecs[%d] = %v, want first component %d", i, vecs[i], len(text))
		}
	}
}

func TestEmbedBatch_BoundedConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	release := make(chan struct{})
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			inFlight.Add(-1)
			return []float32{1}, nil
		},
	}

	done := make(chan error, 1)
	go func() {
		_, err := NewEmbedder(mock, "m", 1).EmbedBatch(context.Background(), strings.Split("a b c d e f g h", " "))
		done <- err
	}()
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if peak.Load() > embedConcurrency {
		t.Errorf("peak concurrency = %d, want <= %d", peak.Load(), embedConcurrency)
	}
}

func TestEmbedBatch_EngineError(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, text string) ([]float32, error) {
			if text == "b" {
				return nil, errors.New("embedding failed")
			}
			return []float32{1}, nil
		},
	}

	_, err := NewEmbedder(mock, "m", 0).EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err == nil || !strings.Contains(err.Error(), "embedding failed") {
		t.Fatalf("err = %v, want embedding failure", err)
	}
}

func TestEmbedBatch_DimensionMismatch(t *testing.T) {
	_, err := NewEmbedder(fixedEmbed(4), "m", 3).EmbedBatch(context.Background(), []string{"a"})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("err = %v, want ErrDimensionMismatch", err)
	}
}

func TestEmbedBatch_BlankTextRejected(t *testing.T) {
	var calls atomic.Int32
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
			calls.Add(1)
			return []float32{1}, nil
		},
	}

	_, err := NewEmbedder(mock, "m", 0).EmbedBatch(context.Background(), []string{"a", "  "})
	if err == nil || !strings.Contains(err.Error(), "text 1 is blank") {
		t.Fatalf("err = %v, want blank text error", err)
	}
	if calls.Load() != 0 {
		t.Errorf("engine called %d times, want 0", calls.Load())
	}
}

func TestEmbedBatch_EmptyInput(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
			t.Fatal("should not be called for empty input")
			return nil, nil
		},
	}

	vecs, err := NewEmbedder(mock, "m", 0).EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if vecs != nil {
		t.Errorf("got %v, want nil", vecs)
	}
}
