package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

type mockEngine struct {
	isRunning bool
	models    map[string]bool
	pulled    []string
	embedDim  int
	embedErr  error
	progress  []PullProgress
}

func (m *mockEngine) Generate(_ context.Context, _, _ string, _ GenerateOptions) (string, error) {
	return "", nil
}
func (m *mockEngine) Embed(_ context.Context, _ string, _ string) ([]float32, error) {
	if m.embedErr != nil {
		return nil, m.embedErr
	}
	return make([]float32, m.embedDim), nil
}
func (m *mockEngine) IsRunning(_ context.Context) bool { return m.isRunning }
func (m *mockEngine) ListModels(_ context.Context) ([]string, error) {
	var names []string
	for n := range m.models {
		names = append(names, n)
	}
	return names, nil
}
func (m *mockEngine) HasModel(_ context.Context, name string) bool { return m.models[name] }
func (m *mockEngine) PullModel(_ context.Context, name string, cb func(PullProgress)) error {
	m.pulled = append(m.pulled, name)
	if cb != nil {
		for _, p := range m.progress {
			cb(p)
		}
		cb(PullProgress{Status: "success"})
	}
	return nil
}

var defaultReq = Requirements{Model: "llama3.1", EmbedModel: "nomic-embed-text", Dimension: 768}

func TestEnsureReady_AllModelsPresent(t *testing.T) {
	m := &mockEngine{
		isRunning: true,
		models:    map[string]bool{"llama3.1": true, "nomic-embed-text": true},
		embedDim:  768,
	}
	if err := EnsureReady(context.Background(), m, defaultReq, io.Discard); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(m.pulled) != 0 {
		t.Errorf("expected no pulls, got %v", m.pulled)
	}
}

func TestEnsureReady_PullsMissing(t *testing.T) {
	m := &mockEngine{
		isRunning: true,
		models:    map[string]bool{"llama3.1": true},
		embedDim:  768,
		progress: []PullProgress{
			{Status: "downloading", Total: 100, Completed: 50},
			{Status: "downloading", Total: 100, Completed: 50},
			{Status: "downloading", Total: 100, Completed: 100},
		},
	}
	var out bytes.Buffer
	if err := EnsureReady(context.Background(), m, defaultReq, &out); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(m.pulled) != 1 || m.pulled[0] != "nomic-embed-text" {
		t.Errorf("expected pull of nomic-embed-text, got %v", m.pulled)
	}
	if n := strings.Count(out.String(), "downloading 50%"); n != 1 {
		t.Errorf("repeated progress printed %d times, want 1:\n%s", n, out.String())
	}
}

func TestEnsureReady_SameModelPulledOnce(t *testing.T) {
	m := &mockEngine{isRunning: true, models: map[string]bool{}}
	req := Requirements{Model: "bge-m3", EmbedModel: "bge-m3"}
	if err := EnsureReady(context.Background(), m, req, io.Discard); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(m.pulled) != 1 {
		t.Errorf("pulled %v, want a single pull", m.pulled)
	}
}

func TestEnsureReady_DimensionMismatch(t *testing.T) {
	m := &mockEngine{
		isRunning: true,
		models:    map[string]bool{"llama3.1": true, "nomic-embed-text": true},
		embedDim:  384,
	}
	err := EnsureReady(context.Background(), m, defaultReq, io.Discard)
	if err == nil {
		t.Fatal("expected dimension mismatch error")
	}
	if !strings.Contains(err.Error(), "384") || !strings.Contains(err.Error(), "768") {
		t.Errorf("error = %q, want both dimensions", err)
	}
}

func TestEnsureReady_ProbeFails(t *testing.T) {
	m := &mockEngine{
		isRunning: true,
		models:    map[string]bool{"llama3.1": true, "nomic-embed-text": true},
		embedErr:  errors.New("model not loaded"),
	}
	err := EnsureReady(context.Background(), m, defaultReq, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "model not loaded") {
		t.Fatalf("err = %v, want probe failure", err)
	}
}

func TestEnsureReady_EngineDown(t *testing.T) {
	m := &mockEngine{isRunning: false, models: map[string]bool{}}
	err := EnsureReady(context.Background(), m, defaultReq, io.Discard)
	if err == nil {
		t.Fatal("expected error when engine is down")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention the engine is not reachable", err)
	}
}
