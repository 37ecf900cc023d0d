package engine

import (
	"context"

	"github.com/kalambet/tenantbot/internal/ollama"
)

var (
	_ Engine        = (*OllamaEngine)(nil)
	_ UsageReporter = (*OllamaEngine)(nil)
)

// OllamaEngine adapts the internal/ollama.Client to the Engine interface.
type OllamaEngine struct {
	client *ollama.Client
}

// NewOllamaEngine creates an OllamaEngine backed by an Ollama server at baseURL.
func NewOllamaEngine(baseURL string) *OllamaEngine {
	return &OllamaEngine{client: ollama.New(baseURL)}
}

func (e *OllamaEngine) Generate(ctx context.Context, model, prompt string, opts GenerateOptions) (string, error) {
	req := ollama.GenerateRequest{
		Model:  model,
		Prompt: prompt,
		Options: ollama.Options{
			Temperature: opts.Temperature,
			TopP:        opts.TopP,
			NumPredict:  opts.MaxTokens,
		},
	}
	if opts.JSON {
		req.Format = "json"
	}
	return e.client.Generate(ctx, req)
}

func (e *OllamaEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	return e.client.Embed(ctx, model, text)
}

func (e *OllamaEngine) IsRunning(ctx context.Context) bool {
	return e.client.IsRunning(ctx)
}

func (e *OllamaEngine) ListModels(ctx context.Context) ([]string, error) {
	return e.client.ListModels(ctx)
}

func (e *OllamaEngine) HasModel(ctx context.Context, name string) bool {
	return e.client.HasModel(ctx, name)
}

func (e *OllamaEngine) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	var cb func(ollama.PullProgress)
	if onProgress != nil {
		cb = func(p ollama.PullProgress) {
			onProgress(PullProgress{
				Status:    p.Status,
				Total:     p.Total,
				Completed: p.Completed,
			})
		}
	}
	return e.client.PullModel(ctx, name, cb)
}

// GPUMemoryBytes sums the VRAM of every model currently loaded.
func (e *OllamaEngine) GPUMemoryBytes(ctx context.Context) (int64, error) {
	models, err := e.client.RunningModels(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, m := range models {
		total += m.SizeVRAM
	}
	return total, nil
}
