package engine

import "context"

// Engine abstracts the inference backend (Ollama or any OpenAI-compatible
// server). The dispatcher and the embedder use this interface instead of
// depending on a concrete client.
type Engine interface {
	// Generate sends a single prompt to the given model and returns the raw completion text.
	Generate(ctx context.Context, model, prompt string, opts GenerateOptions) (string, error)

	// Embed returns the embedding vector for the given text using the specified model.
	Embed(ctx context.Context, model string, text string) ([]float32, error)

	// IsRunning reports whether the inference backend is reachable.
	IsRunning(ctx context.Context) bool

	// ListModels returns the names of all available models.
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether the given model name is available.
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads a model. The optional callback receives progress updates.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}

// UsageReporter is implemented by engines that can report accelerator memory use.
type UsageReporter interface {
	// GPUMemoryBytes returns the VRAM currently held by loaded models.
	GPUMemoryBytes(ctx context.Context) (int64, error)
}
