package answer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/tenantbot/internal/engine"
)

const defaultTimeout = 30 * time.Second

// Completer is the slice of engine.Engine the generator needs.
type Completer interface {
	Generate(ctx context.Context, model, prompt string, opts engine.GenerateOptions) (string, error)
}

// Generator calls the LLM with a bounded timeout and turns whatever comes
// back into a complete Response.
type Generator struct {
	client  Completer
	model   string
	opts    engine.GenerateOptions
	timeout time.Duration
}

// NewGenerator creates a Generator. A timeout <= 0 uses the 30s default.
func NewGenerator(client Completer, model string, opts engine.GenerateOptions, timeout time.Duration) *Generator {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Generator{client: client, model: model, opts: opts, timeout: timeout}
}

// Generate always returns a usable Response. A non-nil error means the LLM
// call itself failed or timed out and the Response is the "error" fallback.
// Output without a JSON object yields the "general_chat" fallback and no error.
func (g *Generator) Generate(ctx context.Context, prompt string) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	raw, err := g.client.Generate(ctx, g.model, prompt, g.opts)
	if err != nil {
		slog.Warn("llm call failed", "model", g.model, "error", err)
		return Fallback(IntentError), fmt.Errorf("llm call: %w", err)
	}

	resp, ok := Parse(raw)
	if !ok {
		slog.Warn("llm response had no JSON object", "model", g.model, "response", raw)
		return Fallback(IntentGeneralChat), nil
	}
	return resp, nil
}
