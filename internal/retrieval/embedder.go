package retrieval

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/tenantbot/internal/engine"
)

// embedConcurrency caps parallel embed calls for one knowledge-base upload.
const embedConcurrency = 4

// Embedder turns message and knowledge-base text into vectors of the
// store's dimension through the configured embedding model.
type Embedder struct {
	engine engine.Engine
	model  string
	dim    int
}

// NewEmbedder returns an Embedder for model. When dim > 0 every vector the
// engine returns must have exactly dim components; a mismatch is reported as
// ErrDimensionMismatch rather than surfacing later as a store error.
func NewEmbedder(e engine.Engine, model string, dim int) *Embedder {
	return &Embedder{engine: e, model: model, dim: dim}
}

// Embed returns the vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if err := e.check(vec); err != nil {
		return nil, err
	}
	return vec, nil
}

// EmbedBatch embeds knowledge-base texts concurrently, keeping input order.
// Blank texts are rejected before any engine call. Empty input yields nil.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("text %d is blank", i)
		}
	}

	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.engine.Embed(gCtx, e.model, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			if err := e.check(vec); err != nil {
				return fmt.Errorf("text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Embedder) check(vec []float32) error {
	if e.dim > 0 && len(vec) != e.dim {
		return fmt.Errorf("model %s returned %d dimensions, store expects %d: %w", e.model, len(vec), e.dim, ErrDimensionMismatch)
	}
	return nil
}
