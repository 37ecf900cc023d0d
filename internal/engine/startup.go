package engine

import (
	"context"
	"fmt"
	"io"
)

// Requirements are the models the pipeline needs before it accepts traffic.
type Requirements struct {
	// Model answers messages.
	Model string
	// EmbedModel embeds messages and knowledge-base text.
	EmbedModel string
	// Dimension, when > 0, is the vector size the knowledge store was
	// created with. The embed model is probed once and must match it.
	Dimension int
}

// EnsureReady fails fast when the backend is down, pulls missing models
// with progress written to w, and checks that the embed model produces
// vectors of the configured dimension.
func EnsureReady(ctx context.Context, e Engine, req Requirements, w io.Writer) error {
	if !e.IsRunning(ctx) {
		return fmt.Errorf("inference engine is not reachable; please ensure the backend is started")
	}

	for _, model := range req.models() {
		if e.HasModel(ctx, model) {
			fmt.Fprintf(w, "model %s: ready\n", model)
			continue
		}

		fmt.Fprintf(w, "model %s: pulling...\n", model)
		last := ""
		err := e.PullModel(ctx, model, func(p PullProgress) {
			line := p.Status
			if p.Total > 0 {
				line = fmt.Sprintf("%s %.0f%%", p.Status, float64(p.Completed)/float64(p.Total)*100)
			}
			if line != last {
				fmt.Fprintf(w, "  %s\n", line)
				last = line
			}
		})
		if err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}

	if req.Dimension > 0 && req.EmbedModel != "" {
		vec, err := e.Embed(ctx, req.EmbedModel, "dimension probe")
		if err != nil {
			return fmt.Errorf("probing embed model %s: %w", req.EmbedModel, err)
		}
		if len(vec) != req.Dimension {
			return fmt.Errorf("embed model %s produces %d-dimensional vectors but retrieval.dimension is %d", req.EmbedModel, len(vec), req.Dimension)
		}
	}
	return nil
}

func (r Requirements) models() []string {
	models := make([]string, 0, 2)
	if r.Model != "" {
		models = append(models, r.Model)
	}
	if r.EmbedModel != "" && r.EmbedModel != r.Model {
		models = append(models, r.EmbedModel)
	}
	return models
}
