package retrieval

import (
	"context"
	"fmt"
	"strings"
)

// Retriever embeds a message and searches the sender tenant's knowledge base.
type Retriever struct {
	embedder *Embedder
	store    VectorStore
}

func NewRetriever(embedder *Embedder, store VectorStore) *Retriever {
	return &Retriever{embedder: embedder, store: store}
}

// Retrieve returns the tenant's k chunks closest to query, best first. A
// blank query or k <= 0 yields no chunks without calling the engine.
func (r *Retriever) Retrieve(ctx context.Context, tenantID, query string, k int) ([]ScoredChunk, error) {
	if k <= 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	chunks, err := r.store.RetrieveTopK(ctx, tenantID, vec, k)
	if err != nil {
		return nil, fmt.Errorf("searching knowledge base of %s: %w", tenantID, err)
	}
	return chunks, nil
}
