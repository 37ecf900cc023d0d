package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDimensionMismatch is returned when an embedding does not have the
	// store's configured dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrTenantMismatch is returned when a chunk is loaded under a tenant
	// other than its own.
	ErrTenantMismatch = errors.New("chunk belongs to another tenant")
)

// VectorStore is a tenant-scoped store of embedded knowledge-base chunks.
// Every operation is scoped to a single tenant; no call ever reads or
// modifies another tenant's chunks.
type VectorStore interface {
	// Load inserts chunks for the tenant atomically: either all of them
	// become visible or none do.
	Load(ctx context.Context, tenantID string, chunks []Chunk) error

	// Replace atomically swaps the tenant's knowledge base for chunks.
	Replace(ctx context.Context, tenantID string, chunks []Chunk) error

	// RetrieveTopK returns up to k chunks of the tenant, most similar first.
	// Ties keep insertion order.
	RetrieveTopK(ctx context.Context, tenantID string, query []float32, k int) ([]ScoredChunk, error)

	// Delete removes every chunk of the tenant.
	Delete(ctx context.Context, tenantID string) error

	// Count returns the number of chunks stored for the tenant.
	Count(ctx context.Context, tenantID string) (int, error)

	// ExpireIdle deletes the knowledge bases of tenants not used since
	// before and returns their ids.
	ExpireIdle(ctx context.Context, before time.Time) ([]string, error)
}

// Chunk is one embedded fragment of a tenant's knowledge base.
type Chunk struct {
	TenantID  string    `json:"tenant_id,omitempty"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"embedding"`
}

// ScoredChunk is a retrieved chunk with its cosine similarity to the query.
type ScoredChunk struct {
	Seq     int64   `json:"seq"`
	Content string  `json:"content"`
	Score   float32 `json:"score"`
}

// Contents returns the chunk texts in order.
func Contents(scored []ScoredChunk) []string {
	out := make([]string, len(scored))
	for i, s := range scored {
		out[i] = s.Content
	}
	return out
}

// checkChunks validates chunks before a load. A dim of 0 disables the
// dimension check.
func checkChunks(tenantID string, chunks []Chunk, dim int) error {
	if tenantID == "" {
		return errors.New("tenant id is required")
	}
	for i, c := range chunks {
		if c.TenantID != "" && c.TenantID != tenantID {
			return fmt.Errorf("chunk %d: %w", i, ErrTenantMismatch)
		}
		if dim > 0 && len(c.Embedding) != dim {
			return fmt.Errorf("chunk %d has %d dimensions, want %d: %w", i, len(c.Embedding), dim, ErrDimensionMismatch)
		}
		if len(c.Embedding) == 0 {
			return fmt.Errorf("chunk %d has no embedding", i)
		}
	}
	return nil
}

func checkQuery(query []float32, dim int) error {
	if dim > 0 && len(query) != dim {
		return fmt.Errorf("query has %d dimensions, want %d: %w", len(query), dim, ErrDimensionMismatch)
	}
	return nil
}
