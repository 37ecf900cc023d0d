package retrieval

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pgvector/pgvector-go"
)

var _ VectorStore = (*PGStore)(nil)

// PGStore is a VectorStore on Postgres with the pgvector extension. Ordering
// uses the cosine distance operator <=> backed by an HNSW index.
type PGStore struct {
	db  *sql.DB
	dim int
}

// OpenPGStore connects to dsn and creates the knowledge-base schema for
// embeddings of dimension dim.
func OpenPGStore(ctx context.Context, dsn string, dim int) (*PGStore, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("postgres vector store needs a positive dimension, got %d", dim)
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	s := &PGStore{db: db, dim: dim}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PGStore) Close() error {
	return s.db.Close()
}

func (s *PGStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS kb_chunks (
			seq        BIGSERIAL PRIMARY KEY,
			tenant_id  TEXT NOT NULL,
			content    TEXT NOT NULL,
			embedding  vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.dim),
		`CREATE INDEX IF NOT EXISTS idx_kb_chunks_tenant ON kb_chunks (tenant_id, seq)`,
		// A table-wide ANN index is filtered by tenant after the scan and
		// can return fewer than k rows for a small tenant. Retrieval stays
		// an exact scan over the tenant's rows.
		`DROP INDEX IF EXISTS idx_kb_chunks_embedding`,
		`CREATE TABLE IF NOT EXISTS kb_tenants (
			tenant_id    TEXT PRIMARY KEY,
			last_used_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrating postgres vector store: %w", err)
		}
	}
	return nil
}

const pgTouchSQL = `INSERT INTO kb_tenants (tenant_id, last_used_at) VALUES ($1, now())
	ON CONFLICT (tenant_id) DO UPDATE SET last_used_at = excluded.last_used_at`

func (s *PGStore) Load(ctx context.Context, tenantID string, chunks []Chunk) error {
	return s.load(ctx, tenantID, chunks, false)
}

func (s *PGStore) Replace(ctx context.Context, tenantID string, chunks []Chunk) error {
	return s.load(ctx, tenantID, chunks, true)
}

func (s *PGStore) load(ctx context.Context, tenantID string, chunks []Chunk, replace bool) error {
	if err := checkChunks(tenantID, chunks, s.dim); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning load transaction: %w", err)
	}
	defer tx.Rollback()

	if replace {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kb_chunks WHERE tenant_id = $1`, tenantID); err != nil {
			return fmt.Errorf("clearing chunks for %s: %w", tenantID, err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO kb_chunks (tenant_id, content, embedding) VALUES ($1, $2, $3)`)
	if err != nil {
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for i, c := range chunks {
		if _, err := stmt.ExecContext(ctx, tenantID, c.Content, pgvector.NewVector(c.Embedding)); err != nil {
			return fmt.Errorf("inserting chunk %d: %w", i, err)
		}
	}
	if _, err := tx.ExecContext(ctx, pgTouchSQL, tenantID); err != nil {
		return fmt.Errorf("recording tenant activity: %w", err)
	}
	return tx.Commit()
}

func (s *PGStore) RetrieveTopK(ctx context.Context, tenantID string, query []float32, k int) ([]ScoredChunk, error) {
	if err := checkQuery(query, s.dim); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []ScoredChunk{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, content, 1 - (embedding <=> $2) AS score
		FROM kb_chunks
		WHERE tenant_id = $1
		ORDER BY embedding <=> $2, seq
		LIMIT $3`, tenantID, pgvector.NewVector(query), k)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	results := []ScoredChunk{}
	for rows.Next() {
		var c ScoredChunk
		var score sql.NullFloat64
		if err := rows.Scan(&c.Seq, &c.Content, &score); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		// <=> yields NaN for a zero vector.
		if score.Valid && score.Float64 == score.Float64 {
			c.Score = float32(score.Float64)
		}
		results = append(results, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunks: %w", err)
	}

	if len(results) > 0 {
		if _, err := s.db.ExecContext(ctx, pgTouchSQL, tenantID); err != nil {
			slog.Warn("recording knowledge base activity failed", "tenant", tenantID, "error", err)
		}
	}
	return results, nil
}

func (s *PGStore) Delete(ctx context.Context, tenantID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM kb_chunks WHERE tenant_id = $1`, tenantID); err != nil {
		return fmt.Errorf("deleting chunks for %s: %w", tenantID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM kb_tenants WHERE tenant_id = $1`, tenantID); err != nil {
		return fmt.Errorf("deleting tenant activity for %s: %w", tenantID, err)
	}
	return tx.Commit()
}

func (s *PGStore) Count(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kb_chunks WHERE tenant_id = $1`, tenantID).Scan(&n)
	return n, err
}

func (s *PGStore) ExpireIdle(ctx context.Context, before time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning expiry transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `DELETE FROM kb_tenants WHERE last_used_at < $1 RETURNING tenant_id`, before)
	if err != nil {
		return nil, fmt.Errorf("expiring idle tenants: %w", err)
	}
	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			rows.Close()
			return nil, err
		}
		tenants = append(tenants, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(tenants) > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kb_chunks WHERE tenant_id = ANY($1)`, tenants); err != nil {
			return nil, fmt.Errorf("deleting expired chunks: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return tenants, nil
}
