package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
)

// Compile-time check that SQLiteStore implements VectorStore.
var _ VectorStore = (*SQLiteStore)(nil)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore provides tenant-scoped vector storage with brute-force cosine
// similarity search backed by SQLite. The kb_chunks and kb_tenants tables
// are created by the storage migrations.
type SQLiteStore struct {
	db  *sql.DB
	dim int
}

// NewSQLiteStore wraps an existing *sql.DB for vector operations.
// dim is the embedding dimension every chunk and query must have; 0 accepts any.
func NewSQLiteStore(db *sql.DB, dim int) *SQLiteStore {
	return &SQLiteStore{db: db, dim: dim}
}

func (s *SQLiteStore) Load(ctx context.Context, tenantID string, chunks []Chunk) error {
	return s.load(ctx, tenantID, chunks, false)
}

func (s *SQLiteStore) Replace(ctx context.Context, tenantID string, chunks []Chunk) error {
	return s.load(ctx, tenantID, chunks, true)
}

func (s *SQLiteStore) load(ctx context.Context, tenantID string, chunks []Chunk, replace bool) error {
	if err := checkChunks(tenantID, chunks, s.dim); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning load transaction: %w", err)
	}
	defer tx.Rollback()

	if replace {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kb_chunks WHERE tenant_id = ?`, tenantID); err != nil {
			return fmt.Errorf("clearing chunks for %s: %w", tenantID, err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO kb_chunks (tenant_id, content, embedding, created_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(timeLayout)
	for i, c := range chunks {
		if _, err := stmt.ExecContext(ctx, tenantID, c.Content, encodeFloat32s(c.Embedding), now); err != nil {
			return fmt.Errorf("inserting chunk %d: %w", i, err)
		}
	}

	if _, err := tx.ExecContext(ctx, touchSQL, tenantID, now); err != nil {
		return fmt.Errorf("recording tenant activity: %w", err)
	}

	return tx.Commit()
}

const touchSQL = `INSERT INTO kb_tenants (tenant_id, last_used_at) VALUES (?, ?)
	ON CONFLICT(tenant_id) DO UPDATE SET last_used_at = excluded.last_used_at`

// seqScore holds only the row seq and score during the scan phase.
// Content is fetched only for top-k winners.
type seqScore struct {
	Seq   int64
	Score float32
}

// RetrieveTopK scans the tenant's embeddings, keeps the k best in a heap and
// then fetches content for the winners only.
func (s *SQLiteStore) RetrieveTopK(ctx context.Context, tenantID string, query []float32, k int) ([]ScoredChunk, error) {
	if err := checkQuery(query, s.dim); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []ScoredChunk{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT seq, embedding FROM kb_chunks WHERE tenant_id = ? ORDER BY seq ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	queryNorm := norm(query)

	h := &seqScoreHeap{}
	heap.Init(h)

	var buf []float32
	for rows.Next() {
		var seq int64
		var blob []byte
		if err := rows.Scan(&seq, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for chunk %d: %w", seq, err)
		}

		cand := seqScore{Seq: seq, Score: cosine(query, buf, queryNorm)}
		if h.Len() < k {
			heap.Push(h, cand)
		} else if better(cand, (*h)[0]) {
			(*h)[0] = cand
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	rows.Close()

	if h.Len() == 0 {
		return []ScoredChunk{}, nil
	}

	top := make([]seqScore, h.Len())
	for i := len(top) - 1; i >= 0; i-- {
		top[i] = heap.Pop(h).(seqScore)
	}

	args := make([]any, 0, len(top)+1)
	args = append(args, tenantID)
	for _, t := range top {
		args = append(args, t.Seq)
	}
	contentRows, err := s.db.QueryContext(ctx, `SELECT seq, content FROM kb_chunks WHERE tenant_id = ? AND seq IN (?`+
		strings.Repeat(",?", len(top)-1)+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-k chunks: %w", err)
	}
	defer contentRows.Close()

	contents := make(map[int64]string, len(top))
	for contentRows.Next() {
		var seq int64
		var content string
		if err := contentRows.Scan(&seq, &content); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		contents[seq] = content
	}
	if err := contentRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunks: %w", err)
	}
	contentRows.Close()

	results := make([]ScoredChunk, 0, len(top))
	for _, t := range top {
		content, ok := contents[t.Seq]
		if !ok {
			// Deleted between the scan and the fetch.
			continue
		}
		results = append(results, ScoredChunk{Seq: t.Seq, Content: content, Score: t.Score})
	}

	if _, err := s.db.ExecContext(ctx, touchSQL, tenantID, time.Now().UTC().Format(timeLayout)); err != nil {
		slog.Warn("recording knowledge base activity failed", "tenant", tenantID, "error", err)
	}

	return results, nil
}

// Delete removes every chunk of the tenant.
func (s *SQLiteStore) Delete(ctx context.Context, tenantID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM kb_chunks WHERE tenant_id = ?`, tenantID); err != nil {
		return fmt.Errorf("deleting chunks for %s: %w", tenantID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM kb_tenants WHERE tenant_id = ?`, tenantID); err != nil {
		return fmt.Errorf("deleting tenant activity for %s: %w", tenantID, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Count(ctx context.Context, tenantID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kb_chunks WHERE tenant_id = ?`, tenantID).Scan(&count)
	return count, err
}

func (s *SQLiteStore) ExpireIdle(ctx context.Context, before time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning expiry transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT tenant_id FROM kb_tenants WHERE last_used_at < ? ORDER BY tenant_id`,
		before.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("listing idle tenants: %w", err)
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

	for _, t := range tenants {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kb_chunks WHERE tenant_id = ?`, t); err != nil {
			return nil, fmt.Errorf("deleting chunks for %s: %w", t, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM kb_tenants WHERE tenant_id = ?`, t); err != nil {
			return nil, fmt.Errorf("deleting tenant activity for %s: %w", t, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return tenants, nil
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes dot(a,b) / (aNorm * |b|). A zero vector on either side
// scores 0.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) || aNorm == 0 {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// better reports whether a ranks ahead of b: higher score first, then
// earlier insertion.
func better(a, b seqScore) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.Seq < b.Seq
}

// seqScoreHeap keeps the worst-ranked candidate at the root.
type seqScoreHeap []seqScore

func (h seqScoreHeap) Len() int           { return len(h) }
func (h seqScoreHeap) Less(i, j int) bool { return better(h[j], h[i]) }
func (h seqScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *seqScoreHeap) Push(x any)        { *h = append(*h, x.(seqScore)) }
func (h *seqScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
