package storage

import (
	"context"
	"time"
)

func (s *Store) InsertMetric(ctx context.Context, m Metric) error {
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO metrics (tenant_id, type, value, details, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.TenantID, m.Type, m.Value, m.Details, formatTime(ts))
	return err
}

// QueryMetrics returns up to limit metrics for tenantID, newest first.
// An empty metricType matches every type.
func (s *Store) QueryMetrics(ctx context.Context, tenantID, metricType string, limit int) ([]Metric, error) {
	query := `SELECT id, tenant_id, type, value, details, created_at FROM metrics WHERE tenant_id = ?`
	args := []any{tenantID}
	if metricType != "" {
		query += ` AND type = ?`
		args = append(args, metricType)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Metric
	for rows.Next() {
		var m Metric
		var createdAt string
		if err := rows.Scan(&m.ID, &m.TenantID, &m.Type, &m.Value, &m.Details, &createdAt); err != nil {
			return nil, err
		}
		if m.Timestamp, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
