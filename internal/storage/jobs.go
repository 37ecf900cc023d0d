package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"
)

const defaultMaxAttempts = 3

const jobColumns = `seq, id, tenant_id, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (Job, error) {
	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	if err := r.Scan(&j.Seq, &j.ID, &j.TenantID, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError); err != nil {
		return Job{}, err
	}
	j.LastError = lastError.String
	var err error
	if j.RunAfter, err = parseTime(runAfter); err != nil {
		return Job{}, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return j, nil
}

// EnqueueJob appends a pending job to the end of its tenant's queue.
func (s *Store) EnqueueJob(ctx context.Context, job Job) error {
	if job.TenantID == "" {
		return errors.New("job tenant is required")
	}
	now := formatTime(time.Now())
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = formatTime(job.RunAfter)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = defaultMaxAttempts
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, tenant_id, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.TenantID, job.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	return err
}

// ClaimNextJob marks the oldest pending job of tenantID as running and
// returns it. Jobs are claimed strictly in enqueue order: if the head of
// the queue is backing off, nil is returned together with the time left
// until it becomes runnable. A nil job with zero wait means the queue is empty.
func (s *Store) ClaimNextJob(ctx context.Context, tenantID string) (*Job, time.Duration, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+`
		FROM jobs
		WHERE tenant_id = ? AND status = 'pending'
		ORDER BY seq ASC
		LIMIT 1`, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("selecting next job: %w", err)
	}

	now := time.Now().UTC()
	if wait := j.RunAfter.Sub(now); wait > 0 {
		return nil, wait, nil
	}

	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`,
		formatTime(now), j.ID)
	if err != nil {
		return nil, 0, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, 0, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		return nil, 0, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = JobRunning
	j.UpdatedAt = now
	return &j, 0, nil
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`,
		formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob records a failed attempt. The job is retried after an exponential
// backoff until max_attempts is reached, then it is dead-lettered.
func (s *Store) FailJob(ctx context.Context, id string, errMsg string) (dead bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx, `SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		dead = true
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = 'dead', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, formatTime(now), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, formatTime(now.Add(backoff)), formatTime(now), id)
	}
	if err != nil {
		return false, err
	}

	return dead, tx.Commit()
}

// RecoverRunning returns jobs left running by a previous process to the
// queue, counting the interrupted run as an attempt.
func (s *Store) RecoverRunning(ctx context.Context) (int64, error) {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = CASE WHEN attempts + 1 >= max_attempts THEN 'dead' ELSE 'pending' END,
			attempts = attempts + 1,
			last_error = 'interrupted before completion',
			run_after = ?,
			updated_at = ?
		WHERE status = 'running'`, now, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// TenantsWithPendingJobs lists tenants that have at least one pending job.
func (s *Store) TenantsWithPendingJobs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT tenant_id FROM jobs WHERE status = 'pending' ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

func (s *Store) PendingCount(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE tenant_id = ? AND status = 'pending'`, tenantID).Scan(&n)
	return n, err
}

// CancelPending marks every pending job of tenantID as cancelled.
func (s *Store) CancelPending(ctx context.Context, tenantID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = 'cancelled', updated_at = ? WHERE tenant_id = ? AND status = 'pending'`,
		formatTime(time.Now()), tenantID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

// ListDeadJobs returns dead-lettered jobs, most recently failed first.
// An empty tenantID lists all tenants.
func (s *Store) ListDeadJobs(ctx context.Context, tenantID string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = 'dead'`
	args := []any{}
	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY updated_at DESC, seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// RetryDeadJob moves a dead-lettered job back to pending with a fresh
// attempt budget. It keeps its original position in the tenant's queue.
func (s *Store) RetryDeadJob(ctx context.Context, id string) (Job, error) {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = 'pending', attempts = 0, run_after = ?, updated_at = ?
		WHERE id = ? AND status = 'dead'`, now, now, id)
	if err != nil {
		return Job{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Job{}, err
	}
	if n == 0 {
		return Job{}, ErrNotFound
	}
	return s.GetJob(ctx, id)
}
