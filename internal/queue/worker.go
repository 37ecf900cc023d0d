package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/tenantbot/internal/storage"
)

// run drains one tenant's queue until ctx is cancelled. Jobs are claimed in
// seq order; a head job that is backing off blocks the jobs behind it.
func (r *Registry) run(ctx context.Context, tenantID string, q *tenantQueue, p Processor) {
	defer close(q.done)
	logger := slog.Default().With("tenant", tenantID)

	for {
		if ctx.Err() != nil {
			return
		}

		job, wait, err := r.store.ClaimNextJob(ctx, tenantID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("claiming job failed", "error", err)
			wait = r.poll
		}
		if job != nil {
			r.execute(context.WithoutCancel(ctx), logger, job, p)
			continue
		}

		if wait <= 0 || wait > r.poll {
			wait = r.poll
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-q.notify:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// execute runs a claimed job to a terminal state or back to pending.
func (r *Registry) execute(ctx context.Context, logger *slog.Logger, job *storage.Job, p Processor) {
	if err := safeHandle(ctx, p, *job); err != nil {
		logger.Warn("job failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		dead, failErr := r.store.FailJob(ctx, job.ID, err.Error())
		if failErr != nil {
			logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
			return
		}
		if dead {
			logger.Error("job dead-lettered", "job_id", job.ID, "error", err)
		}
		return
	}

	if err := r.store.CompleteJob(ctx, job.ID); err != nil {
		logger.Error("completing job failed", "job_id", job.ID, "error", err)
	}
}

func safeHandle(ctx context.Context, p Processor, job storage.Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("processor panic: %v", rec)
		}
	}()
	return p.Handle(ctx, job)
}
