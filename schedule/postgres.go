package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGScheduler is the Postgres-backed Scheduler. One row per job id, ever;
// the primary-key conflict is what enforces single enqueue.
type PGScheduler struct {
	pool *pgxpool.Pool
}

// NewPGScheduler wires a pgxpool-backed scheduler.
func NewPGScheduler(pool *pgxpool.Pool) *PGScheduler {
	return &PGScheduler{pool: pool}
}

func (s *PGScheduler) Enqueue(ctx context.Context, job Job, policy RetryPolicy) error {
	if job.ID == "" {
		return fmt.Errorf("schedule: enqueue missing job id")
	}
	if job.Kind == "" {
		return fmt.Errorf("schedule: enqueue missing job kind")
	}

	const insertSQL = `
INSERT INTO scheduled_jobs (id, kind, payload, run_at, status, attempts, max_attempts, base_delay_ms, max_delay_ms)
VALUES ($1, $2, $3, $4, 'pending', 0, $5, $6, $7)
ON CONFLICT (id) DO NOTHING
`
	payload := job.Payload
	if payload == nil {
		payload = []byte(`{}`)
	}
	if _, err := s.pool.Exec(ctx, insertSQL,
		job.ID,
		job.Kind,
		payload,
		job.RunAt.UTC(),
		policy.MaxAttempts,
		policy.BaseDelay.Milliseconds(),
		policy.MaxDelay.Milliseconds(),
	); err != nil {
		return fmt.Errorf("schedule: enqueue %s: %w", job.ID, err)
	}
	return nil
}

// Reschedule moves the pending firing. The UPDATE only matches a pending row,
// so a job already claimed by the runner keeps running against its stale
// deadline and is neutralized by the consumer's own re-check.
func (s *PGScheduler) Reschedule(ctx context.Context, jobID string, runAt time.Time) error {
	const updateSQL = `
UPDATE scheduled_jobs
SET run_at = $2, attempts = 0
WHERE id = $1 AND status = 'pending'
`
	tag, err := s.pool.Exec(ctx, updateSQL, jobID, runAt.UTC())
	if err != nil {
		return fmt.Errorf("schedule: reschedule %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		// The job may have fired or been cancelled; resurrect it so exactly
		// one firing is pending for the new deadline.
		const reviveSQL = `
UPDATE scheduled_jobs
SET run_at = $2, status = 'pending', attempts = 0
WHERE id = $1 AND status IN ('done', 'cancelled', 'running')
`
		revived, err := s.pool.Exec(ctx, reviveSQL, jobID, runAt.UTC())
		if err != nil {
			return fmt.Errorf("schedule: revive %s: %w", jobID, err)
		}
		if revived.RowsAffected() == 0 {
			return ErrJobNotFound
		}
	}
	return nil
}

func (s *PGScheduler) Cancel(ctx context.Context, jobID string) error {
	const cancelSQL = `
UPDATE scheduled_jobs
SET status = 'cancelled'
WHERE id = $1 AND status = 'pending'
`
	if _, err := s.pool.Exec(ctx, cancelSQL, jobID); err != nil {
		return fmt.Errorf("schedule: cancel %s: %w", jobID, err)
	}
	return nil
}
