package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

// RunnerConfig controls the polling loop.
type RunnerConfig struct {
	PollInterval time.Duration
	ClaimBatch   int
	Workers      int
	// ClaimLease bounds how long a claimed job may sit in the running state
	// before another runner is allowed to take it over.
	ClaimLease time.Duration
}

// Runner polls the job table for due work and dispatches it to registered
// handlers. Claims use FOR UPDATE SKIP LOCKED so multiple runner instances
// never double-claim a job, and each claim stamps a lease: a running job
// whose lease expired (its worker crashed mid-flight) is claimed again like
// a pending one. Handlers are idempotent, so the worst case of a lease
// expiring under a live-but-slow worker is a second invocation, never a
// lost job.
type Runner struct {
	pool     *pgxpool.Pool
	cfg      RunnerConfig
	handlers map[string]Handler
	log      *slog.Logger
	now      func() time.Time
}

// NewRunner builds a runner. Handlers are registered per job kind before Run.
func NewRunner(pool *pgxpool.Pool, cfg RunnerConfig, log *slog.Logger) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = 16
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 5 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		pool:     pool,
		cfg:      cfg,
		handlers: make(map[string]Handler),
		log:      log,
		now:      time.Now,
	}
}

// Register binds a handler to a job kind.
func (r *Runner) Register(kind string, h Handler) {
	r.handlers[kind] = h
}

// Run polls until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.tick(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("job tick failed", "err", err)
			}
		}
	}
}

type claimedJob struct {
	Job
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

func (r *Runner) tick(ctx context.Context) error {
	jobs, err := r.claimDue(ctx)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			r.dispatch(gctx, job)
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) claimDue(ctx context.Context) ([]claimedJob, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("schedule: begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const claimSQL = `
SELECT id, kind, payload, run_at, attempts, max_attempts, base_delay_ms, max_delay_ms
FROM scheduled_jobs
WHERE run_at <= now()
  AND (status = 'pending'
       OR (status = 'running' AND claimed_at <= now() - ($2::bigint * interval '1 millisecond')))
ORDER BY run_at
LIMIT $1
FOR UPDATE SKIP LOCKED
`
	rows, err := tx.Query(ctx, claimSQL, r.cfg.ClaimBatch, r.cfg.ClaimLease.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("schedule: claim due jobs: %w", err)
	}

	var jobs []claimedJob
	for rows.Next() {
		var (
			j      claimedJob
			baseMS int64
			maxMS  int64
		)
		if err := rows.Scan(&j.ID, &j.Kind, &j.Payload, &j.RunAt, &j.Attempts, &j.maxAttempts, &baseMS, &maxMS); err != nil {
			rows.Close()
			return nil, fmt.Errorf("schedule: scan job: %w", err)
		}
		j.baseDelay = time.Duration(baseMS) * time.Millisecond
		j.maxDelay = time.Duration(maxMS) * time.Millisecond
		jobs = append(jobs, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schedule: iterate jobs: %w", err)
	}

	for _, j := range jobs {
		if _, err := tx.Exec(ctx, `UPDATE scheduled_jobs SET status = 'running', claimed_at = now() WHERE id = $1`, j.ID); err != nil {
			return nil, fmt.Errorf("schedule: mark running %s: %w", j.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("schedule: commit claim: %w", err)
	}
	return jobs, nil
}

func (r *Runner) dispatch(ctx context.Context, job claimedJob) {
	h, ok := r.handlers[job.Kind]
	if !ok {
		r.log.Error("no handler for job kind", "kind", job.Kind, "job", job.ID)
		r.park(ctx, job.ID, "no handler registered")
		return
	}

	err := h(ctx, job.Job)
	if err == nil {
		if _, dbErr := r.pool.Exec(ctx, `UPDATE scheduled_jobs SET status = 'done', finished_at = now() WHERE id = $1 AND status = 'running'`, job.ID); dbErr != nil {
			r.log.Error("mark job done failed", "job", job.ID, "err", dbErr)
		}
		return
	}

	attempts := job.Attempts + 1
	policy := RetryPolicy{MaxAttempts: job.maxAttempts, BaseDelay: job.baseDelay, MaxDelay: job.maxDelay}
	if attempts >= policy.MaxAttempts {
		r.log.Error("job exhausted retries, parked for reconciliation",
			"job", job.ID, "kind", job.Kind, "attempts", attempts, "err", err)
		r.park(ctx, job.ID, err.Error())
		return
	}

	next := r.now().Add(policy.Delay(attempts))
	r.log.Warn("job failed, retrying", "job", job.ID, "kind", job.Kind, "attempt", attempts, "next", next, "err", err)
	const retrySQL = `
UPDATE scheduled_jobs
SET status = 'pending', attempts = $2, run_at = $3, last_error = $4
WHERE id = $1 AND status = 'running'
`
	if _, dbErr := r.pool.Exec(ctx, retrySQL, job.ID, attempts, next.UTC(), err.Error()); dbErr != nil {
		r.log.Error("requeue job failed", "job", job.ID, "err", dbErr)
	}
}

// park marks a job dead. Dead jobs are never retried automatically; the row
// plus the error log is the operator's reconciliation surface.
func (r *Runner) park(ctx context.Context, jobID, reason string) {
	const deadSQL = `
UPDATE scheduled_jobs
SET status = 'dead', last_error = $2, finished_at = now()
WHERE id = $1 AND status = 'running'
`
	if _, err := r.pool.Exec(ctx, deadSQL, jobID, reason); err != nil {
		r.log.Error("park job failed", "job", jobID, "err", err)
	}
}
