// Package schedule provides the delayed-job capability the engine consumes
// for auction closure, settlement, and refunds: enqueue with a stable job id,
// reschedule, cancel, and a polling runner that guarantees eventual single
// invocation per enqueued id with bounded retry.
package schedule

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrJobNotFound is returned when no pending job exists for the id.
	ErrJobNotFound = errors.New("schedule: job not found")
)

// Job statuses as stored.
const (
	jobStatusPending   = "pending"
	jobStatusRunning   = "running"
	jobStatusDone      = "done"
	jobStatusCancelled = "cancelled"
	jobStatusDead      = "dead"
)

// Job is one delayed invocation. ID is caller-chosen and unique: enqueueing
// the same id twice is a no-op, which is what makes refund and settlement
// fan-out retry-safe.
type Job struct {
	ID       string
	Kind     string
	Payload  []byte
	RunAt    time.Time
	Attempts int
}

// RetryPolicy bounds how a failing job is retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy suits money-movement jobs: bounded, exponential, capped.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 6,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    2 * time.Minute,
}

// Delay returns the backoff before the given retry attempt (1-based),
// doubling from BaseDelay and capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Scheduler is the capability interface consumed by the state machine and the
// settlement orchestrator.
type Scheduler interface {
	// Enqueue registers the job unless a job with the same id was ever
	// enqueued before.
	Enqueue(ctx context.Context, job Job, policy RetryPolicy) error
	// Reschedule moves a pending job to a new run time, atomically replacing
	// the old firing so exactly one invocation stays pending.
	Reschedule(ctx context.Context, jobID string, runAt time.Time) error
	// Cancel removes a pending job. Cancelling a missing or finished job is
	// not an error; the closure re-check is the correctness backstop.
	Cancel(ctx context.Context, jobID string) error
}

// Handler processes one job invocation. Returning an error triggers the
// job's retry policy; exhausting it parks the job as dead.
type Handler func(ctx context.Context, job Job) error
