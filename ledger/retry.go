package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
)

// RetryConfig bounds the backoff applied to transient ledger failures.
type RetryConfig struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig is the call-site policy for ledger operations.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:      4,
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     5 * time.Second,
}

// Retrier wraps a Ledger with bounded exponential backoff. Only transient
// failures are retried. Deadline expiry during Lock, Release, or Transfer is
// surfaced as OutcomeUnknownError and never retried here: those operations may
// have been applied, and only their idempotent owners can safely verify and
// retry.
type Retrier struct {
	inner Ledger
	cfg   RetryConfig
}

// NewRetrier builds a Retrier around the given ledger.
func NewRetrier(inner Ledger, cfg RetryConfig) *Retrier {
	if cfg.MaxRetries == 0 {
		cfg = DefaultRetryConfig
	}
	return &Retrier{inner: inner, cfg: cfg}
}

func (r *Retrier) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval
	return backoff.WithContext(backoff.WithMaxRetries(b, r.cfg.MaxRetries), ctx)
}

// AvailableBalance retries transient failures; a balance read has no side
// effects so deadline expiry is retried like any other transient error.
func (r *Retrier) AvailableBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	var out decimal.Decimal
	op := func() error {
		var err error
		out, err = r.inner.AvailableBalance(ctx, accountID)
		return classifyRead(err)
	}
	if err := backoff.Retry(op, r.backoff(ctx)); err != nil {
		return decimal.Zero, unwrapPermanent(err)
	}
	return out, nil
}

// Lock retries transient failures but converts deadline expiry into an
// unknown outcome: the hold may exist on the ledger side.
func (r *Retrier) Lock(ctx context.Context, accountID string, amount decimal.Decimal, reason string) (LockReceipt, error) {
	var out LockReceipt
	op := func() error {
		var err error
		out, err = r.inner.Lock(ctx, accountID, amount, reason)
		return classifyMovement("lock", err)
	}
	if err := backoff.Retry(op, r.backoff(ctx)); err != nil {
		return LockReceipt{}, unwrapPermanent(err)
	}
	return out, nil
}

// Release retries transient failures with the same unknown-outcome guard.
func (r *Retrier) Release(ctx context.Context, lockID string) (Receipt, error) {
	var out Receipt
	op := func() error {
		var err error
		out, err = r.inner.Release(ctx, lockID)
		return classifyMovement("release", err)
	}
	if err := backoff.Retry(op, r.backoff(ctx)); err != nil {
		return Receipt{}, unwrapPermanent(err)
	}
	return out, nil
}

// Transfer retries transient failures with the same unknown-outcome guard.
func (r *Retrier) Transfer(ctx context.Context, lockID, toAccount string, amount decimal.Decimal) (Receipt, error) {
	var out Receipt
	op := func() error {
		var err error
		out, err = r.inner.Transfer(ctx, lockID, toAccount, amount)
		return classifyMovement("transfer", err)
	}
	if err := backoff.Retry(op, r.backoff(ctx)); err != nil {
		return Receipt{}, unwrapPermanent(err)
	}
	return out, nil
}

func classifyRead(err error) error {
	switch {
	case err == nil:
		return nil
	case IsTransient(err), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return backoff.Permanent(err)
	}
}

func classifyMovement(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return backoff.Permanent(&OutcomeUnknownError{Op: op, Err: err})
	case IsTransient(err):
		return err
	default:
		return backoff.Permanent(err)
	}
}

func unwrapPermanent(err error) error {
	var pe *backoff.PermanentError
	if errors.As(err, &pe) {
		return pe.Err
	}
	return err
}
