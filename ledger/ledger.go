// Package ledger defines the capability interface the engine uses for every
// balance check and fund movement. The ledger is the sole owner of balance
// truth; the engine only consumes lock, release, and transfer outcomes.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientFunds signals the account balance cannot cover the amount.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	// ErrLockNotFound signals the referenced fund lock does not exist.
	ErrLockNotFound = errors.New("ledger: lock not found")
	// ErrLockConsumed signals the lock was already released or transferred.
	ErrLockConsumed = errors.New("ledger: lock already consumed")
	// ErrAccountNotFound signals the account does not exist.
	ErrAccountNotFound = errors.New("ledger: account not found")
)

// Receipt confirms a completed release or transfer.
type Receipt struct {
	ID string
	At time.Time
}

// LockReceipt confirms a fund lock and carries the handle used to release or
// transfer the held amount later.
type LockReceipt struct {
	LockID    string
	AccountID string
	Amount    decimal.Decimal
	At        time.Time
}

// Ledger is the external money-truth collaborator. Implementations must make
// Release and Transfer idempotent per lock id: replaying either against an
// already-consumed lock reports ErrLockConsumed rather than moving funds twice.
type Ledger interface {
	AvailableBalance(ctx context.Context, accountID string) (decimal.Decimal, error)
	Lock(ctx context.Context, accountID string, amount decimal.Decimal, reason string) (LockReceipt, error)
	Release(ctx context.Context, lockID string) (Receipt, error)
	Transfer(ctx context.Context, lockID, toAccount string, amount decimal.Decimal) (Receipt, error)
}

// TransientError marks a ledger failure that is safe to retry as-is.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("ledger: transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// OutcomeUnknownError marks a timed-out money movement whose effect on the
// ledger is unknown. Callers must verify state before retrying; a blind retry
// risks double-locking or double-refunding.
type OutcomeUnknownError struct {
	Op  string
	Err error
}

func (e *OutcomeUnknownError) Error() string {
	return fmt.Sprintf("ledger: %s outcome unknown: %v", e.Op, e.Err)
}
func (e *OutcomeUnknownError) Unwrap() error { return e.Err }

// IsTransient reports whether err may be retried without verification.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsOutcomeUnknown reports whether err hides a possibly-applied movement.
func IsOutcomeUnknown(err error) bool {
	var oe *OutcomeUnknownError
	return errors.As(err, &oe)
}
