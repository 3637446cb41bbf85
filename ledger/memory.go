package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Memory is an in-process Ledger used by tests and single-node dev wiring.
// Release and Transfer are idempotent per lock id, matching the contract real
// ledger backends are required to honour.
type Memory struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	locks    map[string]memLock
	now      func() time.Time
}

type memLock struct {
	accountID string
	amount    decimal.Decimal
	consumed  bool
}

// NewMemory builds an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		balances: make(map[string]decimal.Decimal),
		locks:    make(map[string]memLock),
		now:      time.Now,
	}
}

// Credit adds funds to an account, creating it if needed.
func (m *Memory) Credit(accountID string, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[accountID] = m.balances[accountID].Add(amount)
}

// Balance returns the available balance without the Ledger error contract.
func (m *Memory) Balance(accountID string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[accountID]
}

func (m *Memory) AvailableBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.balances[accountID]
	if !ok {
		return decimal.Zero, ErrAccountNotFound
	}
	return bal, nil
}

func (m *Memory) Lock(ctx context.Context, accountID string, amount decimal.Decimal, reason string) (LockReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[accountID]
	if !ok {
		return LockReceipt{}, ErrAccountNotFound
	}
	if bal.LessThan(amount) {
		return LockReceipt{}, ErrInsufficientFunds
	}

	m.balances[accountID] = bal.Sub(amount)
	id := uuid.NewString()
	m.locks[id] = memLock{accountID: accountID, amount: amount}

	return LockReceipt{
		LockID:    id,
		AccountID: accountID,
		Amount:    amount,
		At:        m.now(),
	}, nil
}

func (m *Memory) Release(ctx context.Context, lockID string) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[lockID]
	if !ok {
		return Receipt{}, ErrLockNotFound
	}
	if l.consumed {
		return Receipt{}, ErrLockConsumed
	}

	l.consumed = true
	m.locks[lockID] = l
	m.balances[l.accountID] = m.balances[l.accountID].Add(l.amount)

	return Receipt{ID: uuid.NewString(), At: m.now()}, nil
}

func (m *Memory) Transfer(ctx context.Context, lockID, toAccount string, amount decimal.Decimal) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[lockID]
	if !ok {
		return Receipt{}, ErrLockNotFound
	}
	if l.consumed {
		return Receipt{}, ErrLockConsumed
	}
	if amount.GreaterThan(l.amount) {
		return Receipt{}, ErrInsufficientFunds
	}

	l.consumed = true
	m.locks[lockID] = l
	m.balances[toAccount] = m.balances[toAccount].Add(amount)
	// Any remainder of the hold goes back to the owner.
	if rest := l.amount.Sub(amount); rest.IsPositive() {
		m.balances[l.accountID] = m.balances[l.accountID].Add(rest)
	}

	return Receipt{ID: uuid.NewString(), At: m.now()}, nil
}
