package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"auctionflow/ledger"
)

// defaultWithdrawCutoff applies when an auction carries no extension window.
const defaultWithdrawCutoff = 5 * time.Minute

// Accepted is the successful intake result.
type Accepted struct {
	BidID  string
	Status BidStatus
	Amount decimal.Decimal
	// NewEndTime is set when the bid triggered auto-extension.
	NewEndTime *time.Time
}

// Intake admits or rejects bid requests against current auction state and the
// caller's ledger balance, then hands admitted bids to the state machine.
// Rejections never mutate the auction or other bids.
type Intake struct {
	store  Store
	ledger ledger.Ledger
	engine *Engine
	bus    EventPublisher
	log    *slog.Logger
	now    func() time.Time
	idGen  func() string

	withdrawCutoff time.Duration
}

// NewIntake builds the intake pipeline.
func NewIntake(store Store, lgr ledger.Ledger, engine *Engine, bus EventPublisher, log *slog.Logger) *Intake {
	if bus == nil {
		bus = NopPublisher{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Intake{
		store:          store,
		ledger:         lgr,
		engine:         engine,
		bus:            bus,
		log:            log,
		now:            time.Now,
		idGen:          func() string { return uuid.NewString() },
		withdrawCutoff: defaultWithdrawCutoff,
	}
}

// WithClock overrides the intake clock.
func (s *Intake) WithClock(now func() time.Time) *Intake {
	s.now = now
	return s
}

// WithWithdrawCutoff overrides the default no-withdrawal window.
func (s *Intake) WithWithdrawCutoff(d time.Duration) *Intake {
	if d > 0 {
		s.withdrawCutoff = d
	}
	return s
}

// Submit runs the intake checks in order, short-circuiting on the first
// failure: auction active, deadline not passed, not a self-bid, amount meets
// the strict minimum increment, balance covers the amount. On success the bid
// is created pending, its funds are locked, and it is handed to the state
// machine. A lost compare-and-set releases the lock and surfaces
// ErrBidConflict, distinct from any validation failure.
func (s *Intake) Submit(ctx context.Context, auctionID, bidderID string, amount decimal.Decimal) (Accepted, error) {
	now := s.now()

	a, err := s.store.GetAuction(ctx, auctionID)
	if err != nil {
		return Accepted{}, err
	}
	if a.Status != StatusActive {
		return Accepted{}, ErrNotActive
	}
	if a.Expired(now) {
		// The closure job may not have fired yet; new bids are still refused.
		return Accepted{}, ErrDeadlinePassed
	}
	if bidderID == a.SellerID {
		return Accepted{}, ErrSelfBid
	}
	if amount.LessThan(a.MinimumBid()) {
		return Accepted{}, fmt.Errorf("%w: minimum is %s", ErrBelowMinimum, a.MinimumBid())
	}

	balance, err := s.ledger.AvailableBalance(ctx, bidderID)
	if err != nil {
		return Accepted{}, fmt.Errorf("auction: balance check: %w", err)
	}
	if balance.LessThan(amount) {
		return Accepted{}, ErrInsufficientFunds
	}

	bid := Bid{
		ID:        s.idGen(),
		AuctionID: auctionID,
		BidderID:  bidderID,
		Amount:    amount,
		Status:    BidStatusPending,
	}
	if err := s.store.CreateBid(ctx, bid); err != nil {
		return Accepted{}, err
	}

	lock, err := s.ledger.Lock(ctx, bidderID, amount, "bid:"+bid.ID)
	if err != nil {
		if markErr := s.store.SetBidStatus(ctx, bid.ID, BidStatusCancelled); markErr != nil {
			s.log.Error("cancel unlocked bid failed", "bid", bid.ID, "err", markErr)
		}
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return Accepted{}, ErrInsufficientFunds
		}
		return Accepted{}, fmt.Errorf("auction: fund lock: %w", err)
	}
	if err := s.store.SetBidLock(ctx, bid.ID, lock.LockID); err != nil {
		// The hold is confirmed but its handle never reached the store; give
		// the money back before surfacing the failure.
		bid.LockID = lock.LockID
		s.unwind(ctx, bid)
		return Accepted{}, err
	}
	bid.LockID = lock.LockID
	bid.FundsLocked = true

	applied, err := s.engine.ApplyBid(ctx, auctionID, bid)
	if err != nil {
		s.unwind(ctx, bid)
		return Accepted{}, err
	}

	s.bus.Publish(auctionID, EventBidPlaced, applied)

	return Accepted{
		BidID:      bid.ID,
		Status:     BidStatusWinning,
		Amount:     amount,
		NewEndTime: applied.NewEndTime,
	}, nil
}

// unwind releases the fund lock of a bid that failed to commit and retires
// the bid. Runs before the caller learns about the conflict so the money is
// already back when they retry.
func (s *Intake) unwind(ctx context.Context, bid Bid) {
	if _, err := s.ledger.Release(ctx, bid.LockID); err != nil && !errors.Is(err, ledger.ErrLockConsumed) {
		// Unknown outcomes included: surfaced for reconciliation, the bid
		// stays cancelled either way.
		s.log.Error("release lock for superseded bid failed", "bid", bid.ID, "lock", bid.LockID, "err", err)
	}
	if err := s.store.MarkBidReleased(ctx, bid.ID, BidStatusCancelled); err != nil {
		s.log.Error("retire superseded bid failed", "bid", bid.ID, "err", err)
	}
}

// Withdraw cancels the requester's own bid and releases its fund lock. A
// winning or won bid cannot be withdrawn, and neither can any bid inside the
// no-withdrawal window before the deadline.
func (s *Intake) Withdraw(ctx context.Context, bidID, requesterID string) error {
	now := s.now()

	bid, err := s.store.GetBid(ctx, bidID)
	if err != nil {
		return err
	}
	if bid.BidderID != requesterID {
		return ErrWithdrawForbidden
	}
	if bid.Status == BidStatusWinning || bid.Status == BidStatusWon {
		return ErrWithdrawForbidden
	}
	if bid.Status.Terminal() {
		// Already cancelled/lost/refunded; nothing to withdraw.
		return ErrWithdrawForbidden
	}

	a, err := s.store.GetAuction(ctx, bid.AuctionID)
	if err != nil {
		return err
	}
	if a.Status == StatusActive {
		cutoff := s.withdrawCutoff
		if a.ExtensionWindow > 0 {
			cutoff = a.ExtensionWindow
		}
		if a.TimeRemaining(now) < cutoff {
			return ErrWithdrawForbidden
		}
	}

	if bid.FundsLocked {
		if _, err := s.ledger.Release(ctx, bid.LockID); err != nil && !errors.Is(err, ledger.ErrLockConsumed) {
			return fmt.Errorf("auction: release withdrawn bid: %w", err)
		}
	}
	return s.store.MarkBidReleased(ctx, bidID, BidStatusCancelled)
}
