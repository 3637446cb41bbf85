package auction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"auctionflow/schedule"
)

// Job kinds and ids owned by the engine.
const (
	JobKindClose  = "auction.close"
	JobKindSettle = "auction.settle"
)

// CloseJobID returns the stable id of an auction's closure job. One closure
// job is pending per active auction at any time.
func CloseJobID(auctionID string) string { return "close:" + auctionID }

// SettleJobID returns the stable id of an auction's settlement job, unique
// per auction so closure can never trigger settlement twice.
func SettleJobID(auctionID string) string { return "settle:" + auctionID }

// Engine is the auction state machine: the sole mutator of currentBid,
// highestBidder, and bid status while an auction is active. Serialization is
// optimistic: every mutation re-reads and commits through a version-guarded
// compare-and-set rather than holding a lock.
type Engine struct {
	store Store
	sched schedule.Scheduler
	bus   EventPublisher
	log   *slog.Logger
	now   func() time.Time
}

// NewEngine builds the state machine.
func NewEngine(store Store, sched schedule.Scheduler, bus EventPublisher, log *slog.Logger) *Engine {
	if bus == nil {
		bus = NopPublisher{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store: store,
		sched: sched,
		bus:   bus,
		log:   log,
		now:   time.Now,
	}
}

// WithClock overrides the engine clock; tests drive time through this.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// ApplyBid attempts to commit the bid as the new leading bid. The caller must
// already hold a confirmed fund lock for the bid. A lost race returns
// ErrBidConflict and mutates nothing; the caller owns releasing the lock.
func (e *Engine) ApplyBid(ctx context.Context, auctionID string, bid Bid) (BidApplied, error) {
	now := e.now()

	// Fresh read: the validation that admitted this bid may be stale by now.
	a, err := e.store.GetAuction(ctx, auctionID)
	if err != nil {
		return BidApplied{}, err
	}
	if a.Status != StatusActive {
		return BidApplied{}, ErrNotActive
	}
	if a.Expired(now) {
		return BidApplied{}, ErrDeadlinePassed
	}
	if bid.Amount.LessThan(a.MinimumBid()) {
		// Someone else raised the price between validation and commit.
		return BidApplied{}, ErrBidConflict
	}

	var newEnd *time.Time
	if a.InExtensionWindow(now) {
		t := now.Add(a.ExtensionWindow)
		newEnd = &t
	}

	committed, err := e.store.CommitLeadingBid(ctx, CommitLeadingBidParams{
		AuctionID:       auctionID,
		ExpectedVersion: a.Version,
		BidID:           bid.ID,
		BidderID:        bid.BidderID,
		Amount:          bid.Amount,
		At:              now,
		NewEndTime:      newEnd,
	})
	if err != nil {
		if errors.Is(err, ErrStaleVersion) {
			return BidApplied{}, ErrBidConflict
		}
		return BidApplied{}, err
	}

	if newEnd != nil {
		// Cancel-then-reenqueue so exactly one closure firing stays pending.
		// A failure here never rolls back the committed bid: the closure
		// re-check keeps any stale job harmless, and the error log is the
		// operational alert.
		if err := e.sched.Reschedule(ctx, CloseJobID(auctionID), *newEnd); err != nil {
			e.log.Error("closure job reschedule failed", "auction", auctionID, "end_time", *newEnd, "err", err)
		}
	}

	applied := BidApplied{
		AuctionID:  auctionID,
		BidID:      bid.ID,
		BidderID:   bid.BidderID,
		Amount:     bid.Amount,
		TotalBids:  committed.TotalBids,
		NewEndTime: newEnd,
		At:         now,
	}

	e.bus.Publish(auctionID, EventBidUpdate, applied)
	if applied.Extended() {
		e.bus.Publish(auctionID, EventAuctionExtended, map[string]any{
			"auction_id":   auctionID,
			"new_end_time": newEnd.UTC(),
		})
	}

	return applied, nil
}

// ScheduleClosure enqueues the closure job for a newly activated auction.
func (e *Engine) ScheduleClosure(ctx context.Context, auctionID string, endTime time.Time) error {
	payload, err := json.Marshal(closePayload{AuctionID: auctionID})
	if err != nil {
		return fmt.Errorf("auction: marshal close payload: %w", err)
	}
	return e.sched.Enqueue(ctx, schedule.Job{
		ID:      CloseJobID(auctionID),
		Kind:    JobKindClose,
		Payload: payload,
		RunAt:   endTime,
	}, schedule.DefaultRetryPolicy)
}

type closePayload struct {
	AuctionID string `json:"auction_id"`
}

// HandleClose is the close:{auctionID} job body. A firing against a deadline
// that has since moved forward is a successful no-op.
func (e *Engine) HandleClose(ctx context.Context, job schedule.Job) error {
	var payload closePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("auction: unmarshal close payload: %w", err)
	}
	_, err := e.Close(ctx, payload.AuctionID)
	if errors.Is(err, ErrCloseNotDue) {
		return nil
	}
	return err
}

// Close ends the auction at its deadline. Invoked by the closure job, and
// safe against every race that job can be part of: already-ended auctions
// return the prior outcome (settlement stays single-fire through the per-id
// job dedupe), and a job firing against an extended deadline is a no-op.
func (e *Engine) Close(ctx context.Context, auctionID string) (AuctionClosed, error) {
	return e.close(ctx, auctionID, false)
}

// CloseManually is the seller-triggered early close; it follows the same
// closure path but skips the deadline check and cancels the pending job.
func (e *Engine) CloseManually(ctx context.Context, auctionID, requesterID string) (AuctionClosed, error) {
	a, err := e.store.GetAuction(ctx, auctionID)
	if err != nil {
		return AuctionClosed{}, err
	}
	if a.SellerID != requesterID {
		return AuctionClosed{}, ErrNotSeller
	}

	closed, err := e.close(ctx, auctionID, true)
	if err != nil {
		return AuctionClosed{}, err
	}

	if err := e.sched.Cancel(ctx, CloseJobID(auctionID)); err != nil {
		// The dangling job fires against an ended auction and no-ops.
		e.log.Warn("cancel closure job failed after manual close", "auction", auctionID, "err", err)
	}
	return closed, nil
}

func (e *Engine) close(ctx context.Context, auctionID string, force bool) (AuctionClosed, error) {
	now := e.now()

	a, err := e.store.GetAuction(ctx, auctionID)
	if err != nil {
		return AuctionClosed{}, err
	}

	switch a.Status {
	case StatusEnded:
		return e.replayClosed(ctx, a)
	case StatusActive:
		// proceed
	default:
		return AuctionClosed{}, ErrNotActive
	}

	if !force && !a.Expired(now) {
		// Stale job racing an extension; the rescheduled firing handles it.
		return AuctionClosed{}, ErrCloseNotDue
	}

	winner := ""
	winningBidID := ""
	if a.HighestBidder != "" && a.ReserveMet() {
		winner = a.HighestBidder
		winningBidID, err = e.winningBidID(ctx, a)
		if err != nil {
			return AuctionClosed{}, err
		}
	}

	closedAuction, err := e.store.CloseAuction(ctx, CloseAuctionParams{
		AuctionID:       auctionID,
		ExpectedVersion: a.Version,
		Winner:          winner,
		WinningBidID:    winningBidID,
		At:              now,
	})
	if err != nil {
		if errors.Is(err, ErrStaleVersion) {
			// A bid (possibly extending the deadline) won the race. Re-read:
			// either the auction ended under us or this close is stale.
			fresh, rerr := e.store.GetAuction(ctx, auctionID)
			if rerr != nil {
				return AuctionClosed{}, rerr
			}
			if fresh.Status == StatusEnded {
				return e.replayClosed(ctx, fresh)
			}
			return AuctionClosed{}, ErrCloseNotDue
		}
		return AuctionClosed{}, err
	}

	closed := AuctionClosed{
		AuctionID:    auctionID,
		SellerID:     closedAuction.SellerID,
		Winner:       winner,
		WinningBidID: winningBidID,
		Amount:       closedAuction.CurrentBid,
		ReserveMet:   winner != "",
		ClosedAt:     now,
	}

	// Settlement runs as a job so escrow creation and refunds inherit the
	// scheduler's bounded backoff. The job id is unique per auction, and a
	// failure here surfaces as a close-job retry that re-enqueues through
	// the ended branch above.
	if err := e.enqueueSettlement(ctx, closed); err != nil {
		return AuctionClosed{}, err
	}

	e.bus.Publish(auctionID, EventAuctionEnded, closed)

	return closed, nil
}

// replayClosed reports the recorded outcome of an ended auction and re-issues
// the settlement hand-off. The enqueue is keyed per auction, so a replay after
// a successful enqueue is a no-op while a replay after a failed one repairs it
// instead of stranding locked funds.
func (e *Engine) replayClosed(ctx context.Context, a Auction) (AuctionClosed, error) {
	closed := closedFromSnapshot(a)
	if closed.HasWinner() {
		var err error
		closed.WinningBidID, err = e.wonBidID(ctx, a)
		if err != nil {
			return AuctionClosed{}, err
		}
	}
	if err := e.enqueueSettlement(ctx, closed); err != nil {
		return AuctionClosed{}, err
	}
	return closed, nil
}

func (e *Engine) enqueueSettlement(ctx context.Context, closed AuctionClosed) error {
	payload, err := closed.marshal()
	if err != nil {
		return err
	}
	if err := e.sched.Enqueue(ctx, schedule.Job{
		ID:      SettleJobID(closed.AuctionID),
		Kind:    JobKindSettle,
		Payload: payload,
		RunAt:   e.now(),
	}, schedule.DefaultRetryPolicy); err != nil {
		e.log.Error("settlement enqueue failed", "auction", closed.AuctionID, "err", err)
		return fmt.Errorf("auction: enqueue settlement: %w", err)
	}
	return nil
}

func (e *Engine) winningBidID(ctx context.Context, a Auction) (string, error) {
	bids, err := e.store.ListBidsByAuction(ctx, a.ID)
	if err != nil {
		return "", err
	}
	for _, b := range bids {
		if b.Status == BidStatusWinning {
			return b.ID, nil
		}
	}
	return "", fmt.Errorf("auction: %s has a highest bidder but no winning bid", a.ID)
}

func (e *Engine) wonBidID(ctx context.Context, a Auction) (string, error) {
	bids, err := e.store.ListBidsByAuction(ctx, a.ID)
	if err != nil {
		return "", err
	}
	for _, b := range bids {
		if b.Status == BidStatusWon {
			return b.ID, nil
		}
	}
	return "", fmt.Errorf("auction: %s recorded winner %s but no won bid", a.ID, a.Winner)
}

func closedFromSnapshot(a Auction) AuctionClosed {
	return AuctionClosed{
		AuctionID:  a.ID,
		SellerID:   a.SellerID,
		Winner:     a.Winner,
		Amount:     a.CurrentBid,
		ReserveMet: a.Winner != "",
		ClosedAt:   a.UpdatedAt,
	}
}
