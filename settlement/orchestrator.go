package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"auctionflow/auction"
	"auctionflow/ledger"
	"auctionflow/schedule"
)

// EscrowStore abstracts escrow persistence for the orchestrator.
type EscrowStore interface {
	GetByAuction(ctx context.Context, auctionID string) (Escrow, error)
	Create(ctx context.Context, e Escrow) error
}

// BidStore is the read-plus-refund slice of the auction store settlement is
// allowed to touch: closed-auction bids only.
type BidStore interface {
	GetBid(ctx context.Context, id string) (auction.Bid, error)
	ListBidsByAuction(ctx context.Context, auctionID string) ([]auction.Bid, error)
	MarkBidReleased(ctx context.Context, bidID string, status auction.BidStatus) error
}

// Orchestrator owns the monetary outcome of a closed auction. Both handlers
// run as scheduled jobs: transient ledger failures bubble up and ride the
// job's bounded backoff, exhaustion parks the job for reconciliation.
type Orchestrator struct {
	escrows EscrowStore
	bids    BidStore
	ledger  ledger.Ledger
	sched   schedule.Scheduler
	bus     auction.EventPublisher
	log     *slog.Logger
	now     func() time.Time
	idGen   func() string
}

// NewOrchestrator builds the settlement orchestrator.
func NewOrchestrator(escrows EscrowStore, bids BidStore, lgr ledger.Ledger, sched schedule.Scheduler, bus auction.EventPublisher, log *slog.Logger) *Orchestrator {
	if bus == nil {
		bus = auction.NopPublisher{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		escrows: escrows,
		bids:    bids,
		ledger:  lgr,
		sched:   sched,
		bus:     bus,
		log:     log,
		now:     time.Now,
		idGen:   func() string { return uuid.NewString() },
	}
}

// RegisterHandlers binds the settlement job kinds to the runner.
func (o *Orchestrator) RegisterHandlers(r *schedule.Runner) {
	r.Register(auction.JobKindSettle, o.HandleSettle)
	r.Register(JobKindRefund, o.HandleRefund)
}

// HandleSettle is the settle:{auctionID} job body.
func (o *Orchestrator) HandleSettle(ctx context.Context, job schedule.Job) error {
	closed, err := auction.UnmarshalClosed(job.Payload)
	if err != nil {
		return err
	}
	return o.OnClosed(ctx, closed)
}

// OnClosed settles a closed auction: escrow for the winner, one refund job
// per losing locked bid. Safe to replay in full; every step checks for its
// own prior completion first.
func (o *Orchestrator) OnClosed(ctx context.Context, closed auction.AuctionClosed) error {
	if closed.HasWinner() {
		if err := o.ensureEscrow(ctx, closed); err != nil {
			return err
		}
	}
	return o.enqueueRefunds(ctx, closed.AuctionID)
}

// ensureEscrow converts the winner's fund lock into the auction's escrow
// account and records the escrow. The funds are already locked and safe, so
// a failure here is surfaced and retried, never rolled back.
func (o *Orchestrator) ensureEscrow(ctx context.Context, closed auction.AuctionClosed) error {
	switch _, err := o.escrows.GetByAuction(ctx, closed.AuctionID); {
	case err == nil:
		return nil // settled on a previous attempt
	case errors.Is(err, ErrEscrowNotFound):
		// continue
	default:
		return err
	}

	winningBid, err := o.bids.GetBid(ctx, closed.WinningBidID)
	if err != nil {
		return fmt.Errorf("settlement: load winning bid: %w", err)
	}

	receipt, err := o.ledger.Transfer(ctx, winningBid.LockID, EscrowAccount(closed.AuctionID), closed.Amount)
	if err != nil && !errors.Is(err, ledger.ErrLockConsumed) {
		// ErrLockConsumed means a prior attempt moved the funds before the
		// escrow row landed; recording the escrow below completes the replay.
		return fmt.Errorf("settlement: escrow transfer: %w", err)
	}

	esc := Escrow{
		ID:        o.idGen(),
		AuctionID: closed.AuctionID,
		WinnerID:  closed.Winner,
		SellerID:  closed.SellerID,
		Amount:    closed.Amount,
		LockID:    winningBid.LockID,
		ReceiptID: receipt.ID,
		Status:    EscrowStatusCreated,
	}
	if err := o.escrows.Create(ctx, esc); err != nil {
		if errors.Is(err, ErrEscrowExists) {
			return nil
		}
		return err
	}

	o.bus.Publish(closed.AuctionID, auction.EventEscrowCreated, map[string]any{
		"auction_id": closed.AuctionID,
		"escrow_id":  esc.ID,
		"winner":     closed.Winner,
		"amount":     closed.Amount,
	})
	return nil
}

func (o *Orchestrator) enqueueRefunds(ctx context.Context, auctionID string) error {
	bids, err := o.bids.ListBidsByAuction(ctx, auctionID)
	if err != nil {
		return err
	}

	for _, b := range bids {
		if b.Status != auction.BidStatusLost || !b.FundsLocked {
			continue
		}
		payload, err := json.Marshal(RefundPayload{
			BidID:     b.ID,
			AuctionID: auctionID,
			BidderID:  b.BidderID,
			Amount:    b.Amount,
		})
		if err != nil {
			return fmt.Errorf("settlement: marshal refund payload: %w", err)
		}
		// The job id is the bid id, so replays of this fan-out enqueue each
		// refund at most once.
		if err := o.sched.Enqueue(ctx, schedule.Job{
			ID:      RefundJobID(b.ID),
			Kind:    JobKindRefund,
			Payload: payload,
			RunAt:   o.now(),
		}, schedule.DefaultRetryPolicy); err != nil {
			return err
		}
	}
	return nil
}

// HandleRefund is the refund:{bidID} job body. Idempotent per bid: a bid
// already refunded is a no-op success.
func (o *Orchestrator) HandleRefund(ctx context.Context, job schedule.Job) error {
	var payload RefundPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("settlement: unmarshal refund payload: %w", err)
	}

	bid, err := o.bids.GetBid(ctx, payload.BidID)
	if err != nil {
		return err
	}
	if bid.Status == auction.BidStatusRefunded || !bid.FundsLocked {
		return nil
	}

	if _, err := o.ledger.Release(ctx, bid.LockID); err != nil {
		if !errors.Is(err, ledger.ErrLockConsumed) {
			// Unknown outcomes return here too: the next attempt re-reads
			// the bid and the ledger lock state before moving money again.
			return fmt.Errorf("settlement: refund release: %w", err)
		}
		// Released by a prior attempt that died before marking the bid.
	}

	if err := o.bids.MarkBidReleased(ctx, bid.ID, auction.BidStatusRefunded); err != nil {
		return err
	}

	o.bus.Publish(payload.AuctionID, auction.EventBidRefunded, map[string]any{
		"auction_id": payload.AuctionID,
		"bid_id":     bid.ID,
		"bidder_id":  bid.BidderID,
		"amount":     bid.Amount,
	})
	return nil
}
