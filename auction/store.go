package auction

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrStaleVersion is the storage-level compare-and-set failure: the auction
// changed between read and commit. The engine translates it into
// ErrBidConflict for bids and into a re-read for closure.
var ErrStaleVersion = errors.New("auction: stale version")

// CommitLeadingBidParams is one leading-bid commit. ExpectedVersion carries
// the version observed by the fresh pre-commit read; the store must refuse
// the commit if the row has moved on.
type CommitLeadingBidParams struct {
	AuctionID       string
	ExpectedVersion int64
	BidID           string
	BidderID        string
	Amount          decimal.Decimal
	At              time.Time
	// NewEndTime is set when the bid triggers auto-extension; nil leaves the
	// deadline untouched. The deadline only ever moves forward.
	NewEndTime *time.Time
}

// CloseAuctionParams is the single closure commit for one auction.
type CloseAuctionParams struct {
	AuctionID       string
	ExpectedVersion int64
	// Winner is empty when the reserve was not met.
	Winner       string
	WinningBidID string
	At           time.Time
}

// Store is the durable state the engine owns. Implementations must make
// CommitLeadingBid and CloseAuction atomic: the auction row update and the
// bid status flips happen together or not at all.
type Store interface {
	GetAuction(ctx context.Context, id string) (Auction, error)
	GetBid(ctx context.Context, id string) (Bid, error)
	ListBidsByAuction(ctx context.Context, auctionID string) ([]Bid, error)

	CreateBid(ctx context.Context, bid Bid) error
	// SetBidLock records a confirmed ledger lock against a pending bid.
	SetBidLock(ctx context.Context, bidID, lockID string) error
	// SetBidStatus moves a bid between non-terminal states.
	SetBidStatus(ctx context.Context, bidID string, status BidStatus) error
	// MarkBidReleased records that the bid's fund lock no longer holds money
	// and moves the bid to the given terminal state.
	MarkBidReleased(ctx context.Context, bidID string, status BidStatus) error

	// CommitLeadingBid applies a winning bid: previous winning bid → outbid,
	// new bid → winning, auction price/counters/deadline update, version
	// bump. Fails with ErrStaleVersion on a lost compare-and-set.
	CommitLeadingBid(ctx context.Context, params CommitLeadingBidParams) (Auction, error)

	// CloseAuction ends the auction: status → ended, winner recorded, the
	// winning bid → won, every other non-terminal bid → lost. Fails with
	// ErrStaleVersion on a lost compare-and-set.
	CloseAuction(ctx context.Context, params CloseAuctionParams) (Auction, error)
}
