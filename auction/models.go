package auction

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the auction lifecycle state. The engine only ever drives the
// active → ended transition; every other transition belongs to external
// tooling.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusEnded     Status = "ended"
	StatusCancelled Status = "cancelled"
	StatusSuspended Status = "suspended"
)

// BidStatus is the bid lifecycle state.
type BidStatus string

const (
	BidStatusPending   BidStatus = "pending"
	BidStatusActive    BidStatus = "active"
	BidStatusOutbid    BidStatus = "outbid"
	BidStatusWinning   BidStatus = "winning"
	BidStatusWon       BidStatus = "won"
	BidStatusLost      BidStatus = "lost"
	BidStatusCancelled BidStatus = "cancelled"
	BidStatusRefunded  BidStatus = "refunded"
)

// Terminal reports whether the bid can never transition again.
func (s BidStatus) Terminal() bool {
	switch s {
	case BidStatusWon, BidStatusLost, BidStatusCancelled, BidStatusRefunded:
		return true
	default:
		return false
	}
}

// Auction is an immutable snapshot of one auction row. Version is the
// compare-and-set guard: every leading-bid commit and the closure commit
// increment it, and a commit against a stale version fails.
type Auction struct {
	ID       string
	SellerID string
	Status   Status

	StartingBid  decimal.Decimal
	CurrentBid   decimal.Decimal
	ReservePrice decimal.Decimal // zero means no reserve
	BidIncrement decimal.Decimal

	StartTime       time.Time
	EndTime         time.Time
	ExtensionWindow time.Duration
	AutoExtend      bool

	HighestBidder string // empty until the first committed bid
	TotalBids     int
	LastBidTime   *time.Time
	Winner        string // set exactly once, at closure

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TimeRemaining returns how long until the deadline, never negative.
func (a Auction) TimeRemaining(now time.Time) time.Duration {
	if !now.Before(a.EndTime) {
		return 0
	}
	return a.EndTime.Sub(now)
}

// Expired reports whether the deadline has passed, regardless of whether the
// closure job has run yet.
func (a Auction) Expired(now time.Time) bool {
	return !now.Before(a.EndTime)
}

// InExtensionWindow reports whether a bid landing now would trigger
// auto-extension.
func (a Auction) InExtensionWindow(now time.Time) bool {
	if !a.AutoExtend || a.ExtensionWindow <= 0 {
		return false
	}
	return a.TimeRemaining(now) < a.ExtensionWindow
}

// MinimumBid returns the smallest acceptable next bid. Ties with the current
// price are rejected, so the minimum is strictly above it once bidding has
// started.
func (a Auction) MinimumBid() decimal.Decimal {
	return a.CurrentBid.Add(a.BidIncrement)
}

// ReserveMet reports whether the current price qualifies a winner.
func (a Auction) ReserveMet() bool {
	if a.ReservePrice.IsZero() {
		return true
	}
	return a.CurrentBid.GreaterThanOrEqual(a.ReservePrice)
}

// Bid is an immutable snapshot of one bid row.
type Bid struct {
	ID        string
	AuctionID string
	BidderID  string

	Amount      decimal.Decimal
	Status      BidStatus
	FundsLocked bool
	LockID      string

	CreatedAt time.Time
	UpdatedAt time.Time
}
