package auction

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Event names published on auction-scoped topics.
const (
	EventBidPlaced       = "bid_placed"
	EventBidUpdate       = "bid_update"
	EventAuctionExtended = "auction_extended"
	EventAuctionEnded    = "auction_ended"
	EventBidRefunded     = "bid_refunded"
	EventEscrowCreated   = "escrow_created"
)

// BidApplied is emitted after a leading-bid commit.
type BidApplied struct {
	AuctionID  string          `json:"auction_id"`
	BidID      string          `json:"bid_id"`
	BidderID   string          `json:"bidder_id"`
	Amount     decimal.Decimal `json:"amount"`
	TotalBids  int             `json:"total_bids"`
	NewEndTime *time.Time      `json:"new_end_time,omitempty"`
	At         time.Time       `json:"at"`
}

// Extended reports whether this commit moved the deadline.
func (e BidApplied) Extended() bool { return e.NewEndTime != nil }

// AuctionClosed is emitted exactly once per auction, at closure, and is the
// hand-off payload to settlement.
type AuctionClosed struct {
	AuctionID    string          `json:"auction_id"`
	SellerID     string          `json:"seller_id"`
	Winner       string          `json:"winner,omitempty"`
	WinningBidID string          `json:"winning_bid_id,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	ReserveMet   bool            `json:"reserve_met"`
	ClosedAt     time.Time       `json:"closed_at"`
}

// HasWinner reports whether a qualifying bid survived the reserve check.
func (e AuctionClosed) HasWinner() bool { return e.Winner != "" }

func (e AuctionClosed) marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("auction: marshal closed event: %w", err)
	}
	return b, nil
}

// UnmarshalClosed decodes the settlement job payload written at closure.
func UnmarshalClosed(data []byte) (AuctionClosed, error) {
	var e AuctionClosed
	if err := json.Unmarshal(data, &e); err != nil {
		return AuctionClosed{}, fmt.Errorf("auction: unmarshal closed event: %w", err)
	}
	return e, nil
}

// EventPublisher is the broadcaster-facing contract. Publish must never block
// the state machine; implementations buffer or drop.
type EventPublisher interface {
	Publish(auctionID, event string, payload any)
}

// NopPublisher discards events; used where broadcasting is not wired.
type NopPublisher struct{}

func (NopPublisher) Publish(string, string, any) {}
