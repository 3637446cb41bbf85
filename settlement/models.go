// Package settlement reacts to auction closure: it creates the winner's
// escrow and fans out one refund job per losing locked bid, idempotently and
// retry-safe. Every locked fund ends as a won bid's escrow, a confirmed
// refund, or a dead job surfaced for reconciliation.
package settlement

import (
	"time"

	"github.com/shopspring/decimal"
)

// EscrowStatus is the escrow lifecycle; only creation and funding belong to
// the engine, the rest is downstream.
type EscrowStatus string

const (
	EscrowStatusCreated EscrowStatus = "created"
	EscrowStatusFunded  EscrowStatus = "funded"
)

// Escrow holds the winner's funds for the seller's benefit until delivery.
type Escrow struct {
	ID        string
	AuctionID string
	WinnerID  string
	SellerID  string
	Amount    decimal.Decimal
	LockID    string
	ReceiptID string
	Status    EscrowStatus
	CreatedAt time.Time
}

// RefundPayload is the refund job body, one per losing locked bid.
type RefundPayload struct {
	BidID     string          `json:"bid_id"`
	AuctionID string          `json:"auction_id"`
	BidderID  string          `json:"bidder_id"`
	Amount    decimal.Decimal `json:"amount"`
}

// Job kinds owned by settlement.
const (
	JobKindRefund = "auction.refund"
)

// RefundJobID returns the stable id of a bid's refund job.
func RefundJobID(bidID string) string { return "refund:" + bidID }

// EscrowAccount returns the ledger account holding an auction's escrowed
// funds.
func EscrowAccount(auctionID string) string { return "escrow:" + auctionID }
