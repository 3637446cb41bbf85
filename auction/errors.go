package auction

import "errors"

var (
	// ErrAuctionNotFound is returned when no auction row exists for the id.
	ErrAuctionNotFound = errors.New("auction: not found")
	// ErrBidNotFound is returned when no bid row exists for the id.
	ErrBidNotFound = errors.New("auction: bid not found")

	// ErrNotActive rejects bids against auctions outside the active state.
	ErrNotActive = errors.New("auction: not active")
	// ErrDeadlinePassed rejects bids after the deadline, even while the
	// closure job has not fired yet.
	ErrDeadlinePassed = errors.New("auction: deadline passed")
	// ErrSelfBid rejects a seller bidding on their own auction.
	ErrSelfBid = errors.New("auction: seller cannot bid")
	// ErrBelowMinimum rejects amounts under currentBid + bidIncrement.
	// Ties with the current price are rejected too.
	ErrBelowMinimum = errors.New("auction: bid below minimum increment")
	// ErrInsufficientFunds rejects a bid the ledger cannot cover.
	ErrInsufficientFunds = errors.New("auction: insufficient funds")

	// ErrBidConflict is the lost compare-and-set race: another bid supplied a
	// higher amount concurrently. Distinct from validation failures so the
	// caller can re-query the current price and retry immediately.
	ErrBidConflict = errors.New("auction: outbid by concurrent bid")

	// ErrCloseNotDue marks a closure attempt against a deadline that has
	// moved forward; the stale job is a no-op.
	ErrCloseNotDue = errors.New("auction: close not due")

	// ErrWithdrawForbidden rejects withdrawal of a winning or won bid, a bid
	// not owned by the requester, or a withdrawal inside the cutoff window.
	ErrWithdrawForbidden = errors.New("auction: withdrawal not permitted")
	// ErrNotSeller rejects a manual close from anyone but the seller.
	ErrNotSeller = errors.New("auction: requester is not the seller")
)
