package auction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository is the pgx-backed Store. Numeric columns are scanned through
// ::text and parsed into decimals so no precision is lost in transit.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed Store implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const auctionColumns = `
id, seller_id, status,
starting_bid::text, current_bid::text, reserve_price::text, bid_increment::text,
start_time, end_time, extension_window_seconds, auto_extend,
COALESCE(highest_bidder, ''), total_bids, last_bid_time, COALESCE(winner, ''),
version, created_at, updated_at
`

func scanAuction(row pgx.Row) (Auction, error) {
	var (
		a                Auction
		startingBid      string
		currentBid       string
		reservePrice     string
		bidIncrement     string
		extensionSeconds int64
	)
	err := row.Scan(
		&a.ID, &a.SellerID, &a.Status,
		&startingBid, &currentBid, &reservePrice, &bidIncrement,
		&a.StartTime, &a.EndTime, &extensionSeconds, &a.AutoExtend,
		&a.HighestBidder, &a.TotalBids, &a.LastBidTime, &a.Winner,
		&a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return Auction{}, err
	}

	if a.StartingBid, err = decimal.NewFromString(startingBid); err != nil {
		return Auction{}, fmt.Errorf("auction: parse starting bid: %w", err)
	}
	if a.CurrentBid, err = decimal.NewFromString(currentBid); err != nil {
		return Auction{}, fmt.Errorf("auction: parse current bid: %w", err)
	}
	if a.ReservePrice, err = decimal.NewFromString(reservePrice); err != nil {
		return Auction{}, fmt.Errorf("auction: parse reserve price: %w", err)
	}
	if a.BidIncrement, err = decimal.NewFromString(bidIncrement); err != nil {
		return Auction{}, fmt.Errorf("auction: parse bid increment: %w", err)
	}
	a.ExtensionWindow = time.Duration(extensionSeconds) * time.Second

	return a, nil
}

func (r *Repository) GetAuction(ctx context.Context, id string) (Auction, error) {
	query := fmt.Sprintf(`SELECT %s FROM auctions WHERE id = $1`, auctionColumns)
	a, err := scanAuction(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Auction{}, ErrAuctionNotFound
		}
		return Auction{}, fmt.Errorf("auction: get auction: %w", err)
	}
	return a, nil
}

const bidColumns = `
id, auction_id, bidder_id, amount::text, status, funds_locked, COALESCE(lock_id, ''), created_at, updated_at
`

func scanBid(row pgx.Row) (Bid, error) {
	var (
		b      Bid
		amount string
	)
	err := row.Scan(&b.ID, &b.AuctionID, &b.BidderID, &amount, &b.Status, &b.FundsLocked, &b.LockID, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return Bid{}, err
	}
	if b.Amount, err = decimal.NewFromString(amount); err != nil {
		return Bid{}, fmt.Errorf("auction: parse bid amount: %w", err)
	}
	return b, nil
}

func (r *Repository) GetBid(ctx context.Context, id string) (Bid, error) {
	query := fmt.Sprintf(`SELECT %s FROM bids WHERE id = $1`, bidColumns)
	b, err := scanBid(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bid{}, ErrBidNotFound
		}
		return Bid{}, fmt.Errorf("auction: get bid: %w", err)
	}
	return b, nil
}

func (r *Repository) ListBidsByAuction(ctx context.Context, auctionID string) ([]Bid, error) {
	query := fmt.Sprintf(`SELECT %s FROM bids WHERE auction_id = $1 ORDER BY created_at`, bidColumns)
	rows, err := r.pool.Query(ctx, query, auctionID)
	if err != nil {
		return nil, fmt.Errorf("auction: list bids: %w", err)
	}
	defer rows.Close()

	bids := make([]Bid, 0, 8)
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, fmt.Errorf("auction: scan bid: %w", err)
		}
		bids = append(bids, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("auction: iterate bids: %w", err)
	}
	return bids, nil
}

func (r *Repository) CreateBid(ctx context.Context, bid Bid) error {
	const insertSQL = `
INSERT INTO bids (id, auction_id, bidder_id, amount, status, funds_locked)
VALUES ($1, $2, $3, $4::numeric, $5, $6)
`
	if _, err := r.pool.Exec(ctx, insertSQL,
		bid.ID, bid.AuctionID, bid.BidderID, bid.Amount.String(), bid.Status, bid.FundsLocked,
	); err != nil {
		return fmt.Errorf("auction: insert bid: %w", err)
	}
	return nil
}

func (r *Repository) SetBidLock(ctx context.Context, bidID, lockID string) error {
	const updateSQL = `
UPDATE bids SET lock_id = $2, funds_locked = TRUE, updated_at = now()
WHERE id = $1
`
	tag, err := r.pool.Exec(ctx, updateSQL, bidID, lockID)
	if err != nil {
		return fmt.Errorf("auction: set bid lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBidNotFound
	}
	return nil
}

func (r *Repository) SetBidStatus(ctx context.Context, bidID string, status BidStatus) error {
	const updateSQL = `
UPDATE bids SET status = $2, updated_at = now()
WHERE id = $1
`
	tag, err := r.pool.Exec(ctx, updateSQL, bidID, status)
	if err != nil {
		return fmt.Errorf("auction: set bid status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBidNotFound
	}
	return nil
}

func (r *Repository) MarkBidReleased(ctx context.Context, bidID string, status BidStatus) error {
	const updateSQL = `
UPDATE bids SET status = $2, funds_locked = FALSE, updated_at = now()
WHERE id = $1
`
	tag, err := r.pool.Exec(ctx, updateSQL, bidID, status)
	if err != nil {
		return fmt.Errorf("auction: mark bid released: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBidNotFound
	}
	return nil
}

// CommitLeadingBid performs the compare-and-set commit in one transaction.
// The version predicate is the serialization point: of any set of concurrent
// commits against the same snapshot, exactly one lands.
func (r *Repository) CommitLeadingBid(ctx context.Context, params CommitLeadingBidParams) (Auction, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Auction{}, fmt.Errorf("auction: begin commit tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const updateSQL = `
UPDATE auctions
SET current_bid = $3::numeric,
    highest_bidder = $4,
    total_bids = total_bids + 1,
    last_bid_time = $5,
    end_time = GREATEST(end_time, COALESCE($6, end_time)),
    version = version + 1,
    updated_at = now()
WHERE id = $1 AND version = $2 AND status = 'active'
`
	tag, err := tx.Exec(ctx, updateSQL,
		params.AuctionID,
		params.ExpectedVersion,
		params.Amount.String(),
		params.BidderID,
		params.At.UTC(),
		params.NewEndTime,
	)
	if err != nil {
		return Auction{}, fmt.Errorf("auction: commit leading bid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Auction{}, ErrStaleVersion
	}

	const outbidSQL = `
UPDATE bids SET status = 'outbid', updated_at = now()
WHERE auction_id = $1 AND status = 'winning' AND id <> $2
`
	if _, err := tx.Exec(ctx, outbidSQL, params.AuctionID, params.BidID); err != nil {
		return Auction{}, fmt.Errorf("auction: outbid previous leader: %w", err)
	}

	const winningSQL = `
UPDATE bids SET status = 'winning', updated_at = now()
WHERE id = $1
`
	if _, err := tx.Exec(ctx, winningSQL, params.BidID); err != nil {
		return Auction{}, fmt.Errorf("auction: mark bid winning: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM auctions WHERE id = $1`, auctionColumns)
	a, err := scanAuction(tx.QueryRow(ctx, query, params.AuctionID))
	if err != nil {
		return Auction{}, fmt.Errorf("auction: reread after commit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Auction{}, fmt.Errorf("auction: commit tx: %w", err)
	}
	return a, nil
}

// CloseAuction ends the auction and settles bid statuses in one transaction.
func (r *Repository) CloseAuction(ctx context.Context, params CloseAuctionParams) (Auction, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Auction{}, fmt.Errorf("auction: begin close tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const closeSQL = `
UPDATE auctions
SET status = 'ended',
    winner = NULLIF($3, ''),
    version = version + 1,
    updated_at = now()
WHERE id = $1 AND version = $2 AND status = 'active'
`
	tag, err := tx.Exec(ctx, closeSQL, params.AuctionID, params.ExpectedVersion, params.Winner)
	if err != nil {
		return Auction{}, fmt.Errorf("auction: close: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Auction{}, ErrStaleVersion
	}

	if params.WinningBidID != "" {
		const wonSQL = `UPDATE bids SET status = 'won', updated_at = now() WHERE id = $1`
		if _, err := tx.Exec(ctx, wonSQL, params.WinningBidID); err != nil {
			return Auction{}, fmt.Errorf("auction: mark bid won: %w", err)
		}
	}

	const lostSQL = `
UPDATE bids SET status = 'lost', updated_at = now()
WHERE auction_id = $1 AND status NOT IN ('won', 'lost', 'cancelled', 'refunded')
`
	if _, err := tx.Exec(ctx, lostSQL, params.AuctionID); err != nil {
		return Auction{}, fmt.Errorf("auction: mark bids lost: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM auctions WHERE id = $1`, auctionColumns)
	a, err := scanAuction(tx.QueryRow(ctx, query, params.AuctionID))
	if err != nil {
		return Auction{}, fmt.Errorf("auction: reread after close: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Auction{}, fmt.Errorf("auction: commit close: %w", err)
	}
	return a, nil
}
