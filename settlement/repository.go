package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrEscrowNotFound signals no escrow exists for the auction.
	ErrEscrowNotFound = errors.New("settlement: escrow not found")
	// ErrEscrowExists signals the auction already has an escrow; the
	// settlement replay should treat this as success.
	ErrEscrowExists = errors.New("settlement: escrow already exists")
)

// Repository persists escrow records. One escrow per auction, enforced by a
// unique constraint so concurrent settlement replays cannot double-create.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed escrow repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const escrowColumns = `
id, auction_id, winner_id, seller_id, amount::text, COALESCE(lock_id, ''), COALESCE(receipt_id, ''), status, created_at
`

func scanEscrow(row pgx.Row) (Escrow, error) {
	var (
		e      Escrow
		amount string
	)
	err := row.Scan(&e.ID, &e.AuctionID, &e.WinnerID, &e.SellerID, &amount, &e.LockID, &e.ReceiptID, &e.Status, &e.CreatedAt)
	if err != nil {
		return Escrow{}, err
	}
	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return Escrow{}, fmt.Errorf("settlement: parse escrow amount: %w", err)
	}
	return e, nil
}

// GetByAuction fetches the escrow for an auction, if any.
func (r *Repository) GetByAuction(ctx context.Context, auctionID string) (Escrow, error) {
	query := fmt.Sprintf(`SELECT %s FROM escrows WHERE auction_id = $1`, escrowColumns)
	e, err := scanEscrow(r.pool.QueryRow(ctx, query, auctionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Escrow{}, ErrEscrowNotFound
		}
		return Escrow{}, fmt.Errorf("settlement: get escrow: %w", err)
	}
	return e, nil
}

// Create inserts the escrow record. A duplicate auction id reports
// ErrEscrowExists instead of failing the settlement replay.
func (r *Repository) Create(ctx context.Context, e Escrow) error {
	const insertSQL = `
INSERT INTO escrows (id, auction_id, winner_id, seller_id, amount, lock_id, receipt_id, status)
VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8)
`
	_, err := r.pool.Exec(ctx, insertSQL,
		e.ID, e.AuctionID, e.WinnerID, e.SellerID, e.Amount.String(), e.LockID, e.ReceiptID, e.Status,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrEscrowExists
		}
		return fmt.Errorf("settlement: insert escrow: %w", err)
	}
	return nil
}
