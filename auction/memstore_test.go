package auction

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"auctionflow/schedule"
)

// memStore is an in-memory Store with the same compare-and-set semantics as
// the Postgres repository, used to drive the engine in tests without a
// database.
type memStore struct {
	mu       sync.Mutex
	auctions map[string]Auction
	bids     map[string]Bid
}

func newMemStore() *memStore {
	return &memStore{
		auctions: make(map[string]Auction),
		bids:     make(map[string]Bid),
	}
}

func (m *memStore) putAuction(a Auction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auctions[a.ID] = a
}

func (m *memStore) GetAuction(_ context.Context, id string) (Auction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.auctions[id]
	if !ok {
		return Auction{}, ErrAuctionNotFound
	}
	return a, nil
}

func (m *memStore) GetBid(_ context.Context, id string) (Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bids[id]
	if !ok {
		return Bid{}, ErrBidNotFound
	}
	return b, nil
}

func (m *memStore) ListBidsByAuction(_ context.Context, auctionID string) ([]Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var bids []Bid
	for _, b := range m.bids {
		if b.AuctionID == auctionID {
			bids = append(bids, b)
		}
	}
	return bids, nil
}

func (m *memStore) CreateBid(_ context.Context, bid Bid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bid.CreatedAt = time.Now()
	bid.UpdatedAt = bid.CreatedAt
	m.bids[bid.ID] = bid
	return nil
}

func (m *memStore) SetBidLock(_ context.Context, bidID, lockID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bids[bidID]
	if !ok {
		return ErrBidNotFound
	}
	b.LockID = lockID
	b.FundsLocked = true
	m.bids[bidID] = b
	return nil
}

func (m *memStore) SetBidStatus(_ context.Context, bidID string, status BidStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bids[bidID]
	if !ok {
		return ErrBidNotFound
	}
	b.Status = status
	m.bids[bidID] = b
	return nil
}

func (m *memStore) MarkBidReleased(_ context.Context, bidID string, status BidStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bids[bidID]
	if !ok {
		return ErrBidNotFound
	}
	b.Status = status
	b.FundsLocked = false
	m.bids[bidID] = b
	return nil
}

func (m *memStore) CommitLeadingBid(_ context.Context, params CommitLeadingBidParams) (Auction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.auctions[params.AuctionID]
	if !ok {
		return Auction{}, ErrAuctionNotFound
	}
	if a.Version != params.ExpectedVersion || a.Status != StatusActive {
		return Auction{}, ErrStaleVersion
	}

	a.CurrentBid = params.Amount
	a.HighestBidder = params.BidderID
	a.TotalBids++
	at := params.At
	a.LastBidTime = &at
	if params.NewEndTime != nil && params.NewEndTime.After(a.EndTime) {
		a.EndTime = *params.NewEndTime
	}
	a.Version++
	a.UpdatedAt = params.At
	m.auctions[params.AuctionID] = a

	for id, b := range m.bids {
		if b.AuctionID == params.AuctionID && b.Status == BidStatusWinning && id != params.BidID {
			b.Status = BidStatusOutbid
			m.bids[id] = b
		}
	}
	if b, ok := m.bids[params.BidID]; ok {
		b.Status = BidStatusWinning
		m.bids[params.BidID] = b
	}

	return a, nil
}

func (m *memStore) CloseAuction(_ context.Context, params CloseAuctionParams) (Auction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.auctions[params.AuctionID]
	if !ok {
		return Auction{}, ErrAuctionNotFound
	}
	if a.Version != params.ExpectedVersion || a.Status != StatusActive {
		return Auction{}, ErrStaleVersion
	}

	a.Status = StatusEnded
	a.Winner = params.Winner
	a.Version++
	a.UpdatedAt = params.At
	m.auctions[params.AuctionID] = a

	if params.WinningBidID != "" {
		if b, ok := m.bids[params.WinningBidID]; ok {
			b.Status = BidStatusWon
			m.bids[params.WinningBidID] = b
		}
	}
	for id, b := range m.bids {
		if b.AuctionID == params.AuctionID && !b.Status.Terminal() {
			b.Status = BidStatusLost
			m.bids[id] = b
		}
	}

	return a, nil
}

// fakeScheduler records scheduler calls for assertion.
type fakeScheduler struct {
	mu            sync.Mutex
	enqueued      []schedule.Job
	rescheduled   map[string]time.Time
	cancelled     []string
	enqueueErr    error
	rescheduleErr error
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{rescheduled: make(map[string]time.Time)}
}

func (f *fakeScheduler) Enqueue(_ context.Context, job schedule.Job, _ schedule.RetryPolicy) error {
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.enqueued {
		if j.ID == job.ID {
			return nil // single enqueue per id, like ON CONFLICT DO NOTHING
		}
	}
	f.enqueued = append(f.enqueued, job)
	return nil
}

func (f *fakeScheduler) Reschedule(_ context.Context, jobID string, runAt time.Time) error {
	if f.rescheduleErr != nil {
		return f.rescheduleErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rescheduled[jobID] = runAt
	return nil
}

func (f *fakeScheduler) Cancel(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobID)
	return nil
}

func (f *fakeScheduler) jobByID(id string) (schedule.Job, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.enqueued {
		if j.ID == id {
			return j, true
		}
	}
	return schedule.Job{}, false
}

// capturePublisher records published events for assertion.
type capturePublisher struct {
	mu     sync.Mutex
	events []capturedEvent
}

type capturedEvent struct {
	auctionID string
	event     string
	payload   any
}

func (c *capturePublisher) Publish(auctionID, event string, payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, capturedEvent{auctionID: auctionID, event: event, payload: payload})
}

func (c *capturePublisher) count(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.event == event {
			n++
		}
	}
	return n
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}
