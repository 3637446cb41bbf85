package auction

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testAuction(endIn time.Duration, now time.Time) Auction {
	return Auction{
		ID:           "auction-1",
		SellerID:     "seller-1",
		Status:       StatusActive,
		StartingBid:  dec("100"),
		CurrentBid:   dec("100"),
		BidIncrement: dec("10"),
		StartTime:    now.Add(-time.Hour),
		EndTime:      now.Add(endIn),
	}
}

func TestApplyBid_CommitsLeadingBid(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	store.putAuction(testAuction(time.Hour, now))

	sched := newFakeScheduler()
	pub := &capturePublisher{}
	engine := NewEngine(store, sched, pub, nil).WithClock(func() time.Time { return now })

	bid := Bid{ID: "bid-1", AuctionID: "auction-1", BidderID: "alice", Amount: dec("110")}
	store.CreateBid(context.Background(), bid)

	applied, err := engine.ApplyBid(context.Background(), "auction-1", bid)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if applied.TotalBids != 1 {
		t.Errorf("expected total bids 1, got %d", applied.TotalBids)
	}
	if applied.Extended() {
		t.Errorf("expected no extension an hour before the deadline")
	}

	a, _ := store.GetAuction(context.Background(), "auction-1")
	if !a.CurrentBid.Equal(dec("110")) {
		t.Errorf("expected current bid 110, got %s", a.CurrentBid)
	}
	if a.HighestBidder != "alice" {
		t.Errorf("expected highest bidder alice, got %q", a.HighestBidder)
	}
	if a.Version != 1 {
		t.Errorf("expected version bump to 1, got %d", a.Version)
	}
	if pub.count(EventBidUpdate) != 1 {
		t.Errorf("expected one bid_update event, got %d", pub.count(EventBidUpdate))
	}
}

func TestApplyBid_OutbidsPreviousLeader(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	store.putAuction(testAuction(time.Hour, now))

	engine := NewEngine(store, newFakeScheduler(), nil, nil).WithClock(func() time.Time { return now })
	ctx := context.Background()

	first := Bid{ID: "bid-1", AuctionID: "auction-1", BidderID: "alice", Amount: dec("110")}
	store.CreateBid(ctx, first)
	if _, err := engine.ApplyBid(ctx, "auction-1", first); err != nil {
		t.Fatalf("first bid: %v", err)
	}

	second := Bid{ID: "bid-2", AuctionID: "auction-1", BidderID: "bob", Amount: dec("120")}
	store.CreateBid(ctx, second)
	if _, err := engine.ApplyBid(ctx, "auction-1", second); err != nil {
		t.Fatalf("second bid: %v", err)
	}

	b1, _ := store.GetBid(ctx, "bid-1")
	if b1.Status != BidStatusOutbid {
		t.Errorf("expected first bid outbid, got %s", b1.Status)
	}
	b2, _ := store.GetBid(ctx, "bid-2")
	if b2.Status != BidStatusWinning {
		t.Errorf("expected second bid winning, got %s", b2.Status)
	}
}

func TestApplyBid_RejectsBelowRaisedMinimum(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	store.putAuction(testAuction(time.Hour, now))

	engine := NewEngine(store, newFakeScheduler(), nil, nil).WithClock(func() time.Time { return now })
	ctx := context.Background()

	first := Bid{ID: "bid-1", AuctionID: "auction-1", BidderID: "alice", Amount: dec("150")}
	store.CreateBid(ctx, first)
	if _, err := engine.ApplyBid(ctx, "auction-1", first); err != nil {
		t.Fatalf("first bid: %v", err)
	}

	// Validated against the old price, now below the raised minimum.
	stale := Bid{ID: "bid-2", AuctionID: "auction-1", BidderID: "bob", Amount: dec("120")}
	store.CreateBid(ctx, stale)
	if _, err := engine.ApplyBid(ctx, "auction-1", stale); !errors.Is(err, ErrBidConflict) {
		t.Fatalf("expected ErrBidConflict, got %v", err)
	}

	a, _ := store.GetAuction(ctx, "auction-1")
	if !a.CurrentBid.Equal(dec("150")) {
		t.Errorf("expected price unchanged at 150, got %s", a.CurrentBid)
	}
}

func TestApplyBid_AutoExtendsInsideWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	a := testAuction(2*time.Minute, now)
	a.AutoExtend = true
	a.ExtensionWindow = 5 * time.Minute
	store.putAuction(a)

	sched := newFakeScheduler()
	pub := &capturePublisher{}
	engine := NewEngine(store, sched, pub, nil).WithClock(func() time.Time { return now })
	ctx := context.Background()

	bid := Bid{ID: "bid-1", AuctionID: "auction-1", BidderID: "alice", Amount: dec("110")}
	store.CreateBid(ctx, bid)

	applied, err := engine.ApplyBid(ctx, "auction-1", bid)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !applied.Extended() {
		t.Fatalf("expected extension for a bid inside the window")
	}

	wantEnd := now.Add(5 * time.Minute)
	if !applied.NewEndTime.Equal(wantEnd) {
		t.Errorf("expected new end %v, got %v", wantEnd, *applied.NewEndTime)
	}

	got, _ := store.GetAuction(ctx, "auction-1")
	if !got.EndTime.Equal(wantEnd) {
		t.Errorf("expected stored end %v, got %v", wantEnd, got.EndTime)
	}

	runAt, ok := sched.rescheduled[CloseJobID("auction-1")]
	if !ok {
		t.Fatalf("expected closure job rescheduled")
	}
	if !runAt.Equal(wantEnd) {
		t.Errorf("expected closure rescheduled to %v, got %v", wantEnd, runAt)
	}
	if pub.count(EventAuctionExtended) != 1 {
		t.Errorf("expected one auction_extended event, got %d", pub.count(EventAuctionExtended))
	}
}

func TestApplyBid_NoExtendOutsideWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	a := testAuction(time.Hour, now)
	a.AutoExtend = true
	a.ExtensionWindow = 5 * time.Minute
	store.putAuction(a)

	sched := newFakeScheduler()
	engine := NewEngine(store, sched, nil, nil).WithClock(func() time.Time { return now })
	ctx := context.Background()

	bid := Bid{ID: "bid-1", AuctionID: "auction-1", BidderID: "alice", Amount: dec("110")}
	store.CreateBid(ctx, bid)

	applied, err := engine.ApplyBid(ctx, "auction-1", bid)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if applied.Extended() {
		t.Errorf("expected no extension outside the window")
	}
	if len(sched.rescheduled) != 0 {
		t.Errorf("expected no reschedule, got %v", sched.rescheduled)
	}
}

func TestApplyBid_RescheduleFailureKeepsCommit(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	a := testAuction(time.Minute, now)
	a.AutoExtend = true
	a.ExtensionWindow = 5 * time.Minute
	store.putAuction(a)

	sched := newFakeScheduler()
	sched.rescheduleErr = errors.New("scheduler down")
	engine := NewEngine(store, sched, nil, nil).WithClock(func() time.Time { return now })
	ctx := context.Background()

	bid := Bid{ID: "bid-1", AuctionID: "auction-1", BidderID: "alice", Amount: dec("110")}
	store.CreateBid(ctx, bid)

	if _, err := engine.ApplyBid(ctx, "auction-1", bid); err != nil {
		t.Fatalf("expected committed bid to survive scheduler failure, got %v", err)
	}

	got, _ := store.GetAuction(ctx, "auction-1")
	if got.HighestBidder != "alice" {
		t.Errorf("expected commit to stand, highest bidder is %q", got.HighestBidder)
	}
}

func TestApplyBid_RefusesEndedAuction(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	a := testAuction(time.Hour, now)
	a.Status = StatusEnded
	store.putAuction(a)

	engine := NewEngine(store, newFakeScheduler(), nil, nil).WithClock(func() time.Time { return now })

	bid := Bid{ID: "bid-1", AuctionID: "auction-1", BidderID: "alice", Amount: dec("110")}
	if _, err := engine.ApplyBid(context.Background(), "auction-1", bid); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
}

func TestClose_PicksWinnerAndEnqueuesSettlement(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	store.putAuction(testAuction(time.Hour, now))

	sched := newFakeScheduler()
	pub := &capturePublisher{}
	engine := NewEngine(store, sched, pub, nil).WithClock(func() time.Time { return now })
	ctx := context.Background()

	bid := Bid{ID: "bid-1", AuctionID: "auction-1", BidderID: "alice", Amount: dec("110")}
	store.CreateBid(ctx, bid)
	if _, err := engine.ApplyBid(ctx, "auction-1", bid); err != nil {
		t.Fatalf("apply bid: %v", err)
	}

	now = now.Add(2 * time.Hour) // past the deadline

	closed, err := engine.Close(ctx, "auction-1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if closed.Winner != "alice" {
		t.Errorf("expected winner alice, got %q", closed.Winner)
	}
	if closed.WinningBidID != "bid-1" {
		t.Errorf("expected winning bid bid-1, got %q", closed.WinningBidID)
	}
	if !closed.Amount.Equal(dec("110")) {
		t.Errorf("expected closing amount 110, got %s", closed.Amount)
	}

	job, ok := sched.jobByID(SettleJobID("auction-1"))
	if !ok {
		t.Fatalf("expected settlement job enqueued")
	}
	if job.Kind != JobKindSettle {
		t.Errorf("expected settle kind, got %q", job.Kind)
	}

	b, _ := store.GetBid(ctx, "bid-1")
	if b.Status != BidStatusWon {
		t.Errorf("expected winning bid marked won, got %s", b.Status)
	}
	if pub.count(EventAuctionEnded) != 1 {
		t.Errorf("expected one auction_ended event, got %d", pub.count(EventAuctionEnded))
	}
}

func TestClose_IdempotentReplay(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	store.putAuction(testAuction(time.Hour, now))

	sched := newFakeScheduler()
	pub := &capturePublisher{}
	engine := NewEngine(store, sched, pub, nil).WithClock(func() time.Time { return now })
	ctx := context.Background()

	bid := Bid{ID: "bid-1", AuctionID: "auction-1", BidderID: "alice", Amount: dec("110")}
	store.CreateBid(ctx, bid)
	if _, err := engine.ApplyBid(ctx, "auction-1", bid); err != nil {
		t.Fatalf("apply bid: %v", err)
	}

	now = now.Add(2 * time.Hour)

	first, err := engine.Close(ctx, "auction-1")
	if err != nil {
		t.Fatalf("first close: %v", err)
	}
	second, err := engine.Close(ctx, "auction-1")
	if err != nil {
		t.Fatalf("replayed close: %v", err)
	}
	if second.Winner != first.Winner {
		t.Errorf("expected replay to report the recorded winner %q, got %q", first.Winner, second.Winner)
	}
	if len(sched.enqueued) != 1 {
		t.Errorf("expected exactly one settlement job across replays, got %d", len(sched.enqueued))
	}
	if pub.count(EventAuctionEnded) != 1 {
		t.Errorf("expected exactly one auction_ended event, got %d", pub.count(EventAuctionEnded))
	}
}

func TestClose_ReplayRepairsFailedSettlementEnqueue(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	store.putAuction(testAuction(time.Hour, now))

	sched := newFakeScheduler()
	engine := NewEngine(store, sched, nil, nil).WithClock(func() time.Time { return now })
	ctx := context.Background()

	bid := Bid{ID: "bid-1", AuctionID: "auction-1", BidderID: "alice", Amount: dec("110")}
	store.CreateBid(ctx, bid)
	if _, err := engine.ApplyBid(ctx, "auction-1", bid); err != nil {
		t.Fatalf("apply bid: %v", err)
	}

	now = now.Add(2 * time.Hour)

	// The closure transaction commits but the settlement hand-off does not.
	sched.enqueueErr = errors.New("scheduler down")
	if _, err := engine.Close(ctx, "auction-1"); err == nil {
		t.Fatalf("expected error when settlement enqueue fails")
	}
	a, _ := store.GetAuction(ctx, "auction-1")
	if a.Status != StatusEnded {
		t.Fatalf("expected auction ended despite enqueue failure, got %s", a.Status)
	}
	if _, ok := sched.jobByID(SettleJobID("auction-1")); ok {
		t.Fatalf("expected no settlement job while the scheduler is down")
	}

	// The retried close finds the ended auction and must still hand off to
	// settlement; otherwise the losers' locked funds are never refunded.
	sched.enqueueErr = nil
	closed, err := engine.Close(ctx, "auction-1")
	if err != nil {
		t.Fatalf("replayed close: %v", err)
	}
	if closed.Winner != "alice" {
		t.Errorf("expected replay to report winner alice, got %q", closed.Winner)
	}
	if closed.WinningBidID != "bid-1" {
		t.Errorf("expected replay to recover winning bid bid-1, got %q", closed.WinningBidID)
	}
	job, ok := sched.jobByID(SettleJobID("auction-1"))
	if !ok {
		t.Fatalf("expected replay to enqueue the settlement job")
	}
	ev, err := UnmarshalClosed(job.Payload)
	if err != nil {
		t.Fatalf("unmarshal settle payload: %v", err)
	}
	if ev.WinningBidID != "bid-1" {
		t.Errorf("expected settle payload to carry bid-1, got %q", ev.WinningBidID)
	}
}

func TestClose_NoWinnerBelowReserve(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	a := testAuction(time.Hour, now)
	a.ReservePrice = dec("500")
	store.putAuction(a)

	engine := NewEngine(store, newFakeScheduler(), nil, nil).WithClock(func() time.Time { return now })
	ctx := context.Background()

	bid := Bid{ID: "bid-1", AuctionID: "auction-1", BidderID: "alice", Amount: dec("110")}
	store.CreateBid(ctx, bid)
	if _, err := engine.ApplyBid(ctx, "auction-1", bid); err != nil {
		t.Fatalf("apply bid: %v", err)
	}

	now = now.Add(2 * time.Hour)

	closed, err := engine.Close(ctx, "auction-1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if closed.Winner != "" {
		t.Errorf("expected no winner below reserve, got %q", closed.Winner)
	}
	if closed.ReserveMet {
		t.Errorf("expected reserve not met")
	}

	// The highest bid still loses and gets its funds back via refund.
	b, _ := store.GetBid(ctx, "bid-1")
	if b.Status != BidStatusLost {
		t.Errorf("expected bid lost, got %s", b.Status)
	}
}

func TestClose_BeforeDeadlineNotDue(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	store.putAuction(testAuction(time.Hour, now))

	engine := NewEngine(store, newFakeScheduler(), nil, nil).WithClock(func() time.Time { return now })

	if _, err := engine.Close(context.Background(), "auction-1"); !errors.Is(err, ErrCloseNotDue) {
		t.Fatalf("expected ErrCloseNotDue, got %v", err)
	}

	a, _ := store.GetAuction(context.Background(), "auction-1")
	if a.Status != StatusActive {
		t.Errorf("expected auction still active, got %s", a.Status)
	}
}

func TestHandleClose_StaleFiringIsNoOp(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	store.putAuction(testAuction(time.Hour, now))

	sched := newFakeScheduler()
	engine := NewEngine(store, sched, nil, nil).WithClock(func() time.Time { return now })
	ctx := context.Background()

	if err := engine.ScheduleClosure(ctx, "auction-1", now.Add(time.Hour)); err != nil {
		t.Fatalf("schedule closure: %v", err)
	}
	job, ok := sched.jobByID(CloseJobID("auction-1"))
	if !ok {
		t.Fatalf("expected closure job enqueued")
	}

	// A firing against a deadline that moved forward must succeed as a no-op
	// so the runner does not retry it.
	if err := engine.HandleClose(ctx, job); err != nil {
		t.Fatalf("expected nil error from stale firing, got %v", err)
	}

	a, _ := store.GetAuction(ctx, "auction-1")
	if a.Status != StatusActive {
		t.Errorf("expected auction still active after stale firing, got %s", a.Status)
	}
}

func TestCloseManually_SellerOnly(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	store.putAuction(testAuction(time.Hour, now))

	sched := newFakeScheduler()
	engine := NewEngine(store, sched, nil, nil).WithClock(func() time.Time { return now })
	ctx := context.Background()

	if _, err := engine.CloseManually(ctx, "auction-1", "mallory"); !errors.Is(err, ErrNotSeller) {
		t.Fatalf("expected ErrNotSeller, got %v", err)
	}

	closed, err := engine.CloseManually(ctx, "auction-1", "seller-1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if closed.AuctionID != "auction-1" {
		t.Errorf("expected auction-1 closed, got %q", closed.AuctionID)
	}

	if len(sched.cancelled) != 1 || sched.cancelled[0] != CloseJobID("auction-1") {
		t.Errorf("expected pending closure job cancelled, got %v", sched.cancelled)
	}
}
