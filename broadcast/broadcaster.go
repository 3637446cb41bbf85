// Package broadcast fans auction state changes out to observers. It sits
// strictly downstream of the state machine: publication never blocks a bid
// commit or a settlement step, and a failed publication is logged and
// dropped. Broadcast is a UX channel, not a source of truth.
package broadcast

import (
	"context"
	"log/slog"

	"auctionflow/bus"
)

// TopicAuction is the auction-scoped topic all bidders see.
func TopicAuction(auctionID string) string { return "auction:" + auctionID }

// TopicWatchers is the watcher-scoped topic for users tracking an auction
// without bidding.
func TopicWatchers(auctionID string) string { return "watchers:" + auctionID }

type publication struct {
	auctionID string
	event     string
	payload   any
}

// Broadcaster buffers publications and pushes them to the bus from its own
// goroutine. It implements auction.EventPublisher.
type Broadcaster struct {
	bus   bus.Bus
	log   *slog.Logger
	queue chan publication
}

// NewBroadcaster builds a broadcaster with the given queue depth.
func NewBroadcaster(b bus.Bus, buffer int, log *slog.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = 256
	}
	if log == nil {
		log = slog.Default()
	}
	return &Broadcaster{
		bus:   b,
		log:   log,
		queue: make(chan publication, buffer),
	}
}

// Publish enqueues the event for both the auction topic and the watcher
// topic. Never blocks: when the queue is full the event is dropped and
// counted against the log, not against the caller.
func (b *Broadcaster) Publish(auctionID, event string, payload any) {
	select {
	case b.queue <- publication{auctionID: auctionID, event: event, payload: payload}:
	default:
		b.log.Warn("broadcast queue full, event dropped", "auction", auctionID, "event", event)
	}
}

// Run drains the queue until the context is cancelled. Events still queued
// at cancellation are dropped; broadcast carries no durable state.
func (b *Broadcaster) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p := <-b.queue:
			b.send(ctx, p)
		}
	}
}

func (b *Broadcaster) send(ctx context.Context, p publication) {
	for _, topic := range []string{TopicAuction(p.auctionID), TopicWatchers(p.auctionID)} {
		if err := b.bus.Publish(ctx, topic, p.event, p.payload); err != nil {
			b.log.Warn("broadcast publish failed", "topic", topic, "event", p.event, "err", err)
		}
	}
}
