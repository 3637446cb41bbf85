package broadcast

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Registry tracks which users are watching which auction, shared across
// instances so any node can answer "who watches auction X".
type Registry interface {
	Watch(ctx context.Context, auctionID, userID string) error
	Unwatch(ctx context.Context, auctionID, userID string) error
	Watchers(ctx context.Context, auctionID string) ([]string, error)
}

const watcherTTL = 24 * time.Hour

// RedisRegistry keeps watcher membership in Redis sets keyed per auction.
// Sets expire a day after the last change so ended auctions clean themselves
// up.
type RedisRegistry struct {
	client *redis.Client
}

func NewRedisRegistry(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{client: client}
}

func watcherKey(auctionID string) string { return "watchers:set:" + auctionID }

func (r *RedisRegistry) Watch(ctx context.Context, auctionID, userID string) error {
	key := watcherKey(auctionID)
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, key, userID)
	pipe.Expire(ctx, key, watcherTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("broadcast: watch %s: %w", auctionID, err)
	}
	return nil
}

func (r *RedisRegistry) Unwatch(ctx context.Context, auctionID, userID string) error {
	if err := r.client.SRem(ctx, watcherKey(auctionID), userID).Err(); err != nil {
		return fmt.Errorf("broadcast: unwatch %s: %w", auctionID, err)
	}
	return nil
}

func (r *RedisRegistry) Watchers(ctx context.Context, auctionID string) ([]string, error) {
	members, err := r.client.SMembers(ctx, watcherKey(auctionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("broadcast: watchers %s: %w", auctionID, err)
	}
	return members, nil
}
