package nonce

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis shares the replay window across replicas. SET NX is the atomic
// test-and-insert; Redis expiry replaces the sweep.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) CheckAndAdd(ctx context.Context, nonce string) (bool, error) {
	fresh, err := r.client.SetNX(ctx, "bridge:nonce:"+nonce, 1, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return fresh, nil
}
