package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindow drops aged members, then either records the request or
// reports how long until the oldest member leaves the window. Returns
// {allowed, used, retry_ms}.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, 0, now - window)
local used = redis.call("ZCARD", key)
if used >= limit then
	local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
	local retry = window
	if oldest[2] then
		retry = (tonumber(oldest[2]) + window) - now
	end
	return {0, used, retry}
end
redis.call("ZADD", key, now, member)
redis.call("PEXPIRE", key, window)
return {1, used + 1, 0}
`)

// Redis shares one sliding window per client across replicas.
type Redis struct {
	client *redis.Client
	limit  int
	window time.Duration
}

func NewRedis(client *redis.Client, limit int, window time.Duration) *Redis {
	return &Redis{client: client, limit: limit, window: window}
}

func (r *Redis) Allow(ctx context.Context, clientID string) (*Decision, error) {
	key := "bridge:rate:" + clientID
	now := time.Now()

	res, err := slidingWindow.Run(ctx, r.client,
		[]string{key},
		now.UnixMilli(),
		r.window.Milliseconds(),
		r.limit,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("%w: unexpected script reply", ErrUnavailable)
	}

	allowed, used, retryMS := res[0] == 1, int(res[1]), res[2]
	remaining := r.limit - used
	if remaining < 0 {
		remaining = 0
	}

	d := &Decision{
		Allowed:   allowed,
		Limit:     r.limit,
		Remaining: remaining,
		Reset:     now.Add(r.window),
	}
	if !allowed {
		d.RetryAfter = int(retryMS/1000) + 1
		d.Reset = now.Add(time.Duration(retryMS) * time.Millisecond)
	}
	return d, nil
}
