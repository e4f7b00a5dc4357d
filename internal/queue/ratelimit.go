package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// RateLimiter is a fixed hourly window per user and endpoint.
type RateLimiter struct {
	redis *redis.Client
	limit int64
}

func NewRateLimiter(rdb *redis.Client, limit int64) *RateLimiter {
	return &RateLimiter{redis: rdb, limit: limit}
}

func (r *RateLimiter) Limit() int64 {
	return r.limit
}

func (r *RateLimiter) Allow(ctx context.Context, userID int64, endpoint string, now time.Time) (allowed bool, used int64, resetAt time.Time, err error) {
	windowStart := now.UTC().Truncate(time.Hour)
	windowEnd := windowStart.Add(time.Hour)
	if r.limit <= 0 {
		return true, 0, windowEnd, nil
	}
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	key := fmt.Sprintf("voiceslot:ratelimit:%s:%d:%s", endpoint, userID, windowStart.Format("2006010215"))
	res, err := incrWithTTLScript.Run(ctx, r.redis, []string{key}, ttl).Int64()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit script: %w", err)
	}
	return res <= r.limit, res, windowEnd, nil
}

// Deduplicator keeps at most one pending reconcile job per slot.
type Deduplicator struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewDeduplicator(rdb *redis.Client, ttl time.Duration) *Deduplicator {
	return &Deduplicator{redis: rdb, ttl: ttl}
}

func (d *Deduplicator) MarkFirst(ctx context.Context, slotID string) (bool, error) {
	ok, err := d.redis.SetNX(ctx, d.key(slotID), "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe setnx: %w", err)
	}
	return ok, nil
}

func (d *Deduplicator) Release(ctx context.Context, slotID string) error {
	if err := d.redis.Del(ctx, d.key(slotID)).Err(); err != nil {
		return fmt.Errorf("dedupe del: %w", err)
	}
	return nil
}

func (d *Deduplicator) key(slotID string) string {
	return "voiceslot:mirror:pending:" + slotID
}
