package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisWindow is a sliding-window limiter shared across processes via a Redis
// sorted set per key. Use it when several daemons guard the same downstream.
type RedisWindow struct {
	client *redis.Client
	cfg    Config
	prefix string
}

// NewRedisWindow returns a Redis-backed sliding-window limiter.
func NewRedisWindow(client *redis.Client, cfg Config) *RedisWindow {
	return &RedisWindow{client: client, cfg: cfg.withDefaults(), prefix: "ratelimit:"}
}

// Consume records one event for key and reports whether it was within the limit.
// It uses a sorted set as a timestamp ring buffer.
func (r *RedisWindow) Consume(ctx context.Context, key string) (Decision, error) {
	now := time.Now()
	nowNs := now.UnixNano()
	windowStart := nowNs - r.cfg.Window.Nanoseconds()
	rkey := r.prefix + key

	pipe := r.client.TxPipeline()
	// Evict timestamps that fell outside the window.
	pipe.ZRemRangeByScore(ctx, rkey, "0", strconv.FormatInt(windowStart, 10))
	// Record this event with the current nanosecond timestamp as both score and member.
	pipe.ZAdd(ctx, rkey, redis.Z{Score: float64(nowNs), Member: strconv.FormatInt(nowNs, 10)})
	// Count events still in the window.
	countCmd := pipe.ZCard(ctx, rkey)
	// Keep the key alive for at least one more window.
	pipe.Expire(ctx, rkey, r.cfg.Window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("rate limiter pipeline for %q: %w", key, err)
	}

	used := int(countCmd.Val())
	d := Decision{
		Allowed:   used <= r.cfg.MaxRequests,
		Remaining: r.cfg.MaxRequests - used,
		ResetAt:   now.Add(r.cfg.Window),
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !d.Allowed {
		d.RetryAfter = r.cfg.Window
	}
	return d, nil
}

// Check counts events in the window for key without recording one.
func (r *RedisWindow) Check(ctx context.Context, key string) (Decision, error) {
	now := time.Now()
	windowStart := now.Add(-r.cfg.Window).UnixNano()
	rkey := r.prefix + key

	n, err := r.client.ZCount(ctx, rkey, strconv.FormatInt(windowStart, 10), "+inf").Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limiter count for %q: %w", key, err)
	}
	used := int(n)
	d := Decision{
		Allowed:   used < r.cfg.MaxRequests,
		Remaining: r.cfg.MaxRequests - used,
		ResetAt:   now.Add(r.cfg.Window),
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !d.Allowed {
		d.RetryAfter = r.cfg.Window
	}
	return d, nil
}

// Reset drops all recorded events for key.
func (r *RedisWindow) Reset(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}
