package httpx

import (
	"context"
	"time"

	"log/slog"

	redis "github.com/redis/go-redis/v9"
)

const (
	rateLimitKeyPrefix = "slipway:ratelimit:"

	// redisRateTimeout keeps a slow Redis from stalling webhook intake;
	// on timeout the limiter fails open.
	redisRateTimeout = 250 * time.Millisecond
)

// redisRateLimiter shares one fixed-window counter per caller key across
// every receiver replica. The limiter fails open: when Redis is
// unreachable, requests pass and the error is logged.
type redisRateLimiter struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisRateLimiter connects a dedicated client and verifies it before
// use, so a misconfigured address surfaces at startup rather than as a
// silently open limiter.
func NewRedisRateLimiter(addr, password string, db int, logger *slog.Logger) (RateLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &redisRateLimiter{client: client, logger: logger}, nil
}

func (rl *redisRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisRateTimeout)
	defer cancel()

	counterKey := rateLimitKeyPrefix + key
	pipe := rl.client.Pipeline()
	count := pipe.Incr(ctx, counterKey)
	ttl := pipe.TTL(ctx, counterKey)
	if _, err := pipe.Exec(ctx); err != nil {
		rl.fail("incr", err)
		return rateDecision{allowed: true}
	}
	if count.Val() == 1 {
		// First hit in the window owns setting the expiry.
		if err := rl.client.Expire(ctx, counterKey, window).Err(); err != nil {
			rl.fail("expire", err)
		}
	}
	remaining := ttl.Val()
	if remaining <= 0 {
		remaining = window
	}
	return rateDecision{
		allowed:   count.Val() <= int64(limit),
		count:     int(count.Val()),
		windowEnd: time.Now().Add(remaining),
	}
}

func (rl *redisRateLimiter) Close() {
	_ = rl.client.Close()
}

func (rl *redisRateLimiter) fail(op string, err error) {
	if rl.logger != nil {
		rl.logger.Warn("rate limiter failing open", "op", op, "error", err)
	}
}
