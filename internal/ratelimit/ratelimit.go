// Package ratelimit is a per-client, per-endpoint sliding-window limiter
// over Redis. Each check trims expired entries, counts the window, and
// either denies or records the request — all inside one transaction
// pipeline. Transport errors fail open: the request is allowed and logged.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Result is one admission decision.
type Result struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int64         `json:"remaining"`
	ResetTime  int64         `json:"reset_time"` // epoch ms
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Limiter is the sliding-window limiter.
type Limiter struct {
	rdb    redis.Cmdable
	window time.Duration
	max    int64
	logger *zap.Logger
}

// New creates a limiter. Defaults: 100 requests per 60s.
func New(rdb redis.Cmdable, window time.Duration, max int64, logger *zap.Logger) *Limiter {
	if window <= 0 {
		window = 60 * time.Second
	}
	if max <= 0 {
		max = 100
	}
	return &Limiter{
		rdb:    rdb,
		window: window,
		max:    max,
		logger: logger.Named("ratelimit"),
	}
}

// key builds ratelimit:{client}[:endpoint].
func key(client, endpoint string) string {
	k := "ratelimit:" + client
	if endpoint != "" {
		k += ":" + endpoint
	}
	return k
}

// Check admits or denies one request for the client/endpoint.
func (l *Limiter) Check(ctx context.Context, client, endpoint string) Result {
	now := time.Now()
	nowMs := now.UnixMilli()
	windowStart := nowMs - l.window.Milliseconds()
	k := key(client, endpoint)

	pipe := l.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, k, "0", strconv.FormatInt(windowStart, 10))
	countCmd := pipe.ZCard(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		// Fail open: the limiter protects the service, it must not become
		// the outage.
		l.logger.Warn("Rate limiter unavailable, failing open",
			zap.String("key", k),
			zap.Error(err))
		return Result{Allowed: true, Remaining: l.max}
	}

	count := countCmd.Val()
	if count >= l.max {
		return Result{
			Allowed:    false,
			Remaining:  0,
			ResetTime:  nowMs + l.window.Milliseconds(),
			RetryAfter: l.window,
		}
	}

	member := fmt.Sprintf("%d-%s", nowMs, uuid.NewString())
	ttl := time.Duration(l.window.Milliseconds()/1000+1) * time.Second

	pipe = l.rdb.TxPipeline()
	pipe.ZAdd(ctx, k, redis.Z{Score: float64(nowMs), Member: member})
	pipe.Expire(ctx, k, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("Rate limiter record failed, failing open",
			zap.String("key", k),
			zap.Error(err))
		return Result{Allowed: true, Remaining: l.max - count}
	}

	return Result{
		Allowed:   true,
		Remaining: l.max - count - 1,
		ResetTime: nowMs + l.window.Milliseconds(),
	}
}
