package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"priceverse/internal/core"
	"priceverse/internal/core/errs"
)

// TradeBuffer is the per-pair trade window shared across aggregator
// restarts: a Redis sorted set per pair, scored by trade event-time.
// Members are the serialized trades themselves, so an at-least-once
// redelivery of the same venue trade collapses into one member while
// distinct venues' trades always remain distinct.
type TradeBuffer struct {
	rdb redis.Cmdable
}

// NewTradeBuffer creates the buffer over an existing Redis client.
func NewTradeBuffer(rdb redis.Cmdable) *TradeBuffer {
	return &TradeBuffer{rdb: rdb}
}

// BufferKey returns the sorted-set key for a pair.
func BufferKey(pair core.Pair) string {
	return "trades:buffer:" + pair.String()
}

// Insert adds a trade scored by its event time.
func (b *TradeBuffer) Insert(ctx context.Context, trade core.Trade) error {
	member, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("failed to marshal trade: %w", err)
	}
	if err := b.rdb.ZAdd(ctx, BufferKey(trade.Pair), redis.Z{
		Score:  float64(trade.EventTime),
		Member: string(member),
	}).Err(); err != nil {
		return errs.Wrap(errs.CodeRedisError, err,
			"failed to buffer trade for %s", trade.Pair)
	}
	return nil
}

// Window reads all trades with event-time in [from, to] (epoch ms).
func (b *TradeBuffer) Window(ctx context.Context, pair core.Pair, from, to int64) ([]core.Trade, error) {
	members, err := b.rdb.ZRangeByScore(ctx, BufferKey(pair), &redis.ZRangeBy{
		Min: strconv.FormatInt(from, 10),
		Max: strconv.FormatInt(to, 10),
	}).Result()
	if err != nil {
		return nil, errs.Wrap(errs.CodeRedisError, err,
			"failed to read trade window for %s", pair)
	}

	trades := make([]core.Trade, 0, len(members))
	for _, member := range members {
		var trade core.Trade
		if err := json.Unmarshal([]byte(member), &trade); err != nil {
			// A malformed member is pruned with the window; skip it.
			continue
		}
		trades = append(trades, trade)
	}
	return trades, nil
}

// Prune evicts every trade with event-time strictly before cutoff.
func (b *TradeBuffer) Prune(ctx context.Context, pair core.Pair, cutoff int64) error {
	err := b.rdb.ZRemRangeByScore(ctx, BufferKey(pair),
		"-inf", "("+strconv.FormatInt(cutoff, 10)).Err()
	if err != nil {
		return errs.Wrap(errs.CodeRedisError, err,
			"failed to prune trade buffer for %s", pair)
	}
	return nil
}
