// Package venuelog is the append-only per-venue trade log backed by Redis
// Streams. Each collector appends to its own venue stream; the aggregator
// reads every stream through one consumer group, so delivery is per-venue
// FIFO and at-least-once.
package venuelog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"priceverse/internal/core"
)

// Group is the consumer group shared by all aggregator instances.
const Group = "aggregator"

// Entry is one delivered log record. Err is set when the record could not
// be parsed; such entries still carry their ID so the consumer can ack them.
type Entry struct {
	ID    string
	Trade core.Trade
	Err   error
}

// Log wraps the stream operations the pipeline needs. One Log serves all
// venues; streams are keyed trades:{venue}.
type Log struct {
	rdb    redis.Cmdable
	logger *zap.Logger
}

// New creates a Log over an existing Redis client.
func New(rdb redis.Cmdable, logger *zap.Logger) *Log {
	return &Log{rdb: rdb, logger: logger.Named("venuelog")}
}

// StreamName returns the stream key for a venue.
func StreamName(venue string) string {
	return "trades:" + venue
}

// Append appends a normalized trade to the venue stream and returns the
// entry id.
func (l *Log) Append(ctx context.Context, trade core.Trade) (string, error) {
	id, err := l.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamName(trade.Venue),
		Values: map[string]interface{}{
			"pair":           string(trade.Pair),
			"price":          trade.Price.String(),
			"volume":         trade.Volume.String(),
			"event_time":     trade.EventTime,
			"venue_trade_id": trade.VenueTradeID,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to append to %s: %w", StreamName(trade.Venue), err)
	}
	return id, nil
}

// CreateGroup creates the consumer group on a venue stream, creating the
// stream when missing. A pre-existing group is not an error.
func (l *Log) CreateGroup(ctx context.Context, venue, group, startID string) error {
	err := l.rdb.XGroupCreateMkStream(ctx, StreamName(venue), group, startID).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create group %s on %s: %w", group, StreamName(venue), err)
	}
	return nil
}

// ReadGroup reads up to count pending entries for the consumer, blocking up
// to block. A nil slice with nil error means no traffic within the block
// window. Entries that fail to parse are returned with a zero Trade and
// logged at debug level; callers still ack them so malformed records do not
// wedge the group.
func (l *Log) ReadGroup(ctx context.Context, venue, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	streams, err := l.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{StreamName(venue), ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read group %s on %s: %w", group, StreamName(venue), err)
	}

	var entries []Entry
	for _, s := range streams {
		for _, msg := range s.Messages {
			trade, perr := parseTrade(venue, msg.Values)
			if perr != nil {
				l.logger.Debug("Dropping malformed stream entry",
					zap.String("stream", s.Stream),
					zap.String("id", msg.ID),
					zap.Error(perr))
			}
			entries = append(entries, Entry{ID: msg.ID, Trade: trade, Err: perr})
		}
	}
	return entries, nil
}

// Ack acknowledges a delivered entry.
func (l *Log) Ack(ctx context.Context, venue, group, id string) error {
	if err := l.rdb.XAck(ctx, StreamName(venue), group, id).Err(); err != nil {
		return fmt.Errorf("failed to ack %s on %s: %w", id, StreamName(venue), err)
	}
	return nil
}

func parseTrade(venue string, values map[string]interface{}) (core.Trade, error) {
	var trade core.Trade
	trade.Venue = venue

	pairRaw, _ := values["pair"].(string)
	pair, err := core.ParsePair(pairRaw)
	if err != nil {
		return core.Trade{}, err
	}
	trade.Pair = pair

	price, err := decimalField(values, "price")
	if err != nil {
		return core.Trade{}, err
	}
	trade.Price = price

	volume, err := decimalField(values, "volume")
	if err != nil {
		return core.Trade{}, err
	}
	trade.Volume = volume

	switch v := values["event_time"].(type) {
	case string:
		t, err := decimal.NewFromString(v)
		if err != nil {
			return core.Trade{}, fmt.Errorf("bad event_time %q: %w", v, err)
		}
		trade.EventTime = t.IntPart()
	case int64:
		trade.EventTime = v
	default:
		return core.Trade{}, fmt.Errorf("missing event_time")
	}

	trade.VenueTradeID, _ = values["venue_trade_id"].(string)
	return trade, nil
}

func decimalField(values map[string]interface{}, key string) (decimal.Decimal, error) {
	raw, _ := values[key].(string)
	if raw == "" {
		return decimal.Decimal{}, fmt.Errorf("missing %s", key)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("bad %s %q: %w", key, raw, err)
	}
	return d, nil
}
