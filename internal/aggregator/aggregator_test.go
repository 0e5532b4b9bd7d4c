package aggregator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v9"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"priceverse/internal/broadcast"
	"priceverse/internal/core"
	"priceverse/internal/fiat"
	"priceverse/internal/pricecache"
	"priceverse/internal/store"
)

type fixedRate struct {
	rate   decimal.Decimal
	status fiat.Status
}

func (f fixedRate) GetRate(ctx context.Context) fiat.Rate {
	return fiat.Rate{Value: f.rate, Status: f.status}
}

func windowTrade(venue string, price, volume int64, eventTime int64) core.Trade {
	return core.Trade{
		Venue:        venue,
		Pair:         core.PairBTCUSD,
		Price:        decimal.NewFromInt(price),
		Volume:       decimal.NewFromInt(volume),
		EventTime:    eventTime,
		VenueTradeID: venue + "-1",
	}
}

func TestAggregatePairEmitsUSDAndRUB(t *testing.T) {
	raw, dbMock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer raw.Close()
	db := store.NewFromConn(sqlx.NewDb(raw, "sqlmock"), zap.NewNop())

	rdb, redisMock := redismock.NewClientMock()

	cfg := DefaultConfig()
	cfg.Venues = []string{"binance", "kraken"}
	hub := broadcast.NewHub(10, zap.NewNop())
	sub := hub.Subscribe(nil)

	agg := New(cfg,
		nil,
		NewTradeBuffer(rdb),
		store.NewPriceHistory(db),
		pricecache.New(rdb, 60*time.Second, 120*time.Second),
		hub,
		fixedRate{rate: decimal.NewFromInt(90), status: fiat.StatusFresh},
		zap.NewNop())

	now := int64(1700000000000)
	windowStart := now - cfg.Window.Milliseconds()

	tradeA := windowTrade("binance", 45000, 1, now-5000)
	tradeB := windowTrade("kraken", 45100, 1, now-2000)
	memberA, _ := json.Marshal(tradeA)
	memberB, _ := json.Marshal(tradeB)

	redisMock.ExpectZRangeByScore("trades:buffer:btc-usd", &redis.ZRangeBy{
		Min: "1699999970000",
		Max: "1700000000000",
	}).SetVal([]string{string(memberA), string(memberB)})
	redisMock.ExpectZRemRangeByScore("trades:buffer:btc-usd", "-inf", "(1699999970000").SetVal(0)

	// USD row: vwap = (45000 + 45100) / 2 = 45050.
	dbMock.ExpectExec(`INSERT INTO price_history`).
		WithArgs("btc-usd", "45050", now, "vwap", `["binance","kraken"]`, "2").
		WillReturnResult(sqlmock.NewResult(1, 1))

	usdUpdate := core.PriceUpdate{
		Pair:      core.PairBTCUSD,
		Price:     decimal.NewFromInt(45050),
		EventTime: now,
		Method:    core.MethodVWAP,
		Sources:   []string{"binance", "kraken"},
		Volume:    decimal.NewFromInt(2),
	}
	usdPayload, _ := json.Marshal(usdUpdate)
	redisMock.ExpectSet("price:btc-usd", usdPayload, 60*time.Second).SetVal("OK")
	redisMock.ExpectPublish("price:btc-usd", usdPayload).SetVal(1)

	// RUB row: 45050 × 90 = 4054500, sources gain "cbr", same event time.
	dbMock.ExpectExec(`INSERT INTO price_history`).
		WithArgs("btc-rub", "4054500", now, "vwap", `["binance","cbr","kraken"]`, "2").
		WillReturnResult(sqlmock.NewResult(2, 1))

	rubUpdate := core.PriceUpdate{
		Pair:      core.PairBTCRUB,
		Price:     decimal.NewFromInt(4054500),
		EventTime: now,
		Method:    core.MethodVWAP,
		Sources:   []string{"binance", "cbr", "kraken"},
		Volume:    decimal.NewFromInt(2),
	}
	rubPayload, _ := json.Marshal(rubUpdate)
	redisMock.ExpectSet("price:btc-rub", rubPayload, 60*time.Second).SetVal("OK")
	redisMock.ExpectPublish("price:btc-rub", rubPayload).SetVal(1)

	require.NoError(t, agg.aggregatePair(context.Background(), core.PairBTCUSD, windowStart, now))

	assert.NoError(t, dbMock.ExpectationsWereMet())
	assert.NoError(t, redisMock.ExpectationsWereMet())

	// Both updates reached the in-process subscribers.
	first := <-sub.C()
	second := <-sub.C()
	assert.Equal(t, core.PairBTCUSD, first.Pair)
	assert.Equal(t, core.PairBTCRUB, second.Pair)
	assert.Equal(t, first.EventTime, second.EventTime, "both rows share the tick's event time")
}

func TestAggregatePairEmptyWindowEmitsNothing(t *testing.T) {
	rdb, redisMock := redismock.NewClientMock()

	cfg := DefaultConfig()
	agg := New(cfg, nil, NewTradeBuffer(rdb), nil, nil, nil,
		fixedRate{rate: decimal.NewFromInt(90), status: fiat.StatusFresh}, zap.NewNop())

	now := int64(1700000000000)
	redisMock.ExpectZRangeByScore("trades:buffer:btc-usd", &redis.ZRangeBy{
		Min: "1699999970000",
		Max: "1700000000000",
	}).SetVal(nil)
	redisMock.ExpectZRemRangeByScore("trades:buffer:btc-usd", "-inf", "(1699999970000").SetVal(0)

	require.NoError(t, agg.aggregatePair(context.Background(), core.PairBTCUSD,
		now-cfg.Window.Milliseconds(), now))
	assert.NoError(t, redisMock.ExpectationsWereMet())
}

func TestAggregatePairSkipsRUBWithoutPositiveRate(t *testing.T) {
	raw, dbMock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer raw.Close()
	db := store.NewFromConn(sqlx.NewDb(raw, "sqlmock"), zap.NewNop())

	rdb, redisMock := redismock.NewClientMock()

	cfg := DefaultConfig()
	agg := New(cfg, nil, NewTradeBuffer(rdb), store.NewPriceHistory(db),
		pricecache.New(rdb, 60*time.Second, 120*time.Second), nil,
		fixedRate{rate: decimal.Zero, status: fiat.StatusFallback}, zap.NewNop())

	now := int64(1700000000000)
	trade := windowTrade("binance", 100, 1, now-1000)
	member, _ := json.Marshal(trade)

	redisMock.ExpectZRangeByScore("trades:buffer:btc-usd", &redis.ZRangeBy{
		Min: "1699999970000",
		Max: "1700000000000",
	}).SetVal([]string{string(member)})
	redisMock.ExpectZRemRangeByScore("trades:buffer:btc-usd", "-inf", "(1699999970000").SetVal(0)

	dbMock.ExpectExec(`INSERT INTO price_history`).
		WithArgs("btc-usd", "100", now, "vwap", `["binance"]`, "1").
		WillReturnResult(sqlmock.NewResult(1, 1))

	update := core.PriceUpdate{
		Pair:      core.PairBTCUSD,
		Price:     decimal.NewFromInt(100),
		EventTime: now,
		Method:    core.MethodVWAP,
		Sources:   []string{"binance"},
		Volume:    decimal.NewFromInt(1),
	}
	payload, _ := json.Marshal(update)
	redisMock.ExpectSet("price:btc-usd", payload, 60*time.Second).SetVal("OK")
	redisMock.ExpectPublish("price:btc-usd", payload).SetVal(1)

	require.NoError(t, agg.aggregatePair(context.Background(), core.PairBTCUSD,
		now-cfg.Window.Milliseconds(), now))

	// No second insert: the non-positive rate suppressed the RUB row.
	assert.NoError(t, dbMock.ExpectationsWereMet())
	assert.NoError(t, redisMock.ExpectationsWereMet())
}

func TestConsumeBackoff(t *testing.T) {
	assert.Equal(t, time.Second, consumeBackoff(1))
	assert.Equal(t, 2*time.Second, consumeBackoff(2))
	assert.Equal(t, 16*time.Second, consumeBackoff(5))
	assert.Equal(t, 30*time.Second, consumeBackoff(6))
	assert.Equal(t, 30*time.Second, consumeBackoff(50))
}
