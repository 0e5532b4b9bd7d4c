package venuelog

import (
	"context"
	"testing"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"priceverse/internal/core"
)

func TestStreamName(t *testing.T) {
	assert.Equal(t, "trades:binance", StreamName("binance"))
}

func TestAppend(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	log := New(rdb, zap.NewNop())

	trade := core.Trade{
		Venue:        "binance",
		Pair:         core.PairBTCUSD,
		Price:        decimal.NewFromInt(45000),
		Volume:       decimal.NewFromFloat(0.5),
		EventTime:    1700000000000,
		VenueTradeID: "t-9",
	}

	mock.CustomMatch(func(expected, actual []interface{}) error {
		return nil
	}).ExpectXAdd(&redis.XAddArgs{
		Stream: "trades:binance",
		Values: map[string]interface{}{
			"pair":           "btc-usd",
			"price":          "45000",
			"volume":         "0.5",
			"event_time":     int64(1700000000000),
			"venue_trade_id": "t-9",
		},
	}).SetVal("1700000000000-0")

	id, err := log.Append(context.Background(), trade)
	require.NoError(t, err)
	assert.Equal(t, "1700000000000-0", id)
}

func TestParseTrade(t *testing.T) {
	trade, err := parseTrade("kraken", map[string]interface{}{
		"pair":           "eth-usd",
		"price":          "2500.5",
		"volume":         "2",
		"event_time":     "1700000000123",
		"venue_trade_id": "k-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "kraken", trade.Venue)
	assert.Equal(t, core.PairETHUSD, trade.Pair)
	assert.True(t, trade.Price.Equal(decimal.NewFromFloat(2500.5)))
	assert.Equal(t, int64(1700000000123), trade.EventTime)
	assert.Equal(t, "k-1", trade.VenueTradeID)
}

func TestParseTradeRejectsBadRecords(t *testing.T) {
	cases := []map[string]interface{}{
		{"price": "1", "volume": "1", "event_time": "1"},                        // missing pair
		{"pair": "nope", "price": "1", "volume": "1", "event_time": "1"},        // unknown pair
		{"pair": "btc-usd", "price": "x", "volume": "1", "event_time": "1"},     // bad price
		{"pair": "btc-usd", "price": "1", "volume": "1"},                        // missing event time
		{"pair": "btc-usd", "price": "1", "volume": "bad", "event_time": "1"},   // bad volume
	}
	for i, values := range cases {
		_, err := parseTrade("binance", values)
		assert.Error(t, err, "case %d", i)
	}
}
