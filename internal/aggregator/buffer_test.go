package aggregator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"priceverse/internal/core"
)

func bufferTrade(venue string, eventTime int64) core.Trade {
	return core.Trade{
		Venue:        venue,
		Pair:         core.PairBTCUSD,
		Price:        decimal.NewFromInt(45000),
		Volume:       decimal.NewFromInt(1),
		EventTime:    eventTime,
		VenueTradeID: "t-1",
	}
}

func TestTradeBufferInsert(t *testing.T) {
	db, mock := redismock.NewClientMock()
	buffer := NewTradeBuffer(db)

	trade := bufferTrade("binance", 1700000000000)
	member, err := json.Marshal(trade)
	require.NoError(t, err)

	mock.ExpectZAdd("trades:buffer:btc-usd", redis.Z{
		Score:  float64(trade.EventTime),
		Member: string(member),
	}).SetVal(1)

	require.NoError(t, buffer.Insert(context.Background(), trade))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTradeBufferWindow(t *testing.T) {
	db, mock := redismock.NewClientMock()
	buffer := NewTradeBuffer(db)

	first, _ := json.Marshal(bufferTrade("binance", 1000))
	second, _ := json.Marshal(bufferTrade("kraken", 2000))

	mock.ExpectZRangeByScore("trades:buffer:btc-usd", &redis.ZRangeBy{
		Min: "1000",
		Max: "2000",
	}).SetVal([]string{string(first), "not-json", string(second)})

	trades, err := buffer.Window(context.Background(), core.PairBTCUSD, 1000, 2000)
	require.NoError(t, err)
	// The malformed member is skipped, not fatal.
	require.Len(t, trades, 2)
	assert.Equal(t, "binance", trades[0].Venue)
	assert.Equal(t, "kraken", trades[1].Venue)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTradeBufferPrune(t *testing.T) {
	db, mock := redismock.NewClientMock()
	buffer := NewTradeBuffer(db)

	mock.ExpectZRemRangeByScore("trades:buffer:btc-usd", "-inf", "(1700000000000").SetVal(3)

	require.NoError(t, buffer.Prune(context.Background(), core.PairBTCUSD, 1700000000000))
	assert.NoError(t, mock.ExpectationsWereMet())
}
