package rpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v9"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"priceverse/internal/broadcast"
	"priceverse/internal/config"
	"priceverse/internal/core"
	"priceverse/internal/core/errs"
	"priceverse/internal/health"
	"priceverse/internal/pricecache"
	"priceverse/internal/store"
)

var priceColumns = []string{
	"id", "pair", "price", "event_time", "method", "sources", "volume", "created_at",
}

func newTestServer(t *testing.T) (*Server, sqlmock.Sqlmock, redismock.ClientMock) {
	t.Helper()
	raw, dbMock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	db := store.NewFromConn(sqlx.NewDb(raw, "sqlmock"), zap.NewNop())

	rdb, redisMock := redismock.NewClientMock()
	cache := pricecache.New(rdb, 60*time.Second, 120*time.Second)

	server := NewServer(
		config.AppConfig{Host: "127.0.0.1", Port: 0},
		config.StreamingConfig{IdleTimeout: 60, MaxQueueSize: 100},
		store.NewPriceHistory(db),
		store.NewCandles(db),
		cache,
		broadcast.NewHub(100, zap.NewNop()),
		health.NewRegistry(),
		nil, nil,
		zap.NewNop(),
	)
	return server, dbMock, redisMock
}

func callMethod(t *testing.T, s *Server, service, method string, input any) Response {
	t.Helper()
	raw, err := json.Marshal(input)
	require.NoError(t, err)
	return s.dispatch(context.Background(), "test-client", Request{
		ID:      "req-1",
		Version: "2.0",
		Service: service,
		Method:  method,
		Input:   raw,
	})
}

func TestGetPriceFromStoreOnCacheMiss(t *testing.T) {
	server, dbMock, redisMock := newTestServer(t)

	redisMock.ExpectGet("price:btc-usd").RedisNil()
	dbMock.ExpectQuery(`SELECT \* FROM price_history WHERE pair = \$1 ORDER BY event_time DESC LIMIT 1`).
		WithArgs("btc-usd").
		WillReturnRows(sqlmock.NewRows(priceColumns).
			AddRow(int64(1), "btc-usd", "45000", int64(1700000000000),
				"vwap", `["binance","kraken"]`, "2.5", time.Now()))

	resp := callMethod(t, server, ServicePrices, "getPrice",
		map[string]string{"pair": "btc-usd"})

	require.True(t, resp.Success, "error: %+v", resp.Error)
	payload := resp.Data.(*PricePayload)
	assert.Equal(t, "btc-usd", payload.Pair)
	assert.Equal(t, int64(1700000000000), payload.Timestamp)
}

func TestGetPriceUnavailable(t *testing.T) {
	server, dbMock, redisMock := newTestServer(t)

	redisMock.ExpectGet("price:xmr-usd").RedisNil()
	dbMock.ExpectQuery(`SELECT \* FROM price_history WHERE pair = \$1 ORDER BY event_time DESC LIMIT 1`).
		WithArgs("xmr-usd").
		WillReturnRows(sqlmock.NewRows(priceColumns))

	resp := callMethod(t, server, ServicePrices, "getPrice",
		map[string]string{"pair": "xmr-usd"})

	require.False(t, resp.Success)
	assert.Equal(t, string(errs.CodePriceUnavailable), resp.Error.Code)
}

func TestGetPriceInvalidPair(t *testing.T) {
	server, _, _ := newTestServer(t)
	resp := callMethod(t, server, ServicePrices, "getPrice",
		map[string]string{"pair": "doge-usd"})
	require.False(t, resp.Success)
	assert.Equal(t, string(errs.CodeInvalidPair), resp.Error.Code)
}

func TestStaleCachedPriceIsAMiss(t *testing.T) {
	server, dbMock, redisMock := newTestServer(t)

	stale := core.PriceUpdate{
		Pair:      core.PairBTCUSD,
		EventTime: time.Now().Add(-10 * time.Minute).UnixMilli(),
		Method:    core.MethodVWAP,
	}
	payload, _ := json.Marshal(stale)
	redisMock.ExpectGet("price:btc-usd").SetVal(string(payload))

	dbMock.ExpectQuery(`SELECT \* FROM price_history WHERE pair = \$1 ORDER BY event_time DESC LIMIT 1`).
		WithArgs("btc-usd").
		WillReturnRows(sqlmock.NewRows(priceColumns).
			AddRow(int64(2), "btc-usd", "46000", time.Now().UnixMilli(),
				"vwap", `["binance"]`, "1", time.Now()))

	resp := callMethod(t, server, ServicePrices, "getPrice",
		map[string]string{"pair": "btc-usd"})
	require.True(t, resp.Success)
	got := resp.Data.(*PricePayload)
	assert.Equal(t, "46000", got.Price.String(), "stale cache bypassed for the store")
}

func TestGetMultiplePricesBounds(t *testing.T) {
	server, _, _ := newTestServer(t)

	resp := callMethod(t, server, ServicePrices, "getMultiplePrices",
		map[string]any{"pairs": []string{}})
	require.False(t, resp.Success)
	assert.Equal(t, string(errs.CodeInvalidParams), resp.Error.Code)

	eleven := make([]string, 11)
	for i := range eleven {
		eleven[i] = "btc-usd"
	}
	resp = callMethod(t, server, ServicePrices, "getMultiplePrices",
		map[string]any{"pairs": eleven})
	require.False(t, resp.Success)
	assert.Equal(t, string(errs.CodeInvalidParams), resp.Error.Code)
}

func TestGetPriceChangeValidation(t *testing.T) {
	server, _, _ := newTestServer(t)

	// Custom period without from.
	resp := callMethod(t, server, ServicePrices, "getPriceChange",
		map[string]string{"pair": "btc-usd", "period": "custom"})
	require.False(t, resp.Success)
	assert.Equal(t, string(errs.CodeInvalidParams), resp.Error.Code)

	// from >= to.
	resp = callMethod(t, server, ServicePrices, "getPriceChange", map[string]string{
		"pair": "btc-usd", "period": "custom",
		"from": "2025-06-02T00:00:00Z", "to": "2025-06-01T00:00:00Z",
	})
	require.False(t, resp.Success)
	assert.Equal(t, string(errs.CodeInvalidTimeRange), resp.Error.Code)

	// Unparseable timestamp.
	resp = callMethod(t, server, ServicePrices, "getPriceChange", map[string]string{
		"pair": "btc-usd", "period": "custom", "from": "yesterday",
	})
	require.False(t, resp.Success)
	assert.Equal(t, string(errs.CodeInvalidDateFormat), resp.Error.Code)

	// Unknown period.
	resp = callMethod(t, server, ServicePrices, "getPriceChange",
		map[string]string{"pair": "btc-usd", "period": "90days"})
	require.False(t, resp.Success)
	assert.Equal(t, string(errs.CodeInvalidPeriod), resp.Error.Code)
}

func TestGetOHLCVValidation(t *testing.T) {
	server, _, _ := newTestServer(t)

	resp := callMethod(t, server, ServiceCharts, "getOHLCV",
		map[string]any{"pair": "btc-usd", "interval": "15min"})
	require.False(t, resp.Success)
	assert.Equal(t, string(errs.CodeInvalidInterval), resp.Error.Code)

	resp = callMethod(t, server, ServiceCharts, "getOHLCV",
		map[string]any{"pair": "btc-usd", "interval": "5min", "limit": 5000})
	require.False(t, resp.Success)
	assert.Equal(t, string(errs.CodeInvalidParams), resp.Error.Code)
}

func TestDispatchUnknownServiceAndMethod(t *testing.T) {
	server, _, _ := newTestServer(t)

	resp := callMethod(t, server, "NopeService@1.0.0", "getPrice", map[string]string{})
	require.False(t, resp.Success)
	assert.Equal(t, string(errs.CodeInvalidParams), resp.Error.Code)

	resp = callMethod(t, server, ServicePrices, "nope", map[string]string{})
	require.False(t, resp.Success)
	assert.Equal(t, string(errs.CodeInvalidParams), resp.Error.Code)
}

func TestInternalErrorsAreRewritten(t *testing.T) {
	server, dbMock, redisMock := newTestServer(t)

	redisMock.ExpectGet("price:btc-usd").RedisNil()
	dbMock.ExpectQuery(`SELECT \* FROM price_history WHERE pair = \$1 ORDER BY event_time DESC LIMIT 1`).
		WithArgs("btc-usd").
		WillReturnError(assertAnError{})

	resp := callMethod(t, server, ServicePrices, "getPrice",
		map[string]string{"pair": "btc-usd"})
	require.False(t, resp.Success)
	// Storage errors carry DATABASE_ERROR; codes outside the taxonomy
	// would collapse to INTERNAL_ERROR with no details.
	assert.Equal(t, string(errs.CodeDatabaseError), resp.Error.Code)
}

type assertAnError struct{}

func (assertAnError) Error() string { return "disk on fire" }

func TestHealthLiveAndCheck(t *testing.T) {
	server, _, _ := newTestServer(t)

	resp := callMethod(t, server, ServiceHealth, "live", map[string]string{})
	require.True(t, resp.Success)
	data := resp.Data.(map[string]any)
	assert.Equal(t, "up", data["status"])

	resp = callMethod(t, server, ServiceHealth, "check", map[string]string{})
	require.True(t, resp.Success)
	checkData := resp.Data.(map[string]any)
	assert.Equal(t, string(health.StatusHealthy), checkData["status"])
	assert.Equal(t, Version, checkData["version"])
}
