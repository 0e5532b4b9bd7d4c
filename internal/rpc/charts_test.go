package rpc

import (
	"sort"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"priceverse/internal/core/errs"
)

var chartCandleColumns = []string{
	"id", "pair", "period_start", "open", "high", "low", "close",
	"volume", "vwap", "trade_count", "created_at",
}

func TestGetChartDataAscendingSeries(t *testing.T) {
	server, dbMock, _ := newTestServer(t)

	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(chartCandleColumns)
	closes := []string{"101", "105", "103"}
	for i, c := range closes {
		rows.AddRow(int64(i+1), "btc-usd", t0.Add(time.Duration(i)*time.Hour),
			"100", "110", "95", c, "4", "102.5", int64(3), t0)
	}

	dbMock.ExpectQuery(`SELECT \* FROM price_history_1hour`).
		WillReturnRows(rows)

	resp := callMethod(t, server, ServiceCharts, "getChartData", map[string]string{
		"pair": "btc-usd", "period": "7days", "interval": "1hour",
	})
	require.True(t, resp.Success, "error: %+v", resp.Error)

	data := resp.Data.(map[string]any)
	dates := data["dates"].([]string)
	series := data["series"].([]decimal.Decimal)

	require.Len(t, dates, 3)
	assert.True(t, sort.StringsAreSorted(dates), "dates strictly ascending")
	for i, c := range closes {
		expected, _ := decimal.NewFromString(c)
		assert.True(t, series[i].Equal(expected),
			"series[%d] equals the close of the candle at dates[%d]", i, i)
	}

	ohlcv := data["ohlcv"].(map[string]any)
	assert.Len(t, ohlcv["open"].([]decimal.Decimal), 3)
	assert.Len(t, ohlcv["volume"].([]decimal.Decimal), 3)
}

func TestGetChartDataNotFound(t *testing.T) {
	server, dbMock, _ := newTestServer(t)

	dbMock.ExpectQuery(`SELECT \* FROM price_history_5min`).
		WillReturnRows(sqlmock.NewRows(chartCandleColumns))

	resp := callMethod(t, server, ServiceCharts, "getChartData", map[string]string{
		"pair": "eth-usd", "period": "24hours", "interval": "5min",
	})
	require.False(t, resp.Success)
	assert.Equal(t, string(errs.CodeChartDataNotFound), resp.Error.Code)
}
