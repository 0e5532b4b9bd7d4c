package ohlcv

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"priceverse/internal/core"
	"priceverse/internal/store"
)

var priceColumns = []string{
	"id", "pair", "price", "event_time", "method", "sources", "volume", "created_at",
}

func TestRunUpsertsCandlesPerPair(t *testing.T) {
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer raw.Close()
	db := store.NewFromConn(sqlx.NewDb(raw, "sqlmock"), zap.NewNop())

	agg := New([]core.Pair{core.PairBTCUSD, core.PairETHUSD},
		store.NewCandles(db), zap.NewNop())

	now := time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC)
	periodStart := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// btc-usd has rows: load + upsert inside one transaction.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM price_history`).
		WithArgs("btc-usd", periodStart.UnixMilli(), now.UnixMilli(), store.MaxQueryLimit).
		WillReturnRows(sqlmock.NewRows(priceColumns).
			AddRow(int64(1), "btc-usd", "100", periodStart.UnixMilli(), "vwap", `["binance"]`, "1", now).
			AddRow(int64(2), "btc-usd", "110", periodStart.UnixMilli()+60_000, "vwap", `["binance"]`, "2", now).
			AddRow(int64(3), "btc-usd", "105", periodStart.UnixMilli()+120_000, "vwap", `["binance"]`, "1", now))
	mock.ExpectExec(`INSERT INTO price_history_5min`).
		WithArgs("btc-usd", periodStart, "100", "110", "100", "105", "4", "106.25", int64(3)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	// eth-usd has no rows: the transaction rolls back without an upsert.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM price_history`).
		WithArgs("eth-usd", periodStart.UnixMilli(), now.UnixMilli(), store.MaxQueryLimit).
		WillReturnRows(sqlmock.NewRows(priceColumns))
	mock.ExpectRollback()

	agg.Run(context.Background(), core.Res5Min, now)

	assert.NoError(t, mock.ExpectationsWereMet())

	stats := agg.Stats()
	require.Contains(t, stats, core.Res5Min)
	assert.Equal(t, 2, stats[core.Res5Min].ProcessedCount)
}

func TestRunIsolatesPairFailures(t *testing.T) {
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer raw.Close()
	db := store.NewFromConn(sqlx.NewDb(raw, "sqlmock"), zap.NewNop())

	agg := New([]core.Pair{core.PairBTCUSD, core.PairETHUSD},
		store.NewCandles(db), zap.NewNop())

	now := time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC)
	periodStart := now.Add(-5 * time.Minute)

	// btc-usd fails outright.
	mock.ExpectBegin().WillReturnError(assertErr{})

	// eth-usd still runs.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM price_history`).
		WithArgs("eth-usd", periodStart.UnixMilli(), now.UnixMilli(), store.MaxQueryLimit).
		WillReturnRows(sqlmock.NewRows(priceColumns))
	mock.ExpectRollback()

	agg.Run(context.Background(), core.Res5Min, now)
	assert.NoError(t, mock.ExpectationsWereMet())
}

type assertErr struct{}

func (assertErr) Error() string { return "begin failed" }

func TestScheduleFor(t *testing.T) {
	assert.Equal(t, "*/5 * * * *", scheduleFor(core.Res5Min))
	assert.Equal(t, "0 * * * *", scheduleFor(core.Res1Hour))
	assert.Equal(t, "0 0 * * *", scheduleFor(core.Res1Day))
}
