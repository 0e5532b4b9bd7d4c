package store

import (
	"context"
	"database/sql"
	"fmt"

	"priceverse/internal/core"
	"priceverse/internal/core/errs"
)

// RecomputeInTx loads the canonical prices for one (pair, period) window,
// hands them to compute, and upserts the produced candle — all inside a
// single READ COMMITTED transaction so a concurrent recompute of the same
// period stays last-writer-wins on whole rows. compute returning ok=false
// (empty period) commits nothing.
func (c *Candles) RecomputeInTx(ctx context.Context, res core.Resolution, pair core.Pair,
	fromMs, toMs int64, compute func(rows []PriceRow) (core.Candle, bool)) error {

	table, err := tableFor(res)
	if err != nil {
		return err
	}

	tx, err := c.db.conn.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return errs.Wrap(errs.CodeDatabaseError, err, "failed to begin candle recompute")
	}
	defer tx.Rollback()

	var rows []PriceRow
	if err := tx.SelectContext(ctx, &rows,
		`SELECT * FROM price_history
		 WHERE pair = $1 AND event_time >= $2 AND event_time < $3
		 ORDER BY event_time ASC LIMIT $4`,
		pair.String(), fromMs, toMs, MaxQueryLimit); err != nil {
		return errs.Wrap(errs.CodeDatabaseError, err,
			"failed to load period rows for %s", pair)
	}

	candle, ok := compute(rows)
	if !ok {
		return nil
	}

	vwap := nullDecimalOf(candle.VWAP)
	query := fmt.Sprintf(
		`INSERT INTO %s (pair, period_start, open, high, low, close, volume, vwap, trade_count)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (pair, period_start) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume,
			vwap = EXCLUDED.vwap,
			trade_count = EXCLUDED.trade_count`, table)
	if _, err := tx.ExecContext(ctx, query,
		candle.Pair.String(), candle.PeriodStart.UTC(),
		candle.Open, candle.High, candle.Low, candle.Close,
		candle.Volume, vwap, candle.TradeCount); err != nil {
		return errs.Wrap(errs.CodeDatabaseError, err,
			"failed to upsert %s candle for %s", res, candle.Pair)
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.CodeDatabaseError, err, "failed to commit candle recompute")
	}
	return nil
}
