package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"priceverse/internal/core"
	"priceverse/internal/core/errs"
)

// candleTables lists the three candle tables. tableFor maps the closed set
// of resolutions onto them and rejects anything else so resolution strings
// never reach SQL.
var candleTables = []string{
	"price_history_5min",
	"price_history_1hour",
	"price_history_1day",
}

func tableFor(res core.Resolution) (string, error) {
	switch res {
	case core.Res5Min:
		return "price_history_5min", nil
	case core.Res1Hour:
		return "price_history_1hour", nil
	case core.Res1Day:
		return "price_history_1day", nil
	}
	return "", errs.New(errs.CodeInvalidInterval, "unknown resolution %q", res)
}

// CandleRow is one stored OHLCV row.
type CandleRow struct {
	ID          int64               `db:"id"`
	Pair        string              `db:"pair"`
	PeriodStart time.Time           `db:"period_start"`
	Open        decimal.Decimal     `db:"open"`
	High        decimal.Decimal     `db:"high"`
	Low         decimal.Decimal     `db:"low"`
	Close       decimal.Decimal     `db:"close"`
	Volume      decimal.Decimal     `db:"volume"`
	VWAP        decimal.NullDecimal `db:"vwap"`
	TradeCount  int64               `db:"trade_count"`
	CreatedAt   time.Time           `db:"created_at"`
}

// ToCandle converts a row into the pipeline shape.
func (r CandleRow) ToCandle() core.Candle {
	c := core.Candle{
		Pair:        core.Pair(r.Pair),
		PeriodStart: r.PeriodStart.UTC(),
		Open:        r.Open,
		High:        r.High,
		Low:         r.Low,
		Close:       r.Close,
		Volume:      r.Volume,
		TradeCount:  r.TradeCount,
	}
	if r.VWAP.Valid {
		v := r.VWAP.Decimal
		c.VWAP = &v
	}
	return c
}

// CandlePage is an offset-paginated result.
type CandlePage struct {
	Rows  []CandleRow
	Total int64
}

// CursorQuery parameterizes keyset pagination.
type CursorQuery struct {
	Limit  int
	Cursor string
	From   *time.Time
	To     *time.Time
	Order  Order
}

// CursorPage is a keyset-paginated result.
type CursorPage struct {
	Rows           []CandleRow
	NextCursor     string
	PreviousCursor string
	HasMore        bool
}

// Candles is the OHLCV repository across the three resolution tables.
type Candles struct {
	db *DB
}

// NewCandles creates the repository.
func NewCandles(db *DB) *Candles {
	return &Candles{db: db}
}

func nullDecimalOf(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

// Upsert writes a candle keyed by (pair, period_start); recomputes are
// last-writer-wins.
func (c *Candles) Upsert(ctx context.Context, res core.Resolution, candle core.Candle) error {
	table, err := tableFor(res)
	if err != nil {
		return err
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

	if _, err := c.db.conn.ExecContext(ctx, query,
		candle.Pair.String(), candle.PeriodStart.UTC(),
		candle.Open, candle.High, candle.Low, candle.Close,
		candle.Volume, vwap, candle.TradeCount); err != nil {
		return errs.Wrap(errs.CodeDatabaseError, err,
			"failed to upsert %s candle for %s", res, candle.Pair)
	}
	return nil
}

// Latest returns the most recent candle for a pair, or nil.
func (c *Candles) Latest(ctx context.Context, res core.Resolution, pair core.Pair) (*CandleRow, error) {
	table, err := tableFor(res)
	if err != nil {
		return nil, err
	}
	var row CandleRow
	query := fmt.Sprintf(
		`SELECT * FROM %s WHERE pair = $1 ORDER BY period_start DESC LIMIT 1`, table)
	err = c.db.conn.GetContext(ctx, &row, query, pair.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.CodeDatabaseError, err,
			"failed to load latest %s candle for %s", res, pair)
	}
	return &row, nil
}

// Count returns the number of candles stored for a pair.
func (c *Candles) Count(ctx context.Context, res core.Resolution, pair core.Pair) (int64, error) {
	table, err := tableFor(res)
	if err != nil {
		return 0, err
	}
	var count int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE pair = $1`, table)
	if err := c.db.conn.GetContext(ctx, &count, query, pair.String()); err != nil {
		return 0, errs.Wrap(errs.CodeDatabaseError, err,
			"failed to count %s candles for %s", res, pair)
	}
	return count, nil
}

// DeleteOlderThan removes candles starting before cutoff.
func (c *Candles) DeleteOlderThan(ctx context.Context, res core.Resolution, cutoff time.Time) (int64, error) {
	table, err := tableFor(res)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE period_start < $1`, table)
	result, err := c.db.conn.ExecContext(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, errs.Wrap(errs.CodeDatabaseError, err,
			"failed to delete old %s candles", res)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// InRange loads candles with period_start in [from, to) ascending, for
// chart assembly.
func (c *Candles) InRange(ctx context.Context, res core.Resolution, pair core.Pair, from, to time.Time) ([]CandleRow, error) {
	table, err := tableFor(res)
	if err != nil {
		return nil, err
	}
	var rows []CandleRow
	query := fmt.Sprintf(
		`SELECT * FROM %s
		 WHERE pair = $1 AND period_start >= $2 AND period_start < $3
		 ORDER BY period_start ASC LIMIT $4`, table)
	if err := c.db.conn.SelectContext(ctx, &rows, query,
		pair.String(), from.UTC(), to.UTC(), MaxQueryLimit); err != nil {
		return nil, errs.Wrap(errs.CodeDatabaseError, err,
			"failed to load %s candles for %s", res, pair)
	}
	return rows, nil
}

// GetWithOffset pages candles by limit/offset, newest first, with a total
// count for the pagination envelope.
func (c *Candles) GetWithOffset(ctx context.Context, res core.Resolution, pair core.Pair, limit, offset int) (*CandlePage, error) {
	table, err := tableFor(res)
	if err != nil {
		return nil, err
	}
	limit = clampLimit(limit)
	if offset < 0 {
		offset = 0
	}

	total, err := c.Count(ctx, res, pair)
	if err != nil {
		return nil, err
	}

	var rows []CandleRow
	query := fmt.Sprintf(
		`SELECT * FROM %s WHERE pair = $1
		 ORDER BY period_start DESC LIMIT $2 OFFSET $3`, table)
	if err := c.db.conn.SelectContext(ctx, &rows, query,
		pair.String(), limit, offset); err != nil {
		return nil, errs.Wrap(errs.CodeDatabaseError, err,
			"failed to page %s candles for %s", res, pair)
	}
	return &CandlePage{Rows: rows, Total: total}, nil
}

// GetWithCursor pages candles by keyset cursor. The page is fetched with
// limit+1 rows to detect hasMore; the extra row's period_start becomes the
// next cursor, and when the caller supplied a cursor the first row's
// period_start becomes the previous cursor.
func (c *Candles) GetWithCursor(ctx context.Context, res core.Resolution, pair core.Pair, q CursorQuery) (*CursorPage, error) {
	table, err := tableFor(res)
	if err != nil {
		return nil, err
	}
	limit := clampLimit(q.Limit)

	direction := "DESC"
	boundary := "<"
	if q.Order == OrderAsc {
		direction = "ASC"
		boundary = ">"
	}

	conds := []string{"pair = $1"}
	args := []interface{}{pair.String()}
	arg := 2

	if q.Cursor != "" {
		at, err := DecodeCursor(q.Cursor)
		if err != nil {
			return nil, err
		}
		conds = append(conds, fmt.Sprintf("period_start %s $%d", boundary, arg))
		args = append(args, at.UTC())
		arg++
	}
	if q.From != nil {
		conds = append(conds, fmt.Sprintf("period_start >= $%d", arg))
		args = append(args, q.From.UTC())
		arg++
	}
	if q.To != nil {
		conds = append(conds, fmt.Sprintf("period_start <= $%d", arg))
		args = append(args, q.To.UTC())
		arg++
	}

	where := conds[0]
	for _, cond := range conds[1:] {
		where += " AND " + cond
	}

	query := fmt.Sprintf(
		`SELECT * FROM %s WHERE %s ORDER BY period_start %s LIMIT $%d`,
		table, where, direction, arg)
	args = append(args, limit+1)

	var rows []CandleRow
	if err := c.db.conn.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errs.Wrap(errs.CodeDatabaseError, err,
			"failed to cursor-page %s candles for %s", res, pair)
	}

	page := &CursorPage{}
	if len(rows) > limit {
		page.HasMore = true
		page.NextCursor = EncodeCursor(rows[limit].PeriodStart)
		rows = rows[:limit]
	}
	page.Rows = rows
	if q.Cursor != "" && len(rows) > 0 {
		page.PreviousCursor = EncodeCursor(rows[0].PeriodStart)
	}
	return page, nil
}
