package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"priceverse/internal/core"
	"priceverse/internal/core/errs"
)

// Query limits protect range reads from resource exhaustion.
const (
	DefaultQueryLimit = 1_000
	MaxQueryLimit     = 10_000
)

// Order is a sort direction for range reads.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// PriceRow is one canonical price record. Sources is stored as a JSON
// string so engines without native array types accept it unchanged.
type PriceRow struct {
	ID        int64           `db:"id"`
	Pair      string          `db:"pair"`
	Price     decimal.Decimal `db:"price"`
	EventTime int64           `db:"event_time"`
	Method    string          `db:"method"`
	Sources   string          `db:"sources"`
	Volume    decimal.Decimal `db:"volume"`
	CreatedAt time.Time       `db:"created_at"`
}

// SourceList parses the JSON-serialized source set.
func (r PriceRow) SourceList() []string {
	var sources []string
	if err := json.Unmarshal([]byte(r.Sources), &sources); err != nil {
		return nil
	}
	return sources
}

// ToUpdate converts a row back into the pipeline's update shape.
func (r PriceRow) ToUpdate() core.PriceUpdate {
	return core.PriceUpdate{
		Pair:      core.Pair(r.Pair),
		Price:     r.Price,
		EventTime: r.EventTime,
		Method:    r.Method,
		Sources:   r.SourceList(),
		Volume:    r.Volume,
	}
}

// PriceHistory is the canonical price repository.
type PriceHistory struct {
	db *DB
}

// NewPriceHistory creates the repository.
func NewPriceHistory(db *DB) *PriceHistory {
	return &PriceHistory{db: db}
}

// marshalSources serializes the source set canonically (deduped, sorted).
func marshalSources(sources []string) string {
	data, err := json.Marshal(core.NormalizeSources(sources))
	if err != nil {
		return "[]"
	}
	return string(data)
}

// Insert persists one canonical price.
func (p *PriceHistory) Insert(ctx context.Context, update core.PriceUpdate) error {
	_, err := p.db.conn.ExecContext(ctx,
		`INSERT INTO price_history (pair, price, event_time, method, sources, volume)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		update.Pair.String(), update.Price, update.EventTime,
		update.Method, marshalSources(update.Sources), update.Volume)
	if err != nil {
		return errs.Wrap(errs.CodeDatabaseError, err,
			"failed to insert price for %s", update.Pair)
	}
	return nil
}

// InsertMany persists a batch inside one transaction.
func (p *PriceHistory) InsertMany(ctx context.Context, updates []core.PriceUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := p.db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.CodeDatabaseError, err, "failed to begin batch insert")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO price_history (pair, price, event_time, method, sources, volume)
		 VALUES ($1, $2, $3, $4, $5, $6)`)
	if err != nil {
		return errs.Wrap(errs.CodeDatabaseError, err, "failed to prepare batch insert")
	}
	defer stmt.Close()

	for _, update := range updates {
		if _, err := stmt.ExecContext(ctx,
			update.Pair.String(), update.Price, update.EventTime,
			update.Method, marshalSources(update.Sources), update.Volume); err != nil {
			return errs.Wrap(errs.CodeDatabaseError, err,
				"failed to insert price for %s", update.Pair)
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.CodeDatabaseError, err, "failed to commit batch insert")
	}
	return nil
}

// Latest returns the most recent row for a pair, or nil.
func (p *PriceHistory) Latest(ctx context.Context, pair core.Pair) (*PriceRow, error) {
	var row PriceRow
	err := p.db.conn.GetContext(ctx, &row,
		`SELECT * FROM price_history WHERE pair = $1
		 ORDER BY event_time DESC LIMIT 1`, pair.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.CodeDatabaseError, err,
			"failed to load latest price for %s", pair)
	}
	return &row, nil
}

// FirstAfter returns the earliest row at or after t (epoch ms), or nil.
func (p *PriceHistory) FirstAfter(ctx context.Context, pair core.Pair, t int64) (*PriceRow, error) {
	var row PriceRow
	err := p.db.conn.GetContext(ctx, &row,
		`SELECT * FROM price_history WHERE pair = $1 AND event_time >= $2
		 ORDER BY event_time ASC LIMIT 1`, pair.String(), t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.CodeDatabaseError, err,
			"failed to load first price after %d for %s", t, pair)
	}
	return &row, nil
}

// LastBefore returns the latest row at or before t (epoch ms), or nil.
func (p *PriceHistory) LastBefore(ctx context.Context, pair core.Pair, t int64) (*PriceRow, error) {
	var row PriceRow
	err := p.db.conn.GetContext(ctx, &row,
		`SELECT * FROM price_history WHERE pair = $1 AND event_time <= $2
		 ORDER BY event_time DESC LIMIT 1`, pair.String(), t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.CodeDatabaseError, err,
			"failed to load last price before %d for %s", t, pair)
	}
	return &row, nil
}

// clampLimit enforces the query bounds.
func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}

// InRange loads rows with event_time in [from, to] (epoch ms).
func (p *PriceHistory) InRange(ctx context.Context, pair core.Pair, from, to int64, limit, offset int, order Order) ([]PriceRow, error) {
	limit = clampLimit(limit)
	if offset < 0 {
		offset = 0
	}
	direction := "DESC"
	if order == OrderAsc {
		direction = "ASC"
	}

	var rows []PriceRow
	query := fmt.Sprintf(
		`SELECT * FROM price_history
		 WHERE pair = $1 AND event_time >= $2 AND event_time <= $3
		 ORDER BY event_time %s LIMIT $4 OFFSET $5`, direction)
	if err := p.db.conn.SelectContext(ctx, &rows, query,
		pair.String(), from, to, limit, offset); err != nil {
		return nil, errs.Wrap(errs.CodeDatabaseError, err,
			"failed to load price range for %s", pair)
	}
	return rows, nil
}

// DeleteOlderThan removes rows with event_time before cutoff and reports
// how many were deleted.
func (p *PriceHistory) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.conn.ExecContext(ctx,
		`DELETE FROM price_history WHERE event_time < $1`, cutoff.UnixMilli())
	if err != nil {
		return 0, errs.Wrap(errs.CodeDatabaseError, err,
			"failed to delete old price history")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
