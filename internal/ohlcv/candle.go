package ohlcv

import (
	"time"

	"github.com/shopspring/decimal"

	"priceverse/internal/core"
	"priceverse/internal/store"
)

var two = decimal.NewFromInt(2)

// BuildCandle folds one period's canonical prices (ascending by event time)
// into an OHLCV candle. ok is false for an empty period. The VWAP weights
// each row by its aggregate volume; when the period recorded no volume the
// mean of open and close stands in so the candle stays usable.
func BuildCandle(pair core.Pair, periodStart time.Time, rows []store.PriceRow) (core.Candle, bool) {
	if len(rows) == 0 {
		return core.Candle{}, false
	}

	open := rows[0].Price
	closePrice := rows[len(rows)-1].Price
	high := open
	low := open
	volume := decimal.Zero
	notional := decimal.Zero

	for _, row := range rows {
		if row.Price.GreaterThan(high) {
			high = row.Price
		}
		if row.Price.LessThan(low) {
			low = row.Price
		}
		volume = volume.Add(row.Volume)
		notional = notional.Add(row.Price.Mul(row.Volume))
	}

	var vwap decimal.Decimal
	if volume.Sign() > 0 {
		vwap = notional.Div(volume)
	} else {
		vwap = open.Add(closePrice).Div(two)
	}

	return core.Candle{
		Pair:        pair,
		PeriodStart: periodStart.UTC(),
		Open:        open,
		High:        high,
		Low:         low,
		Close:       closePrice,
		Volume:      volume,
		VWAP:        &vwap,
		TradeCount:  int64(len(rows)),
	}, true
}
