package core

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// MethodVWAP is the only aggregation method the pipeline emits.
const MethodVWAP = "vwap"

// SourceCBR marks the fiat-rate contribution on derived pairs.
const SourceCBR = "cbr"

// Trade is a normalized venue trade. Trades are ephemeral: a collector
// appends them to its venue log and the aggregator consumes them once.
type Trade struct {
	Venue        string          `json:"venue"`
	Pair         Pair            `json:"pair"`
	Price        decimal.Decimal `json:"price"`
	Volume       decimal.Decimal `json:"volume"`
	EventTime    int64           `json:"event_time"` // epoch ms, venue supplied
	VenueTradeID string          `json:"venue_trade_id"`
}

// PriceUpdate is a canonical price for a pair, emitted once per tick.
// Immutable once written; EventTime is the aggregator's wall clock at
// emission so rows within a pair form a monotone series.
type PriceUpdate struct {
	Pair      Pair            `json:"pair"`
	Price     decimal.Decimal `json:"price"`
	EventTime int64           `json:"event_time"` // epoch ms
	Method    string          `json:"method"`
	Sources   []string        `json:"sources"`
	Volume    decimal.Decimal `json:"volume"`
}

// NormalizeSources dedupes and sorts a source list so the stored form is
// canonical regardless of trade arrival order.
func NormalizeSources(sources []string) []string {
	seen := make(map[string]struct{}, len(sources))
	out := make([]string, 0, len(sources))
	for _, s := range sources {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Resolution is a candle interval.
type Resolution string

const (
	Res5Min  Resolution = "5min"
	Res1Hour Resolution = "1hour"
	Res1Day  Resolution = "1day"
)

// Resolutions lists the supported candle intervals, finest first.
var Resolutions = []Resolution{Res5Min, Res1Hour, Res1Day}

// ParseResolution validates s against the supported intervals.
func ParseResolution(s string) (Resolution, bool) {
	switch Resolution(s) {
	case Res5Min, Res1Hour, Res1Day:
		return Resolution(s), true
	}
	return "", false
}

// Duration returns the interval length. The 1day value is nominal; day
// periods are computed on UTC calendar boundaries.
func (r Resolution) Duration() time.Duration {
	switch r {
	case Res5Min:
		return 5 * time.Minute
	case Res1Hour:
		return time.Hour
	case Res1Day:
		return 24 * time.Hour
	}
	return 0
}

// Candle is one OHLCV row per (pair, period start). Recomputable from the
// canonical price history, upserted last-writer-wins.
type Candle struct {
	Pair        Pair             `json:"pair"`
	PeriodStart time.Time        `json:"period_start"`
	Open        decimal.Decimal  `json:"open"`
	High        decimal.Decimal  `json:"high"`
	Low         decimal.Decimal  `json:"low"`
	Close       decimal.Decimal  `json:"close"`
	Volume      decimal.Decimal  `json:"volume"`
	VWAP        *decimal.Decimal `json:"vwap,omitempty"`
	TradeCount  int64            `json:"trade_count"`
}
