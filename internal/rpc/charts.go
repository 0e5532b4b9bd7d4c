package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"priceverse/internal/core"
	"priceverse/internal/core/errs"
	"priceverse/internal/store"
)

func parseIntervalInput(raw string) (core.Resolution, error) {
	res, ok := core.ParseResolution(raw)
	if !ok {
		return "", errs.New(errs.CodeInvalidInterval, "invalid interval %q", raw)
	}
	return res, nil
}

// CandlePayload is the wire shape of one candle.
type CandlePayload struct {
	Pair        string           `json:"pair"`
	PeriodStart string           `json:"periodStart"`
	Open        decimal.Decimal  `json:"open"`
	High        decimal.Decimal  `json:"high"`
	Low         decimal.Decimal  `json:"low"`
	Close       decimal.Decimal  `json:"close"`
	Volume      decimal.Decimal  `json:"volume"`
	VWAP        *decimal.Decimal `json:"vwap,omitempty"`
	TradeCount  int64            `json:"tradeCount"`
}

func candlePayload(row store.CandleRow) CandlePayload {
	c := row.ToCandle()
	return CandlePayload{
		Pair:        c.Pair.String(),
		PeriodStart: c.PeriodStart.Format(time.RFC3339),
		Open:        c.Open,
		High:        c.High,
		Low:         c.Low,
		Close:       c.Close,
		Volume:      c.Volume,
		VWAP:        c.VWAP,
		TradeCount:  c.TradeCount,
	}
}

func (s *Server) getChartData(ctx context.Context, input json.RawMessage) (any, error) {
	var in struct {
		Pair     string `json:"pair"`
		Period   string `json:"period"`
		Interval string `json:"interval"`
		From     string `json:"from"`
		To       string `json:"to"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, errs.New(errs.CodeInvalidParams, "malformed getChartData input")
	}
	pair, err := parsePairInput(in.Pair)
	if err != nil {
		return nil, err
	}
	res, err := parseIntervalInput(in.Interval)
	if err != nil {
		return nil, err
	}
	start, end, err := changePeriod(in.Period, in.From, in.To)
	if err != nil {
		return nil, err
	}

	rows, err := s.candles.InRange(ctx, res, pair, start, end)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errs.New(errs.CodeChartDataNotFound,
			"no %s candles for %s in the requested window", res, pair)
	}

	// Rows arrive ascending by period start; the series is the close of
	// the candle at each date.
	dates := make([]string, 0, len(rows))
	series := make([]decimal.Decimal, 0, len(rows))
	opens := make([]decimal.Decimal, 0, len(rows))
	highs := make([]decimal.Decimal, 0, len(rows))
	lows := make([]decimal.Decimal, 0, len(rows))
	closes := make([]decimal.Decimal, 0, len(rows))
	volumes := make([]decimal.Decimal, 0, len(rows))

	for _, row := range rows {
		dates = append(dates, row.PeriodStart.UTC().Format(time.RFC3339))
		series = append(series, row.Close)
		opens = append(opens, row.Open)
		highs = append(highs, row.High)
		lows = append(lows, row.Low)
		closes = append(closes, row.Close)
		volumes = append(volumes, row.Volume)
	}

	return map[string]any{
		"dates":  dates,
		"series": series,
		"ohlcv": map[string]any{
			"open":   opens,
			"high":   highs,
			"low":    lows,
			"close":  closes,
			"volume": volumes,
		},
	}, nil
}

func (s *Server) getOHLCV(ctx context.Context, input json.RawMessage) (any, error) {
	var in struct {
		Pair     string `json:"pair"`
		Interval string `json:"interval"`
		Limit    int    `json:"limit"`
		Offset   int    `json:"offset"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, errs.New(errs.CodeInvalidParams, "malformed getOHLCV input")
	}
	pair, err := parsePairInput(in.Pair)
	if err != nil {
		return nil, err
	}
	res, err := parseIntervalInput(in.Interval)
	if err != nil {
		return nil, err
	}
	if in.Limit < 0 || in.Limit > 1000 {
		return nil, errs.New(errs.CodeInvalidParams,
			"limit must be between 0 and 1000, got %d", in.Limit)
	}
	if in.Offset < 0 {
		return nil, errs.New(errs.CodeInvalidParams,
			"offset must be non-negative, got %d", in.Offset)
	}
	limit := in.Limit
	if limit == 0 {
		limit = 100
	}

	page, err := s.candles.GetWithOffset(ctx, res, pair, limit, in.Offset)
	if err != nil {
		return nil, err
	}

	candles := make([]CandlePayload, 0, len(page.Rows))
	for _, row := range page.Rows {
		candles = append(candles, candlePayload(row))
	}
	return map[string]any{
		"candles": candles,
		"pagination": map[string]any{
			"total":  page.Total,
			"limit":  limit,
			"offset": in.Offset,
		},
	}, nil
}
