package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"priceverse/internal/core"
	"priceverse/internal/core/errs"
)

// PricePayload is the wire shape of one canonical price.
type PricePayload struct {
	Pair      string          `json:"pair"`
	Price     decimal.Decimal `json:"price"`
	Timestamp int64           `json:"timestamp"`
}

func parsePairInput(raw string) (core.Pair, error) {
	pair, err := core.ParsePair(raw)
	if err != nil {
		return "", errs.New(errs.CodeInvalidPair, "invalid pair %q", raw)
	}
	return pair, nil
}

// resolvePrice serves a pair from the cache first (a stale entry counts as
// a miss), then from the latest persisted row.
func (s *Server) resolvePrice(ctx context.Context, pair core.Pair) (*PricePayload, error) {
	cached, err := s.cache.Get(ctx, pair)
	if err != nil {
		// Cache trouble degrades to a store read.
		s.logger.Warn("Price cache read failed: " + err.Error())
	}
	if cached != nil {
		return &PricePayload{
			Pair:      cached.Pair.String(),
			Price:     cached.Price,
			Timestamp: cached.EventTime,
		}, nil
	}

	row, err := s.prices.Latest(ctx, pair)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	return &PricePayload{
		Pair:      row.Pair,
		Price:     row.Price,
		Timestamp: row.EventTime,
	}, nil
}

func (s *Server) getPrice(ctx context.Context, input json.RawMessage) (any, error) {
	var in struct {
		Pair string `json:"pair"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, errs.New(errs.CodeInvalidParams, "malformed getPrice input")
	}
	pair, err := parsePairInput(in.Pair)
	if err != nil {
		return nil, err
	}

	payload, err := s.resolvePrice(ctx, pair)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, errs.New(errs.CodePriceUnavailable, "no price for %s", pair)
	}
	return payload, nil
}

func (s *Server) getMultiplePrices(ctx context.Context, input json.RawMessage) (any, error) {
	var in struct {
		Pairs []string `json:"pairs"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, errs.New(errs.CodeInvalidParams, "malformed getMultiplePrices input")
	}
	if len(in.Pairs) < 1 || len(in.Pairs) > 10 {
		return nil, errs.New(errs.CodeInvalidParams,
			"pairs must contain between 1 and 10 entries, got %d", len(in.Pairs))
	}

	pairs := make([]core.Pair, 0, len(in.Pairs))
	for _, raw := range in.Pairs {
		pair, err := parsePairInput(raw)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, pair)
	}

	// Pairs without a price are silently dropped.
	out := make([]PricePayload, 0, len(pairs))
	for _, pair := range pairs {
		payload, err := s.resolvePrice(ctx, pair)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			out = append(out, *payload)
		}
	}
	return out, nil
}

// changePeriod resolves the named period to a [from, to] window.
func changePeriod(period string, from, to string) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	switch period {
	case "24hours":
		return now.Add(-24 * time.Hour), now, nil
	case "7days":
		return now.AddDate(0, 0, -7), now, nil
	case "30days":
		return now.AddDate(0, 0, -30), now, nil
	case "custom":
		if from == "" {
			return time.Time{}, time.Time{}, errs.New(errs.CodeInvalidParams,
				"custom period requires from")
		}
		start, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return time.Time{}, time.Time{}, errs.New(errs.CodeInvalidDateFormat,
				"invalid from timestamp %q", from)
		}
		end := now
		if to != "" {
			end, err = time.Parse(time.RFC3339, to)
			if err != nil {
				return time.Time{}, time.Time{}, errs.New(errs.CodeInvalidDateFormat,
					"invalid to timestamp %q", to)
			}
		}
		if !start.Before(end) {
			return time.Time{}, time.Time{}, errs.New(errs.CodeInvalidTimeRange,
				"from must be before to")
		}
		return start, end, nil
	}
	return time.Time{}, time.Time{}, errs.New(errs.CodeInvalidPeriod,
		"invalid period %q", period)
}

func (s *Server) getPriceChange(ctx context.Context, input json.RawMessage) (any, error) {
	var in struct {
		Pair   string `json:"pair"`
		Period string `json:"period"`
		From   string `json:"from"`
		To     string `json:"to"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, errs.New(errs.CodeInvalidParams, "malformed getPriceChange input")
	}
	pair, err := parsePairInput(in.Pair)
	if err != nil {
		return nil, err
	}
	start, end, err := changePeriod(in.Period, in.From, in.To)
	if err != nil {
		return nil, err
	}

	startRow, err := s.prices.FirstAfter(ctx, pair, start.UnixMilli())
	if err != nil {
		return nil, err
	}
	endRow, err := s.prices.LastBefore(ctx, pair, end.UnixMilli())
	if err != nil {
		return nil, err
	}
	if startRow == nil || endRow == nil {
		return nil, errs.New(errs.CodePriceUnavailable,
			"no price history for %s in the requested window", pair)
	}

	change := decimal.Zero
	if startRow.Price.Sign() != 0 {
		change = endRow.Price.Sub(startRow.Price).
			Div(startRow.Price).
			Mul(decimal.NewFromInt(100))
	}

	return map[string]any{
		"pair":          pair.String(),
		"startDate":     start.Format(time.RFC3339),
		"endDate":       end.Format(time.RFC3339),
		"startPrice":    startRow.Price,
		"endPrice":      endRow.Price,
		"changePercent": change.Round(8),
	}, nil
}
