package aggregator

import (
	"github.com/shopspring/decimal"

	"priceverse/internal/core"
)

// VWAPResult is the outcome of one window computation.
type VWAPResult struct {
	Price   decimal.Decimal
	Volume  decimal.Decimal
	Sources []string
}

// ComputeVWAP folds a window of trades into a volume-weighted price.
// Trades are treated as an unordered set: the computation is commutative
// and pure. Zero-volume trades contribute zero to both numerator and
// denominator; a window whose total volume is zero produces ok=false and
// nothing is emitted. Sources are the distinct contributing venues; the
// same venue appearing twice counts once.
func ComputeVWAP(trades []core.Trade) (VWAPResult, bool) {
	if len(trades) == 0 {
		return VWAPResult{}, false
	}

	notional := decimal.Zero
	volume := decimal.Zero
	venues := make([]string, 0, len(trades))
	for _, t := range trades {
		notional = notional.Add(t.Price.Mul(t.Volume))
		volume = volume.Add(t.Volume)
		venues = append(venues, t.Venue)
	}

	if volume.Sign() == 0 {
		return VWAPResult{}, false
	}

	return VWAPResult{
		Price:   notional.Div(volume),
		Volume:  volume,
		Sources: core.NormalizeSources(venues),
	}, true
}
