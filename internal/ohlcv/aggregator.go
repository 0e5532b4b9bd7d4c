// Package ohlcv rolls canonical prices up into fixed-period candles on
// wall-clock boundaries: every five minutes, at the top of each hour, and
// at midnight UTC for the previous day. Each run recomputes the period that
// just closed; the computation is idempotent, so catching up after downtime
// is a plain re-run.
package ohlcv

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"priceverse/internal/core"
	"priceverse/internal/health"
	"priceverse/internal/store"
)

// scheduleFor maps resolutions to their cron expressions (UTC).
func scheduleFor(res core.Resolution) string {
	switch res {
	case core.Res5Min:
		return "*/5 * * * *"
	case core.Res1Hour:
		return "0 * * * *"
	default:
		return "0 0 * * *"
	}
}

// periodFor returns the just-closed period boundaries for a run at now.
// Day periods close on UTC calendar midnights.
func periodFor(res core.Resolution, now time.Time) (start, end time.Time) {
	now = now.UTC()
	switch res {
	case core.Res1Day:
		end = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return end.AddDate(0, 0, -1), end
	default:
		end = now.Truncate(res.Duration())
		return end.Add(-res.Duration()), end
	}
}

// IntervalStats tracks one resolution's last run for health.
type IntervalStats struct {
	LastRun        time.Time `json:"last_run"`
	ProcessedCount int       `json:"processed_count"`
}

// Aggregator drives the roll-up schedule.
type Aggregator struct {
	pairs   []core.Pair
	candles *store.Candles
	logger  *zap.Logger
	cron    *cron.Cron

	mu    sync.RWMutex
	stats map[core.Resolution]IntervalStats
}

// New wires the aggregator over all pairs (base and derived).
func New(pairs []core.Pair, candles *store.Candles, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		pairs:   pairs,
		candles: candles,
		logger:  logger.Named("ohlcv"),
		stats:   make(map[core.Resolution]IntervalStats, len(core.Resolutions)),
	}
}

// Name implements supervisor naming and health.Checker.
func (a *Aggregator) Name() string { return "ohlcv-aggregator" }

// Start registers the three schedules and starts the cron runner.
func (a *Aggregator) Start(ctx context.Context) error {
	a.cron = cron.New(cron.WithLocation(time.UTC))
	for _, res := range core.Resolutions {
		res := res
		if _, err := a.cron.AddFunc(scheduleFor(res), func() {
			a.Run(context.Background(), res, time.Now())
		}); err != nil {
			return fmt.Errorf("failed to schedule %s roll-up: %w", res, err)
		}
	}
	a.cron.Start()
	a.logger.Info("OHLCV aggregator started",
		zap.Int("pairs", len(a.pairs)))
	return nil
}

// Stop halts the schedule and waits for an in-flight run to finish.
func (a *Aggregator) Stop(ctx context.Context) error {
	if a.cron == nil {
		return nil
	}
	stopCtx := a.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run recomputes the just-closed period of one resolution for every pair.
// One pair's failure never skips the others.
func (a *Aggregator) Run(ctx context.Context, res core.Resolution, now time.Time) {
	start, end := periodFor(res, now)
	processed := 0

	for _, pair := range a.pairs {
		err := a.candles.RecomputeInTx(ctx, res, pair,
			start.UnixMilli(), end.UnixMilli(),
			func(rows []store.PriceRow) (core.Candle, bool) {
				return BuildCandle(pair, start, rows)
			})
		if err != nil {
			a.logger.Error("Candle roll-up failed",
				zap.String("resolution", string(res)),
				zap.String("pair", pair.String()),
				zap.Time("period_start", start),
				zap.Error(err))
			continue
		}
		processed++
	}

	a.mu.Lock()
	a.stats[res] = IntervalStats{LastRun: time.Now(), ProcessedCount: processed}
	a.mu.Unlock()

	a.logger.Info("Candle roll-up completed",
		zap.String("resolution", string(res)),
		zap.Time("period_start", start),
		zap.Int("pairs_processed", processed))
}

// Stats returns per-resolution run info.
func (a *Aggregator) Stats() map[core.Resolution]IntervalStats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[core.Resolution]IntervalStats, len(a.stats))
	for res, s := range a.stats {
		out[res] = s
	}
	return out
}

// HealthCheck degrades a resolution whose schedule has missed two periods.
func (a *Aggregator) HealthCheck(ctx context.Context) health.Report {
	stats := a.Stats()
	checks := make(map[string]health.Check, len(core.Resolutions))
	for _, res := range core.Resolutions {
		check := health.Check{Status: health.StatusHealthy}
		s, ok := stats[res]
		if ok && time.Since(s.LastRun) > 2*res.Duration() {
			check = health.Check{
				Status:  health.StatusDegraded,
				Message: fmt.Sprintf("last run %s", s.LastRun.Format(time.RFC3339)),
			}
		}
		checks[string(res)] = check
	}
	return health.NewReport(checks)
}
