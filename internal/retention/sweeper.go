// Package retention deletes rows past their per-table TTLs on a cron
// schedule. A zero TTL means keep forever. Table failures are independent
// and never fatal.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"priceverse/internal/config"
	"priceverse/internal/core"
	"priceverse/internal/store"
)

// Sweeper runs the scheduled TTL sweeps.
type Sweeper struct {
	cfg     config.RetentionConfig
	prices  *store.PriceHistory
	candles *store.Candles
	logger  *zap.Logger
	cron    *cron.Cron
}

// New creates the sweeper.
func New(cfg config.RetentionConfig, prices *store.PriceHistory, candles *store.Candles, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		cfg:     cfg,
		prices:  prices,
		candles: candles,
		logger:  logger.Named("retention"),
	}
}

// Name implements supervisor naming.
func (s *Sweeper) Name() string { return "retention-sweeper" }

// Start registers the cleanup schedule.
func (s *Sweeper) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.logger.Info("Retention disabled")
		return nil
	}
	schedule := s.cfg.CleanupSchedule
	if schedule == "" {
		schedule = "0 3 * * *"
	}
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(schedule, func() {
		s.Sweep(context.Background())
	}); err != nil {
		return fmt.Errorf("failed to schedule retention sweep: %w", err)
	}
	s.cron.Start()
	s.logger.Info("Retention sweeper started", zap.String("schedule", schedule))
	return nil
}

// Stop halts the schedule.
func (s *Sweeper) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep deletes expired rows from every table. Each table is swept
// independently; a failure is logged and the rest proceed.
func (s *Sweeper) Sweep(ctx context.Context) {
	if days := s.cfg.PriceHistoryDays; days > 0 {
		cutoff := time.Now().AddDate(0, 0, -days)
		n, err := s.prices.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			s.logger.Error("Price history sweep failed", zap.Error(err))
		} else if n > 0 {
			s.logger.Info("Price history swept",
				zap.Int64("deleted", n),
				zap.Time("cutoff", cutoff))
		}
	}

	candleTTLs := []struct {
		res  core.Resolution
		days int
	}{
		{core.Res5Min, s.cfg.Candles5MinDays},
		{core.Res1Hour, s.cfg.Candles1HourDays},
		{core.Res1Day, s.cfg.Candles1DayDays},
	}
	for _, entry := range candleTTLs {
		res, days := entry.res, entry.days
		if days <= 0 {
			continue
		}
		cutoff := time.Now().AddDate(0, 0, -days)
		n, err := s.candles.DeleteOlderThan(ctx, res, cutoff)
		if err != nil {
			s.logger.Error("Candle sweep failed",
				zap.String("resolution", string(res)),
				zap.Error(err))
			continue
		}
		if n > 0 {
			s.logger.Info("Candles swept",
				zap.String("resolution", string(res)),
				zap.Int64("deleted", n),
				zap.Time("cutoff", cutoff))
		}
	}
}
