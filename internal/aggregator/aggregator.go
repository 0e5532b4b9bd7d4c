// Package aggregator turns the multiplexed venue trade streams into one
// canonical price per base pair every tick. Two concurrent loops share the
// worker: consumption drains the venue logs into the per-pair trade buffer,
// and the tick loop computes a volume-weighted price over the trailing
// window, persists it, caches it, broadcasts it, and derives the RUB pair
// from the fiat rate.
package aggregator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"priceverse/internal/broadcast"
	"priceverse/internal/core"
	"priceverse/internal/core/errs"
	"priceverse/internal/fiat"
	"priceverse/internal/health"
	"priceverse/internal/metrics"
	"priceverse/internal/pricecache"
	"priceverse/internal/store"
	"priceverse/internal/venuelog"
)

// Config bounds both loops.
type Config struct {
	Pairs                []core.Pair
	Venues               []string
	TickInterval         time.Duration
	Window               time.Duration
	MaxConsecutiveErrors int
	// EmitOnFallback controls whether RUB rows derive from the fallback
	// fiat rate before the source has ever succeeded.
	EmitOnFallback bool

	ReadCount int64
	ReadBlock time.Duration
}

// DefaultConfig matches the production aggregation policy.
func DefaultConfig() Config {
	return Config{
		Pairs:                core.BasePairs,
		TickInterval:         10 * time.Second,
		Window:               30 * time.Second,
		MaxConsecutiveErrors: 10,
		EmitOnFallback:       true,
		ReadCount:            100,
		ReadBlock:            time.Second,
	}
}

// Stats is the aggregator's observable state.
type Stats struct {
	Running            bool      `json:"running"`
	ConsumerID         string    `json:"consumer_id"`
	ConsecutiveErrors  int       `json:"consecutive_errors"`
	LastSuccessfulTick time.Time `json:"last_successful_tick"`
	TotalTicks         int64     `json:"total_ticks"`
}

// StreamAggregator is the worker.
type StreamAggregator struct {
	cfg     Config
	log     *venuelog.Log
	buffer  *TradeBuffer
	prices  *store.PriceHistory
	cache   *pricecache.Cache
	hub     *broadcast.Hub
	fiat    fiat.Source
	logger  *zap.Logger
	metrics *metrics.Metrics

	consumerID string

	mu                sync.RWMutex
	running           bool
	consecutiveErrors int
	lastErrorAt       time.Time
	lastTick          time.Time
	totalTicks        int64

	cancel context.CancelFunc
	done   chan struct{}
}

// New wires the aggregator. The hub may be nil when no in-process
// streaming surface is attached.
func New(cfg Config, log *venuelog.Log, buffer *TradeBuffer, prices *store.PriceHistory,
	cache *pricecache.Cache, hub *broadcast.Hub, fiatSource fiat.Source, logger *zap.Logger) *StreamAggregator {
	if cfg.ReadCount <= 0 {
		cfg.ReadCount = 100
	}
	if cfg.ReadBlock <= 0 {
		cfg.ReadBlock = time.Second
	}
	return &StreamAggregator{
		cfg:        cfg,
		log:        log,
		buffer:     buffer,
		prices:     prices,
		cache:      cache,
		hub:        hub,
		fiat:       fiatSource,
		logger:     logger.Named("aggregator"),
		consumerID: "aggregator-" + uuid.NewString(),
	}
}

// SetMetrics attaches the Prometheus instruments. Optional; call before
// Start.
func (a *StreamAggregator) SetMetrics(m *metrics.Metrics) { a.metrics = m }

// Name implements supervisor naming and health.Checker.
func (a *StreamAggregator) Name() string { return "stream-aggregator" }

// Start creates the consumer groups and launches both loops.
func (a *StreamAggregator) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("aggregator already running")
	}
	a.running = true
	a.consecutiveErrors = 0
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	a.mu.Unlock()

	for _, venue := range a.cfg.Venues {
		if err := a.log.CreateGroup(ctx, venue, venuelog.Group, "0"); err != nil {
			a.setRunning(false)
			cancel()
			return fmt.Errorf("failed to create consumer group for %s: %w", venue, err)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.consumeLoop(runCtx)
	}()
	go func() {
		defer wg.Done()
		a.tickLoop(runCtx)
	}()
	go func() {
		wg.Wait()
		close(a.done)
	}()

	a.logger.Info("Stream aggregator started",
		zap.String("consumer_id", a.consumerID),
		zap.Duration("tick", a.cfg.TickInterval),
		zap.Duration("window", a.cfg.Window))
	return nil
}

// Stop halts both loops and waits for them to drain.
func (a *StreamAggregator) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	done := a.done
	a.running = false
	a.mu.Unlock()

	// Cancel even when the consumption breaker already marked the worker
	// stopped: the tick loop runs until the context says otherwise.
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *StreamAggregator) setRunning(v bool) {
	a.mu.Lock()
	a.running = v
	a.mu.Unlock()
}

// consumeLoop drains every venue log in turn into the trade buffer. Ten
// consecutive errors shut the loop down; a 60s quiet period resets the
// counter.
func (a *StreamAggregator) consumeLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		a.mu.Lock()
		if a.consecutiveErrors > 0 && time.Since(a.lastErrorAt) > 60*time.Second {
			a.consecutiveErrors = 0
		}
		failures := a.consecutiveErrors
		a.mu.Unlock()

		if failures >= a.cfg.MaxConsecutiveErrors {
			a.logger.Error("Consumption circuit breaker tripped, stopping loop",
				zap.Int("consecutive_errors", failures))
			a.setRunning(false)
			return
		}

		if err := a.consumeOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			a.mu.Lock()
			a.consecutiveErrors++
			a.lastErrorAt = time.Now()
			failures = a.consecutiveErrors
			a.mu.Unlock()

			backoff := consumeBackoff(failures)
			a.logger.Warn("Consumption iteration failed",
				zap.Error(err),
				zap.Int("consecutive_errors", failures),
				zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}
	}
}

// consumeBackoff computes min(2^(errors-1) * 1s, 30s).
func consumeBackoff(consecutiveErrors int) time.Duration {
	if consecutiveErrors < 1 {
		consecutiveErrors = 1
	}
	if consecutiveErrors > 6 {
		return 30 * time.Second
	}
	d := time.Second << uint(consecutiveErrors-1)
	if d > 30*time.Second {
		return 30 * time.Second
	}
	return d
}

// consumeOnce performs one pass over all venues. Per-entry parse failures
// are acked and skipped; transport failures abort the pass.
func (a *StreamAggregator) consumeOnce(ctx context.Context) error {
	for _, venue := range a.cfg.Venues {
		entries, err := a.log.ReadGroup(ctx, venue, venuelog.Group, a.consumerID,
			a.cfg.ReadCount, a.cfg.ReadBlock)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.Err == nil {
				if err := a.buffer.Insert(ctx, entry.Trade); err != nil {
					return err
				}
			}
			if err := a.log.Ack(ctx, venue, venuelog.Group, entry.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// tickLoop computes one canonical price per base pair every tick.
func (a *StreamAggregator) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

// tick runs one aggregation pass. Per-pair failures are logged and do not
// stop other pairs.
func (a *StreamAggregator) tick(ctx context.Context) {
	start := time.Now()
	now := start.UnixMilli()
	windowStart := now - a.cfg.Window.Milliseconds()

	for _, pair := range a.cfg.Pairs {
		if err := a.aggregatePair(ctx, pair, windowStart, now); err != nil {
			if a.metrics != nil {
				a.metrics.AggregationErrors.Inc()
			}
			a.logger.Error("Pair aggregation failed",
				zap.String("pair", pair.String()),
				zap.Error(err))
		}
	}

	a.mu.Lock()
	a.lastTick = time.Now()
	a.totalTicks++
	a.mu.Unlock()
	if a.metrics != nil {
		a.metrics.TicksTotal.Inc()
		a.metrics.TickLatency.Observe(time.Since(start).Seconds())
	}
}

func (a *StreamAggregator) aggregatePair(ctx context.Context, pair core.Pair, windowStart, now int64) error {
	trades, err := a.buffer.Window(ctx, pair, windowStart, now)
	if err != nil {
		return err
	}

	// Evict expired entries regardless of whether anything is emitted, so
	// the buffer never holds trades older than the window.
	if err := a.buffer.Prune(ctx, pair, windowStart); err != nil {
		return err
	}

	if len(trades) == 0 {
		return nil
	}

	result, ok := ComputeVWAP(trades)
	if !ok {
		return nil
	}

	update := core.PriceUpdate{
		Pair:      pair,
		Price:     result.Price,
		EventTime: now,
		Method:    core.MethodVWAP,
		Sources:   result.Sources,
		Volume:    result.Volume,
	}
	if err := a.emit(ctx, update); err != nil {
		return err
	}

	// Derive the RUB pair off the same tick when the fiat rate resolves
	// to something positive.
	derived, ok := pair.DerivedRUB()
	if !ok {
		return nil
	}
	rate := a.fiat.GetRate(ctx)
	if rate.Value.Sign() <= 0 {
		return nil
	}
	if rate.Status == fiat.StatusFallback && !a.cfg.EmitOnFallback {
		return nil
	}

	rubUpdate := core.PriceUpdate{
		Pair:      derived,
		Price:     result.Price.Mul(rate.Value),
		EventTime: now,
		Method:    core.MethodVWAP,
		Sources:   core.NormalizeSources(append(result.Sources, core.SourceCBR)),
		Volume:    result.Volume,
	}
	return a.emit(ctx, rubUpdate)
}

// emit persists (with retry), caches, and broadcasts one update.
func (a *StreamAggregator) emit(ctx context.Context, update core.PriceUpdate) error {
	err := errs.Retry(ctx, errs.DefaultRetry, func() error {
		return a.prices.Insert(ctx, update)
	})
	if err != nil {
		return err
	}

	if err := a.cache.Put(ctx, update); err != nil {
		// Cache and pub/sub are best effort; the row is already durable.
		a.logger.Warn("Failed to cache price update",
			zap.String("pair", update.Pair.String()),
			zap.Error(err))
	}
	if a.hub != nil {
		a.hub.Publish(update)
	}
	if a.metrics != nil {
		a.metrics.PricesEmitted.WithLabelValues(update.Pair.String()).Inc()
	}

	a.logger.Debug("Canonical price emitted",
		zap.String("pair", update.Pair.String()),
		zap.String("price", update.Price.String()),
		zap.Strings("sources", update.Sources))
	return nil
}

// Stats returns a snapshot of the aggregator state.
func (a *StreamAggregator) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Stats{
		Running:            a.running,
		ConsumerID:         a.consumerID,
		ConsecutiveErrors:  a.consecutiveErrors,
		LastSuccessfulTick: a.lastTick,
		TotalTicks:         a.totalTicks,
	}
}

// ConsecutiveErrors exposes the consumption error counter for alerting.
func (a *StreamAggregator) ConsecutiveErrors() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.consecutiveErrors
}

// HealthCheck reports degraded when no tick has completed within three
// intervals and unhealthy when the worker is stopped or the breaker
// tripped.
func (a *StreamAggregator) HealthCheck(ctx context.Context) health.Report {
	stats := a.Stats()

	checks := make(map[string]health.Check, 2)
	if stats.Running {
		checks["running"] = health.Check{Status: health.StatusHealthy}
	} else {
		checks["running"] = health.Check{
			Status:  health.StatusUnhealthy,
			Message: "not running",
		}
	}

	tickCheck := health.Check{Status: health.StatusHealthy}
	switch {
	case stats.ConsecutiveErrors >= a.cfg.MaxConsecutiveErrors:
		tickCheck = health.Check{
			Status:  health.StatusUnhealthy,
			Message: fmt.Sprintf("%d consecutive consumption errors", stats.ConsecutiveErrors),
		}
	case !stats.LastSuccessfulTick.IsZero() &&
		time.Since(stats.LastSuccessfulTick) > 3*a.cfg.TickInterval:
		tickCheck = health.Check{
			Status:  health.StatusDegraded,
			Message: fmt.Sprintf("no tick since %s", stats.LastSuccessfulTick.Format(time.RFC3339)),
		}
	}
	checks["ticks"] = tickCheck

	return health.NewReport(checks)
}
