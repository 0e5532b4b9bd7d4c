// Package fiat supplies the USD→RUB conversion rate used to derive the RUB
// pairs. The rate comes from the Central Bank daily feed, is cached for a
// configurable TTL, turns stale after twice the TTL, and falls back to a
// configured constant when the source has never succeeded in this process.
package fiat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"priceverse/internal/config"
	"priceverse/internal/health"
)

// Status classifies the rate's freshness.
type Status string

const (
	StatusFresh    Status = "fresh"
	StatusStale    Status = "stale"
	StatusFallback Status = "fallback"
)

// Rate is the current conversion value with its provenance.
type Rate struct {
	Value     decimal.Decimal `json:"value"`
	Status    Status          `json:"status"`
	FetchedAt time.Time       `json:"fetched_at,omitempty"`
}

// Source is the contract the aggregator consumes.
type Source interface {
	GetRate(ctx context.Context) Rate
}

// CBRSource polls the Central Bank feed in the background. Readers never
// block on the network: GetRate serves the cached value, degrading to stale
// or fallback as the cache ages.
type CBRSource struct {
	cfg    config.CBRConfig
	client *http.Client
	logger *zap.Logger

	mu            sync.RWMutex
	value         decimal.Decimal
	fetchedAt     time.Time
	everSucceeded bool
	failures      int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCBRSource creates the fetcher. Start begins polling.
func NewCBRSource(cfg config.CBRConfig, logger *zap.Logger) *CBRSource {
	return &CBRSource{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.Named("cbr"),
	}
}

// Name implements supervisor naming and health.Checker.
func (s *CBRSource) Name() string { return "cbr" }

// Start launches the poll loop: one immediate fetch, then one per cache TTL.
func (s *CBRSource) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx)
	return nil
}

// Stop halts polling. The cached value keeps serving readers.
func (s *CBRSource) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *CBRSource) run(ctx context.Context) {
	defer close(s.done)

	s.fetchWithRetry(ctx)

	interval := s.cfg.CacheDuration()
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fetchWithRetry(ctx)
		}
	}
}

func (s *CBRSource) fetchWithRetry(ctx context.Context) {
	attempts := s.cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		rate, err := s.fetch(ctx)
		if err == nil {
			s.mu.Lock()
			s.value = rate
			s.fetchedAt = time.Now()
			s.everSucceeded = true
			s.failures = 0
			s.mu.Unlock()
			s.logger.Info("Fiat rate refreshed", zap.String("rate", rate.String()))
			return
		}

		s.mu.Lock()
		s.failures++
		s.mu.Unlock()
		s.logger.Warn("Fiat rate fetch failed",
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.RetryDelayDuration()):
			}
		}
	}
}

// cbrDaily is the subset of the daily feed the fetcher reads.
type cbrDaily struct {
	Valute map[string]struct {
		Value   float64 `json:"Value"`
		Nominal int     `json:"Nominal"`
	} `json:"Valute"`
}

func (s *CBRSource) fetch(ctx context.Context) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("failed to build rate request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("rate request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, fmt.Errorf("rate request returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("failed to read rate response: %w", err)
	}

	var daily cbrDaily
	if err := json.Unmarshal(body, &daily); err != nil {
		return decimal.Decimal{}, fmt.Errorf("failed to parse rate response: %w", err)
	}
	usd, ok := daily.Valute["USD"]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("rate response missing USD")
	}
	if usd.Value <= 0 {
		return decimal.Decimal{}, fmt.Errorf("non-positive USD rate %v", usd.Value)
	}
	nominal := usd.Nominal
	if nominal <= 0 {
		nominal = 1
	}
	return decimal.NewFromFloat(usd.Value).Div(decimal.NewFromInt(int64(nominal))), nil
}

// GetRate returns the cached rate. Fresh within the cache TTL, stale up to
// twice the TTL and beyond (readers tolerate stale values), fallback when no
// fetch has ever succeeded.
func (s *CBRSource) GetRate(ctx context.Context) Rate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.everSucceeded {
		return Rate{Value: s.cfg.Fallback(), Status: StatusFallback}
	}

	status := StatusFresh
	if time.Since(s.fetchedAt) > 2*s.cfg.CacheDuration() {
		status = StatusStale
	}
	return Rate{Value: s.value, Status: status, FetchedAt: s.fetchedAt}
}

// HealthCheck degrades on a stale rate and fails when the source has never
// succeeded while accumulating failures.
func (s *CBRSource) HealthCheck(ctx context.Context) health.Report {
	s.mu.RLock()
	everSucceeded := s.everSucceeded
	failures := s.failures
	fetchedAt := s.fetchedAt
	s.mu.RUnlock()

	check := health.Check{Status: health.StatusHealthy}
	switch {
	case !everSucceeded && failures > 0:
		check = health.Check{
			Status:  health.StatusUnhealthy,
			Message: fmt.Sprintf("no successful fetch, %d consecutive failures", failures),
		}
	case !everSucceeded:
		check = health.Check{Status: health.StatusDegraded, Message: "no fetch yet"}
	case time.Since(fetchedAt) > 2*s.cfg.CacheDuration():
		check = health.Check{
			Status:  health.StatusDegraded,
			Message: fmt.Sprintf("rate stale since %s", fetchedAt.Format(time.RFC3339)),
		}
	}
	return health.NewReport(map[string]health.Check{"rate": check})
}
