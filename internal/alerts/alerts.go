// Package alerts scans the pipeline's failure signals every 30 seconds and
// pushes notifications to a webhook sink. Alerts are idempotent per id: an
// active alert notifies once and stays suppressed until its condition
// clears, at which point a resolution notice is sent and the alert leaves
// the active set.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"priceverse/internal/config"
	"priceverse/internal/health"
)

// Severity grades an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one notification payload.
type Alert struct {
	ID          string            `json:"id"`
	Severity    Severity          `json:"severity"`
	Type        string            `json:"type"`
	Message     string            `json:"message"`
	Timestamp   time.Time         `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Service     string            `json:"service"`
	Environment string            `json:"environment"`
	Resolved    bool              `json:"resolved,omitempty"`
}

// CollectorProbe exposes the per-venue signals the rules read.
type CollectorProbe interface {
	Venue() string
	DisconnectedFor() time.Duration
}

// AggregatorProbe exposes the aggregator signal the rules read.
type AggregatorProbe interface {
	ConsecutiveErrors() int
}

// FiatProbe exposes the fiat-rate health the rules read.
type FiatProbe interface {
	HealthCheck(ctx context.Context) health.Report
}

// Manager evaluates the alert rules and talks to the webhook sink.
type Manager struct {
	cfg        config.AlertsConfig
	collectors []CollectorProbe
	aggregator AggregatorProbe
	fiat       FiatProbe
	client     *http.Client
	logger     *zap.Logger
	service    string
	env        string

	mu     sync.Mutex
	active map[string]Alert

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the manager.
func New(cfg config.AlertsConfig, env string, collectors []CollectorProbe,
	aggregator AggregatorProbe, fiatProbe FiatProbe, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:        cfg,
		collectors: collectors,
		aggregator: aggregator,
		fiat:       fiatProbe,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger.Named("alerts"),
		service:    "priceverse",
		env:        env,
		active:     make(map[string]Alert),
	}
}

// Name implements supervisor naming.
func (m *Manager) Name() string { return "alert-manager" }

// Start launches the 30s scan loop.
func (m *Manager) Start(ctx context.Context) error {
	if !m.cfg.Enabled {
		m.logger.Info("Alerts disabled")
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(runCtx)
	return nil
}

// Stop halts the scan loop.
func (m *Manager) Stop(ctx context.Context) error {
	if m.cancel == nil {
		return nil
	}
	m.cancel()
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Scan(ctx)
		}
	}
}

// Scan evaluates every rule once.
func (m *Manager) Scan(ctx context.Context) {
	disconnectThreshold := time.Duration(m.cfg.Thresholds.CollectorDisconnectSeconds) * time.Second
	if disconnectThreshold <= 0 {
		disconnectThreshold = 300 * time.Second
	}
	errorThreshold := m.cfg.Thresholds.AggregatorConsecutiveErrors
	if errorThreshold <= 0 {
		errorThreshold = 5
	}

	for _, c := range m.collectors {
		id := "collector-disconnected-" + c.Venue()
		down := c.DisconnectedFor()
		if down > disconnectThreshold {
			m.raise(ctx, Alert{
				ID:       id,
				Severity: SeverityWarning,
				Type:     "collector_disconnected",
				Message: fmt.Sprintf("collector %s disconnected for %s",
					c.Venue(), down.Round(time.Second)),
				Metadata: map[string]string{"venue": c.Venue()},
			})
		} else {
			m.resolve(ctx, id)
		}
	}

	if m.aggregator != nil {
		id := "aggregator-consecutive-errors"
		if n := m.aggregator.ConsecutiveErrors(); n >= errorThreshold {
			m.raise(ctx, Alert{
				ID:       id,
				Severity: SeverityCritical,
				Type:     "aggregator_errors",
				Message:  fmt.Sprintf("stream aggregator at %d consecutive errors", n),
				Metadata: map[string]string{"consecutive_errors": fmt.Sprint(n)},
			})
		} else {
			m.resolve(ctx, id)
		}
	}

	if m.fiat != nil {
		id := "fiat-rate-unhealthy"
		if report := m.fiat.HealthCheck(ctx); report.Status == health.StatusUnhealthy {
			m.raise(ctx, Alert{
				ID:       id,
				Severity: SeverityWarning,
				Type:     "fiat_rate",
				Message:  "fiat rate source unhealthy",
			})
		} else {
			m.resolve(ctx, id)
		}
	}
}

// raise notifies once per active alert id.
func (m *Manager) raise(ctx context.Context, alert Alert) {
	m.mu.Lock()
	if _, exists := m.active[alert.ID]; exists {
		m.mu.Unlock()
		return
	}
	alert.Timestamp = time.Now()
	alert.Service = m.service
	alert.Environment = m.env
	m.active[alert.ID] = alert
	m.mu.Unlock()

	m.logger.Warn("Alert raised",
		zap.String("id", alert.ID),
		zap.String("severity", string(alert.Severity)),
		zap.String("message", alert.Message))
	m.notify(ctx, alert)
}

// resolve sends a resolution notice for a previously active alert.
func (m *Manager) resolve(ctx context.Context, id string) {
	m.mu.Lock()
	alert, exists := m.active[id]
	if exists {
		delete(m.active, id)
	}
	m.mu.Unlock()
	if !exists {
		return
	}

	alert.Resolved = true
	alert.Timestamp = time.Now()
	alert.Message = "resolved: " + alert.Message
	m.logger.Info("Alert resolved", zap.String("id", id))
	m.notify(ctx, alert)
}

// notify posts the alert to the webhook sink. Delivery failures are logged;
// alerting never takes the pipeline down.
func (m *Manager) notify(ctx context.Context, alert Alert) {
	if m.cfg.WebhookURL == "" {
		return
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		m.logger.Error("Failed to marshal alert", zap.Error(err))
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.WebhookURL,
		bytes.NewReader(payload))
	if err != nil {
		m.logger.Error("Failed to build alert request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Error("Failed to deliver alert",
			zap.String("id", alert.ID),
			zap.Error(err))
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		m.logger.Error("Alert sink rejected notification",
			zap.String("id", alert.ID),
			zap.Int("status", resp.StatusCode))
	}
}

// ActiveCount reports the current active alert count.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}
