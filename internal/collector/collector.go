// Package collector maintains the live trade feeds. One Collector wraps one
// venue WebSocket: it dials, subscribes, normalizes inbound frames into
// core.Trade records and appends them to the venue log, reconnecting with
// exponential backoff when the feed drops. Parse errors never kill a
// connection; transport errors only ever surface through stats, health and
// alerts.
package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"priceverse/internal/core"
	"priceverse/internal/health"
	"priceverse/internal/metrics"
)

// Driver is the venue-specific part of a collector: endpoint and handshake,
// subscribe payload, and frame parsing. Drivers hold no connection state.
type Driver interface {
	// Venue returns the canonical lowercase venue name.
	Venue() string
	// Symbols maps pairs to venue symbols. Pairs absent from the map are
	// not served by this venue.
	Symbols() SymbolMap
	// Dial opens the venue socket. Implementations honor ctx for the
	// connect timeout and perform any pre-connection handshake.
	Dial(ctx context.Context) (*websocket.Conn, error)
	// Subscribe sends the venue's subscribe payload and consumes any
	// acknowledgement frames the venue requires before trade flow starts.
	Subscribe(ctx context.Context, conn *websocket.Conn) error
	// Parse extracts zero or more trades from an inbound frame. A nil
	// slice with nil error means the frame is valid but carries no trades
	// (heartbeats, acks, subscription echoes).
	Parse(frame []byte) ([]core.Trade, error)
}

// keepaliver is implemented by drivers that must actively ping the venue
// (KuCoin advertises a ping interval in its bullet handshake).
type keepaliver interface {
	Keepalive(ctx context.Context, conn *websocket.Conn)
}

// controlHandler is implemented by drivers whose venues interleave
// application-level control frames (server pings, acks) with data frames.
// A true return means the frame was consumed.
type controlHandler interface {
	HandleControl(frame []byte, conn *websocket.Conn) bool
}

// Appender is the venue-log side the collector writes to.
type Appender interface {
	Append(ctx context.Context, trade core.Trade) (string, error)
}

// Config bounds the connection loop.
type Config struct {
	ConnectTimeout       time.Duration
	MaxReconnectAttempts int
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	// StaleAfter is the no-trade interval after which health degrades.
	StaleAfter time.Duration
}

// DefaultConfig matches the production reconnect policy.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:       10 * time.Second,
		MaxReconnectAttempts: 10,
		ReconnectBase:        time.Second,
		ReconnectMax:         30 * time.Second,
		StaleAfter:           60 * time.Second,
	}
}

// Stats is the collector's observable state.
type Stats struct {
	Venue             string    `json:"venue"`
	Connected         bool      `json:"connected"`
	TradesReceived    int64     `json:"trades_received"`
	ErrorCount        int64     `json:"error_count"`
	LastTrade         time.Time `json:"last_trade"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	DisconnectedAt    time.Time `json:"disconnected_at,omitempty"`
}

// Collector supervises one venue connection.
type Collector struct {
	driver Driver
	log    Appender
	logger *zap.Logger
	cfg    Config

	mu                sync.RWMutex
	conn              *websocket.Conn
	connected         bool
	running           bool
	reconnectAttempts int
	tradesReceived    int64
	errorCount        int64
	lastTrade         time.Time
	disconnectedAt    time.Time

	cancel  context.CancelFunc
	done    chan struct{}
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
}

// New creates a collector for the given venue driver.
func New(driver Driver, log Appender, logger *zap.Logger, cfg Config) *Collector {
	c := &Collector{
		driver: driver,
		log:    log,
		logger: logger.Named(driver.Venue()),
		cfg:    cfg,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        driver.Venue() + "-reconnect",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return c
}

// SetMetrics attaches the Prometheus instruments. Optional; call before
// Start.
func (c *Collector) SetMetrics(m *metrics.Metrics) { c.metrics = m }

// Name implements health.Checker and supervisor naming.
func (c *Collector) Name() string { return "collector-" + c.driver.Venue() }

// Venue returns the venue this collector feeds.
func (c *Collector) Venue() string { return c.driver.Venue() }

// Start begins the connection loop. Idempotent after Stop.
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("collector %s already running", c.driver.Venue())
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true
	c.reconnectAttempts = 0
	if c.disconnectedAt.IsZero() {
		// A feed that has never connected counts as down from Start.
		c.disconnectedAt = time.Now()
	}
	done := c.done
	c.mu.Unlock()

	go c.run(runCtx, done)
	return nil
}

// Stop requests a graceful close and waits for the loop to exit or ctx to
// expire. Messages received after Stop are dropped with the connection.
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel := c.cancel
	done := c.done
	conn := c.conn
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the connection loop: dial, subscribe, read until failure, back off,
// repeat until cancelled or the attempt budget is exhausted.
func (c *Collector) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		if ctx.Err() != nil {
			return
		}

		c.mu.RLock()
		attempts := c.reconnectAttempts
		c.mu.RUnlock()

		if attempts > c.cfg.MaxReconnectAttempts {
			c.logger.Error("Max reconnect attempts exhausted, collector staying down",
				zap.Int("attempts", attempts))
			return
		}

		if err := c.connectAndServe(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.mu.Lock()
			c.reconnectAttempts++
			c.errorCount++
			attempts = c.reconnectAttempts
			c.mu.Unlock()
			if c.metrics != nil {
				c.metrics.Reconnects.WithLabelValues(c.driver.Venue()).Inc()
			}

			backoff := reconnectBackoff(attempts, c.cfg.ReconnectBase, c.cfg.ReconnectMax)
			c.logger.Warn("Connection lost, scheduling reconnect",
				zap.Error(err),
				zap.Int("attempt", attempts),
				zap.Duration("backoff", backoff))

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}
	}
}

// reconnectBackoff computes min(2^attempts * base, max).
func reconnectBackoff(attempts int, base, max time.Duration) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 30 {
		return max
	}
	d := base << uint(attempts)
	if d > max || d <= 0 {
		return max
	}
	return d
}

func (c *Collector) connectAndServe(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	conn, err := c.driver.Dial(dialCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	if err := c.driver.Subscribe(ctx, conn); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.reconnectAttempts = 0
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.CollectorStatus.WithLabelValues(c.driver.Venue()).Set(1)
	}
	c.logger.Info("Venue feed connected",
		zap.Int("symbols", len(c.driver.Symbols().byPair)))

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()
	if ka, ok := c.driver.(keepaliver); ok {
		go ka.Keepalive(connCtx, conn)
	}

	err = c.readLoop(ctx, conn)

	c.mu.Lock()
	c.connected = false
	c.conn = nil
	c.disconnectedAt = time.Now()
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.CollectorStatus.WithLabelValues(c.driver.Venue()).Set(0)
	}
	conn.Close()
	return err
}

// readLoop pumps frames until the connection fails or ctx is cancelled.
func (c *Collector) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_, frame, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}

		if ch, ok := c.driver.(controlHandler); ok && ch.HandleControl(frame, conn) {
			continue
		}

		trades, perr := c.driver.Parse(frame)
		if perr != nil {
			// Parse errors are the venue's problem, not the connection's.
			c.logger.Debug("Dropping unparseable frame", zap.Error(perr))
			continue
		}

		for _, trade := range trades {
			if trade.Price.Sign() <= 0 || trade.Volume.Sign() < 0 {
				c.logger.Debug("Dropping invalid trade",
					zap.String("pair", trade.Pair.String()),
					zap.String("price", trade.Price.String()))
				continue
			}
			c.mu.Lock()
			c.tradesReceived++
			c.lastTrade = time.Now()
			c.mu.Unlock()
			if c.metrics != nil {
				c.metrics.TradesReceived.
					WithLabelValues(c.driver.Venue(), trade.Pair.String()).Inc()
			}

			if _, err := c.log.Append(ctx, trade); err != nil {
				c.mu.Lock()
				c.errorCount++
				c.mu.Unlock()
				if c.metrics != nil {
					c.metrics.CollectorErrors.WithLabelValues(c.driver.Venue()).Inc()
				}
				c.logger.Error("Failed to append trade to venue log",
					zap.String("pair", trade.Pair.String()),
					zap.Error(err))
			}
		}
	}
}

// Reconnect forces a new connection through the circuit breaker. After five
// consecutive failures within the breaker interval the breaker opens and
// admits no attempt for 60s.
func (c *Collector) Reconnect(ctx context.Context) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		// Probe the venue before dropping the live feed.
		dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
		probe, err := c.driver.Dial(dialCtx)
		if err != nil {
			return nil, err
		}
		probe.Close()

		// Bounce the current connection; the run loop redials from
		// attempt zero.
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.connected = false
		c.reconnectAttempts = 0
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("reconnect %s: %w", c.driver.Venue(), err)
	}
	return nil
}

// Stats returns a snapshot of counters.
func (c *Collector) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Venue:             c.driver.Venue(),
		Connected:         c.connected,
		TradesReceived:    c.tradesReceived,
		ErrorCount:        c.errorCount,
		LastTrade:         c.lastTrade,
		ReconnectAttempts: c.reconnectAttempts,
		DisconnectedAt:    c.disconnectedAt,
	}
}

// DisconnectedFor returns how long the feed has been down, or zero when
// connected.
func (c *Collector) DisconnectedFor() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connected || c.disconnectedAt.IsZero() {
		return 0
	}
	return time.Since(c.disconnectedAt)
}

// HealthCheck reports degraded when the feed is silent past StaleAfter and
// unhealthy when disconnected.
func (c *Collector) HealthCheck(ctx context.Context) health.Report {
	stats := c.Stats()

	checks := make(map[string]health.Check, 2)
	if stats.Connected {
		checks["connection"] = health.Check{Status: health.StatusHealthy}
	} else {
		checks["connection"] = health.Check{
			Status:  health.StatusUnhealthy,
			Message: "not connected",
		}
	}

	traffic := health.Check{Status: health.StatusHealthy}
	if stats.LastTrade.IsZero() || time.Since(stats.LastTrade) > c.cfg.StaleAfter {
		traffic = health.Check{
			Status:  health.StatusDegraded,
			Message: fmt.Sprintf("no trades for over %s", c.cfg.StaleAfter),
		}
	}
	checks["traffic"] = traffic

	return health.NewReport(checks)
}
