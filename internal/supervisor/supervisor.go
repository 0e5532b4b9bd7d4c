// Package supervisor owns worker lifecycles: it starts workers in
// dependency order, stops them in reverse with a bounded wait per worker,
// and restarts unhealthy workers within a sliding restart budget.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"priceverse/internal/health"
)

// Lifecyclable is a supervised worker. Start must return promptly after
// launching background work; Stop must respect ctx for its bounded wait.
type Lifecyclable interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Status is a worker's lifecycle state.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusRunning  Status = "running"
	StatusFailed   Status = "failed"
	StatusUnclean  Status = "unclean"
	StatusTerminal Status = "terminal"
)

// Config bounds supervision.
type Config struct {
	// StopTimeout caps each worker's Stop; on expiry the worker is
	// abandoned and logged as an unclean exit.
	StopTimeout time.Duration
	// MaxRestarts is the restart budget per RestartWindow; beyond it a
	// worker is marked terminally failed.
	MaxRestarts   int
	RestartWindow time.Duration
	// MonitorInterval paces the health monitor loop. Zero disables it.
	MonitorInterval time.Duration
}

// DefaultConfig matches the production lifecycle policy.
func DefaultConfig() Config {
	return Config{
		StopTimeout:     8 * time.Second,
		MaxRestarts:     5,
		RestartWindow:   60 * time.Second,
		MonitorInterval: 30 * time.Second,
	}
}

type worker struct {
	lc       Lifecyclable
	status   Status
	restarts []time.Time // restart timestamps inside the sliding window
}

// Supervisor drives ordered startup and reverse-ordered shutdown.
type Supervisor struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	workers   []*worker
	byName    map[string]*worker
	stopOrder []string
	started   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a supervisor.
func New(cfg Config, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		logger: logger.Named("supervisor"),
		byName: make(map[string]*worker),
	}
}

// Add registers a worker. Order of registration is start order; duplicate
// names fail fast.
func (s *Supervisor) Add(lc Lifecyclable) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("cannot add worker %s while supervisor is running", lc.Name())
	}
	if _, exists := s.byName[lc.Name()]; exists {
		return fmt.Errorf("worker %s already registered", lc.Name())
	}

	w := &worker{lc: lc, status: StatusStopped}
	s.workers = append(s.workers, w)
	s.byName[lc.Name()] = w
	s.logger.Info("Worker registered", zap.String("worker", lc.Name()))
	return nil
}

// SetStopOrder overrides the shutdown sequence. Named workers stop first,
// in the given order; workers not named stop afterwards in reverse
// registration order. Without an override, shutdown is plain reverse
// registration order.
func (s *Supervisor) SetStopOrder(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopOrder = names
}

// Start launches every worker in registration order. The first failure
// stops the already-started workers in reverse and aborts.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	workers := append([]*worker{}, s.workers...)
	s.mu.Unlock()

	for i, w := range workers {
		if err := w.lc.Start(s.ctx); err != nil {
			s.logger.Error("Worker failed to start",
				zap.String("worker", w.lc.Name()),
				zap.Error(err))
			s.setStatus(w, StatusFailed)
			s.stopWorkers(workers[:i])
			s.mu.Lock()
			s.started = false
			s.mu.Unlock()
			return fmt.Errorf("failed to start %s: %w", w.lc.Name(), err)
		}
		s.setStatus(w, StatusRunning)
		s.logger.Info("Worker started", zap.String("worker", w.lc.Name()))
	}

	if s.cfg.MonitorInterval > 0 {
		s.wg.Add(1)
		go s.monitorLoop()
	}
	return nil
}

// Stop shuts every worker down in reverse registration order. Each Stop is
// awaited with the configured cap; on expiry the worker is abandoned and
// logged as an unclean exit. Stop always runs the full order.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancelMonitor := s.cancel
	workers := s.shutdownSequence()
	s.mu.Unlock()

	cancelMonitor()
	s.wg.Wait()

	// stopWorkers walks its slice in reverse, so hand it the shutdown
	// sequence pre-reversed.
	s.stopWorkers(workers)
	s.logger.Info("Supervisor stopped")
	return nil
}

// shutdownSequence returns workers ordered so that reversing the slice
// yields the intended stop order: explicit stopOrder names first, then the
// remainder in reverse registration order. Callers hold s.mu.
func (s *Supervisor) shutdownSequence() []*worker {
	if len(s.stopOrder) == 0 {
		return append([]*worker{}, s.workers...)
	}

	named := make(map[string]struct{}, len(s.stopOrder))
	ordered := make([]*worker, 0, len(s.workers))
	for i := len(s.stopOrder) - 1; i >= 0; i-- {
		name := s.stopOrder[i]
		if w, ok := s.byName[name]; ok {
			ordered = append(ordered, w)
			named[name] = struct{}{}
		}
	}

	rest := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		if _, ok := named[w.lc.Name()]; !ok {
			rest = append(rest, w)
		}
	}
	// rest precedes the named tail so reverse iteration stops the named
	// workers first, then the rest in reverse registration order.
	return append(rest, ordered...)
}

// stopWorkers stops the given workers in reverse slice order.
func (s *Supervisor) stopWorkers(workers []*worker) {
	for i := len(workers) - 1; i >= 0; i-- {
		w := workers[i]
		if s.statusOf(w) != StatusRunning {
			continue
		}

		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
		err := w.lc.Stop(stopCtx)
		capExpired := stopCtx.Err() != nil
		cancel()

		switch {
		case err == nil:
			s.setStatus(w, StatusStopped)
			s.logger.Info("Worker stopped", zap.String("worker", w.lc.Name()))
		case capExpired:
			s.setStatus(w, StatusUnclean)
			s.logger.Error("Worker did not stop within cap, abandoning",
				zap.String("worker", w.lc.Name()),
				zap.Duration("cap", s.cfg.StopTimeout))
		default:
			s.setStatus(w, StatusUnclean)
			s.logger.Error("Worker stop failed",
				zap.String("worker", w.lc.Name()),
				zap.Error(err))
		}
	}
}

// monitorLoop periodically restarts unhealthy workers within the restart
// budget.
func (s *Supervisor) monitorLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.checkWorkers()
		}
	}
}

func (s *Supervisor) checkWorkers() {
	s.mu.Lock()
	workers := append([]*worker{}, s.workers...)
	s.mu.Unlock()

	for _, w := range workers {
		if s.statusOf(w) != StatusRunning {
			continue
		}
		checker, ok := w.lc.(health.Checker)
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		report := checker.HealthCheck(ctx)
		cancel()

		if report.Status != health.StatusUnhealthy {
			continue
		}
		if err := s.Restart(w.lc.Name()); err != nil {
			s.logger.Warn("Unhealthy worker not restarted",
				zap.String("worker", w.lc.Name()),
				zap.Error(err))
		}
	}
}

// Restart stops and restarts one worker, counting against the sliding
// restart budget. Exhausting the budget marks the worker terminally failed.
func (s *Supervisor) Restart(name string) error {
	s.mu.Lock()
	w, ok := s.byName[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("worker %s not found", name)
	}
	if w.status == StatusTerminal {
		s.mu.Unlock()
		return fmt.Errorf("worker %s is terminally failed", name)
	}

	now := time.Now()
	recent := w.restarts[:0]
	for _, t := range w.restarts {
		if now.Sub(t) <= s.cfg.RestartWindow {
			recent = append(recent, t)
		}
	}
	w.restarts = recent
	if len(w.restarts) >= s.cfg.MaxRestarts {
		w.status = StatusTerminal
		s.mu.Unlock()
		s.logger.Error("Restart budget exhausted, giving up on worker",
			zap.String("worker", name),
			zap.Int("restarts", len(recent)),
			zap.Duration("window", s.cfg.RestartWindow))
		return fmt.Errorf("worker %s exceeded %d restarts in %s",
			name, s.cfg.MaxRestarts, s.cfg.RestartWindow)
	}
	w.restarts = append(w.restarts, now)
	s.mu.Unlock()

	s.logger.Info("Restarting worker", zap.String("worker", name))

	stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
	if err := w.lc.Stop(stopCtx); err != nil {
		s.logger.Warn("Worker stop during restart failed",
			zap.String("worker", name),
			zap.Error(err))
	}
	cancel()

	if err := w.lc.Start(s.ctx); err != nil {
		s.setStatus(w, StatusFailed)
		return fmt.Errorf("failed to restart %s: %w", name, err)
	}
	s.setStatus(w, StatusRunning)
	return nil
}

// StatusOf reports one worker's lifecycle state.
func (s *Supervisor) StatusOf(name string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.byName[name]
	if !ok {
		return "", fmt.Errorf("worker %s not found", name)
	}
	return w.status, nil
}

// Statuses reports every worker's state.
func (s *Supervisor) Statuses() map[string]Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Status, len(s.workers))
	for _, w := range s.workers {
		out[w.lc.Name()] = w.status
	}
	return out
}

func (s *Supervisor) setStatus(w *worker, status Status) {
	s.mu.Lock()
	w.status = status
	s.mu.Unlock()
}

func (s *Supervisor) statusOf(w *worker) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return w.status
}
