package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"priceverse/internal/aggregator"
	"priceverse/internal/alerts"
	"priceverse/internal/broadcast"
	"priceverse/internal/collector"
	"priceverse/internal/config"
	"priceverse/internal/core"
	"priceverse/internal/fiat"
	"priceverse/internal/health"
	"priceverse/internal/metrics"
	"priceverse/internal/ohlcv"
	"priceverse/internal/pricecache"
	"priceverse/internal/ratelimit"
	"priceverse/internal/retention"
	"priceverse/internal/rpc"
	"priceverse/internal/store"
	"priceverse/internal/supervisor"
	"priceverse/internal/venuelog"
)

// App is the composition root: every worker is constructed here and wired
// explicitly, then handed to the supervisor.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	db  *store.DB
	rdb *redis.Client
	sup *supervisor.Supervisor

	ctx    context.Context
	cancel context.CancelFunc
}

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	app := &App{}
	if err := app.initialize(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize: %v\n", err)
		os.Exit(1)
	}
	if err := app.start(); err != nil {
		app.logger.Error("Failed to start", zap.Error(err))
		app.cleanup()
		os.Exit(1)
	}

	app.waitForShutdown()
	app.shutdown()
}

func (app *App) initialize(configPath string) error {
	var err error

	app.ctx, app.cancel = context.WithCancel(context.Background())

	app.logger, err = buildLogger()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	app.cfg, err = config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	app.logger.Info("Configuration loaded",
		zap.Strings("exchanges", app.cfg.Exchanges.Enabled),
		zap.String("environment", app.cfg.Environment))

	return nil
}

func buildLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	cfg.OutputPaths = []string{"stdout"}
	return cfg.Build()
}

func (app *App) start() error {
	logger := app.logger
	cfg := app.cfg

	// Stores first: everything downstream needs them.
	var err error
	app.db, err = store.Connect(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}
	if err := app.db.Migrate(app.ctx); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	app.rdb = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := app.rdb.Ping(app.ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}
	logger.Info("Redis connected", zap.String("addr", cfg.Redis.Addr()))

	prices := store.NewPriceHistory(app.db)
	candles := store.NewCandles(app.db)
	log := venuelog.New(app.rdb, logger)
	buffer := aggregator.NewTradeBuffer(app.rdb)
	cache := pricecache.New(app.rdb,
		time.Duration(cfg.API.Cache.PriceTTL)*time.Second,
		time.Duration(cfg.API.Cache.StaleAfter)*time.Second)
	hub := broadcast.NewHub(cfg.API.Streaming.MaxQueueSize, logger)
	m := metrics.New(prometheus.DefaultRegisterer)

	registry := health.NewRegistry()
	registry.Register(health.PingChecker("database", app.db.Ping))
	registry.Register(health.PingChecker("redis", cache.Ping))

	// Fiat rate source.
	cbr := fiat.NewCBRSource(cfg.CBR, logger)
	registry.Register(cbr)

	// Aggregators.
	pairs := make([]core.Pair, 0, len(cfg.Aggregation.Pairs))
	for _, raw := range cfg.Aggregation.Pairs {
		pair, err := core.ParsePair(raw)
		if err != nil {
			return fmt.Errorf("bad aggregation pair: %w", err)
		}
		pairs = append(pairs, pair)
	}

	enabledVenues := make([]string, 0, len(collector.Venues))
	for _, venue := range collector.Venues {
		if cfg.Exchanges.IsEnabled(venue) {
			enabledVenues = append(enabledVenues, venue)
		}
	}

	aggCfg := aggregator.DefaultConfig()
	aggCfg.Pairs = pairs
	aggCfg.Venues = enabledVenues
	aggCfg.TickInterval = cfg.Aggregation.TickInterval()
	aggCfg.Window = cfg.Aggregation.Window()
	aggCfg.MaxConsecutiveErrors = cfg.Aggregation.MaxConsecutiveErrors
	aggCfg.EmitOnFallback = cfg.CBR.EmitOnFallback
	streamAgg := aggregator.New(aggCfg, log, buffer, prices, cache, hub, cbr, logger)
	streamAgg.SetMetrics(m)
	registry.Register(streamAgg)

	ohlcvAgg := ohlcv.New(core.AllPairs, candles, logger)
	registry.Register(ohlcvAgg)

	// Collectors.
	collectors := make([]*collector.Collector, 0, len(enabledVenues))
	alertProbes := make([]alerts.CollectorProbe, 0, len(enabledVenues))
	for _, venue := range enabledVenues {
		driver, err := collector.NewDriver(venue)
		if err != nil {
			return err
		}
		c := collector.New(driver, log, logger, collector.DefaultConfig())
		c.SetMetrics(m)
		collectors = append(collectors, c)
		alertProbes = append(alertProbes, c)
		registry.Register(c)
	}

	// Boundary.
	var limiter *ratelimit.Limiter
	if cfg.API.RateLimit.Enabled {
		limiter = ratelimit.New(app.rdb,
			cfg.API.RateLimit.Window(), cfg.API.RateLimit.Max, logger)
	}
	server := rpc.NewServer(cfg.App, cfg.API.Streaming,
		prices, candles, cache, hub, registry, limiter, m, logger)

	alertManager := alerts.New(cfg.Alerts, cfg.Environment,
		alertProbes, streamAgg, cbr, logger)
	sweeper := retention.New(cfg.Retention, prices, candles, logger)

	// Supervision: start order is dependency order; the stop order is the
	// mandated shutdown sequence.
	app.sup = supervisor.New(supervisor.DefaultConfig(), logger)
	workers := []supervisor.Lifecyclable{cbr, streamAgg, ohlcvAgg}
	for _, c := range collectors {
		workers = append(workers, c)
	}
	workers = append(workers, sweeper, alertManager, server)
	for _, w := range workers {
		if err := app.sup.Add(w); err != nil {
			return err
		}
	}

	stopOrder := []string{ohlcvAgg.Name(), streamAgg.Name()}
	for _, c := range collectors {
		stopOrder = append(stopOrder, c.Name())
	}
	stopOrder = append(stopOrder, cbr.Name(), server.Name())
	app.sup.SetStopOrder(stopOrder...)

	if err := app.sup.Start(app.ctx); err != nil {
		return err
	}

	logger.Info("Priceverse started",
		zap.Int("collectors", len(collectors)),
		zap.Int("pairs", len(pairs)),
		zap.String("rpc", fmt.Sprintf("%s:%d", cfg.App.Host, cfg.App.Port)))
	return nil
}

func (app *App) waitForShutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	app.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
}

func (app *App) shutdown() {
	app.logger.Info("Shutting down")

	if app.sup != nil {
		if err := app.sup.Stop(); err != nil {
			app.logger.Error("Supervisor stop failed", zap.Error(err))
		}
	}
	app.cancel()
	app.cleanup()

	app.logger.Info("Shutdown complete")
}

func (app *App) cleanup() {
	if app.rdb != nil {
		app.rdb.Close()
	}
	if app.db != nil {
		app.db.Close()
	}
}
