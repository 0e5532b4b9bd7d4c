// Package store is the Postgres persistence layer: the raw canonical price
// history and the three candle tables, accessed through sqlx.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"priceverse/internal/config"
)

// DB wraps the shared connection pool.
type DB struct {
	conn   *sqlx.DB
	logger *zap.Logger
}

// Connect opens the pool and verifies connectivity.
func Connect(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	conn, err := sqlx.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(cfg.Pool.Max)
	conn.SetMaxIdleConns(cfg.Pool.Min)
	conn.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database connected",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
		zap.Int("pool_max", cfg.Pool.Max))

	return &DB{conn: conn, logger: logger.Named("store")}, nil
}

// NewFromConn wraps an existing connection (tests).
func NewFromConn(conn *sqlx.DB, logger *zap.Logger) *DB {
	return &DB{conn: conn, logger: logger.Named("store")}
}

// Ping probes connectivity for health checks.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close releases the pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS price_history (
		id          BIGSERIAL PRIMARY KEY,
		pair        TEXT        NOT NULL,
		price       NUMERIC     NOT NULL,
		event_time  BIGINT      NOT NULL,
		method      TEXT        NOT NULL DEFAULT 'vwap',
		sources     TEXT        NOT NULL DEFAULT '[]',
		volume      NUMERIC     NOT NULL DEFAULT 0,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_price_history_pair_event_time
		ON price_history (pair, event_time)`,
	`CREATE INDEX IF NOT EXISTS idx_price_history_event_time
		ON price_history (event_time)`,
}

func candleSchema(table string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id           BIGSERIAL PRIMARY KEY,
			pair         TEXT        NOT NULL,
			period_start TIMESTAMPTZ NOT NULL,
			open         NUMERIC     NOT NULL,
			high         NUMERIC     NOT NULL,
			low          NUMERIC     NOT NULL,
			close        NUMERIC     NOT NULL,
			volume       NUMERIC     NOT NULL DEFAULT 0,
			vwap         NUMERIC,
			trade_count  BIGINT      NOT NULL DEFAULT 0,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, table),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_pair_period
			ON %s (pair, period_start)`, table, table),
	}
}

// Migrate applies the idempotent schema. External migration tooling owns
// anything beyond table bootstrap.
func (db *DB) Migrate(ctx context.Context) error {
	stmts := append([]string{}, schema...)
	for _, table := range candleTables {
		stmts = append(stmts, candleSchema(table)...)
	}
	for _, stmt := range stmts {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	db.logger.Info("Schema migrated", zap.Int("statements", len(stmts)))
	return nil
}
