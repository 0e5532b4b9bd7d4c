// Package config loads the nested application configuration. Values come
// from an optional YAML file overridden by environment variables with the
// PRICEVERSE_ prefix and "__" as the nesting separator, e.g.
// PRICEVERSE_AGGREGATION__WINDOW_SIZE=30000.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the complete application configuration tree.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Exchanges   ExchangesConfig   `mapstructure:"exchanges"`
	Aggregation AggregationConfig `mapstructure:"aggregation"`
	CBR         CBRConfig         `mapstructure:"cbr"`
	Retention   RetentionConfig   `mapstructure:"retention"`
	Alerts      AlertsConfig      `mapstructure:"alerts"`
	API         APIConfig         `mapstructure:"api"`
	Environment string            `mapstructure:"environment"`
}

// AppConfig holds the RPC server bind address.
type AppConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig holds the store connection settings.
type DatabaseConfig struct {
	Dialect               string     `mapstructure:"dialect"`
	Host                  string     `mapstructure:"host"`
	Port                  int        `mapstructure:"port"`
	Database              string     `mapstructure:"database"`
	User                  string     `mapstructure:"user"`
	Password              string     `mapstructure:"password"`
	SSL                   bool       `mapstructure:"ssl"`
	SSLRejectUnauthorized bool       `mapstructure:"sslRejectUnauthorized"`
	Pool                  PoolConfig `mapstructure:"pool"`
}

// PoolConfig bounds the connection pool.
type PoolConfig struct {
	Min int `mapstructure:"min"`
	Max int `mapstructure:"max"`
}

// DSN builds a lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	sslmode := "disable"
	if d.SSL {
		sslmode = "verify-full"
		if !d.SSLRejectUnauthorized {
			sslmode = "require"
		}
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Database, d.User, d.Password, sslmode)
}

// RedisConfig holds the stream/cache/pub-sub connection settings.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns host:port for the Redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// ExchangesConfig selects which of the six venues run.
type ExchangesConfig struct {
	Enabled []string `mapstructure:"enabled"`
}

// IsEnabled reports whether the named venue should be started.
func (e ExchangesConfig) IsEnabled(venue string) bool {
	for _, v := range e.Enabled {
		if strings.EqualFold(v, venue) {
			return true
		}
	}
	return false
}

// AggregationConfig holds the stream-aggregator knobs. Interval and
// WindowSize are milliseconds, matching the wire representation of trade
// event times.
type AggregationConfig struct {
	Interval             int64    `mapstructure:"interval"`
	WindowSize           int64    `mapstructure:"windowSize"`
	Pairs                []string `mapstructure:"pairs"`
	MaxConsecutiveErrors int      `mapstructure:"maxConsecutiveErrors"`
}

// TickInterval returns the aggregation interval as a duration.
func (a AggregationConfig) TickInterval() time.Duration {
	return time.Duration(a.Interval) * time.Millisecond
}

// Window returns the trailing VWAP window as a duration.
func (a AggregationConfig) Window() time.Duration {
	return time.Duration(a.WindowSize) * time.Millisecond
}

// CBRConfig configures the fiat-rate source.
type CBRConfig struct {
	URL            string  `mapstructure:"url"`
	CacheTTL       int     `mapstructure:"cacheTtl"` // seconds
	RetryAttempts  int     `mapstructure:"retryAttempts"`
	RetryDelay     int     `mapstructure:"retryDelay"` // milliseconds
	FallbackRate   float64 `mapstructure:"fallbackRate"`
	EmitOnFallback bool    `mapstructure:"emitOnFallback"`
}

// CacheDuration returns the rate cache TTL.
func (c CBRConfig) CacheDuration() time.Duration {
	return time.Duration(c.CacheTTL) * time.Second
}

// RetryDelayDuration returns the delay between fetch attempts.
func (c CBRConfig) RetryDelayDuration() time.Duration {
	return time.Duration(c.RetryDelay) * time.Millisecond
}

// Fallback returns the configured fallback rate as a decimal.
func (c CBRConfig) Fallback() decimal.Decimal {
	return decimal.NewFromFloat(c.FallbackRate)
}

// RetentionConfig holds the sweeper policy. A zero day count means keep
// forever.
type RetentionConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	PriceHistoryDays int    `mapstructure:"priceHistoryDays"`
	Candles5MinDays  int    `mapstructure:"candles5minDays"`
	Candles1HourDays int    `mapstructure:"candles1hourDays"`
	Candles1DayDays  int    `mapstructure:"candles1dayDays"`
	CleanupSchedule  string `mapstructure:"cleanupSchedule"`
}

// AlertsConfig configures the webhook alert sink.
type AlertsConfig struct {
	Enabled    bool            `mapstructure:"enabled"`
	WebhookURL string          `mapstructure:"webhookUrl"`
	Thresholds AlertThresholds `mapstructure:"thresholds"`
}

// AlertThresholds holds the alert trigger levels.
type AlertThresholds struct {
	CollectorDisconnectSeconds  int `mapstructure:"collectorDisconnectSeconds"`
	AggregatorConsecutiveErrors int `mapstructure:"aggregatorConsecutiveErrors"`
}

// APIConfig holds boundary knobs for the RPC surface.
type APIConfig struct {
	RateLimit RateLimitConfig `mapstructure:"rateLimit"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Streaming StreamingConfig `mapstructure:"streaming"`
}

// RateLimitConfig configures the sliding-window limiter.
type RateLimitConfig struct {
	Enabled  bool  `mapstructure:"enabled"`
	WindowMs int64 `mapstructure:"windowMs"`
	Max      int64 `mapstructure:"max"`
}

// Window returns the limiter window as a duration.
func (r RateLimitConfig) Window() time.Duration {
	return time.Duration(r.WindowMs) * time.Millisecond
}

// CacheConfig configures the canonical price cache.
type CacheConfig struct {
	PriceTTL   int `mapstructure:"priceTtl"`   // seconds
	StaleAfter int `mapstructure:"staleAfter"` // seconds
}

// StreamingConfig configures streamPrices subscriptions.
type StreamingConfig struct {
	IdleTimeout  int `mapstructure:"idleTimeout"` // seconds
	MaxQueueSize int `mapstructure:"maxQueueSize"`
}

// Load reads the configuration file (when path is non-empty) and applies
// environment overrides. Environment always wins over the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PRICEVERSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()
	bindSnakeCaseEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindSnakeCaseEnv accepts SNAKE_CASE spellings for camelCase leaf keys, so
// PRICEVERSE_AGGREGATION__WINDOW_SIZE and PRICEVERSE_AGGREGATION__WINDOWSIZE
// both resolve to aggregation.windowSize.
func bindSnakeCaseEnv(v *viper.Viper) {
	aliases := map[string]string{
		"aggregation.windowSize":                        "AGGREGATION__WINDOW_SIZE",
		"aggregation.maxConsecutiveErrors":              "AGGREGATION__MAX_CONSECUTIVE_ERRORS",
		"database.sslRejectUnauthorized":                "DATABASE__SSL_REJECT_UNAUTHORIZED",
		"cbr.cacheTtl":                                  "CBR__CACHE_TTL",
		"cbr.retryAttempts":                             "CBR__RETRY_ATTEMPTS",
		"cbr.retryDelay":                                "CBR__RETRY_DELAY",
		"cbr.fallbackRate":                              "CBR__FALLBACK_RATE",
		"cbr.emitOnFallback":                            "CBR__EMIT_ON_FALLBACK",
		"retention.priceHistoryDays":                    "RETENTION__PRICE_HISTORY_DAYS",
		"retention.candles5minDays":                     "RETENTION__CANDLES_5MIN_DAYS",
		"retention.candles1hourDays":                    "RETENTION__CANDLES_1HOUR_DAYS",
		"retention.candles1dayDays":                     "RETENTION__CANDLES_1DAY_DAYS",
		"retention.cleanupSchedule":                     "RETENTION__CLEANUP_SCHEDULE",
		"alerts.webhookUrl":                             "ALERTS__WEBHOOK_URL",
		"alerts.thresholds.collectorDisconnectSeconds":  "ALERTS__THRESHOLDS__COLLECTOR_DISCONNECT_SECONDS",
		"alerts.thresholds.aggregatorConsecutiveErrors": "ALERTS__THRESHOLDS__AGGREGATOR_CONSECUTIVE_ERRORS",
		"api.rateLimit.windowMs":                        "API__RATE_LIMIT__WINDOW_MS",
		"api.rateLimit.max":                             "API__RATE_LIMIT__MAX",
		"api.rateLimit.enabled":                         "API__RATE_LIMIT__ENABLED",
		"api.cache.priceTtl":                            "API__CACHE__PRICE_TTL",
		"api.cache.staleAfter":                          "API__CACHE__STALE_AFTER",
		"api.streaming.idleTimeout":                     "API__STREAMING__IDLE_TIMEOUT",
		"api.streaming.maxQueueSize":                    "API__STREAMING__MAX_QUEUE_SIZE",
	}
	for key, env := range aliases {
		_ = v.BindEnv(key, "PRICEVERSE_"+env)
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.host", "0.0.0.0")
	v.SetDefault("app.port", 8080)

	v.SetDefault("database.dialect", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "priceverse")
	v.SetDefault("database.user", "priceverse")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl", false)
	v.SetDefault("database.sslRejectUnauthorized", true)
	v.SetDefault("database.pool.min", 2)
	v.SetDefault("database.pool.max", 10)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("exchanges.enabled", []string{
		"binance", "kraken", "coinbase", "kucoin", "okx", "bybit",
	})

	v.SetDefault("aggregation.interval", 10000)
	v.SetDefault("aggregation.windowSize", 30000)
	v.SetDefault("aggregation.pairs", []string{"btc-usd", "eth-usd", "xmr-usd"})
	v.SetDefault("aggregation.maxConsecutiveErrors", 10)

	v.SetDefault("cbr.url", "https://www.cbr-xml-daily.ru/daily_json.js")
	v.SetDefault("cbr.cacheTtl", 3600)
	v.SetDefault("cbr.retryAttempts", 3)
	v.SetDefault("cbr.retryDelay", 5000)
	v.SetDefault("cbr.fallbackRate", 90.0)
	v.SetDefault("cbr.emitOnFallback", true)

	v.SetDefault("retention.enabled", true)
	v.SetDefault("retention.priceHistoryDays", 7)
	v.SetDefault("retention.candles5minDays", 30)
	v.SetDefault("retention.candles1hourDays", 365)
	v.SetDefault("retention.candles1dayDays", 0)
	v.SetDefault("retention.cleanupSchedule", "0 3 * * *")

	v.SetDefault("alerts.enabled", false)
	v.SetDefault("alerts.webhookUrl", "")
	v.SetDefault("alerts.thresholds.collectorDisconnectSeconds", 300)
	v.SetDefault("alerts.thresholds.aggregatorConsecutiveErrors", 5)

	v.SetDefault("api.rateLimit.enabled", true)
	v.SetDefault("api.rateLimit.windowMs", 60000)
	v.SetDefault("api.rateLimit.max", 100)
	v.SetDefault("api.cache.priceTtl", 60)
	v.SetDefault("api.cache.staleAfter", 120)
	v.SetDefault("api.streaming.idleTimeout", 60)
	v.SetDefault("api.streaming.maxQueueSize", 1000)

	v.SetDefault("environment", "development")
}

// Validate checks ranges that would otherwise fail at runtime.
func (c *Config) Validate() error {
	if c.App.Port <= 0 || c.App.Port > 65535 {
		return fmt.Errorf("app.port out of range: %d", c.App.Port)
	}
	if c.Aggregation.Interval <= 0 {
		return fmt.Errorf("aggregation.interval must be positive")
	}
	if c.Aggregation.WindowSize < c.Aggregation.Interval {
		return fmt.Errorf("aggregation.windowSize %d shorter than interval %d",
			c.Aggregation.WindowSize, c.Aggregation.Interval)
	}
	for _, p := range c.Aggregation.Pairs {
		if !strings.HasSuffix(p, "-usd") {
			return fmt.Errorf("aggregation.pairs must list base pairs, got %q", p)
		}
	}
	if c.Alerts.Enabled && c.Alerts.WebhookURL == "" {
		return fmt.Errorf("alerts.webhookUrl required when alerts are enabled")
	}
	return nil
}
