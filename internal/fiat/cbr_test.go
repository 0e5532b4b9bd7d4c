package fiat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"priceverse/internal/config"
)

func cbrConfig(url string) config.CBRConfig {
	return config.CBRConfig{
		URL:           url,
		CacheTTL:      3600,
		RetryAttempts: 1,
		RetryDelay:    10,
		FallbackRate:  90.0,
	}
}

func TestGetRateFallbackBeforeFirstSuccess(t *testing.T) {
	source := NewCBRSource(cbrConfig("http://127.0.0.1:0/nope"), zap.NewNop())

	rate := source.GetRate(context.Background())
	assert.Equal(t, StatusFallback, rate.Status)
	assert.True(t, rate.Value.Equal(decimal.NewFromFloat(90.0)))
	assert.Positive(t, rate.Value.Sign(), "fallback still derives RUB prices")
}

func TestFetchParsesDailyFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Valute":{"USD":{"Value":95.5,"Nominal":1}}}`))
	}))
	defer srv.Close()

	source := NewCBRSource(cbrConfig(srv.URL), zap.NewNop())
	source.fetchWithRetry(context.Background())

	rate := source.GetRate(context.Background())
	require.Equal(t, StatusFresh, rate.Status)
	assert.True(t, rate.Value.Equal(decimal.NewFromFloat(95.5)), "rate = %s", rate.Value)
}

func TestLastKnownValueSurvivesFailures(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"Valute":{"USD":{"Value":95.5,"Nominal":1}}}`))
	}))
	defer srv.Close()

	source := NewCBRSource(cbrConfig(srv.URL), zap.NewNop())
	source.fetchWithRetry(context.Background())

	healthy = false
	source.fetchWithRetry(context.Background())

	rate := source.GetRate(context.Background())
	assert.True(t, rate.Value.Equal(decimal.NewFromFloat(95.5)),
		"last known value keeps serving after failures")
	assert.NotEqual(t, StatusFallback, rate.Status)
}

func TestRateTurnsStaleAfterTwiceTTL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Valute":{"USD":{"Value":95.5,"Nominal":1}}}`))
	}))
	defer srv.Close()

	cfg := cbrConfig(srv.URL)
	cfg.CacheTTL = 0 // any age exceeds 2×TTL immediately
	source := NewCBRSource(cfg, zap.NewNop())
	source.fetchWithRetry(context.Background())

	time.Sleep(5 * time.Millisecond)
	rate := source.GetRate(context.Background())
	assert.Equal(t, StatusStale, rate.Status)
	assert.True(t, rate.Value.Sign() > 0, "stale values still resolve positive")
}

func TestNominalScaling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Valute":{"USD":{"Value":955.0,"Nominal":10}}}`))
	}))
	defer srv.Close()

	source := NewCBRSource(cbrConfig(srv.URL), zap.NewNop())
	rate, err := source.fetch(context.Background())
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.NewFromFloat(95.5)))
}
