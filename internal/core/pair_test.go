package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePair(t *testing.T) {
	pair, err := ParsePair("btc-usd")
	require.NoError(t, err)
	assert.Equal(t, PairBTCUSD, pair)

	pair, err = ParsePair("  ETH-RUB ")
	require.NoError(t, err)
	assert.Equal(t, PairETHRUB, pair)

	_, err = ParsePair("doge-usd")
	assert.Error(t, err)

	_, err = ParsePair("")
	assert.Error(t, err)
}

func TestPairClassification(t *testing.T) {
	assert.True(t, PairBTCUSD.IsBase())
	assert.False(t, PairBTCUSD.IsDerived())
	assert.True(t, PairXMRRUB.IsDerived())
	assert.False(t, PairXMRRUB.IsBase())
	assert.Equal(t, "btc", PairBTCUSD.Asset())
}

func TestDerivedRUB(t *testing.T) {
	for _, base := range BasePairs {
		derived, ok := base.DerivedRUB()
		require.True(t, ok, "base pair %s must derive", base)
		assert.True(t, derived.IsDerived())
		assert.Equal(t, base.Asset(), derived.Asset())
	}

	_, ok := PairBTCRUB.DerivedRUB()
	assert.False(t, ok)
}

func TestNormalizeSources(t *testing.T) {
	got := NormalizeSources([]string{"kraken", "binance", "kraken", "cbr"})
	assert.Equal(t, []string{"binance", "cbr", "kraken"}, got)

	assert.Empty(t, NormalizeSources(nil))
}

func TestParseResolution(t *testing.T) {
	for _, res := range Resolutions {
		parsed, ok := ParseResolution(string(res))
		require.True(t, ok)
		assert.Equal(t, res, parsed)
		assert.Positive(t, res.Duration())
	}

	_, ok := ParseResolution("15min")
	assert.False(t, ok)
}
