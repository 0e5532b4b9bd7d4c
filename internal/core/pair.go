package core

import (
	"fmt"
	"strings"
)

// Pair identifies a trading pair in the canonical lowercase dash form,
// e.g. "btc-usd". The set of pairs is closed: three USD base pairs fed by
// venue trades and three RUB pairs derived from them via the fiat rate.
type Pair string

const (
	PairBTCUSD Pair = "btc-usd"
	PairETHUSD Pair = "eth-usd"
	PairXMRUSD Pair = "xmr-usd"
	PairBTCRUB Pair = "btc-rub"
	PairETHRUB Pair = "eth-rub"
	PairXMRRUB Pair = "xmr-rub"
)

// BasePairs are the venue-fed USD pairs, in canonical order.
var BasePairs = []Pair{PairBTCUSD, PairETHUSD, PairXMRUSD}

// DerivedPairs are the RUB pairs produced from the base pairs.
var DerivedPairs = []Pair{PairBTCRUB, PairETHRUB, PairXMRRUB}

// AllPairs is the closed pair set.
var AllPairs = []Pair{
	PairBTCUSD, PairETHUSD, PairXMRUSD,
	PairBTCRUB, PairETHRUB, PairXMRRUB,
}

var pairSet = func() map[Pair]struct{} {
	m := make(map[Pair]struct{}, len(AllPairs))
	for _, p := range AllPairs {
		m[p] = struct{}{}
	}
	return m
}()

// ParsePair validates s against the closed pair set.
func ParsePair(s string) (Pair, error) {
	p := Pair(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := pairSet[p]; !ok {
		return "", fmt.Errorf("unknown pair %q", s)
	}
	return p, nil
}

// IsValidPair reports whether s names a pair from the closed set.
func IsValidPair(s string) bool {
	_, err := ParsePair(s)
	return err == nil
}

func (p Pair) String() string { return string(p) }

// IsBase reports whether the pair is venue-fed (USD quoted).
func (p Pair) IsBase() bool {
	return strings.HasSuffix(string(p), "-usd")
}

// IsDerived reports whether the pair is fiat-derived (RUB quoted).
func (p Pair) IsDerived() bool {
	return strings.HasSuffix(string(p), "-rub")
}

// Asset returns the base asset symbol, e.g. "btc".
func (p Pair) Asset() string {
	if i := strings.IndexByte(string(p), '-'); i > 0 {
		return string(p)[:i]
	}
	return string(p)
}

// DerivedRUB maps a base pair to its RUB counterpart. The second return is
// false for pairs that are already derived.
func (p Pair) DerivedRUB() (Pair, bool) {
	if !p.IsBase() {
		return "", false
	}
	d := Pair(p.Asset() + "-rub")
	_, ok := pairSet[d]
	return d, ok
}
