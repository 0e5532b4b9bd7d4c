package collector

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"priceverse/internal/core"
)

// SymbolMap is a venue's fixed pair↔symbol mapping with reverse lookup.
// A pair absent from the map means the venue does not serve it.
type SymbolMap struct {
	byPair   map[core.Pair]string
	bySymbol map[string]core.Pair
}

// NewSymbolMap builds a SymbolMap from pair → venue symbol.
func NewSymbolMap(byPair map[core.Pair]string) SymbolMap {
	m := SymbolMap{
		byPair:   make(map[core.Pair]string, len(byPair)),
		bySymbol: make(map[string]core.Pair, len(byPair)),
	}
	for pair, symbol := range byPair {
		m.byPair[pair] = symbol
		m.bySymbol[symbol] = pair
	}
	return m
}

// Symbol returns the venue symbol for a pair.
func (m SymbolMap) Symbol(pair core.Pair) (string, bool) {
	s, ok := m.byPair[pair]
	return s, ok
}

// Pair reverse-maps a venue symbol to its pair.
func (m SymbolMap) Pair(symbol string) (core.Pair, bool) {
	p, ok := m.bySymbol[symbol]
	return p, ok
}

// Symbols lists the venue symbols in base-pair order.
func (m SymbolMap) Symbols() []string {
	out := make([]string, 0, len(m.byPair))
	for _, pair := range core.BasePairs {
		if s, ok := m.byPair[pair]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Len returns the number of mapped pairs.
func (m SymbolMap) Len() int { return len(m.byPair) }

// dialWS opens a WebSocket against url honoring the context deadline.
func dialWS(ctx context.Context, url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	return conn, err
}
