package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"priceverse/internal/core"
)

// CoinbaseDriver consumes the Coinbase matches channel. Only frames with
// type "match" become trades. Coinbase does not list XMR, so xmr-usd is
// absent from the symbol map on purpose.
type CoinbaseDriver struct {
	url     string
	symbols SymbolMap
}

// NewCoinbaseDriver creates the Coinbase venue driver.
func NewCoinbaseDriver() *CoinbaseDriver {
	return &CoinbaseDriver{
		url: "wss://ws-feed.exchange.coinbase.com",
		symbols: NewSymbolMap(map[core.Pair]string{
			core.PairBTCUSD: "BTC-USD",
			core.PairETHUSD: "ETH-USD",
		}),
	}
}

func (d *CoinbaseDriver) Venue() string      { return "coinbase" }
func (d *CoinbaseDriver) Symbols() SymbolMap { return d.symbols }

func (d *CoinbaseDriver) Dial(ctx context.Context) (*websocket.Conn, error) {
	return dialWS(ctx, d.url)
}

func (d *CoinbaseDriver) Subscribe(ctx context.Context, conn *websocket.Conn) error {
	payload := map[string]interface{}{
		"type":        "subscribe",
		"product_ids": d.symbols.Symbols(),
		"channels":    []string{"matches"},
	}
	msg, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal coinbase subscription: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("failed to send coinbase subscription: %w", err)
	}
	return nil
}

// coinbaseMatch is a match-channel frame.
type coinbaseMatch struct {
	Type      string `json:"type"`
	TradeID   int64  `json:"trade_id"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Time      string `json:"time"`
}

func (d *CoinbaseDriver) Parse(frame []byte) ([]core.Trade, error) {
	var msg coinbaseMatch
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse coinbase frame: %w", err)
	}
	if msg.Type != "match" {
		return nil, nil
	}

	pair, ok := d.symbols.Pair(msg.ProductID)
	if !ok {
		return nil, nil
	}

	price, err := decimal.NewFromString(msg.Price)
	if err != nil {
		return nil, fmt.Errorf("bad coinbase price %q: %w", msg.Price, err)
	}
	volume, err := decimal.NewFromString(msg.Size)
	if err != nil {
		return nil, fmt.Errorf("bad coinbase size %q: %w", msg.Size, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, msg.Time)
	if err != nil {
		return nil, fmt.Errorf("bad coinbase time %q: %w", msg.Time, err)
	}

	return []core.Trade{{
		Venue:        d.Venue(),
		Pair:         pair,
		Price:        price,
		Volume:       volume,
		EventTime:    ts.UnixMilli(),
		VenueTradeID: strconv.FormatInt(msg.TradeID, 10),
	}}, nil
}
