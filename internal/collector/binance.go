package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"priceverse/internal/core"
)

// BinanceDriver consumes the Binance combined trade stream. Subscription is
// encoded in the URL, so Subscribe is a no-op.
type BinanceDriver struct {
	baseURL string
	symbols SymbolMap
}

// NewBinanceDriver creates the Binance venue driver.
func NewBinanceDriver() *BinanceDriver {
	return &BinanceDriver{
		baseURL: "wss://stream.binance.com:9443/stream?streams=",
		symbols: NewSymbolMap(map[core.Pair]string{
			core.PairBTCUSD: "BTCUSDT",
			core.PairETHUSD: "ETHUSDT",
			core.PairXMRUSD: "XMRUSDT",
		}),
	}
}

func (d *BinanceDriver) Venue() string      { return "binance" }
func (d *BinanceDriver) Symbols() SymbolMap { return d.symbols }

func (d *BinanceDriver) Dial(ctx context.Context) (*websocket.Conn, error) {
	streams := make([]string, 0, d.symbols.Len())
	for _, symbol := range d.symbols.Symbols() {
		streams = append(streams, strings.ToLower(symbol)+"@trade")
	}
	return dialWS(ctx, d.baseURL+strings.Join(streams, "/"))
}

func (d *BinanceDriver) Subscribe(ctx context.Context, conn *websocket.Conn) error {
	return nil
}

// binanceTradeFrame is the combined-stream envelope for trade events.
type binanceTradeFrame struct {
	Stream string `json:"stream"`
	Data   struct {
		EventType string `json:"e"`
		Symbol    string `json:"s"`
		TradeID   int64  `json:"t"`
		Price     string `json:"p"`
		Quantity  string `json:"q"`
		TradeTime int64  `json:"T"`
	} `json:"data"`
}

func (d *BinanceDriver) Parse(frame []byte) ([]core.Trade, error) {
	var msg binanceTradeFrame
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse binance frame: %w", err)
	}
	if msg.Data.EventType != "trade" {
		return nil, nil
	}

	pair, ok := d.symbols.Pair(msg.Data.Symbol)
	if !ok {
		return nil, nil
	}

	price, err := decimal.NewFromString(msg.Data.Price)
	if err != nil {
		return nil, fmt.Errorf("bad binance price %q: %w", msg.Data.Price, err)
	}
	volume, err := decimal.NewFromString(msg.Data.Quantity)
	if err != nil {
		return nil, fmt.Errorf("bad binance quantity %q: %w", msg.Data.Quantity, err)
	}

	return []core.Trade{{
		Venue:        d.Venue(),
		Pair:         pair,
		Price:        price,
		Volume:       volume,
		EventTime:    msg.Data.TradeTime,
		VenueTradeID: strconv.FormatInt(msg.Data.TradeID, 10),
	}}, nil
}
