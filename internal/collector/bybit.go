package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"priceverse/internal/core"
)

// BybitDriver consumes the Bybit spot publicTrade topic. Frames are objects
// keyed by topic with a data array.
type BybitDriver struct {
	url     string
	symbols SymbolMap
}

// NewBybitDriver creates the Bybit venue driver.
func NewBybitDriver() *BybitDriver {
	return &BybitDriver{
		url: "wss://stream.bybit.com/v5/public/spot",
		symbols: NewSymbolMap(map[core.Pair]string{
			core.PairBTCUSD: "BTCUSDT",
			core.PairETHUSD: "ETHUSDT",
			core.PairXMRUSD: "XMRUSDT",
		}),
	}
}

func (d *BybitDriver) Venue() string      { return "bybit" }
func (d *BybitDriver) Symbols() SymbolMap { return d.symbols }

func (d *BybitDriver) Dial(ctx context.Context) (*websocket.Conn, error) {
	return dialWS(ctx, d.url)
}

func (d *BybitDriver) Subscribe(ctx context.Context, conn *websocket.Conn) error {
	args := make([]string, 0, d.symbols.Len())
	for _, symbol := range d.symbols.Symbols() {
		args = append(args, "publicTrade."+symbol)
	}
	payload := map[string]interface{}{
		"op":   "subscribe",
		"args": args,
	}
	msg, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal bybit subscription: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("failed to send bybit subscription: %w", err)
	}
	return nil
}

// HandleControl swallows op acknowledgements (subscribe, pong).
func (d *BybitDriver) HandleControl(frame []byte, conn *websocket.Conn) bool {
	var ack struct {
		Op string `json:"op"`
	}
	if err := json.Unmarshal(frame, &ack); err == nil && ack.Op != "" {
		return true
	}
	return false
}

// bybitTradeFrame is a publicTrade topic frame.
type bybitTradeFrame struct {
	Topic string `json:"topic"`
	Type  string `json:"type"`
	TS    int64  `json:"ts"`
	Data  []struct {
		ExecID string `json:"i"`
		Symbol string `json:"s"`
		Price  string `json:"p"`
		Size   string `json:"v"`
		Time   int64  `json:"T"`
	} `json:"data"`
}

func (d *BybitDriver) Parse(frame []byte) ([]core.Trade, error) {
	var msg bybitTradeFrame
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse bybit frame: %w", err)
	}
	if !strings.HasPrefix(msg.Topic, "publicTrade.") || len(msg.Data) == 0 {
		return nil, nil
	}

	trades := make([]core.Trade, 0, len(msg.Data))
	for _, entry := range msg.Data {
		pair, ok := d.symbols.Pair(entry.Symbol)
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(entry.Price)
		if err != nil {
			return nil, fmt.Errorf("bad bybit price %q: %w", entry.Price, err)
		}
		volume, err := decimal.NewFromString(entry.Size)
		if err != nil {
			return nil, fmt.Errorf("bad bybit size %q: %w", entry.Size, err)
		}
		trades = append(trades, core.Trade{
			Venue:        d.Venue(),
			Pair:         pair,
			Price:        price,
			Volume:       volume,
			EventTime:    entry.Time,
			VenueTradeID: entry.ExecID,
		})
	}
	return trades, nil
}
