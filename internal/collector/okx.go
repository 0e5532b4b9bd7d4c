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

// OKXDriver consumes the OKX public trades channel. Frames are objects
// keyed by arg.channel with a data array. OKX expects a textual "ping"
// heartbeat and answers with a textual "pong".
type OKXDriver struct {
	url     string
	symbols SymbolMap
}

// NewOKXDriver creates the OKX venue driver.
func NewOKXDriver() *OKXDriver {
	return &OKXDriver{
		url: "wss://ws.okx.com:8443/ws/v5/public",
		symbols: NewSymbolMap(map[core.Pair]string{
			core.PairBTCUSD: "BTC-USDT",
			core.PairETHUSD: "ETH-USDT",
			core.PairXMRUSD: "XMR-USDT",
		}),
	}
}

func (d *OKXDriver) Venue() string      { return "okx" }
func (d *OKXDriver) Symbols() SymbolMap { return d.symbols }

func (d *OKXDriver) Dial(ctx context.Context) (*websocket.Conn, error) {
	return dialWS(ctx, d.url)
}

func (d *OKXDriver) Subscribe(ctx context.Context, conn *websocket.Conn) error {
	args := make([]map[string]string, 0, d.symbols.Len())
	for _, instID := range d.symbols.Symbols() {
		args = append(args, map[string]string{
			"channel": "trades",
			"instId":  instID,
		})
	}
	payload := map[string]interface{}{
		"op":   "subscribe",
		"args": args,
	}
	msg, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal okx subscription: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("failed to send okx subscription: %w", err)
	}
	return nil
}

// Keepalive sends the textual ping OKX expects every 25s; the venue closes
// idle connections after 30s.
func (d *OKXDriver) Keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
				return
			}
		}
	}
}

// HandleControl swallows pong echoes and subscription events.
func (d *OKXDriver) HandleControl(frame []byte, conn *websocket.Conn) bool {
	if string(frame) == "pong" {
		return true
	}
	var event struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(frame, &event); err == nil && event.Event != "" {
		return true
	}
	return false
}

// okxTradeFrame is a trades-channel frame.
type okxTradeFrame struct {
	Arg struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data []struct {
		InstID  string `json:"instId"`
		TradeID string `json:"tradeId"`
		Price   string `json:"px"`
		Size    string `json:"sz"`
		TS      string `json:"ts"` // ms
	} `json:"data"`
}

func (d *OKXDriver) Parse(frame []byte) ([]core.Trade, error) {
	var msg okxTradeFrame
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse okx frame: %w", err)
	}
	if msg.Arg.Channel != "trades" || len(msg.Data) == 0 {
		return nil, nil
	}

	trades := make([]core.Trade, 0, len(msg.Data))
	for _, entry := range msg.Data {
		pair, ok := d.symbols.Pair(entry.InstID)
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(entry.Price)
		if err != nil {
			return nil, fmt.Errorf("bad okx price %q: %w", entry.Price, err)
		}
		volume, err := decimal.NewFromString(entry.Size)
		if err != nil {
			return nil, fmt.Errorf("bad okx size %q: %w", entry.Size, err)
		}
		eventTime, err := strconv.ParseInt(entry.TS, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad okx timestamp %q: %w", entry.TS, err)
		}
		trades = append(trades, core.Trade{
			Venue:        d.Venue(),
			Pair:         pair,
			Price:        price,
			Volume:       volume,
			EventTime:    eventTime,
			VenueTradeID: entry.TradeID,
		})
	}
	return trades, nil
}
