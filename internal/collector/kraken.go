package collector

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"priceverse/internal/core"
)

// KrakenDriver consumes the Kraken public trade channel. Kraken delivers
// trades as positional array frames: index 1 holds the trade list, index 3
// the pair name. Only the most recent entry of each frame is emitted.
type KrakenDriver struct {
	url     string
	symbols SymbolMap
}

// NewKrakenDriver creates the Kraken venue driver.
func NewKrakenDriver() *KrakenDriver {
	return &KrakenDriver{
		url: "wss://ws.kraken.com",
		symbols: NewSymbolMap(map[core.Pair]string{
			core.PairBTCUSD: "XBT/USD",
			core.PairETHUSD: "ETH/USD",
			core.PairXMRUSD: "XMR/USD",
		}),
	}
}

func (d *KrakenDriver) Venue() string      { return "kraken" }
func (d *KrakenDriver) Symbols() SymbolMap { return d.symbols }

func (d *KrakenDriver) Dial(ctx context.Context) (*websocket.Conn, error) {
	return dialWS(ctx, d.url)
}

func (d *KrakenDriver) Subscribe(ctx context.Context, conn *websocket.Conn) error {
	payload := map[string]interface{}{
		"event": "subscribe",
		"pair":  d.symbols.Symbols(),
		"subscription": map[string]string{
			"name": "trade",
		},
	}
	msg, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal kraken subscription: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("failed to send kraken subscription: %w", err)
	}
	return nil
}

func (d *KrakenDriver) Parse(frame []byte) ([]core.Trade, error) {
	// Event frames (subscriptionStatus, heartbeat) are objects; trade
	// frames are arrays.
	if len(frame) == 0 || frame[0] != '[' {
		return nil, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse kraken frame: %w", err)
	}
	if len(raw) < 4 {
		return nil, nil
	}

	var channel string
	if err := json.Unmarshal(raw[2], &channel); err != nil || channel != "trade" {
		return nil, nil
	}

	var pairName string
	if err := json.Unmarshal(raw[3], &pairName); err != nil {
		return nil, fmt.Errorf("bad kraken pair field: %w", err)
	}
	pair, ok := d.symbols.Pair(pairName)
	if !ok {
		return nil, nil
	}

	// Each trade entry is [price, volume, time, side, orderType, misc].
	var entries [][]json.RawMessage
	if err := json.Unmarshal(raw[1], &entries); err != nil {
		return nil, fmt.Errorf("bad kraken trade list: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	latest := entries[len(entries)-1]
	if len(latest) < 3 {
		return nil, fmt.Errorf("kraken trade entry too short: %d fields", len(latest))
	}

	var priceStr, volumeStr, timeStr string
	if err := json.Unmarshal(latest[0], &priceStr); err != nil {
		return nil, fmt.Errorf("bad kraken price: %w", err)
	}
	if err := json.Unmarshal(latest[1], &volumeStr); err != nil {
		return nil, fmt.Errorf("bad kraken volume: %w", err)
	}
	if err := json.Unmarshal(latest[2], &timeStr); err != nil {
		return nil, fmt.Errorf("bad kraken time: %w", err)
	}

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return nil, fmt.Errorf("bad kraken price %q: %w", priceStr, err)
	}
	volume, err := decimal.NewFromString(volumeStr)
	if err != nil {
		return nil, fmt.Errorf("bad kraken volume %q: %w", volumeStr, err)
	}
	// Kraken timestamps are fractional seconds.
	seconds, err := decimal.NewFromString(timeStr)
	if err != nil {
		return nil, fmt.Errorf("bad kraken time %q: %w", timeStr, err)
	}
	eventTime := seconds.Mul(decimal.NewFromInt(1000)).IntPart()

	return []core.Trade{{
		Venue:        d.Venue(),
		Pair:         pair,
		Price:        price,
		Volume:       volume,
		EventTime:    eventTime,
		VenueTradeID: timeStr,
	}}, nil
}
