package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"priceverse/internal/core"
)

// KuCoinDriver consumes the KuCoin match channel. KuCoin needs a two-phase
// handshake: a bullet POST yields the socket endpoint, a connection token
// and the ping interval; the socket then greets with a welcome frame before
// any subscribe is accepted, and must be kept alive by client pings at the
// advertised interval.
type KuCoinDriver struct {
	bulletURL string
	client    *http.Client
	symbols   SymbolMap

	// Handshake state for the current connection.
	pingInterval time.Duration
	connectID    string
}

// NewKuCoinDriver creates the KuCoin venue driver.
func NewKuCoinDriver() *KuCoinDriver {
	return &KuCoinDriver{
		bulletURL: "https://api.kucoin.com/api/v1/bullet-public",
		client:    &http.Client{Timeout: 10 * time.Second},
		symbols: NewSymbolMap(map[core.Pair]string{
			core.PairBTCUSD: "BTC-USDT",
			core.PairETHUSD: "ETH-USDT",
			core.PairXMRUSD: "XMR-USDT",
		}),
	}
}

func (d *KuCoinDriver) Venue() string      { return "kucoin" }
func (d *KuCoinDriver) Symbols() SymbolMap { return d.symbols }

// bulletResponse is the token-endpoint reply.
type bulletResponse struct {
	Code string `json:"code"`
	Data struct {
		Token           string `json:"token"`
		InstanceServers []struct {
			Endpoint     string `json:"endpoint"`
			PingInterval int64  `json:"pingInterval"` // ms
		} `json:"instanceServers"`
	} `json:"data"`
}

func (d *KuCoinDriver) Dial(ctx context.Context) (*websocket.Conn, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.bulletURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build bullet request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bullet request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read bullet response: %w", err)
	}
	var bullet bulletResponse
	if err := json.Unmarshal(body, &bullet); err != nil {
		return nil, fmt.Errorf("failed to parse bullet response: %w", err)
	}
	if len(bullet.Data.InstanceServers) == 0 || bullet.Data.Token == "" {
		return nil, fmt.Errorf("bullet response missing endpoint or token")
	}

	server := bullet.Data.InstanceServers[0]
	d.pingInterval = time.Duration(server.PingInterval) * time.Millisecond
	if d.pingInterval <= 0 {
		d.pingInterval = 18 * time.Second
	}
	d.connectID = uuid.NewString()

	wsURL := fmt.Sprintf("%s?token=%s&connectId=%s", server.Endpoint, bullet.Data.Token, d.connectID)
	return dialWS(ctx, wsURL)
}

// kucoinEnvelope is the generic frame wrapper.
type kucoinEnvelope struct {
	ID    string          `json:"id"`
	Type  string          `json:"type"`
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

func (d *KuCoinDriver) Subscribe(ctx context.Context, conn *websocket.Conn) error {
	// The welcome frame must arrive before any subscribe is sent.
	if err := d.awaitFrame(conn, "welcome"); err != nil {
		return err
	}

	topic := "/market/match:" + strings.Join(d.symbols.Symbols(), ",")
	payload := map[string]interface{}{
		"id":             uuid.NewString(),
		"type":           "subscribe",
		"topic":          topic,
		"privateChannel": false,
		"response":       true,
	}
	msg, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal kucoin subscription: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("failed to send kucoin subscription: %w", err)
	}

	// The venue acknowledges each subscription.
	if err := d.awaitFrame(conn, "ack"); err != nil {
		return err
	}
	return nil
}

// awaitFrame reads until a frame of the wanted type arrives or a short
// deadline passes.
func (d *KuCoinDriver) awaitFrame(conn *websocket.Conn, want string) error {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("waiting for kucoin %s frame: %w", want, err)
		}
		var env kucoinEnvelope
		if err := json.Unmarshal(frame, &env); err != nil {
			continue
		}
		if env.Type == want {
			return nil
		}
		if env.Type == "error" {
			return fmt.Errorf("kucoin rejected handshake: %s", string(frame))
		}
	}
}

// Keepalive pings the venue at the interval advertised by the bullet
// handshake.
func (d *KuCoinDriver) Keepalive(ctx context.Context, conn *websocket.Conn) {
	interval := d.pingInterval
	if interval <= 0 {
		interval = 18 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ping := fmt.Sprintf(`{"id":"%s","type":"ping"}`, uuid.NewString())
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(ping)); err != nil {
				return
			}
		}
	}
}

// HandleControl answers server pings with a pong and swallows pong/welcome
// echoes so they never reach Parse.
func (d *KuCoinDriver) HandleControl(frame []byte, conn *websocket.Conn) bool {
	var env kucoinEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return false
	}
	switch env.Type {
	case "ping":
		pong := fmt.Sprintf(`{"id":"%s","type":"pong"}`, env.ID)
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		conn.WriteMessage(websocket.TextMessage, []byte(pong))
		return true
	case "pong", "welcome", "ack":
		return true
	}
	return false
}

// kucoinMatch is the match-channel payload.
type kucoinMatch struct {
	Symbol  string `json:"symbol"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	TradeID string `json:"tradeId"`
	Time    string `json:"time"` // nanoseconds
}

func (d *KuCoinDriver) Parse(frame []byte) ([]core.Trade, error) {
	var env kucoinEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("failed to parse kucoin frame: %w", err)
	}
	if env.Type != "message" || !strings.HasPrefix(env.Topic, "/market/match:") {
		return nil, nil
	}

	var match kucoinMatch
	if err := json.Unmarshal(env.Data, &match); err != nil {
		return nil, fmt.Errorf("failed to parse kucoin match: %w", err)
	}

	pair, ok := d.symbols.Pair(match.Symbol)
	if !ok {
		return nil, nil
	}

	price, err := decimal.NewFromString(match.Price)
	if err != nil {
		return nil, fmt.Errorf("bad kucoin price %q: %w", match.Price, err)
	}
	volume, err := decimal.NewFromString(match.Size)
	if err != nil {
		return nil, fmt.Errorf("bad kucoin size %q: %w", match.Size, err)
	}
	ns, err := decimal.NewFromString(match.Time)
	if err != nil {
		return nil, fmt.Errorf("bad kucoin time %q: %w", match.Time, err)
	}
	eventTime := ns.Div(decimal.NewFromInt(1_000_000)).IntPart()

	return []core.Trade{{
		Venue:        d.Venue(),
		Pair:         pair,
		Price:        price,
		Volume:       volume,
		EventTime:    eventTime,
		VenueTradeID: match.TradeID,
	}}, nil
}
