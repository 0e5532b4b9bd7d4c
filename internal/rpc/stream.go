package rpc

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"priceverse/internal/core"
	"priceverse/internal/core/errs"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleStream serves streamPrices. The client opens a WebSocket and sends
// one request envelope naming the pairs; the server replies with a price
// payload per broadcast until the client aborts or the subscription idles
// out.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade stream connection", zap.Error(err))
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	var req Request
	if err := conn.ReadJSON(&req); err != nil {
		s.writeStreamError(conn, "", errs.New(errs.CodeInvalidParams,
			"malformed stream request"))
		return
	}
	conn.SetReadDeadline(time.Time{})

	if req.Service != ServicePrices || req.Method != "streamPrices" {
		s.writeStreamError(conn, req.ID, errs.New(errs.CodeInvalidParams,
			"stream endpoint only serves %s.streamPrices", ServicePrices))
		return
	}

	var in struct {
		Pairs []string `json:"pairs"`
	}
	if err := json.Unmarshal(req.Input, &in); err != nil {
		s.writeStreamError(conn, req.ID, errs.New(errs.CodeInvalidParams,
			"malformed streamPrices input"))
		return
	}
	pairs := make([]core.Pair, 0, len(in.Pairs))
	for _, raw := range in.Pairs {
		pair, err := parsePairInput(raw)
		if err != nil {
			s.writeStreamError(conn, req.ID, err)
			return
		}
		pairs = append(pairs, pair)
	}

	if s.limiter != nil {
		result := s.limiter.Check(r.Context(), clientOf(r), ServicePrices+".streamPrices")
		if !result.Allowed {
			s.writeStreamError(conn, req.ID, errs.New(errs.CodeServiceUnavailable,
				"rate limit exceeded"))
			return
		}
	}

	sub := s.hub.Subscribe(pairs)
	defer s.hub.Unsubscribe(sub)

	// The read pump only detects the client going away.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	idleTimeout := time.Duration(s.streaming.IdleTimeout) * time.Second
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}
	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()

	s.logger.Info("Stream subscriber attached",
		zap.Int("pairs", len(pairs)),
		zap.String("client", clientOf(r)))

	for {
		select {
		case <-r.Context().Done():
			s.writeStreamError(conn, req.ID, errs.New(errs.CodeStreamAborted,
				"stream aborted"))
			return
		case <-clientGone:
			// Client closed; nothing left to tell it.
			return
		case <-idle.C:
			s.writeStreamError(conn, req.ID, errs.New(errs.CodeStreamTimeout,
				"no updates within %s", idleTimeout))
			return
		case update, ok := <-sub.C():
			if !ok {
				s.writeStreamError(conn, req.ID, errs.New(errs.CodeStreamAborted,
					"stream closed"))
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(idleTimeout)

			payload := PricePayload{
				Pair:      update.Pair.String(),
				Price:     update.Price,
				Timestamp: update.EventTime,
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(okResponse(req.ID, payload)); err != nil {
				s.logger.Debug("Stream write failed, dropping subscriber",
					zap.Error(err))
				return
			}
		}
	}
}

func (s *Server) writeStreamError(conn *websocket.Conn, id string, err error) {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	conn.WriteJSON(errResponse(id, err))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
