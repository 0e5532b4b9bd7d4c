// Package rpc serves the request/response surface: a JSON envelope over
// HTTP POST for the Prices, Charts and Health services, and a WebSocket
// endpoint for streamPrices. Collector and aggregator internals never
// surface here; they reach clients only through health and alerts.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"priceverse/internal/broadcast"
	"priceverse/internal/config"
	"priceverse/internal/core/errs"
	"priceverse/internal/health"
	"priceverse/internal/metrics"
	"priceverse/internal/pricecache"
	"priceverse/internal/ratelimit"
	"priceverse/internal/store"
)

// Version is the reported service version.
const Version = "2.0.0"

// Service names on the wire.
const (
	ServicePrices = "PricesService@2.0.0"
	ServiceCharts = "ChartsService@2.0.0"
	ServiceHealth = "HealthService@1.0.0"
)

// handler executes one method against its parsed input.
type handler func(ctx context.Context, input json.RawMessage) (any, error)

// Server hosts the RPC surface.
type Server struct {
	cfg       config.AppConfig
	streaming config.StreamingConfig
	logger    *zap.Logger

	prices   *store.PriceHistory
	candles  *store.Candles
	cache    *pricecache.Cache
	hub      *broadcast.Hub
	registry *health.Registry
	limiter  *ratelimit.Limiter
	metrics  *metrics.Metrics

	handlers  map[string]map[string]handler
	startTime time.Time
	server    *http.Server
}

// NewServer wires the surface. limiter and metrics may be nil.
func NewServer(cfg config.AppConfig, streaming config.StreamingConfig,
	prices *store.PriceHistory, candles *store.Candles, cache *pricecache.Cache,
	hub *broadcast.Hub, registry *health.Registry, limiter *ratelimit.Limiter,
	m *metrics.Metrics, logger *zap.Logger) *Server {

	s := &Server{
		cfg:       cfg,
		streaming: streaming,
		logger:    logger.Named("rpc"),
		prices:    prices,
		candles:   candles,
		cache:     cache,
		hub:       hub,
		registry:  registry,
		limiter:   limiter,
		metrics:   m,
		startTime: time.Now(),
	}
	s.handlers = map[string]map[string]handler{
		ServicePrices: {
			"getPrice":          s.getPrice,
			"getMultiplePrices": s.getMultiplePrices,
			"getPriceChange":    s.getPriceChange,
			"streamPrices":      s.streamPricesOverPost,
		},
		ServiceCharts: {
			"getChartData": s.getChartData,
			"getOHLCV":     s.getOHLCV,
		},
		ServiceHealth: {
			"check": s.healthCheckMethod,
			"live":  s.healthLive,
			"ready": s.healthReady,
		},
	}
	return s
}

// Name implements supervisor naming.
func (s *Server) Name() string { return "rpc-server" }

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/rpc/stream", s.handleStream)
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("RPC server failed", zap.Error(err))
		}
	}()

	s.logger.Info("RPC server listening", zap.String("addr", addr))
	return nil
}

// Stop drains the server within ctx.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// streamPricesOverPost rejects the streaming method on the unary transport
// and points the caller at the stream endpoint.
func (s *Server) streamPricesOverPost(ctx context.Context, input json.RawMessage) (any, error) {
	return nil, errs.New(errs.CodeInvalidParams,
		"streamPrices requires the streaming transport at /rpc/stream")
}

// handleRPC decodes the envelope, applies the rate limit, and dispatches.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeResponse(w, errResponse("", errs.New(errs.CodeInvalidParams,
			"malformed request envelope")))
		return
	}

	start := time.Now()
	resp := s.dispatch(r.Context(), clientOf(r), req)

	if s.metrics != nil {
		status := "ok"
		if !resp.Success {
			status = resp.Error.Code
		}
		s.metrics.ObserveRPC(req.Service, req.Method, status, time.Since(start))
	}
	s.writeResponse(w, resp)
}

func (s *Server) dispatch(ctx context.Context, client string, req Request) Response {
	methods, ok := s.handlers[req.Service]
	if !ok {
		return errResponse(req.ID, errs.New(errs.CodeInvalidParams,
			"unknown service %q", req.Service))
	}
	h, ok := methods[req.Method]
	if !ok {
		return errResponse(req.ID, errs.New(errs.CodeInvalidParams,
			"unknown method %q on %s", req.Method, req.Service))
	}

	if s.limiter != nil {
		result := s.limiter.Check(ctx, client, req.Service+"."+req.Method)
		if !result.Allowed {
			return errResponse(req.ID, errs.New(errs.CodeServiceUnavailable,
				"rate limit exceeded").WithDetails(map[string]any{
				"retryAfter": result.RetryAfter.Milliseconds(),
				"resetTime":  result.ResetTime,
			}))
		}
	}

	data, err := h(ctx, req.Input)
	if err != nil {
		s.logger.Debug("RPC method failed",
			zap.String("service", req.Service),
			zap.String("method", req.Method),
			zap.Error(err))
		return errResponse(req.ID, err)
	}
	return okResponse(req.ID, data)
}

func (s *Server) writeResponse(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("Failed to write RPC response", zap.Error(err))
	}
}

// clientOf identifies the caller for rate limiting.
func clientOf(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
