package rpc

import (
	"context"
	"encoding/json"
	"time"

	"priceverse/internal/health"
)

// checkPayload is the wire shape of one health check.
type checkPayload struct {
	Status  string `json:"status"`
	Latency int64  `json:"latency,omitempty"` // ms
	Message string `json:"message,omitempty"`
}

func (s *Server) healthCheckMethod(ctx context.Context, input json.RawMessage) (any, error) {
	start := time.Now()
	status, checks := s.registry.Overall(ctx)

	out := make(map[string]checkPayload, len(checks))
	for name, check := range checks {
		out[name] = checkPayload{
			Status:  string(check.Status),
			Latency: check.Latency.Milliseconds(),
			Message: check.Message,
		}
	}

	return map[string]any{
		"status":    string(status),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    int64(time.Since(s.startTime).Seconds()),
		"version":   Version,
		"checks":    out,
		"latency":   time.Since(start).Milliseconds(),
	}, nil
}

func (s *Server) healthLive(ctx context.Context, input json.RawMessage) (any, error) {
	return map[string]any{"status": "up"}, nil
}

func (s *Server) healthReady(ctx context.Context, input json.RawMessage) (any, error) {
	status, checks := s.registry.Overall(ctx)
	if status == health.StatusUnhealthy {
		for name, check := range checks {
			if check.Status == health.StatusUnhealthy {
				return map[string]any{
					"status":  "down",
					"message": name + ": " + check.Message,
				}, nil
			}
		}
		return map[string]any{"status": "down", "message": "unhealthy"}, nil
	}
	return map[string]any{"status": "up", "message": "ready"}, nil
}
