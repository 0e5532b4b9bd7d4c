// Package metrics exposes the pipeline's Prometheus instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the pipeline records into.
type Metrics struct {
	// Collector metrics
	TradesReceived  *prometheus.CounterVec
	CollectorErrors *prometheus.CounterVec
	CollectorStatus *prometheus.GaugeVec
	Reconnects      *prometheus.CounterVec

	// Aggregation metrics
	TicksTotal        prometheus.Counter
	PricesEmitted     *prometheus.CounterVec
	AggregationErrors prometheus.Counter
	TickLatency       prometheus.Histogram

	// RPC metrics
	RPCRequests *prometheus.CounterVec
	RPCLatency  *prometheus.HistogramVec
}

// New builds and registers the metric set on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TradesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "priceverse_trades_received_total",
				Help: "Normalized trades received per venue and pair",
			},
			[]string{"venue", "pair"},
		),
		CollectorErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "priceverse_collector_errors_total",
				Help: "Collector transport and append errors per venue",
			},
			[]string{"venue"},
		),
		CollectorStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "priceverse_collector_connected",
				Help: "Collector connection status (1=connected, 0=disconnected)",
			},
			[]string{"venue"},
		),
		Reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "priceverse_collector_reconnects_total",
				Help: "Collector reconnect attempts per venue",
			},
			[]string{"venue"},
		),
		TicksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "priceverse_aggregation_ticks_total",
				Help: "Completed aggregation ticks",
			},
		),
		PricesEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "priceverse_prices_emitted_total",
				Help: "Canonical prices emitted per pair",
			},
			[]string{"pair"},
		),
		AggregationErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "priceverse_aggregation_errors_total",
				Help: "Aggregation loop errors",
			},
		),
		TickLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "priceverse_tick_latency_seconds",
				Help:    "Aggregation tick latency in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
		),
		RPCRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "priceverse_rpc_requests_total",
				Help: "RPC requests per service, method and outcome",
			},
			[]string{"service", "method", "status"},
		),
		RPCLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "priceverse_rpc_latency_seconds",
				Help:    "RPC request latency in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"service", "method"},
		),
	}

	reg.MustRegister(
		m.TradesReceived,
		m.CollectorErrors,
		m.CollectorStatus,
		m.Reconnects,
		m.TicksTotal,
		m.PricesEmitted,
		m.AggregationErrors,
		m.TickLatency,
		m.RPCRequests,
		m.RPCLatency,
	)
	return m
}

// ObserveRPC records one RPC outcome.
func (m *Metrics) ObserveRPC(service, method, status string, latency time.Duration) {
	m.RPCRequests.WithLabelValues(service, method, status).Inc()
	m.RPCLatency.WithLabelValues(service, method).Observe(latency.Seconds())
}
