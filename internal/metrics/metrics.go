// Package metrics provides Prometheus instrumentation for the CPPI engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TicksTotal counts valuation ticks processed, by outcome.
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cppi_valuation_ticks_total",
		Help: "Valuation ticks processed",
	}, []string{"outcome"}) // applied | stale | duplicate | error

	// RebalancesTotal counts issued rebalance instructions by trigger reason.
	RebalancesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cppi_rebalance_instructions_total",
		Help: "Rebalance instructions issued",
	}, []string{"reason"})

	// RebalanceResults counts executor fill reports by outcome.
	RebalanceResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cppi_rebalance_results_total",
		Help: "Rebalance results applied",
	}, []string{"outcome"}) // applied | slippage_rejected | cancelled | expired

	// FloorBreaches counts floor-breach triggers (forced de-risking).
	FloorBreaches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cppi_floor_breaches_total",
		Help: "Floor-breach triggers fired",
	})

	// MissingVolSignals counts ticks evaluated without a volatility signal.
	MissingVolSignals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cppi_missing_volatility_signals_total",
		Help: "Ticks evaluated with no volatility signal",
	})

	// HaltedPositions counts positions halted by invariant violations.
	HaltedPositions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cppi_halted_positions_total",
		Help: "Positions halted for manual review",
	})

	// OpenPositions tracks the number of active positions.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cppi_open_positions",
		Help: "Number of currently open positions",
	})

	// TotalAUM tracks pool assets under management.
	TotalAUM = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cppi_total_aum",
		Help: "Total assets under management across open positions",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cppi_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cppi_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cppi_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
