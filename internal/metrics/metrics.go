// Package metrics provides Prometheus instrumentation for the ledger engine.
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
	// BuysRecorded counts buy events written to the ledger.
	BuysRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_buys_recorded_total",
		Help: "Buy events recorded in the position ledger",
	})

	// SellsRecorded counts sell events written to the ledger.
	SellsRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_sells_recorded_total",
		Help: "Sell events recorded in the position ledger",
	})

	// QuantityClamps counts sells whose quantity exceeded the open position
	// and was clamped down.
	QuantityClamps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_sell_quantity_clamps_total",
		Help: "Sell requests clamped to the open quantity",
	})

	// Resolutions counts resolution outcomes: none, single, hints, heuristic, all.
	Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_resolutions_total",
		Help: "Position resolution outcomes",
	}, []string{"outcome"})

	// LockContention counts lock attempts refused because a live lock existed.
	LockContention = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_lock_contention_total",
		Help: "Exit lock attempts refused due to an unexpired lock",
	})

	// ExpiredLocksReleased counts locks reverted by the maintenance sweep.
	ExpiredLocksReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_expired_locks_released_total",
		Help: "Expired exit locks reverted to open",
	})

	// SyncRuns counts reconciliation passes by result (ok, partial, failed).
	SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_sync_runs_total",
		Help: "Broker reconciliation passes",
	}, []string{"result"})

	// SyncPositions counts per-position reconciliation actions.
	SyncPositions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_sync_positions_total",
		Help: "Positions added, updated, or orphaned during reconciliation",
	}, []string{"action"})

	// OpenPositions tracks the current number of open positions.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_open_positions",
		Help: "Open positions currently tracked by the ledger",
	})

	// BrokerRequests counts outbound broker API calls by endpoint and status.
	BrokerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_api_requests_total",
		Help: "Outbound broker API requests",
	}, []string{"endpoint", "status"})

	// HTTPRequestsTotal counts dashboard requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Dashboard HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks dashboard request duration.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Dashboard HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// WebSocketClients tracks connected event-feed clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_websocket_clients",
		Help: "Connected WebSocket event feed clients",
	})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request count and duration for dashboard handlers.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
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
