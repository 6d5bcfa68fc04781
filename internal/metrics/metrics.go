// Package metrics provides Prometheus instrumentation for the portfolio engine.
package metrics

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/investquest/portfolio-engine/internal/apperr"
)

var (
	// TradesTotal counts committed trades, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_trades_total",
		Help: "Total number of trades committed",
	}, []string{"side"})

	// TradeLatency tracks end-to-end execution time of accepted trades.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// TradeRejections counts trades that failed, by error kind.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_trade_rejections_total",
		Help: "Trades rejected, by error kind",
	}, []string{"kind"})

	// ConflictRetries counts commits retried after a version conflict.
	ConflictRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portfolio_conflict_retries_total",
		Help: "Trade commits retried after an optimistic version conflict",
	})

	// LockWait tracks time spent waiting for a portfolio's trade lock.
	LockWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "portfolio_lock_wait_seconds",
		Help:    "Time waiting for the per-portfolio trade lock",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	})

	// ConsistencyViolations counts trades aborted because the recomputed
	// summary disagreed with the positions.
	ConsistencyViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portfolio_consistency_violations_total",
		Help: "Trades aborted by the post-aggregation consistency check",
	})

	// EventPublishFailures counts events a sink failed to deliver.
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_event_publish_failures_total",
		Help: "Events that could not be published",
	}, []string{"type"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portfolio_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// RankingPasses counts leaderboard ranking passes by outcome.
	RankingPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_ranking_passes_total",
		Help: "Leaderboard ranking passes",
	}, []string{"outcome"})

	// Snapshots counts snapshot attempts, written or skipped.
	Snapshots = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_leaderboard_snapshots_total",
		Help: "Leaderboard snapshot attempts",
	}, []string{"result"})

	// Valuations counts market re-marks of a portfolio by result.
	Valuations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_valuations_total",
		Help: "Portfolio revaluation passes",
	}, []string{"result"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Kind returns a low-cardinality label for err.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, apperr.ErrValidation):
		return "validation"
	case errors.Is(err, apperr.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, apperr.ErrNotFound) && !errors.Is(err, apperr.ErrInsufficientQuantity):
		return "not_found"
	case errors.Is(err, apperr.ErrInsufficientQuantity):
		return "insufficient_quantity"
	case errors.Is(err, apperr.ErrPriceUnavailable):
		return "price_unavailable"
	case errors.Is(err, apperr.ErrConflict):
		return "conflict"
	case errors.Is(err, apperr.ErrDuplicateRequest):
		return "duplicate_request"
	case errors.Is(err, apperr.ErrConsistency):
		return "consistency"
	case errors.Is(err, apperr.ErrTransient):
		return "transient"
	}
	return "internal"
}

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
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
