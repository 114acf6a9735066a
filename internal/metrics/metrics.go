// Package metrics provides Prometheus instrumentation for the risk engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Trade evaluation results.
const (
	ResultEvaluated = "evaluated"
	ResultRejected  = "rejected"
	ResultFailed    = "failed"
)

var (
	// TradesEvaluated counts inbound trades by evaluation result.
	TradesEvaluated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_trades_evaluated_total",
		Help: "Trades seen by the risk pipeline, by result",
	}, []string{"result"})

	// EvaluationLatency tracks how long one trade takes through the pipeline.
	EvaluationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentinel_evaluation_latency_seconds",
		Help:    "Risk pipeline latency per trade in seconds",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	})

	// BreachesTotal counts emitted breaches by limit type and severity.
	BreachesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_breaches_total",
		Help: "Limit breaches emitted",
	}, []string{"limit_type", "severity"})

	// BreachTransitions counts compliance status changes by target status.
	BreachTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_breach_transitions_total",
		Help: "Breach status transitions",
	}, []string{"status"})

	// PriceLookups counts last-price lookups by source.
	PriceLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_price_lookups_total",
		Help: "Last-price lookups by source (hit, upstream, stale, none)",
	}, []string{"source"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sentinel_http_request_duration_seconds",
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

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern prefers the matched chi pattern so ids in the path do not
// become label values.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
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
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
