// Package metrics provides Prometheus instrumentation for the session engine.
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

var (
	// SessionsOpened counts sessions created.
	SessionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scoutx_sessions_opened_total",
		Help: "Total number of sessions opened",
	})

	// SessionTransitions counts lifecycle transitions by target state.
	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scoutx_session_transitions_total",
		Help: "Session lifecycle transitions by target status",
	}, []string{"status"})

	// OpenSessions tracks the number of sessions currently open in this process.
	OpenSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scoutx_open_sessions",
		Help: "Number of currently open sessions",
	})

	// TradesTotal counts admitted off-chain trades.
	TradesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scoutx_trades_total",
		Help: "Total number of off-chain trades admitted",
	})

	// TradeVolume tracks cumulative admitted trade amount per market.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scoutx_trade_volume_total",
		Help: "Cumulative admitted trade amount",
	}, []string{"market_id"})

	// Rejections counts failed operations by operation and error class.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scoutx_session_rejections_total",
		Help: "Rejected session operations by reason",
	}, []string{"op", "reason"})

	// OperationLatency tracks session operation latency, store write included.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scoutx_session_operation_seconds",
		Help:    "Session operation latency in seconds",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	}, []string{"op"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scoutx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// EventsDropped counts notifications dropped because a queue was full.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scoutx_events_dropped_total",
		Help: "Session events dropped on full buffers",
	}, []string{"sink"})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scoutx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scoutx_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveOp records the latency of one session operation started at start.
func ObserveOp(op string, start time.Time) {
	OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
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

		// Prefer the route pattern to keep session ids out of label values.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
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
		return nil, nil, errors.New("metrics: underlying ResponseWriter is not a Hijacker")
	}
	return h.Hijack()
}
