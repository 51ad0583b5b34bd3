package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Refresh outcomes recorded by MetricsService.
const (
	RefreshResultRotated        = "rotated"
	RefreshResultInvalid        = "invalid"
	RefreshResultDeviceMismatch = "device_mismatch"
	RefreshResultUserInactive   = "user_inactive"
	RefreshResultUserNotFound   = "user_not_found"
	RefreshResultStorageError   = "storage_error"
)

// Revocation scopes recorded by MetricsService.
const (
	RevocationScopeSingle = "single"
	RevocationScopeAll    = "all"
)

// MetricsService encapsulates Prometheus instrumentation for HTTP traffic and the
// session lifecycle.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	tokensIssued    prometheus.Counter
	refreshTotal    *prometheus.CounterVec
	revocations     *prometheus.CounterVec
	purged          prometheus.Counter
	replayDetected  prometheus.Counter
	storeDuration   *prometheus.HistogramVec
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	tokensIssued := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "session_tokens_issued_total",
		Help: "Token pairs issued, including rotations",
	})

	refreshTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "session_refresh_total",
		Help: "Refresh attempts by outcome",
	}, []string{"result"})

	revocations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "session_revocations_total",
		Help: "Sessions revoked by scope",
	}, []string{"scope"})

	purged := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "session_purged_total",
		Help: "Records removed by the retention sweep",
	})

	replayDetected := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "session_replay_detected_total",
		Help: "Reuse of rotated or revoked refresh tokens",
	})

	storeDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "session_store_duration_seconds",
		Help:    "Latency of session store operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, tokensIssued, refreshTotal, revocations, purged, replayDetected, storeDuration, goroutines)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		tokensIssued:    tokensIssued,
		refreshTotal:    refreshTotal,
		revocations:     revocations,
		purged:          purged,
		replayDetected:  replayDetected,
		storeDuration:   storeDuration,
	}
}

// Registry exposes the underlying registry.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// IncTokensIssued counts an issued token pair.
func (m *MetricsService) IncTokensIssued() {
	if m == nil {
		return
	}
	m.tokensIssued.Inc()
}

// ObserveRefresh counts a refresh attempt by outcome.
func (m *MetricsService) ObserveRefresh(result string) {
	if m == nil {
		return
	}
	m.refreshTotal.WithLabelValues(result).Inc()
}

// AddRevocations counts revoked sessions.
func (m *MetricsService) AddRevocations(scope string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.revocations.WithLabelValues(scope).Add(float64(n))
}

// AddPurged counts records removed by cleanup.
func (m *MetricsService) AddPurged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.purged.Add(float64(n))
}

// IncReplayDetected counts a detected refresh token reuse.
func (m *MetricsService) IncReplayDetected() {
	if m == nil {
		return
	}
	m.replayDetected.Inc()
}

// ObserveStoreOperation records session store latency.
func (m *MetricsService) ObserveStoreOperation(op string, duration time.Duration) {
	if m == nil {
		return
	}
	m.storeDuration.WithLabelValues(op).Observe(duration.Seconds())
}
