// Package middleware provides HTTP middleware components for the local proxy.
// This file contains Prometheus metrics middleware for observability.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Context keys the forwarding handler sets for the metrics middleware.
const (
	ProviderKey     = "provider"
	ProviderTypeKey = "provider_type"
)

var (
	// httpRequestsTotal counts the total number of HTTP requests processed.
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ccswitch_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDurationSeconds tracks the duration of HTTP requests.
	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ccswitch_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// activeConnections tracks the number of in-flight requests.
	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ccswitch_active_connections",
			Help: "Number of in-flight proxied requests",
		},
	)

	// forwardedRequests counts calls forwarded upstream by channel.
	forwardedRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ccswitch_forwarded_requests_total",
			Help: "Total requests forwarded upstream grouped by provider",
		},
		[]string{"provider", "provider_type", "status"},
	)

	// upstreamErrors counts failed outbound calls by category.
	upstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ccswitch_upstream_errors_total",
			Help: "Total outbound failures grouped by category",
		},
		[]string{"category", "provider"},
	)

	// captures counts captured authorization outcomes.
	captures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ccswitch_authorization_captures_total",
			Help: "Captured authorization outcomes",
		},
		[]string{"result"},
	)

	metricsRegistered atomic.Bool
	metricsEnabled    atomic.Bool
)

// SetMetricsEnabled toggles Prometheus metrics collection.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// IsMetricsEnabled reports whether metrics are enabled.
func IsMetricsEnabled() bool {
	return metricsEnabled.Load()
}

// RegisterMetrics registers all Prometheus metrics.
// It is safe to call multiple times; metrics will only be registered once.
func RegisterMetrics() {
	if !metricsRegistered.CompareAndSwap(false, true) {
		return
	}

	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		activeConnections,
		forwardedRequests,
		upstreamErrors,
		captures,
	)
}

// PrometheusMiddleware returns a Gin middleware that collects request count,
// duration and in-flight gauge, plus per-provider forward counts.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsMetricsEnabled() {
			c.Next()
			return
		}
		RegisterMetrics()

		// Skip metrics endpoint to avoid self-referential metrics
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		activeConnections.Inc()
		defer activeConnections.Dec()

		path := normalizePath(c.Request.URL.Path)
		method := c.Request.Method
		start := time.Now()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpRequestDurationSeconds.WithLabelValues(method, path).Observe(time.Since(start).Seconds())

		if provider := c.GetString(ProviderKey); provider != "" {
			forwardedRequests.WithLabelValues(provider, c.GetString(ProviderTypeKey), status).Inc()
		}
	}
}

// normalizePath keeps label cardinality bounded.
func normalizePath(path string) string {
	switch {
	case path == "/", path == "/healthz", path == "/metrics":
		return path
	case path == "/v1/messages" || path == "/messages":
		return "/v1/messages"
	case path == "/v1/messages/count_tokens":
		return "/v1/messages/count_tokens"
	case path == "/v1/models" || strings.HasPrefix(path, "/v1/models/"):
		return "/v1/models"
	case strings.HasPrefix(path, "/v0/terminal"):
		return "/v0/terminal/*"
	case strings.HasPrefix(path, "/api/"):
		return "/api/*"
	default:
		if len(path) > 50 {
			return path[:50] + "..."
		}
		return path
	}
}

// MetricsHandler returns the Prometheus HTTP handler for the /metrics endpoint.
func MetricsHandler() gin.HandlerFunc {
	handler := promhttp.Handler()
	return func(c *gin.Context) {
		if !IsMetricsEnabled() {
			c.AbortWithStatus(http.StatusNotFound)
			return
		}
		RegisterMetrics()
		handler.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordUpstreamError records a failed outbound call.
// category is one of refused, dns, timeout, other.
func RecordUpstreamError(category, provider string) {
	if !IsMetricsEnabled() {
		return
	}
	RegisterMetrics()
	upstreamErrors.WithLabelValues(category, provider).Inc()
}

// RecordCapture records the outcome of an authorization capture attempt.
func RecordCapture(result string) {
	if !IsMetricsEnabled() {
		return
	}
	RegisterMetrics()
	captures.WithLabelValues(result).Inc()
}
