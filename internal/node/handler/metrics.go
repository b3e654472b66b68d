package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocpi_requests_total",
		Help: "Inbound HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ocpi_request_duration_seconds",
		Help:    "Inbound request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	registrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocpi_inbound_registrations_total",
		Help: "Completed inbound credentials registrations by HTTP method.",
	}, []string{"method"})

	partiesRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ocpi_remote_parties",
		Help: "Remote parties currently held in the store.",
	})
)

// PrometheusMiddleware returns a gin middleware recording per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		requestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		requestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// SetPartyCount updates the registered-parties gauge.
func SetPartyCount(n int) {
	partiesRegistered.Set(float64(n))
}
