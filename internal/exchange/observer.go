package exchange

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Observer receives one structured notification per outbound OCPI operation.
// It replaces per-operation request/response callback pairs with a single
// hook that implementations can fan out however they like.
type Observer interface {
	Observe(operation, target string, httpStatus, ocpiStatus int, duration time.Duration)
}

// NopObserver discards all notifications.
type NopObserver struct{}

// Observe implements Observer.
func (NopObserver) Observe(string, string, int, int, time.Duration) {}

// ZapObserver logs each operation with zap.
type ZapObserver struct {
	Logger *zap.Logger
}

// Observe implements Observer.
func (o ZapObserver) Observe(operation, target string, httpStatus, ocpiStatus int, duration time.Duration) {
	o.Logger.Info("ocpi call",
		zap.String("operation", operation),
		zap.String("target", target),
		zap.Int("http_status", httpStatus),
		zap.Int("ocpi_status", ocpiStatus),
		zap.Duration("duration", duration),
	)
}

var (
	outboundCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocpi_outbound_calls_total",
		Help: "Outbound OCPI calls by operation and OCPI status code.",
	}, []string{"operation", "ocpi_status"})

	outboundCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ocpi_outbound_call_duration_seconds",
		Help:    "Outbound OCPI call duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
)

// MetricsObserver records each operation as Prometheus metrics.
type MetricsObserver struct{}

// Observe implements Observer.
func (MetricsObserver) Observe(operation, _ string, _, ocpiStatus int, duration time.Duration) {
	outboundCallsTotal.WithLabelValues(operation, strconv.Itoa(ocpiStatus)).Inc()
	outboundCallDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// MultiObserver fans a notification out to several observers.
type MultiObserver []Observer

// Observe implements Observer.
func (m MultiObserver) Observe(operation, target string, httpStatus, ocpiStatus int, duration time.Duration) {
	for _, o := range m {
		o.Observe(operation, target, httpStatus, ocpiStatus, duration)
	}
}
