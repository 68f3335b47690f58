package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kyokole/photo-tool-pro-sub000/pkg/gateway"
)

// Metrics implements gateway.Metrics using Prometheus.
type Metrics struct {
	webhookEventsTotal        *prometheus.CounterVec
	webhookProcessingDuration *prometheus.HistogramVec
	webhookErrorsTotal        *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation for webhook gateways.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		webhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "webhook_events_total",
			Help:      "Total number of payment notifications by outcome.",
		}, []string{"gateway", "event_type", "status"}),

		webhookProcessingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "webhook_processing_duration_seconds",
			Help:      "Duration of webhook processing in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"gateway", "event_type"}),

		webhookErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "webhook_errors_total",
			Help:      "Total number of webhook processing errors.",
		}, []string{"gateway", "error_type"}),
	}
}

func (m *Metrics) RecordWebhookEvent(gw, eventType, status string) {
	m.webhookEventsTotal.WithLabelValues(gw, eventType, status).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(gw, eventType string, duration time.Duration) {
	m.webhookProcessingDuration.WithLabelValues(gw, eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookError(gw, errorType string) {
	m.webhookErrorsTotal.WithLabelValues(gw, errorType).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) gateway.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
