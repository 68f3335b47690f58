package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kyokole/photo-tool-pro-sub000/pkg/ledger"
)

// Metrics implements ledger.Metrics using Prometheus.
type Metrics struct {
	grantsTotal                *prometheus.CounterVec
	deductsTotal               *prometheus.CounterVec
	deductedCredits            prometheus.Counter
	refundsTotal               *prometheus.CounterVec
	refundedCredits            prometheus.Counter
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		grantsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_grants_total",
			Help:      "Total number of grant attempts by gateway, package kind and outcome.",
		}, []string{"gateway", "kind", "outcome"}),

		deductsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_deducts_total",
			Help:      "Total number of deduct attempts by outcome.",
		}, []string{"outcome"}),

		deductedCredits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_deducted_credits_total",
			Help:      "Total credits deducted from balances.",
		}),

		refundsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_refunds_total",
			Help:      "Total number of refund attempts by outcome.",
		}, []string{"outcome"}),

		refundedCredits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_refunded_credits_total",
			Help:      "Total credits returned to balances.",
		}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordGrant(gateway ledger.Gateway, kind ledger.Kind, outcome string) {
	m.grantsTotal.WithLabelValues(string(gateway), string(kind), outcome).Inc()
}

func (m *Metrics) RecordDeduct(outcome string, cost int64) {
	m.deductsTotal.WithLabelValues(outcome).Inc()
	if outcome == "charged" {
		m.deductedCredits.Add(float64(cost))
	}
}

func (m *Metrics) RecordRefund(outcome string, amount int64) {
	m.refundsTotal.WithLabelValues(outcome).Inc()
	if outcome == "refunded" {
		m.refundedCredits.Add(float64(amount))
	}
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
