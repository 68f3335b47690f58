package prommetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyokole/photo-tool-pro-sub000/pkg/ledger"
)

var _ ledger.Metrics = (*Metrics)(nil)

func TestPrometheusMetrics_RecordGrant(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordGrant(ledger.GatewayCard, ledger.KindCredit, "committed")
	m.RecordGrant(ledger.GatewayCard, ledger.KindCredit, "committed")
	m.RecordGrant(ledger.GatewayManual, ledger.KindEntitlement, "duplicate")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.grantsTotal.WithLabelValues("card", "credit", "committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.grantsTotal.WithLabelValues("manual", "entitlement", "duplicate")))
}

func TestPrometheusMetrics_DeductAndRefundCredits(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordDeduct("charged", 5)
	m.RecordDeduct("insufficient", 100)
	m.RecordDeduct("bypassed", 7)
	m.RecordRefund("refunded", 5)
	m.RecordRefund("bypassed", 7)

	assert.Equal(t, 5.0, testutil.ToFloat64(m.deductedCredits))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.refundedCredits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deductsTotal.WithLabelValues("insufficient")))
}

func TestPrometheusMetrics_RecordStorageOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordStorageOperation("grant", 10*time.Millisecond, nil)
	m.RecordStorageOperation("grant", 20*time.Millisecond, errors.New("connection refused"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.storageOpsErrors.WithLabelValues("grant")))

	families, err := reg.Gather()
	require.NoError(t, err)

	var histogram *dto.Histogram
	for _, mf := range families {
		if mf.GetName() == "test_storage_operation_duration_seconds" {
			histogram = mf.GetMetric()[0].GetHistogram()
		}
	}
	require.NotNil(t, histogram)
	assert.Equal(t, uint64(2), histogram.GetSampleCount())
}

func TestPrometheusMetrics_CircuitBreakerStateChange(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordCircuitBreakerStateChange(string(ledger.StateOpen))
	m.RecordCircuitBreakerStateChange(string(ledger.StateClosed))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.circuitBreakerStateChanges.WithLabelValues("open")))
}
