package ledger

import "time"

// Metrics defines the interface for tracking ledger operations.
type Metrics interface {
	// RecordGrant records a grant attempt. outcome is "committed", "duplicate" or "error".
	RecordGrant(gateway Gateway, kind Kind, outcome string)

	// RecordDeduct records a deduct attempt. outcome is "charged", "bypassed", "insufficient" or "error".
	RecordDeduct(outcome string, cost int64)

	// RecordRefund records a refund attempt. outcome is "refunded", "bypassed" or "error".
	RecordRefund(outcome string, amount int64)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordGrant(gateway Gateway, kind Kind, outcome string)                    {}
func (n *NoopMetrics) RecordDeduct(outcome string, cost int64)                                    {}
func (n *NoopMetrics) RecordRefund(outcome string, amount int64)                                  {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                               {}
