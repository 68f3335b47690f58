package gateway

import "time"

// Metrics defines the interface for tracking webhook processing.
type Metrics interface {
	// RecordWebhookEvent records a webhook event.
	// status: "committed", "duplicate", "ignored", "rejected" or "error"
	RecordWebhookEvent(gateway, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(gateway, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: e.g. "auth_failed", "payload_too_large", "rate_limited", "amount_mismatch"
	RecordWebhookError(gateway, errorType string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
