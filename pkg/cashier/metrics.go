package cashier

import "time"

// Metrics is the interface for tracking billing operations. All methods are
// optional; the client falls back to NoopMetrics when none is configured.
type Metrics interface {
	// RecordAPICall records an outbound gateway call.
	// op: the gateway operation (e.g. "subscription.create")
	// status: "success" or "error"
	RecordAPICall(op, status string)

	// RecordAPICallDuration records how long a gateway call took.
	RecordAPICallDuration(op string, duration time.Duration)

	// RecordWebhookEvent records a webhook event received at the boundary.
	// status: "success", "error" or "skipped"
	RecordWebhookEvent(eventType, status string)

	// RecordWebhookError records a webhook processing error.
	// errorType: "auth_failed", "invalid_payload", "processing_error", ...
	RecordWebhookError(errorType string)

	// RecordWebhookProcessingDuration records how long a webhook event took
	// to replay.
	RecordWebhookProcessingDuration(eventType string, duration time.Duration)

	// RecordPaymentOutcome records the classification of a payment attempt.
	RecordPaymentOutcome(op string, status PaymentStatus)

	// RecordSubscriptionOperation records a subscription lifecycle operation.
	// op: "create", "cancel", "resume", "swap", "quantity", ...
	RecordSubscriptionOperation(op, status string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordAPICall(_, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_ string, _ time.Duration)           {}
func (n *NoopMetrics) RecordWebhookEvent(_, _ string)                            {}
func (n *NoopMetrics) RecordWebhookError(_ string)                               {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordPaymentOutcome(_ string, _ PaymentStatus)            {}
func (n *NoopMetrics) RecordSubscriptionOperation(_, _ string)                   {}
