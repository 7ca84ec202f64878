package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/gocashier/pkg/cashier"
)

// Metrics implements cashier.Metrics using Prometheus.
type Metrics struct {
	apiCallsTotal             *prometheus.CounterVec
	apiCallDuration           *prometheus.HistogramVec
	webhookEventsTotal        *prometheus.CounterVec
	webhookErrorsTotal        *prometheus.CounterVec
	webhookProcessingDuration *prometheus.HistogramVec
	paymentOutcomesTotal      *prometheus.CounterVec
	subscriptionOpsTotal      *prometheus.CounterVec
}

// NewMetrics creates a Prometheus metrics implementation registered with reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		apiCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cashier",
			Name:      "api_calls_total",
			Help:      "Total number of calls to the payment gateway.",
		}, []string{"op", "status"}),

		apiCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cashier",
			Name:      "api_call_duration_seconds",
			Help:      "Duration of payment gateway calls in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),

		webhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cashier",
			Name:      "webhook_events_total",
			Help:      "Total number of webhook events received.",
		}, []string{"event_type", "status"}),

		webhookErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cashier",
			Name:      "webhook_errors_total",
			Help:      "Total number of webhook processing errors.",
		}, []string{"error_type"}),

		webhookProcessingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cashier",
			Name:      "webhook_processing_duration_seconds",
			Help:      "Duration of webhook event processing in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),

		paymentOutcomesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cashier",
			Name:      "payment_outcomes_total",
			Help:      "Total number of payment attempts by outcome.",
		}, []string{"op", "outcome"}),

		subscriptionOpsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cashier",
			Name:      "subscription_operations_total",
			Help:      "Total number of subscription lifecycle operations.",
		}, []string{"op", "status"}),
	}
}

func (m *Metrics) RecordAPICall(op, status string) {
	m.apiCallsTotal.WithLabelValues(op, status).Inc()
}

func (m *Metrics) RecordAPICallDuration(op string, duration time.Duration) {
	m.apiCallDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookEvent(eventType, status string) {
	m.webhookEventsTotal.WithLabelValues(eventType, status).Inc()
}

func (m *Metrics) RecordWebhookError(errorType string) {
	m.webhookErrorsTotal.WithLabelValues(errorType).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(eventType string, duration time.Duration) {
	m.webhookProcessingDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordPaymentOutcome(op string, status cashier.PaymentStatus) {
	m.paymentOutcomesTotal.WithLabelValues(op, string(status)).Inc()
}

func (m *Metrics) RecordSubscriptionOperation(op, status string) {
	m.subscriptionOpsTotal.WithLabelValues(op, status).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default
// Prometheus registerer.
func DefaultMetrics(namespace string) cashier.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
