package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CheckoutMetrics records payment, webhook, and breaker telemetry.
type CheckoutMetrics struct {
	webhookEvents  *prometheus.CounterVec
	paymentIntents *prometheus.CounterVec
	manualReview   prometheus.Counter
	suspicious     prometheus.Counter
	breakerState   *prometheus.GaugeVec
}

// Webhook outcome labels.
const (
	WebhookProcessed       = "processed"
	WebhookEnvMismatch     = "env_mismatch"
	WebhookDuplicate       = "duplicate"
	WebhookMissingMetadata = "missing_metadata"
	WebhookFailed          = "failed"
	WebhookIgnored         = "ignored"
)

// NewCheckoutMetrics registers the collectors on the provided registerer.
func NewCheckoutMetrics(reg prometheus.Registerer) *CheckoutMetrics {
	if reg == nil {
		return &CheckoutMetrics{}
	}
	webhookEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Webhook events by outcome.",
	}, []string{"outcome"})
	paymentIntents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_intents_total",
		Help: "Payment intents created by rail.",
	}, []string{"rail"})
	manualReview := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "payments_manual_review_total",
		Help: "Production events with livemode=false flagged for manual review.",
	})
	suspicious := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sessions_suspicious_total",
		Help: "Session lookups rejected on fingerprint or user-agent mismatch.",
	})
	breakerState := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "Circuit breaker state per dependency (0 closed, 1 open, 2 half-open).",
	}, []string{"dependency"})
	reg.MustRegister(webhookEvents, paymentIntents, manualReview, suspicious, breakerState)
	return &CheckoutMetrics{
		webhookEvents:  webhookEvents,
		paymentIntents: paymentIntents,
		manualReview:   manualReview,
		suspicious:     suspicious,
		breakerState:   breakerState,
	}
}

// IncWebhook counts one webhook event with the given outcome.
func (m *CheckoutMetrics) IncWebhook(outcome string) {
	if m == nil || m.webhookEvents == nil {
		return
	}
	m.webhookEvents.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// IncPaymentIntent counts one created intent for the given rail.
func (m *CheckoutMetrics) IncPaymentIntent(rail string) {
	if m == nil || m.paymentIntents == nil {
		return
	}
	m.paymentIntents.WithLabelValues(normalizeLabel(rail)).Inc()
}

// IncManualReview counts a production event held for manual review.
func (m *CheckoutMetrics) IncManualReview() {
	if m == nil || m.manualReview == nil {
		return
	}
	m.manualReview.Inc()
}

// IncSuspiciousSession counts a rejected hijack-suspect session lookup.
func (m *CheckoutMetrics) IncSuspiciousSession() {
	if m == nil || m.suspicious == nil {
		return
	}
	m.suspicious.Inc()
}

// SetBreakerState records the numeric breaker state for a dependency.
func (m *CheckoutMetrics) SetBreakerState(dependency string, state int) {
	if m == nil || m.breakerState == nil {
		return
	}
	m.breakerState.WithLabelValues(normalizeLabel(dependency)).Set(float64(state))
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
