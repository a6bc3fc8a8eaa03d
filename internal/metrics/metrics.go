package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the service's Prometheus collectors. A nil *Metrics is valid
// and records nothing, so components can be built without it in tests.
type Metrics struct {
	tokenRefreshes   *prometheus.CounterVec
	gatewayRequests  *prometheus.CounterVec
	gatewayDuration  *prometheus.HistogramVec
	webhooks         *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	paymentsInitiate *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	tokenRefreshes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "momo_token_refresh_total",
		Help: "Gateway token refreshes by source and outcome.",
	}, []string{"source", "status"})

	gatewayRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "momo_gateway_requests_total",
		Help: "Outbound gateway calls by operation and status class.",
	}, []string{"operation", "status"})

	gatewayDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "momo_gateway_request_duration_seconds",
		Help:    "Outbound gateway call latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	webhooks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "momo_webhooks_total",
		Help: "Inbound webhook callbacks by outcome.",
	}, []string{"outcome"})

	notifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "momo_notifications_total",
		Help: "Terminal payment notifications by outcome (delivered, dropped).",
	}, []string{"outcome"})

	paymentsInitiate := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "momo_payments_initiated_total",
		Help: "Initiate requests by outcome.",
	}, []string{"outcome"})

	if reg != nil {
		reg.MustRegister(
			tokenRefreshes,
			gatewayRequests,
			gatewayDuration,
			webhooks,
			notifications,
			paymentsInitiate,
		)
	}

	return &Metrics{
		tokenRefreshes:   tokenRefreshes,
		gatewayRequests:  gatewayRequests,
		gatewayDuration:  gatewayDuration,
		webhooks:         webhooks,
		notifications:    notifications,
		paymentsInitiate: paymentsInitiate,
	}
}

func (m *Metrics) ObserveTokenRefresh(source, status string) {
	if m == nil {
		return
	}
	m.tokenRefreshes.WithLabelValues(sanitizeLabel(source), sanitizeLabel(status)).Inc()
}

func (m *Metrics) ObserveGatewayRequest(operation, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.gatewayRequests.WithLabelValues(operation, sanitizeLabel(status)).Inc()
	m.gatewayDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *Metrics) ObserveWebhook(outcome string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(sanitizeLabel(outcome)).Inc()
}

func (m *Metrics) ObserveNotification(outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(sanitizeLabel(outcome)).Inc()
}

func (m *Metrics) ObserveInitiate(outcome string) {
	if m == nil {
		return
	}
	m.paymentsInitiate.WithLabelValues(sanitizeLabel(outcome)).Inc()
}

func sanitizeLabel(val string) string {
	if val == "" {
		return "unknown"
	}
	return val
}
