// Package observability holds the Prometheus collectors and zap hooks for the credit service.
package observability

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const unknownLabel = "unknown"

// Metrics groups the service collectors. It implements llm.Observer and billing.Observer.
type Metrics struct {
	ledgerOperations *prometheus.CounterVec
	refundFailures   prometheus.Counter
	webhookEvents    *prometheus.CounterVec
	verifyRequests   *prometheus.CounterVec
	llmCalls         *prometheus.CounterVec
	llmLatency       *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with registerer.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	metrics := &Metrics{
		ledgerOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_operations_total",
				Help: "Ledger operations by operation and status.",
			},
			[]string{"operation", "status"},
		),
		refundFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_refund_failures_total",
				Help: "Refunds that failed after the paid work failed. Each one is credit owed to a user.",
			},
		),
		webhookEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_webhook_events_total",
				Help: "Payment webhook deliveries by outcome.",
			},
			[]string{"outcome"},
		),
		verifyRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_verify_requests_total",
				Help: "Client session verifications by outcome.",
			},
			[]string{"outcome"},
		),
		llmCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_calls_total",
				Help: "LLM provider calls by provider and outcome.",
			},
			[]string{"provider", "outcome"},
		),
		llmLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_call_duration_seconds",
				Help:    "LLM provider call latency.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
			},
			[]string{"provider"},
		),
	}
	collectors := []prometheus.Collector{
		metrics.ledgerOperations,
		metrics.refundFailures,
		metrics.webhookEvents,
		metrics.verifyRequests,
		metrics.llmCalls,
		metrics.llmLatency,
	}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return metrics, nil
}

// ObserveLedgerOperation counts one ledger operation.
func (metrics *Metrics) ObserveLedgerOperation(operation string, status string) {
	metrics.ledgerOperations.WithLabelValues(norm(operation), norm(status)).Inc()
}

// IncRefundFailure counts one refund that could not be applied.
func (metrics *Metrics) IncRefundFailure() {
	metrics.refundFailures.Inc()
}

func (metrics *Metrics) ObserveWebhook(outcome string) {
	metrics.webhookEvents.WithLabelValues(norm(outcome)).Inc()
}

func (metrics *Metrics) ObserveVerify(outcome string) {
	metrics.verifyRequests.WithLabelValues(norm(outcome)).Inc()
}

func (metrics *Metrics) ObserveLLMCall(provider string, outcome string, duration time.Duration) {
	metrics.llmCalls.WithLabelValues(norm(provider), norm(outcome)).Inc()
	metrics.llmLatency.WithLabelValues(norm(provider)).Observe(duration.Seconds())
}

func norm(value string) string {
	trimmed := strings.TrimSpace(strings.ToLower(value))
	if trimmed == "" {
		return unknownLabel
	}
	return trimmed
}
