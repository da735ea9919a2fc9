package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the request pipeline.
// The module never opens a port; the host process registers these on
// whatever registry it serves.
type Metrics struct {
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	tokensIn          *prometheus.CounterVec
	tokensOut         *prometheus.CounterVec
	costTotal         *prometheus.CounterVec
	rateLimitDenials  *prometheus.CounterVec
	budgetDenials     *prometheus.CounterVec
	providerRetries   *prometheus.CounterVec
	auditDroppedTotal prometheus.Counter
}

// NewMetrics registers the pipeline collectors on the given registerer.
// Pass prometheus.NewRegistry() in tests to keep registrations isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llmgw_requests_total",
			Help: "Total requests by final outcome",
		}, []string{"outcome"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llmgw_request_duration_seconds",
			Help:    "End-to-end request duration including retries",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"provider"}),

		tokensIn: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llmgw_tokens_in_total",
			Help: "Prompt tokens consumed per provider and model",
		}, []string{"provider", "model"}),

		tokensOut: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llmgw_tokens_out_total",
			Help: "Completion tokens consumed per provider and model",
		}, []string{"provider", "model"}),

		costTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llmgw_cost_usd_total",
			Help: "Recorded spend in USD per provider and model",
		}, []string{"provider", "model"}),

		rateLimitDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llmgw_rate_limit_denials_total",
			Help: "Requests denied by a rate limit, by scope",
		}, []string{"scope"}),

		budgetDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llmgw_budget_denials_total",
			Help: "Requests denied by a budget ceiling, by scope",
		}, []string{"scope"}),

		providerRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llmgw_provider_retries_total",
			Help: "Retried provider attempts after transient failures",
		}, []string{"provider"}),

		auditDroppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "llmgw_audit_dropped_total",
			Help: "Audit records dropped because the buffer was full",
		}),
	}
}

// ObserveRequest records a finished request with its outcome and duration
func (m *Metrics) ObserveRequest(outcome, provider string, duration time.Duration) {
	m.requestsTotal.WithLabelValues(outcome).Inc()
	if provider != "" {
		m.requestDuration.WithLabelValues(provider).Observe(duration.Seconds())
	}
}

// ObserveUsage records token and cost accounting for a completed call
func (m *Metrics) ObserveUsage(provider, model string, tokensIn, tokensOut int, cost float64) {
	m.tokensIn.WithLabelValues(provider, model).Add(float64(tokensIn))
	m.tokensOut.WithLabelValues(provider, model).Add(float64(tokensOut))
	m.costTotal.WithLabelValues(provider, model).Add(cost)
}

// RateLimitDenied counts a rate limit denial in the given scope
func (m *Metrics) RateLimitDenied(scope string) {
	m.rateLimitDenials.WithLabelValues(scope).Inc()
}

// BudgetDenied counts a budget denial in the given scope
func (m *Metrics) BudgetDenied(scope string) {
	m.budgetDenials.WithLabelValues(scope).Inc()
}

// ProviderRetried counts one retried provider attempt
func (m *Metrics) ProviderRetried(provider string) {
	m.providerRetries.WithLabelValues(provider).Inc()
}

// AuditDropped counts one dropped audit record
func (m *Metrics) AuditDropped() {
	m.auditDroppedTotal.Inc()
}
