// Package metrics exposes the agent's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	decisions   *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	findings    *prometheus.CounterVec
	rateLimited prometheus.Counter
	tokens      *prometheus.CounterVec
	cost        *prometheus.CounterVec
	errors      *prometheus.CounterVec
	pending     prometheus.Gauge
}

// New creates and registers the collectors. withRuntime adds the Go and
// process collectors.
func New(withRuntime bool) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ai_gateway_decisions_total",
				Help: "Total number of inspection decisions",
			},
			[]string{"action", "reason"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ai_gateway_decision_duration_milliseconds",
				Help:    "Time from final body chunk to decision in milliseconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 50, 100, 200, 500},
			},
			[]string{"provider"},
		),
		findings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ai_gateway_findings_total",
				Help: "Total number of detector findings",
			},
			[]string{"category"},
		),
		rateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ai_gateway_rate_limited_total",
				Help: "Total number of requests rejected by the usage governor",
			},
		),
		tokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ai_gateway_tokens_estimated_total",
				Help: "Estimated tokens of admitted requests",
			},
			[]string{"provider"},
		),
		cost: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ai_gateway_cost_estimated_usd_total",
				Help: "Estimated cost of admitted requests in USD",
			},
			[]string{"provider"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ai_gateway_errors_total",
				Help: "Total number of inspection errors by kind",
			},
			[]string{"kind"},
		),
		pending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ai_gateway_pending_assemblies",
				Help: "Requests whose body is still being assembled",
			},
		),
	}

	m.registry.MustRegister(m.decisions, m.duration, m.findings, m.rateLimited,
		m.tokens, m.cost, m.errors, m.pending)
	if withRuntime {
		m.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveDecision records one decision. reason is empty for allowed requests.
func (m *Metrics) ObserveDecision(action, reason, provider string, elapsed time.Duration) {
	if reason == "" {
		reason = "none"
	}
	m.decisions.WithLabelValues(action, reason).Inc()
	m.duration.WithLabelValues(provider).Observe(float64(elapsed) / float64(time.Millisecond))
}

// ObserveFinding counts a detector finding.
func (m *Metrics) ObserveFinding(category string) {
	m.findings.WithLabelValues(category).Inc()
}

// ObserveRateLimited counts a governor rejection.
func (m *Metrics) ObserveRateLimited() {
	m.rateLimited.Inc()
}

// ObserveUsage adds the estimated tokens and cost of an admitted request.
func (m *Metrics) ObserveUsage(provider string, tokens int, costUSD float64) {
	m.tokens.WithLabelValues(provider).Add(float64(tokens))
	if costUSD > 0 {
		m.cost.WithLabelValues(provider).Add(costUSD)
	}
}

// ObserveError counts an inspection error of the given kind.
func (m *Metrics) ObserveError(kind string) {
	m.errors.WithLabelValues(kind).Inc()
}

// SetPending reports the number of open assemblies.
func (m *Metrics) SetPending(n int) {
	m.pending.Set(float64(n))
}
