package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tributary-ai/provider-router/internal/types"
)

// DefaultNamespace prefixes every exported metric
const DefaultNamespace = "provider_router"

// Metrics exports routing, failover, rate limit and streaming metrics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	decisions   *prometheus.CounterVec
	failovers   *prometheus.CounterVec
	failures    *prometheus.CounterVec
	health      *prometheus.GaugeVec
	latency     *prometheus.HistogramVec
	tokens      *prometheus.CounterVec
	cost        *prometheus.CounterVec
	rateLimited *prometheus.CounterVec
	sessions    prometheus.Gauge
}

// NewMetrics creates and registers metrics with the provided registry
func NewMetrics(namespace string, registry *prometheus.Registry) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: registry,
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_decisions_total",
			Help:      "Routing decisions by served provider and strategy",
		}, []string{"provider", "strategy"}),
		failovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failovers_total",
			Help:      "Switches away from a failed provider",
		}, []string{"from", "to", "mode"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "execution_failures_total",
			Help:      "Routed requests where every allowed provider failed, by selected provider",
		}, []string{"provider", "mode"}),
		health: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_health",
			Help:      "Provider health (1=healthy, 0.5=degraded, 0=down or unknown)",
		}, []string{"provider"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_latency_seconds",
			Help:      "Latency of served provider calls",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"provider"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens produced per provider",
		}, []string{"provider", "mode"}),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "estimated_cost_total",
			Help:      "Estimated spend per provider",
		}, []string{"provider"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected by the rate limiter per endpoint class",
		}, []string{"class"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sse_active_sessions",
			Help:      "Open streaming sessions",
		}),
	}

	registry.MustRegister(
		m.decisions,
		m.failovers,
		m.failures,
		m.health,
		m.latency,
		m.tokens,
		m.cost,
		m.rateLimited,
		m.sessions,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// Registry returns the underlying prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveHealth matches registry.HealthObserver
func (m *Metrics) ObserveHealth(provider string, state types.HealthState, _ float64) {
	if m == nil {
		return
	}
	value := 0.0
	switch state {
	case types.HealthHealthy:
		value = 1
	case types.HealthDegraded:
		value = 0.5
	}
	m.health.WithLabelValues(provider).Set(value)
}

func (m *Metrics) ObserveRateLimited(class string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(class).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

func (m *Metrics) ObserveStreamTokens(provider string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tokens.WithLabelValues(provider, "stream").Add(float64(n))
}

func (m *Metrics) observeDecision(provider string, strategy types.Strategy) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(provider, string(strategy)).Inc()
}

func (m *Metrics) observeTelemetry(r types.TelemetryRecord) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(r.Provider).Observe(r.LatencyMs / 1000)
	if r.TokensUsed > 0 {
		m.tokens.WithLabelValues(r.Provider, "exec").Add(float64(r.TokensUsed))
	}
	if r.Cost > 0 {
		m.cost.WithLabelValues(r.Provider).Add(r.Cost)
	}
}

func (m *Metrics) observeFailover(e types.FailoverEvent) {
	if m == nil {
		return
	}
	mode := "exec"
	if e.Stream {
		mode = "stream"
	}
	m.failovers.WithLabelValues(e.From, e.To, mode).Inc()
}

func (m *Metrics) observeFailure(provider string, stream bool) {
	if m == nil {
		return
	}
	mode := "exec"
	if stream {
		mode = "stream"
	}
	m.failures.WithLabelValues(provider, mode).Inc()
}
