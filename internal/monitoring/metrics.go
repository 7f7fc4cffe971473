// Package monitoring is the observability surface: Prometheus metrics for
// scrape paths and a point-in-time health snapshot for reporting paths.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the platform.
type Metrics struct {
	// Pipeline metrics
	PipelineRuns     *prometheus.CounterVec
	PipelineDuration *prometheus.HistogramVec
	PipelineCost     *prometheus.CounterVec
	BudgetOverruns   prometheus.Counter

	// Agent metrics
	AgentInvocations *prometheus.CounterVec
	AgentTokens      *prometheus.CounterVec

	// Resilience metrics
	BreakerState  *prometheus.GaugeVec
	BreakerShorts *prometheus.CounterVec
	CallRetries   *prometheus.CounterVec
	RateLimitWait *prometheus.HistogramVec

	// Queue metrics
	QueueDepth    *prometheus.GaugeVec
	QueueInFlight *prometheus.GaugeVec
	TaskOutcomes  *prometheus.CounterVec

	// Webhook metrics
	WebhookDeliveries *prometheus.CounterVec
}

// NewMetrics creates and registers all instruments on the given registerer.
// Pass prometheus.DefaultRegisterer in production; tests use a fresh registry
// so parallel packages never collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PipelineRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buildguard_pipeline_runs_total",
				Help: "Pipeline runs by terminal outcome",
			},
			[]string{"outcome"}, // BID_READY, PENDING_FIX, REJECTED, MONITORING_ACTIVE, ERROR
		),
		PipelineDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "buildguard_pipeline_duration_seconds",
				Help:    "End-to-end duration of one pipeline run",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		PipelineCost: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buildguard_pipeline_cost_usd_total",
				Help: "Summed model cost across pipeline runs",
			},
			[]string{"agent"},
		),
		BudgetOverruns: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "buildguard_budget_overruns_total",
				Help: "Pipeline runs whose cost exceeded the per-item budget",
			},
		),
		AgentInvocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buildguard_agent_invocations_total",
				Help: "Agent invocations by agent and result",
			},
			[]string{"agent", "result"}, // result: success, error
		),
		AgentTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buildguard_agent_tokens_total",
				Help: "Tokens consumed by agent and direction",
			},
			[]string{"agent", "direction"}, // direction: input, output
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "buildguard_breaker_state",
				Help: "Circuit breaker state per endpoint (0=CLOSED, 1=HALF_OPEN, 2=OPEN)",
			},
			[]string{"endpoint"},
		),
		BreakerShorts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buildguard_breaker_shorted_calls_total",
				Help: "Calls shorted by an open breaker per endpoint",
			},
			[]string{"endpoint"},
		),
		CallRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buildguard_call_retries_total",
				Help: "Retried external call attempts per endpoint",
			},
			[]string{"endpoint"},
		),
		RateLimitWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "buildguard_rate_limit_wait_seconds",
				Help:    "Time spent waiting for a rate-limit token",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
			},
			[]string{"endpoint"},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "buildguard_queue_depth",
				Help: "Ready tasks per queue",
			},
			[]string{"queue"},
		),
		QueueInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "buildguard_queue_in_flight",
				Help: "Tasks currently held by workers per queue",
			},
			[]string{"queue"},
		),
		TaskOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buildguard_task_outcomes_total",
				Help: "Terminal task outcomes per queue and kind",
			},
			[]string{"queue", "kind", "outcome"}, // outcome: succeeded, failed
		),
		WebhookDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buildguard_webhook_deliveries_total",
				Help: "Webhook delivery attempts by result",
			},
			[]string{"result"}, // delivered, failed
		),
	}
}

// OnRetry records one retried attempt against an endpoint.
func (m *Metrics) OnRetry(endpoint string) {
	m.CallRetries.WithLabelValues(endpoint).Inc()
}

// OnRateLimitWait records time spent waiting for a rate-limit token.
func (m *Metrics) OnRateLimitWait(endpoint string, waited time.Duration) {
	m.RateLimitWait.WithLabelValues(endpoint).Observe(waited.Seconds())
}

// OnBreakerShort records a call shorted by an open breaker.
func (m *Metrics) OnBreakerShort(endpoint string) {
	m.BreakerShorts.WithLabelValues(endpoint).Inc()
}

// breakerStateValue maps a breaker state string to its gauge value.
func breakerStateValue(state string) float64 {
	switch state {
	case "OPEN":
		return 2
	case "HALF_OPEN":
		return 1
	default:
		return 0
	}
}
