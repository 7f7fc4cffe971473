package monitoring

import (
	"github.com/buildguard/backend/internal/events"
	"github.com/buildguard/backend/internal/resilience"
)

var _ resilience.Observer = (*Metrics)(nil)

// StartCollector subscribes to the event bus and folds platform events into
// the Prometheus counters. Returns a stop function that detaches the
// subscription and ends the collector goroutine.
func StartCollector(bus *events.Bus, m *Metrics) func() {
	ch := bus.Subscribe()

	go func() {
		for ev := range ch {
			collect(m, ev)
		}
	}()

	return func() { bus.Unsubscribe(ch) }
}

func collect(m *Metrics, ev *events.CloudEvent) {
	switch ev.Type {
	case events.TypePipelineCompleted:
		outcome, _ := ev.Data["outcome"].(string)
		m.PipelineRuns.WithLabelValues(outcome).Inc()
		if d, ok := ev.Data["duration_seconds"].(float64); ok {
			m.PipelineDuration.WithLabelValues(outcome).Observe(d)
		}

	case events.TypePipelineFailed:
		m.PipelineRuns.WithLabelValues("ERROR").Inc()

	case events.TypeBudgetExceeded:
		m.BudgetOverruns.Inc()

	case events.TypeAgentInvoked:
		agent, _ := ev.Data["agent"].(string)
		result, _ := ev.Data["result"].(string)
		m.AgentInvocations.WithLabelValues(agent, result).Inc()
		if n, ok := ev.Data["input_tokens"].(int); ok {
			m.AgentTokens.WithLabelValues(agent, "input").Add(float64(n))
		}
		if n, ok := ev.Data["output_tokens"].(int); ok {
			m.AgentTokens.WithLabelValues(agent, "output").Add(float64(n))
		}
		if c, ok := ev.Data["cost_usd"].(float64); ok {
			m.PipelineCost.WithLabelValues(agent).Add(c)
		}

	case events.TypeTaskSucceeded:
		queue, kind := taskLabels(ev)
		m.TaskOutcomes.WithLabelValues(queue, kind, "succeeded").Inc()
		if kind == "webhook.deliver" {
			m.WebhookDeliveries.WithLabelValues("delivered").Inc()
		}

	case events.TypeTaskFailed:
		queue, kind := taskLabels(ev)
		m.TaskOutcomes.WithLabelValues(queue, kind, "failed").Inc()
		if kind == "webhook.deliver" {
			m.WebhookDeliveries.WithLabelValues("failed").Inc()
		}
	}
}

func taskLabels(ev *events.CloudEvent) (queue, kind string) {
	queue, _ = ev.Data["queue"].(string)
	kind, _ = ev.Data["kind"].(string)
	return queue, kind
}
