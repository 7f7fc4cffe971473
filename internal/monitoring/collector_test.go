package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildguard/backend/internal/events"
)

func TestCollectorFoldsEventsIntoCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	bus := events.NewBus()
	stop := StartCollector(bus, m)
	defer stop()

	bus.Emit(events.TypePipelineCompleted, "pipeline", "proj-1", map[string]interface{}{
		"outcome":          "BID_READY",
		"duration_seconds": 0.42,
	})
	bus.Emit(events.TypePipelineFailed, "pipeline", "proj-2", map[string]interface{}{
		"step": "guard",
	})
	bus.Emit(events.TypeBudgetExceeded, "pipeline", "proj-1", map[string]interface{}{
		"cost_usd": 0.009,
	})
	bus.Emit(events.TypeAgentInvoked, "agents", "proj-1", map[string]interface{}{
		"agent":         "scout",
		"result":        "success",
		"input_tokens":  1200,
		"output_tokens": 300,
		"cost_usd":      0.0011,
	})
	bus.Emit(events.TypeTaskSucceeded, "taskqueue", "t-1", map[string]interface{}{
		"queue": "webhooks", "kind": "webhook.deliver", "attempt": 1,
	})
	bus.Emit(events.TypeTaskFailed, "taskqueue", "t-2", map[string]interface{}{
		"queue": "default", "kind": "report.build", "attempt": 3, "error": "boom",
	})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.TaskOutcomes.WithLabelValues("default", "report.build", "failed")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PipelineRuns.WithLabelValues("BID_READY")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PipelineRuns.WithLabelValues("ERROR")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BudgetOverruns))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AgentInvocations.WithLabelValues("scout", "success")))
	assert.Equal(t, 1200.0, testutil.ToFloat64(m.AgentTokens.WithLabelValues("scout", "input")))
	assert.Equal(t, 300.0, testutil.ToFloat64(m.AgentTokens.WithLabelValues("scout", "output")))
	assert.InDelta(t, 0.0011, testutil.ToFloat64(m.PipelineCost.WithLabelValues("scout")), 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TaskOutcomes.WithLabelValues("webhooks", "webhook.deliver", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WebhookDeliveries.WithLabelValues("delivered")))
}

func TestMetricsObserverHooks(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.OnRetry("permits-api")
	m.OnRetry("permits-api")
	m.OnBreakerShort("permits-api")
	m.OnRateLimitWait("permits-api", 5*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CallRetries.WithLabelValues("permits-api")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerShorts.WithLabelValues("permits-api")))
}
