package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildguard/backend/internal/agents"
	"github.com/buildguard/backend/internal/events"
	"github.com/buildguard/backend/internal/ledger"
	"github.com/buildguard/backend/internal/proof"
	"github.com/buildguard/backend/internal/taskqueue"
)

func testScheduler(t *testing.T) (*ScanScheduler, *taskqueue.Manager, *events.Bus, *ledger.Ledger) {
	t.Helper()
	l := ledger.New(ledger.DefaultPricing())
	bus := events.NewBus()
	queue := taskqueue.NewManager(taskqueue.NewMemoryStore())
	t.Cleanup(queue.Stop)

	s := NewScanScheduler(agents.NewAdapter(l), &agents.Watchman{}, queue, l, bus)
	return s, queue, bus, l
}

func awaitTask(t *testing.T, m *taskqueue.Manager, taskID string, want taskqueue.State) taskqueue.Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status, err := m.Result(context.Background(), taskID)
		if err == nil && status.State == want {
			return status
		}
		time.Sleep(2 * time.Millisecond)
	}
	status, _ := m.Result(context.Background(), taskID)
	t.Fatalf("task %s never reached %s (last: %+v)", taskID, want, status)
	return taskqueue.Status{}
}

func TestScanSiteCleanSweep(t *testing.T) {
	s, queue, _, l := testScheduler(t)

	id, err := s.ScanSite("site-9", nil)
	require.NoError(t, err)

	status := awaitTask(t, queue, id, taskqueue.StateSucceeded)
	result, ok := status.Result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "site-9", result["site_id"])
	assert.Equal(t, proof.DecisionPass, result["decision"])
	assert.Equal(t, 0, result["violations"])

	entries := l.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "watchman", entries[0].AgentName)
}

func TestScanSiteViolationsEmitEvent(t *testing.T) {
	s, queue, bus, _ := testScheduler(t)
	detected := bus.Subscribe(events.TypeViolationDetected)

	id, err := s.ScanSite("site-9", map[string]interface{}{
		"violations": []interface{}{"PPE_MISSING_HARDHAT"},
	})
	require.NoError(t, err)

	status := awaitTask(t, queue, id, taskqueue.StateSucceeded)
	result := status.Result.(map[string]interface{})
	assert.Equal(t, proof.DecisionFail, result["decision"])
	assert.Equal(t, 1, result["violations"])

	select {
	case ev := <-detected:
		assert.Equal(t, "site-9", ev.Data["site_id"])
		assert.NotEmpty(t, ev.Data["proof_hash"])
	case <-time.After(time.Second):
		t.Fatal("expected a violation.detected event")
	}
}

func TestScanSiteRequiresSiteID(t *testing.T) {
	_, queue, _, _ := testScheduler(t)

	id, err := queue.Submit(taskqueue.QueueViolations, TaskKindScanSite, nil, nil)
	require.NoError(t, err)

	status := awaitTask(t, queue, id, taskqueue.StateFailedTerminal)
	assert.Equal(t, 1, status.Attempts, "validation failures never retry")
	assert.Contains(t, status.Error, "site ID")
}

func TestScanBatchFansOut(t *testing.T) {
	s, queue, _, l := testScheduler(t)

	id, err := s.ScanBatch([]string{"site-1", "site-2", "site-3"})
	require.NoError(t, err)

	status := awaitTask(t, queue, id, taskqueue.StateSucceeded)
	result := status.Result.(map[string]interface{})
	assert.Equal(t, 3, result["submitted"])

	tasks, ok := result["tasks"].(map[string]string)
	require.True(t, ok)
	require.Len(t, tasks, 3)
	for site, taskID := range tasks {
		st := awaitTask(t, queue, taskID, taskqueue.StateSucceeded)
		member := st.Result.(map[string]interface{})
		assert.Equal(t, site, member["site_id"])
	}

	assert.Equal(t, 3, len(l.Entries()), "one watchman invocation per site")
}

func TestScanBatchRejectsEmpty(t *testing.T) {
	s, queue, _, _ := testScheduler(t)

	id, err := s.ScanBatch(nil)
	require.NoError(t, err)

	status := awaitTask(t, queue, id, taskqueue.StateFailedTerminal)
	assert.Contains(t, status.Error, "no site IDs")
}

func TestGenerateReportJSON(t *testing.T) {
	s, queue, _, l := testScheduler(t)
	l.Record("watchman", "claude-haiku-3-5", 400, 100, 30*time.Millisecond, "site-9", true)

	id, err := s.GenerateReport("site-9", map[string]interface{}{"violations": 0}, ReportFormatJSON)
	require.NoError(t, err)

	status := awaitTask(t, queue, id, taskqueue.StateSucceeded)
	result := status.Result.(map[string]interface{})
	assert.Equal(t, ReportFormatJSON, result["format"])

	var report map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(result["report"].(string)), &report))
	assert.Equal(t, "site-9", report["site_id"])
	assert.Contains(t, report, "cost_totals")
	assert.Contains(t, report, "per_agent")
}

func TestGenerateReportText(t *testing.T) {
	s, queue, _, _ := testScheduler(t)

	id, err := s.GenerateReport("site-9", nil, ReportFormatText)
	require.NoError(t, err)

	status := awaitTask(t, queue, id, taskqueue.StateSucceeded)
	result := status.Result.(map[string]interface{})
	assert.Contains(t, result["report"].(string), "Compliance report for site-9")
}

func TestGenerateReportUnknownFormat(t *testing.T) {
	s, queue, _, _ := testScheduler(t)

	id, err := s.GenerateReport("site-9", nil, "pdf")
	require.NoError(t, err)

	status := awaitTask(t, queue, id, taskqueue.StateFailedTerminal)
	assert.Contains(t, status.Error, "unknown report format")
}
