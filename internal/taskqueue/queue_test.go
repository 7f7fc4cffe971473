package taskqueue

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildguard/backend/internal/events"
	"github.com/buildguard/backend/internal/faults"
)

// captureEmitter records emitted event types for assertions.
type captureEmitter struct {
	mu    sync.Mutex
	types []string
}

func (c *captureEmitter) Emit(eventType, source, subject string, data map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types = append(c.types, eventType)
}

func (c *captureEmitter) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.types...)
}

func fastPolicy(maxAttempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    maxAttempts,
		InitialBackoff: 5 * time.Millisecond,
		Multiplier:     2,
		MaxBackoff:     50 * time.Millisecond,
	}
}

func waitForState(t *testing.T, m *Manager, taskID string, want State) Status {
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
	return Status{}
}

func TestSubmitAndSucceed(t *testing.T) {
	m := NewManager(NewMemoryStore())
	defer m.Stop()

	m.RegisterHandler("report.build", func(_ context.Context, task *Task) (interface{}, error) {
		return map[string]interface{}{"rows": 3, "site": task.Payload["site_id"]}, nil
	}, fastPolicy(3))

	id, err := m.Submit(QueueReports, "report.build", map[string]interface{}{"site_id": "s-1"}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	status := waitForState(t, m, id, StateSucceeded)
	assert.Equal(t, 1, status.Attempts)
	assert.NotNil(t, status.Result)
}

func TestRetryThenSucceed(t *testing.T) {
	m := NewManager(NewMemoryStore())
	defer m.Stop()

	var calls atomic.Int32
	m.RegisterHandler("scan.site", func(context.Context, *Task) (interface{}, error) {
		if calls.Add(1) < 3 {
			return nil, faults.Transient("camera feed unavailable")
		}
		return "ok", nil
	}, fastPolicy(5))

	id, err := m.Submit(QueueViolations, "scan.site", nil, nil)
	require.NoError(t, err)

	status := waitForState(t, m, id, StateSucceeded)
	assert.Equal(t, 3, status.Attempts)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	m := NewManager(NewMemoryStore())
	defer m.Stop()

	var calls atomic.Int32
	m.RegisterHandler("scan.site", func(context.Context, *Task) (interface{}, error) {
		calls.Add(1)
		return nil, faults.Validation("malformed frame reference")
	}, fastPolicy(5))

	id, err := m.Submit(QueueViolations, "scan.site", nil, nil)
	require.NoError(t, err)

	status := waitForState(t, m, id, StateFailedTerminal)
	assert.Equal(t, 1, status.Attempts)
	assert.Equal(t, int32(1), calls.Load())
	assert.Contains(t, status.Error, "malformed")
}

func TestAttemptsExhausted(t *testing.T) {
	m := NewManager(NewMemoryStore())
	defer m.Stop()

	m.RegisterHandler("scan.site", func(context.Context, *Task) (interface{}, error) {
		return nil, faults.Transient("still down")
	}, fastPolicy(3))

	id, err := m.Submit(QueueViolations, "scan.site", nil, nil)
	require.NoError(t, err)

	status := waitForState(t, m, id, StateFailedTerminal)
	assert.Equal(t, 3, status.Attempts)
}

func TestRetryOnFiltersKinds(t *testing.T) {
	m := NewManager(NewMemoryStore())
	defer m.Stop()

	var calls atomic.Int32
	policy := fastPolicy(5)
	policy.RetryOn = []faults.Kind{faults.KindBreakerOpen}
	m.RegisterHandler("scan.site", func(context.Context, *Task) (interface{}, error) {
		calls.Add(1)
		return nil, faults.Transient("transient but not in retry_on")
	}, policy)

	id, err := m.Submit(QueueViolations, "scan.site", nil, nil)
	require.NoError(t, err)

	waitForState(t, m, id, StateFailedTerminal)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSubmitValidation(t *testing.T) {
	m := NewManager(NewMemoryStore())
	defer m.Stop()

	m.RegisterHandler("known", func(context.Context, *Task) (interface{}, error) { return nil, nil }, fastPolicy(1))

	_, err := m.Submit("no-such-queue", "known", nil, nil)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))

	_, err = m.Submit(QueueDefault, "unknown-kind", nil, nil)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
}

func TestExpiredResultIsGone(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	store.now = func() time.Time { return now }

	m := NewManager(store, WithResultTTL(100*time.Millisecond))
	defer m.Stop()

	m.RegisterHandler("report.build", func(context.Context, *Task) (interface{}, error) {
		return "done", nil
	}, fastPolicy(1))

	id, err := m.Submit(QueueReports, "report.build", nil, nil)
	require.NoError(t, err)
	waitForState(t, m, id, StateSucceeded)

	now = now.Add(time.Second)
	_, err = m.Result(context.Background(), id)
	assert.ErrorIs(t, err, ErrGone)

	_, err = m.Result(context.Background(), "never-existed")
	assert.ErrorIs(t, err, ErrGone)
}

func TestDelayedRetryDoesNotBlockReadyTasks(t *testing.T) {
	m := NewManager(NewMemoryStore())
	m.EnsureQueue("serial", QueueConfig{Workers: 1})
	defer m.Stop()

	slow := fastPolicy(2)
	slow.InitialBackoff = 200 * time.Millisecond
	var retryCalls atomic.Int32
	m.RegisterHandler("flaky", func(context.Context, *Task) (interface{}, error) {
		if retryCalls.Add(1) == 1 {
			return nil, faults.Transient("first attempt fails")
		}
		return "ok", nil
	}, slow)
	m.RegisterHandler("quick", func(context.Context, *Task) (interface{}, error) {
		return "ok", nil
	}, fastPolicy(1))

	flakyID, err := m.Submit("serial", "flaky", nil, nil)
	require.NoError(t, err)
	quickID, err := m.Submit("serial", "quick", nil, nil)
	require.NoError(t, err)

	// The quick task completes while the flaky one waits out its backoff.
	quickDone := waitForState(t, m, quickID, StateSucceeded).UpdatedAt
	flakyDone := waitForState(t, m, flakyID, StateSucceeded).UpdatedAt
	assert.True(t, quickDone.Before(flakyDone) || quickDone.Equal(flakyDone))
}

func TestQueueFullFailsFast(t *testing.T) {
	m := NewManager(NewMemoryStore())
	defer m.Stop()

	release := make(chan struct{})
	var once sync.Once
	defer once.Do(func() { close(release) })

	m.EnsureQueue("tiny", QueueConfig{Workers: 1, Capacity: 1})
	m.RegisterHandler("blocker", func(context.Context, *Task) (interface{}, error) {
		<-release
		return nil, nil
	}, fastPolicy(1))

	// First task occupies the worker; second fills the buffer; third is rejected.
	_, err := m.Submit("tiny", "blocker", nil, nil)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = m.Submit("tiny", "blocker", nil, nil)
	require.NoError(t, err)
	_, err = m.Submit("tiny", "blocker", nil, nil)
	require.Error(t, err)
	assert.Equal(t, faults.KindTransientIO, faults.KindOf(err))

	once.Do(func() { close(release) })
}

func TestStatsReflectQueues(t *testing.T) {
	m := NewManager(NewMemoryStore())
	defer m.Stop()

	stats := m.Stats()
	for _, name := range []string{QueueDefault, QueueViolations, QueueReports, QueueWebhooks} {
		s, ok := stats[name]
		require.True(t, ok, "standard queue %s missing", name)
		assert.Equal(t, 4, s.Workers)
		assert.Equal(t, 0, s.Depth)
	}
}

func TestLifecycleEventsEmitted(t *testing.T) {
	em := &captureEmitter{}
	m := NewManager(NewMemoryStore(), WithEmitter(em))
	defer m.Stop()

	m.RegisterHandler("scan.site", func(_ context.Context, task *Task) (interface{}, error) {
		if task.Attempt == 1 {
			return nil, faults.Transient("camera feed unavailable")
		}
		return "ok", nil
	}, fastPolicy(3))

	id, err := m.Submit(QueueViolations, "scan.site", nil, nil)
	require.NoError(t, err)
	waitForState(t, m, id, StateSucceeded)

	require.Eventually(t, func() bool { return len(em.snapshot()) == 4 },
		2*time.Second, 2*time.Millisecond)
	assert.Equal(t, []string{
		events.TypeTaskStarted,
		events.TypeTaskRetrying,
		events.TypeTaskStarted,
		events.TypeTaskSucceeded,
	}, em.snapshot())
}

func TestRetrySchedulingDoesNotLeakGoroutines(t *testing.T) {
	m := NewManager(NewMemoryStore())
	defer m.Stop()

	m.RegisterHandler("scan.site", func(_ context.Context, task *Task) (interface{}, error) {
		if task.Attempt == 1 {
			return nil, faults.Transient("camera feed unavailable")
		}
		return "ok", nil
	}, fastPolicy(2))

	before := runtime.NumGoroutine()

	ids := make([]string, 0, 200)
	for i := 0; i < 200; i++ {
		id, err := m.Submit(QueueViolations, "scan.site", nil, nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		waitForState(t, m, id, StateSucceeded)
	}

	// Let fired timer callbacks unwind before counting.
	time.Sleep(50 * time.Millisecond)
	after := runtime.NumGoroutine()
	assert.LessOrEqual(t, after, before+20,
		"goroutine count must not grow with the number of retried tasks")

	m.timerMu.Lock()
	pending := len(m.retryTimers)
	m.timerMu.Unlock()
	assert.Zero(t, pending, "all fired timers must leave the registry")
}

func TestStopCancelsPendingRetries(t *testing.T) {
	m := NewManager(NewMemoryStore())

	slow := fastPolicy(2)
	slow.InitialBackoff = time.Hour
	m.RegisterHandler("scan.site", func(context.Context, *Task) (interface{}, error) {
		return nil, faults.Transient("still down")
	}, slow)

	id, err := m.Submit(QueueViolations, "scan.site", nil, nil)
	require.NoError(t, err)
	waitForState(t, m, id, StateRetrying)

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on a pending retry timer")
	}
}

func TestBackoffCapAndGrowth(t *testing.T) {
	p := RetryPolicy{
		InitialBackoff: time.Second,
		Multiplier:     2,
		MaxBackoff:     5 * time.Second,
		MaxAttempts:    10,
	}.normalize()

	assert.Equal(t, 1*time.Second, p.backoff(1))
	assert.Equal(t, 2*time.Second, p.backoff(2))
	assert.Equal(t, 4*time.Second, p.backoff(3))
	assert.Equal(t, 5*time.Second, p.backoff(4), "capped")
	assert.Equal(t, 5*time.Second, p.backoff(9), "stays capped")
}
