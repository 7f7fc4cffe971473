package taskqueue

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/buildguard/backend/internal/events"
	"github.com/buildguard/backend/internal/faults"
)

// QueueConfig sizes one named queue.
type QueueConfig struct {
	Workers      int // worker pool size, default 4
	Capacity     int // ready-buffer capacity, default 1024
	RecycleAfter int // tasks handled before a worker is replaced, default 1000
}

func (c QueueConfig) normalize() QueueConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Capacity <= 0 {
		c.Capacity = 1024
	}
	if c.RecycleAfter <= 0 {
		c.RecycleAfter = 1000
	}
	return c
}

type queue struct {
	name     string
	cfg      QueueConfig
	ready    chan *Task
	inFlight atomic.Int64
	delayed  atomic.Int64
}

// QueueStats is the observability snapshot of one queue.
type QueueStats struct {
	Depth    int   `json:"depth"`
	Delayed  int64 `json:"delayed"`
	InFlight int64 `json:"in_flight"`
	Workers  int   `json:"workers"`
}

// Manager owns the named queues, their worker pools and the result store.
// Tasks are handed out FIFO per queue; delayed retries wait their backoff in
// timers without blocking ready tasks.
type Manager struct {
	mu       sync.RWMutex
	queues   map[string]*queue
	handlers map[string]Handler
	policies map[string]RetryPolicy

	store     ResultStore
	emitter   events.Emitter
	resultTTL time.Duration
	logger    *log.Logger

	timerMu     sync.Mutex
	retryTimers map[string]*time.Timer // task ID -> pending backoff timer
	stopped     bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customizes a Manager.
type Option func(*Manager)

// WithResultTTL overrides how long task results stay queryable.
func WithResultTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.resultTTL = ttl }
}

// WithEmitter attaches a lifecycle event emitter.
func WithEmitter(e events.Emitter) Option {
	return func(m *Manager) { m.emitter = e }
}

// NewManager creates a manager over the given result store and starts the
// four standard queues with default sizing.
func NewManager(store ResultStore, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		queues:      make(map[string]*queue),
		handlers:    make(map[string]Handler),
		policies:    make(map[string]RetryPolicy),
		retryTimers: make(map[string]*time.Timer),
		store:       store,
		emitter:     events.Discard,
		resultTTL:   DefaultResultTTL,
		logger:      log.New(log.Writer(), "[TASKQ] ", log.LstdFlags),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, name := range []string{QueueDefault, QueueViolations, QueueReports, QueueWebhooks} {
		m.EnsureQueue(name, QueueConfig{})
	}
	return m
}

// EnsureQueue creates a named queue with the given sizing if it does not
// already exist, and starts its worker pool.
func (m *Manager) EnsureQueue(name string, cfg QueueConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queues[name]; ok {
		return
	}
	cfg = cfg.normalize()
	q := &queue{
		name:  name,
		cfg:   cfg,
		ready: make(chan *Task, cfg.Capacity),
	}
	m.queues[name] = q
	for i := 0; i < cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker(q)
	}
}

// RegisterHandler binds a task kind to its handler and retry policy.
func (m *Manager) RegisterHandler(kind string, h Handler, policy RetryPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[kind] = h
	m.policies[kind] = policy.normalize()
}

// Submit enqueues a task and returns its ID without blocking. A nil policy
// uses the kind's registered policy. Submitting to a full queue fails fast.
func (m *Manager) Submit(queueName, kind string, payload map[string]interface{}, policy *RetryPolicy) (string, error) {
	m.mu.RLock()
	q, ok := m.queues[queueName]
	_, hasHandler := m.handlers[kind]
	registered := m.policies[kind]
	m.mu.RUnlock()

	if !ok {
		return "", faults.Validation("unknown queue %q", queueName)
	}
	if !hasHandler {
		return "", faults.Validation("no handler registered for task kind %q", kind)
	}

	p := registered
	if policy != nil {
		p = policy.normalize()
	}

	now := time.Now().UTC()
	task := &Task{
		ID:          uuid.NewString(),
		Queue:       queueName,
		Kind:        kind,
		Payload:     payload,
		SubmittedAt: now,
		NextRunAt:   now,
		policy:      p,
	}

	m.putStatus(Status{TaskID: task.ID, State: StatePending, UpdatedAt: now})

	select {
	case q.ready <- task:
		return task.ID, nil
	default:
		return "", faults.Transient("queue %q full (%d tasks)", queueName, q.cfg.Capacity)
	}
}

// Result returns a task's status. Expired or unknown task IDs return ErrGone.
func (m *Manager) Result(ctx context.Context, taskID string) (Status, error) {
	return m.store.Get(ctx, taskID)
}

// Stats snapshots all queues for the health surface.
func (m *Manager) Stats() map[string]QueueStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]QueueStats, len(m.queues))
	for name, q := range m.queues {
		out[name] = QueueStats{
			Depth:    len(q.ready),
			Delayed:  q.delayed.Load(),
			InFlight: q.inFlight.Load(),
			Workers:  q.cfg.Workers,
		}
	}
	return out
}

// Stop cancels all workers, discards pending retry timers, and waits for
// in-flight tasks to finish.
func (m *Manager) Stop() {
	m.cancel()
	m.timerMu.Lock()
	m.stopped = true
	for id, t := range m.retryTimers {
		t.Stop()
		delete(m.retryTimers, id)
	}
	m.timerMu.Unlock()
	m.wg.Wait()
}

// putStatus writes a status snapshot to the result store. Store failures are
// logged, not propagated; task execution never depends on result durability.
func (m *Manager) putStatus(status Status) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.store.Put(ctx, status, m.resultTTL); err != nil {
		m.logger.Printf("⚠️ result store write failed for task %s: %v", status.TaskID, err)
	}
}

// worker pulls ready tasks one at a time. After RecycleAfter tasks the
// goroutine hands off to a fresh replacement to bound resource growth.
func (m *Manager) worker(q *queue) {
	defer m.wg.Done()
	handled := 0
	for {
		select {
		case <-m.ctx.Done():
			return
		case task := <-q.ready:
			m.process(q, task)
			handled++
			if handled >= q.cfg.RecycleAfter {
				m.wg.Add(1)
				go m.worker(q)
				return
			}
		}
	}
}

// process runs one attempt and acknowledges only after the handler returns.
func (m *Manager) process(q *queue, task *Task) {
	q.inFlight.Add(1)
	defer q.inFlight.Add(-1)

	task.Attempt++
	now := time.Now().UTC()
	m.putStatus(Status{TaskID: task.ID, State: StateRunning, Attempts: task.Attempt, UpdatedAt: now})
	m.emitter.Emit(events.TypeTaskStarted, "taskqueue", task.ID, map[string]interface{}{
		"queue": q.name, "kind": task.Kind, "attempt": task.Attempt,
	})

	m.mu.RLock()
	handler := m.handlers[task.Kind]
	m.mu.RUnlock()

	result, err := handler(m.ctx, task)
	if err == nil {
		m.putStatus(Status{
			TaskID: task.ID, State: StateSucceeded, Attempts: task.Attempt,
			Result: result, UpdatedAt: time.Now().UTC(),
		})
		m.emitter.Emit(events.TypeTaskSucceeded, "taskqueue", task.ID, map[string]interface{}{
			"queue": q.name, "kind": task.Kind, "attempt": task.Attempt,
		})
		return
	}

	if task.policy.shouldRetry(err, task.Attempt) {
		delay := task.policy.backoff(task.Attempt)
		task.NextRunAt = time.Now().UTC().Add(delay)
		m.putStatus(Status{
			TaskID: task.ID, State: StateRetrying, Attempts: task.Attempt,
			Error: err.Error(), UpdatedAt: time.Now().UTC(),
		})
		m.emitter.Emit(events.TypeTaskRetrying, "taskqueue", task.ID, map[string]interface{}{
			"queue": q.name, "kind": task.Kind, "attempt": task.Attempt,
			"delay_ms": delay.Milliseconds(),
		})
		m.scheduleRetry(q, task, delay)
		return
	}

	m.putStatus(Status{
		TaskID: task.ID, State: StateFailedTerminal, Attempts: task.Attempt,
		Error: err.Error(), UpdatedAt: time.Now().UTC(),
	})
	m.emitter.Emit(events.TypeTaskFailed, "taskqueue", task.ID, map[string]interface{}{
		"queue": q.name, "kind": task.Kind, "attempt": task.Attempt, "error": err.Error(),
	})
	m.logger.Printf("❌ task %s (%s) failed terminally after %d attempts: %v",
		task.ID, task.Kind, task.Attempt, err)
}

// scheduleRetry re-enqueues the task after its backoff without occupying a
// worker in the meantime. Pending timers are tracked in a registry so Stop can
// discard them; no per-retry goroutine exists until the timer fires.
func (m *Manager) scheduleRetry(q *queue, task *Task, delay time.Duration) {
	m.timerMu.Lock()
	if m.stopped {
		m.timerMu.Unlock()
		return
	}
	q.delayed.Add(1)
	m.retryTimers[task.ID] = time.AfterFunc(delay, func() {
		defer q.delayed.Add(-1)
		m.timerMu.Lock()
		delete(m.retryTimers, task.ID)
		m.timerMu.Unlock()
		select {
		case q.ready <- task:
		case <-m.ctx.Done():
		}
	})
	m.timerMu.Unlock()
}
