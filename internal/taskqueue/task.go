// Package taskqueue is an in-process queue and worker pool for
// fire-and-forget work: site scans, report generation, webhook delivery.
// Delivery is at-least-once with late acknowledgement; handlers must be
// idempotent.
package taskqueue

import (
	"context"
	"math/rand"
	"time"

	"github.com/buildguard/backend/internal/faults"
)

// Well-known queue names. Callers may submit to any name; these exist so the
// standard queues are spelled consistently.
const (
	QueueDefault    = "default"
	QueueViolations = "violations"
	QueueReports    = "reports"
	QueueWebhooks   = "webhooks"
)

// State is the lifecycle state of a task.
type State string

const (
	StatePending        State = "PENDING"
	StateRunning        State = "RUNNING"
	StateRetrying       State = "RETRYING"
	StateSucceeded      State = "SUCCEEDED"
	StateFailedTerminal State = "FAILED_TERMINAL"
)

// RetryPolicy governs retry scheduling for one task kind.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration
	Jitter         bool
	RetryOn        []faults.Kind // empty means the default retryable kinds
}

// DefaultRetryPolicy retries transient failures three times with a short
// exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		Multiplier:     2.0,
		MaxBackoff:     60 * time.Second,
		Jitter:         true,
	}
}

func (p RetryPolicy) normalize() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 1 * time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 60 * time.Second
	}
	return p
}

// shouldRetry reports whether the policy retries after this error at the
// given (1-based) attempt number.
func (p RetryPolicy) shouldRetry(err error, attempt int) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	if len(p.RetryOn) == 0 {
		return faults.Retryable(err)
	}
	kind := faults.KindOf(err)
	for _, k := range p.RetryOn {
		if k == kind {
			return true
		}
	}
	return false
}

// backoff returns the delay before the given retry: min(initial *
// multiplier^(attempt-1), cap), plus optional jitter.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxBackoff) {
			d = float64(p.MaxBackoff)
			break
		}
	}
	delay := time.Duration(d)
	if delay > p.MaxBackoff {
		delay = p.MaxBackoff
	}
	if p.Jitter {
		delay += time.Duration(rand.Int63n(int64(delay)/4 + 1))
	}
	return delay
}

// Task is one unit of queued work.
type Task struct {
	ID          string                 `json:"id"`
	Queue       string                 `json:"queue"`
	Kind        string                 `json:"kind"`
	Payload     map[string]interface{} `json:"payload"`
	Attempt     int                    `json:"attempt"` // 1-based, set when a worker picks it up
	SubmittedAt time.Time              `json:"submitted_at"`
	NextRunAt   time.Time              `json:"next_run_at"`

	policy RetryPolicy
}

// Status is the queryable view of a task's progress, kept in the result
// store until its TTL expires.
type Status struct {
	TaskID    string      `json:"task_id"`
	State     State       `json:"state"`
	Attempts  int         `json:"attempts"`
	Result    interface{} `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Handler executes one task kind. The returned value is stored as the task
// result; an error triggers the retry policy.
type Handler func(ctx context.Context, task *Task) (interface{}, error)
