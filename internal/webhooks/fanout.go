package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/buildguard/backend/internal/faults"
	"github.com/buildguard/backend/internal/resilience"
	"github.com/buildguard/backend/internal/taskqueue"
)

// TaskKindDeliver is the queue task kind for one webhook delivery.
const TaskKindDeliver = "webhook.deliver"

// DeliverPolicy is the delivery retry schedule: up to 5 attempts starting at
// 30s, doubling, capped at one hour, with jitter.
func DeliverPolicy() taskqueue.RetryPolicy {
	return taskqueue.RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 30 * time.Second,
		Multiplier:     2,
		MaxBackoff:     3600 * time.Second,
		Jitter:         true,
	}
}

// Summary reports the terminal result of one fan-out.
type Summary struct {
	Delivered int               `json:"delivered"`
	Failed    int               `json:"failed"`
	PerURL    map[string]string `json:"per_url"` // url -> "delivered" | error summary
}

// Fanout delivers events to subscriber URLs through the task queue, one task
// per subscriber so a failing endpoint never delays the others. The HTTP call
// itself goes through the resilience layer for per-endpoint breakers and rate
// limits; the retry schedule lives in the queue policy.
type Fanout struct {
	registry   *Registry
	queue      *taskqueue.Manager
	caller     *resilience.Caller
	httpClient *http.Client
	policy     taskqueue.RetryPolicy
	logger     *log.Logger
}

// FanoutOption customizes a Fanout.
type FanoutOption func(*Fanout)

// WithDeliveryPolicy replaces the default delivery retry schedule.
func WithDeliveryPolicy(p taskqueue.RetryPolicy) FanoutOption {
	return func(f *Fanout) { f.policy = p }
}

// NewFanout wires a fan-out over the shared queue and caller, and registers
// the delivery handler.
func NewFanout(registry *Registry, queue *taskqueue.Manager, caller *resilience.Caller, opts ...FanoutOption) *Fanout {
	f := &Fanout{
		registry:   registry,
		queue:      queue,
		caller:     caller,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		policy:     DeliverPolicy(),
		logger:     log.New(log.Writer(), "[FANOUT] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(f)
	}
	queue.RegisterHandler(TaskKindDeliver, f.handleDelivery, f.policy)
	return f
}

// Dispatch submits one delivery task per matching subscriber and returns
// immediately with the subscriber-keyed task IDs.
func (f *Fanout) Dispatch(event EventType, siteID, severity string, data map[string]interface{}) (map[string]string, error) {
	subscribers := f.registry.GetSubscribers(event, siteID)
	return f.submit(event, siteID, severity, data, subscribers)
}

// Deliver fans an event out to the given subscribers and blocks until every
// delivery reaches a terminal state (or ctx expires). Subscribers retry on
// independent schedules; one failing URL never delays another.
func (f *Fanout) Deliver(ctx context.Context, event EventType, siteID, severity string, data map[string]interface{}, subscribers []*Subscription) (Summary, error) {
	taskByURL, err := f.submit(event, siteID, severity, data, subscribers)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{PerURL: make(map[string]string, len(taskByURL))}
	for url, taskID := range taskByURL {
		status, err := f.await(ctx, taskID)
		if err != nil {
			return summary, err
		}
		if status.State == taskqueue.StateSucceeded {
			summary.Delivered++
			summary.PerURL[url] = "delivered"
		} else {
			summary.Failed++
			summary.PerURL[url] = status.Error
		}
	}

	f.logger.Printf("fan-out %s: %d delivered, %d failed", event, summary.Delivered, summary.Failed)
	return summary, nil
}

func (f *Fanout) submit(event EventType, siteID, severity string, data map[string]interface{}, subscribers []*Subscription) (map[string]string, error) {
	taskByURL := make(map[string]string, len(subscribers))
	for _, sub := range subscribers {
		payload := map[string]interface{}{
			"subscription_id": sub.ID,
			"url":             sub.URL,
			"secret":          sub.Secret,
			"event":           string(event),
			"site_id":         siteID,
			"severity":        severity,
			"data":            data,
		}
		taskID, err := f.queue.Submit(taskqueue.QueueWebhooks, TaskKindDeliver, payload, &f.policy)
		if err != nil {
			return taskByURL, fmt.Errorf("submit delivery for %s: %w", sub.URL, err)
		}
		taskByURL[sub.URL] = taskID
	}
	return taskByURL, nil
}

// awaitBound caps how long one delivery is awaited when the caller's context
// has no deadline: the worst-case retry schedule plus one HTTP timeout per
// attempt and the jitter allowance.
func (f *Fanout) awaitBound() time.Duration {
	p := f.policy
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	bound := time.Duration(attempts) * f.httpClient.Timeout
	d := p.InitialBackoff
	for i := 1; i < attempts; i++ {
		bound += d
		d = time.Duration(float64(d) * p.Multiplier)
		if d > p.MaxBackoff {
			d = p.MaxBackoff
		}
	}
	return bound + bound/4
}

// await polls the result store until the task is terminal. A result lost to a
// store failure cannot hold the caller past the delivery schedule: contexts
// without a deadline get one derived from the retry policy.
func (f *Fanout) await(ctx context.Context, taskID string) (taskqueue.Status, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.awaitBound())
		defer cancel()
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		status, err := f.queue.Result(ctx, taskID)
		if err == nil && (status.State == taskqueue.StateSucceeded || status.State == taskqueue.StateFailedTerminal) {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return taskqueue.Status{}, faults.Wrap(faults.KindCancelled, ctx.Err(), "waiting for delivery")
		case <-ticker.C:
		}
	}
}

// handleDelivery performs one POST attempt. Queue-level retries drive the
// schedule, so the resilience call runs a single attempt; the breaker and
// rate limit still apply per endpoint.
func (f *Fanout) handleDelivery(ctx context.Context, task *taskqueue.Task) (interface{}, error) {
	url, _ := task.Payload["url"].(string)
	secret, _ := task.Payload["secret"].(string)
	subID, _ := task.Payload["subscription_id"].(string)
	event, _ := task.Payload["event"].(string)
	siteID, _ := task.Payload["site_id"].(string)
	severity, _ := task.Payload["severity"].(string)
	data, _ := task.Payload["data"].(map[string]interface{})

	envelope := Envelope{
		Event:     EventType(event),
		Timestamp: time.Now().UTC(),
		SiteID:    siteID,
		Severity:  severity,
		Data:      data,
		Attempt:   task.Attempt,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, faults.Internal("marshal webhook envelope: %v", err)
	}

	oneShot := resilience.Policy{MaxAttempts: 1}
	err = f.caller.DoWithPolicy(ctx, "webhook:"+url, oneShot, func(ctx context.Context) error {
		return f.post(ctx, url, secret, event, task.Attempt, body)
	})
	if err != nil {
		f.registry.MarkFailed(subID)
		return nil, err
	}

	f.registry.MarkDelivered(subID)
	return map[string]interface{}{"url": url, "attempt": task.Attempt}, nil
}

func (f *Fanout) post(ctx context.Context, url, secret, event string, attempt int, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return faults.Validation("build webhook request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-BuildGuard-Event", event)
	req.Header.Set("X-BuildGuard-Delivery-Attempt", fmt.Sprintf("%d", attempt))
	if secret != "" {
		req.Header.Set("X-BuildGuard-Signature", "sha256="+SignPayload(body, secret))
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return faults.Wrap(faults.KindTransientIO, err, "webhook POST")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return faults.Transient("webhook returned %d", resp.StatusCode)
	default:
		return faults.Validation("webhook returned %d", resp.StatusCode)
	}
}
