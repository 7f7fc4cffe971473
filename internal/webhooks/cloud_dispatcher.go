package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
)

// CloudDispatcher uses Google Cloud Tasks for durable, at-least-once webhook
// delivery. Each Dispatch enqueues one HTTP task per matching subscriber.
//
// Cloud Tasks handles:
//   - Retry with exponential backoff (configured at queue level)
//   - Dead-letter queue for permanently failed deliveries
//   - Rate limiting per queue
//
// Falls back to the in-process Fanout when enqueueing fails, so local and
// degraded deployments still deliver.
type CloudDispatcher struct {
	registry  *Registry
	client    *cloudtasks.Client
	queuePath string
	logger    *log.Logger
	fallback  *Fanout // in-process fallback for local dev and outages
}

// NewCloudDispatcher creates a Cloud Tasks-backed webhook dispatcher.
// projectID, locationID, queueID identify the Cloud Tasks queue.
func NewCloudDispatcher(
	registry *Registry,
	projectID, locationID, queueID string,
	fallback *Fanout,
) (*CloudDispatcher, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}

	queuePath := fmt.Sprintf("projects/%s/locations/%s/queues/%s",
		projectID, locationID, queueID)

	cd := &CloudDispatcher{
		registry:  registry,
		client:    client,
		queuePath: queuePath,
		logger:    log.New(log.Writer(), "[CLOUD-TASKS] ", log.LstdFlags),
		fallback:  fallback,
	}

	cd.logger.Printf("✅ Connected to Cloud Tasks queue: %s", queuePath)
	return cd, nil
}

// Dispatch sends an event to all matching subscribers by creating one Cloud
// Task per subscriber: an HTTP POST to the subscriber URL with the signed
// envelope.
func (cd *CloudDispatcher) Dispatch(event EventType, siteID, severity string, data map[string]interface{}) {
	subscribers := cd.registry.GetSubscribers(event, siteID)
	if len(subscribers) == 0 {
		return
	}

	envelope := Envelope{
		Event:     event,
		Timestamp: time.Now().UTC(),
		SiteID:    siteID,
		Severity:  severity,
		Data:      data,
		Attempt:   1,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		cd.logger.Printf("❌ Failed to marshal webhook envelope: %v", err)
		return
	}

	for _, sub := range subscribers {
		cd.enqueueTask(sub, envelope, payload, siteID, severity, data)
	}
}

// enqueueTask creates a single Cloud Task for a webhook subscriber.
func (cd *CloudDispatcher) enqueueTask(sub *Subscription, envelope Envelope, payload []byte, siteID, severity string, data map[string]interface{}) {
	headers := map[string]string{
		"Content-Type":                  "application/json",
		"X-BuildGuard-Event":            string(envelope.Event),
		"X-BuildGuard-Delivery-Attempt": "1",
	}
	if sub.Secret != "" {
		headers["X-BuildGuard-Signature"] = "sha256=" + SignPayload(payload, sub.Secret)
	}

	req := &taskspb.CreateTaskRequest{
		Parent: cd.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        sub.URL,
					Headers:    headers,
					Body:       payload,
				},
			},
		},
	}

	// Non-blocking: enqueue off the hot path.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		task, err := cd.client.CreateTask(ctx, req)
		if err != nil {
			cd.logger.Printf("❌ Cloud Task enqueue failed: %s → %s: %v",
				envelope.Event, sub.URL, err)
			if cd.fallback != nil {
				cd.logger.Printf("↩️  Falling back to in-process delivery for %s", sub.URL)
				cd.fallback.Dispatch(envelope.Event, siteID, severity, data)
			}
			return
		}

		cd.logger.Printf("📤 Enqueued Cloud Task: %s → %s (task=%s)",
			envelope.Event, sub.URL, task.GetName())
	}()
}

// Shutdown closes the Cloud Tasks client.
func (cd *CloudDispatcher) Shutdown() {
	if err := cd.client.Close(); err != nil {
		cd.logger.Printf("⚠️ Cloud Tasks client close error: %v", err)
	}
	cd.logger.Printf("🔌 Cloud Tasks dispatcher closed")
}

// MarshalStats returns basic telemetry about the dispatcher.
func (cd *CloudDispatcher) MarshalStats() map[string]interface{} {
	return map[string]interface{}{
		"backend":      "gcp-cloud-tasks",
		"queue":        cd.queuePath,
		"subscribers":  len(cd.registry.ListAll()),
		"has_fallback": cd.fallback != nil,
	}
}
