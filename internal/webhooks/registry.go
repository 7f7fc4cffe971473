package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"
)

// EventType defines the events that can trigger webhooks.
type EventType string

const (
	EventViolationDetected  EventType = "violation.detected"
	EventViolationResolved  EventType = "violation.resolved"
	EventDocumentApproved   EventType = "document.approved"
	EventDocumentRejected   EventType = "document.rejected"
	EventDeficiencyFound    EventType = "deficiency.found"
	EventRemediationDrafted EventType = "remediation.drafted"
	EventMonitoringStarted  EventType = "monitoring.started"
	EventBudgetExceeded     EventType = "budget.exceeded"
)

// Subscription represents a registered webhook endpoint.
type Subscription struct {
	ID        string      `json:"id"`
	URL       string      `json:"url"`
	Events    []EventType `json:"events"`
	Secret    string      `json:"secret,omitempty"`
	Active    bool        `json:"active"`
	SiteID    string      `json:"site_id,omitempty"` // restrict to one site, empty = all
	CreatedAt time.Time   `json:"created_at"`
	FailCount int         `json:"fail_count"`
}

// Envelope is the payload POSTed to subscribers.
type Envelope struct {
	Event     EventType              `json:"event"`
	Timestamp time.Time              `json:"timestamp"`
	SiteID    string                 `json:"site_id,omitempty"`
	Severity  string                 `json:"severity,omitempty"`
	Data      map[string]interface{} `json:"data"`
	Attempt   int                    `json:"attempt"`
}

// Registry stores and manages webhook subscriptions.
type Registry struct {
	mu          sync.RWMutex
	hooks       map[string]*Subscription // id -> hook
	byEvent     map[EventType][]*Subscription
	logger      *log.Logger
	maxFailures int
}

// NewRegistry creates an empty webhook registry.
func NewRegistry() *Registry {
	return &Registry{
		hooks:       make(map[string]*Subscription),
		byEvent:     make(map[EventType][]*Subscription),
		logger:      log.New(log.Writer(), "[WEBHOOKS] ", log.LstdFlags),
		maxFailures: 10,
	}
}

// Register adds a webhook subscription.
func (r *Registry) Register(sub *Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub.URL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	if len(sub.Events) == 0 {
		return fmt.Errorf("at least one event type is required")
	}

	if sub.ID == "" {
		sub.ID = fmt.Sprintf("wh-%d", time.Now().UnixNano())
	}
	sub.Active = true
	sub.CreatedAt = time.Now()
	sub.FailCount = 0

	r.hooks[sub.ID] = sub

	for _, evt := range sub.Events {
		r.byEvent[evt] = append(r.byEvent[evt], sub)
	}

	r.logger.Printf("📡 Registered webhook %s → %s (events: %v)", sub.ID, sub.URL, sub.Events)
	return nil
}

// Unregister removes a webhook subscription.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.hooks[id]
	if !ok {
		return fmt.Errorf("webhook %s not found", id)
	}

	delete(r.hooks, id)

	for _, evt := range sub.Events {
		filtered := make([]*Subscription, 0)
		for _, s := range r.byEvent[evt] {
			if s.ID != id {
				filtered = append(filtered, s)
			}
		}
		r.byEvent[evt] = filtered
	}

	r.logger.Printf("🗑️  Unregistered webhook %s", id)
	return nil
}

// GetSubscribers returns active subscribers for an event type, optionally
// filtered to one site.
func (r *Registry) GetSubscribers(eventType EventType, siteID string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []*Subscription
	for _, sub := range r.byEvent[eventType] {
		if !sub.Active {
			continue
		}
		if sub.SiteID != "" && siteID != "" && sub.SiteID != siteID {
			continue
		}
		active = append(active, sub)
	}
	return active
}

// Get returns one subscription by ID.
func (r *Registry) Get(id string) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.hooks[id]
	return sub, ok
}

// ListAll returns all registered webhooks.
func (r *Registry) ListAll() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Subscription, 0, len(r.hooks))
	for _, sub := range r.hooks {
		result = append(result, sub)
	}
	return result
}

// MarkFailed increments a subscription's failure count and disables it once
// the threshold is reached.
func (r *Registry) MarkFailed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.hooks[id]
	if !ok {
		return
	}
	sub.FailCount++
	if sub.FailCount >= r.maxFailures {
		sub.Active = false
		r.logger.Printf("⚠️  Webhook %s disabled after %d failures", id, sub.FailCount)
	}
}

// MarkDelivered resets a subscription's failure streak.
func (r *Registry) MarkDelivered(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.hooks[id]; ok {
		sub.FailCount = 0
	}
}

// SignPayload creates an HMAC-SHA256 signature for webhook verification.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
