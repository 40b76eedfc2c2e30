// Package webhook implements the webhook delivery core: a durable
// repository of webhooks, deliveries and attempts, and a delivery engine
// with retries, batching, debouncing, a dead-letter queue, and queue
// persistence.
package webhook

import (
	"encoding/json"
	"errors"
	"time"
)

// Errors raised synchronously to callers
var (
	// ErrNotFound is returned when a record id is absent
	ErrNotFound = errors.New("webhook not found")
	// ErrDeliveryNotFound is returned when a delivery id is absent
	ErrDeliveryNotFound = errors.New("delivery not found")
	// ErrAttemptNotFound is returned when an attempt id is absent
	ErrAttemptNotFound = errors.New("attempt not found")
	// ErrInactive is returned when delivering to a disabled webhook
	ErrInactive = errors.New("webhook is inactive")
	// ErrNotSubscribed is returned when the webhook is not subscribed to the event
	ErrNotSubscribed = errors.New("webhook is not subscribed to event")
	// ErrQueueFull is returned when the delivery queue is at capacity
	ErrQueueFull = errors.New("delivery queue is full")
	// ErrValidation is returned for malformed registration input
	ErrValidation = errors.New("validation failed")
	// ErrConflictingPolicy is returned when batching and debouncing are
	// both enabled for the same event type
	ErrConflictingPolicy = errors.New("batching and debouncing cannot both be enabled for an event type")
	// ErrEngineStopped is returned when operating on a stopped engine
	ErrEngineStopped = errors.New("delivery engine is stopped")
	// ErrNoSecret is returned when signing for a webhook without a secret
	ErrNoSecret = errors.New("webhook has no stored secret")
)

// DeliveryStatus is the aggregate status of a delivery
type DeliveryStatus string

// Delivery and attempt statuses
const (
	StatusPending            DeliveryStatus = "pending"
	StatusSuccess            DeliveryStatus = "success"
	StatusFailed             DeliveryStatus = "failed"
	StatusRetrying           DeliveryStatus = "retrying"
	StatusMaxRetriesExceeded DeliveryStatus = "max_retries_exceeded"
)

// Webhook is a registered delivery target. The secret is never persisted
// in plain form: SecretHash holds its SHA-256 hex digest, and
// EncryptedSecret (opt-in) holds an AES-GCM ciphertext of the original.
type Webhook struct {
	ID              string            `json:"id"`
	URL             string            `json:"url"`
	Events          []string          `json:"events"`
	Description     string            `json:"description,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	Active          bool              `json:"active"`
	SecretHash      string            `json:"secret_hash,omitempty"`
	EncryptedSecret string            `json:"encrypted_secret,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// SubscribedTo reports whether the webhook subscribes to the event type
func (w *Webhook) SubscribedTo(eventType string) bool {
	for _, e := range w.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// clone returns a deep copy safe to hand to callers
func (w *Webhook) clone() *Webhook {
	cp := *w
	cp.Events = append([]string(nil), w.Events...)
	if w.Headers != nil {
		cp.Headers = make(map[string]string, len(w.Headers))
		for k, v := range w.Headers {
			cp.Headers[k] = v
		}
	}
	return &cp
}

// Delivery aggregates the attempts for one (webhook, event) pair
type Delivery struct {
	ID         string         `json:"id"`
	WebhookID  string         `json:"webhook_id"`
	EventType  string         `json:"event_type"`
	Status     DeliveryStatus `json:"status"`
	Timestamp  time.Time      `json:"timestamp"`
	AttemptIDs []string       `json:"attempt_ids"`
}

func (d *Delivery) clone() *Delivery {
	cp := *d
	cp.AttemptIDs = append([]string(nil), d.AttemptIDs...)
	return &cp
}

// Attempt is a single HTTP POST to a webhook target
type Attempt struct {
	ID             string            `json:"id"`
	DeliveryID     string            `json:"delivery_id"`
	Status         DeliveryStatus    `json:"status"`
	RequestURL     string            `json:"request_url"`
	RequestHeaders map[string]string `json:"request_headers,omitempty"`
	RequestBody    string            `json:"request_body,omitempty"`
	ResponseCode   int               `json:"response_code,omitempty"`
	ResponseBody   string            `json:"response_body,omitempty"`
	Error          string            `json:"error,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	RetryCount     int               `json:"retry_count"`
	NextRetryAt    *time.Time        `json:"next_retry_at,omitempty"`
}

func (a *Attempt) clone() *Attempt {
	cp := *a
	if a.RequestHeaders != nil {
		cp.RequestHeaders = make(map[string]string, len(a.RequestHeaders))
		for k, v := range a.RequestHeaders {
			cp.RequestHeaders[k] = v
		}
	}
	if a.NextRetryAt != nil {
		t := *a.NextRetryAt
		cp.NextRetryAt = &t
	}
	return &cp
}

// Event is the envelope posted to webhook targets
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	CreatedAt string                 `json:"created_at"` // ISO-8601
	Data      map[string]interface{} `json:"data"`
}

// DeadLetterEntry records a delivery that exhausted its retries
type DeadLetterEntry struct {
	DeliveryID string          `json:"delivery_id"`
	WebhookID  string          `json:"webhook_id"`
	EventType  string          `json:"event_type"`
	Reason     string          `json:"reason"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}
