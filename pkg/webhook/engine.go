package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/smartramana/hookmesh/pkg/observability"
)

// queuePressureThreshold is the occupancy fraction above which the
// engine stops opening batch buffers and collapses debounced events
// into already-pending ones
const queuePressureThreshold = 0.8

// BatchPolicy buffers events of one type per webhook and flushes them
// as a single request
type BatchPolicy struct {
	Size   int           `json:"size" mapstructure:"size"`
	Window time.Duration `json:"window" mapstructure:"window"`
}

// DebouncePolicy collapses bursts: only the last event inside the
// window is delivered
type DebouncePolicy struct {
	Window time.Duration `json:"window" mapstructure:"window"`
}

// EngineConfig tunes the delivery engine
type EngineConfig struct {
	MaxWorkers       int           `json:"max_workers" mapstructure:"max_workers"`
	QueueCapacity    int           `json:"queue_capacity" mapstructure:"queue_capacity"`
	MaxAttempts      int           `json:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay        time.Duration `json:"base_delay" mapstructure:"base_delay"`
	MaxDelay         time.Duration `json:"max_delay" mapstructure:"max_delay"`
	AttemptTimeout   time.Duration `json:"attempt_timeout" mapstructure:"attempt_timeout"`
	DeliveryDeadline time.Duration `json:"delivery_deadline" mapstructure:"delivery_deadline"`
	UserAgent        string        `json:"user_agent" mapstructure:"user_agent"`
	PersistQueue     bool          `json:"persist_queue" mapstructure:"persist_queue"`
	QueueFile        string        `json:"queue_file" mapstructure:"queue_file"`
	EnableDLQ        bool          `json:"enable_dlq" mapstructure:"enable_dlq"`
	DestinationRPS   float64       `json:"destination_rps" mapstructure:"destination_rps"`
	DestinationBurst int           `json:"destination_burst" mapstructure:"destination_burst"`

	// Per-event-type delivery shaping. An event type may appear in at
	// most one of the two.
	Batch    map[string]BatchPolicy    `json:"batch" mapstructure:"batch"`
	Debounce map[string]DebouncePolicy `json:"debounce" mapstructure:"debounce"`
}

// DefaultEngineConfig returns the default engine tuning
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxWorkers:     5,
		QueueCapacity:  1000,
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		MaxDelay:       time.Minute,
		AttemptTimeout: 30 * time.Second,
		UserAgent:      "hookmesh-webhook/1.0",
		EnableDLQ:      true,
	}
}

// Middleware transforms the event envelope before signing and dispatch
type Middleware func(event *Event) *Event

// Engine owns the delivery queue, the worker pool, the batching and
// debouncing buffers, and the dead-letter queue. Ordering within a
// webhook is preserved by a per-webhook mutex; across webhooks there is
// no ordering guarantee.
type Engine struct {
	config  EngineConfig
	repo    *Repository
	tr      *transport
	logger  observability.Logger
	metrics observability.MetricsClient

	queue   *deliveryQueue
	journal *journal
	dlq     *DeadLetterQueue

	middleware Middleware

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	workers  sync.WaitGroup
	started  bool

	mu           sync.Mutex
	idempotency  map[string]string // webhookID\x00key → delivery id
	webhookLocks map[string]*sync.Mutex
	batches      map[string]*batchBuffer
	debounces    map[string]*debounceEntry
}

// EngineOption configures an engine
type EngineOption func(*Engine)

// WithMiddleware installs an envelope transformer
func WithMiddleware(mw Middleware) EngineOption {
	return func(e *Engine) { e.middleware = mw }
}

// NewEngine creates a delivery engine over a repository. Configurations
// that enable batching and debouncing for the same event type are
// rejected.
func NewEngine(cfg EngineConfig, repo *Repository, logger observability.Logger, metrics observability.MetricsClient, opts ...EngineOption) (*Engine, error) {
	if logger == nil {
		logger = observability.NewLogger("webhook.engine")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	for eventType := range cfg.Batch {
		if _, ok := cfg.Debounce[eventType]; ok {
			return nil, fmt.Errorf("%w: %q", ErrConflictingPolicy, eventType)
		}
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Minute
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "hookmesh-webhook/1.0"
	}

	e := &Engine{
		config:       cfg,
		repo:         repo,
		tr:           newTransport(cfg.AttemptTimeout, cfg.DestinationRPS, cfg.DestinationBurst, logger, metrics),
		logger:       logger,
		metrics:      metrics,
		queue:        newDeliveryQueue(cfg.QueueCapacity),
		dlq:          NewDeadLetterQueue(),
		wake:         make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		idempotency:  make(map[string]string),
		webhookLocks: make(map[string]*sync.Mutex),
		batches:      make(map[string]*batchBuffer),
		debounces:    make(map[string]*debounceEntry),
	}
	for _, opt := range opts {
		opt(e)
	}
	if cfg.PersistQueue {
		if cfg.QueueFile == "" {
			return nil, fmt.Errorf("persist_queue requires queue_file")
		}
		j, err := openJournal(cfg.QueueFile, logger)
		if err != nil {
			return nil, err
		}
		e.journal = j
	}
	return e, nil
}

// Start rehydrates the persisted queue and launches the worker pool
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	if e.journal != nil {
		restored := e.journal.replay()
		for _, t := range restored {
			if err := e.queue.Push(t); err != nil {
				e.logger.Warn("Dropping rehydrated task, queue full", map[string]interface{}{
					"delivery_ids": t.DeliveryIDs,
				})
			}
		}
		if len(restored) > 0 {
			e.logger.Info("Rehydrated pending deliveries from queue journal", map[string]interface{}{
				"count": len(restored),
			})
		}
	}

	for i := 0; i < e.config.MaxWorkers; i++ {
		e.workers.Add(1)
		go e.worker(i)
	}
	e.notify()
	e.logger.Info("Delivery engine started", map[string]interface{}{
		"workers":        e.config.MaxWorkers,
		"queue_capacity": e.config.QueueCapacity,
	})
	return nil
}

// Stop drains the engine: in-flight attempts finish or hit their
// timeout, scheduled retries are cancelled with their deliveries left
// in their current persisted state, and the journal is compacted.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.flushShapingBuffers()
		e.workers.Wait()

		if e.journal != nil {
			remaining := e.queue.Drain()
			if err := e.journal.compact(remaining); err != nil {
				e.logger.Warn("Failed to compact queue journal", map[string]interface{}{
					"error": err.Error(),
				})
			}
			// Push back so Stats stays truthful if the process lingers
			for _, t := range remaining {
				_ = e.queue.Push(t)
			}
			e.journal.Close()
		}
		e.logger.Info("Delivery engine stopped", nil)
	})
}

// flushShapingBuffers cancels batch and debounce timers, moving their
// pending work onto the queue so it lands in the journal
func (e *Engine) flushShapingBuffers() {
	e.mu.Lock()
	batches := e.batches
	debounces := e.debounces
	e.batches = make(map[string]*batchBuffer)
	e.debounces = make(map[string]*debounceEntry)
	e.mu.Unlock()

	for _, b := range batches {
		b.timer.Stop()
		e.enqueueTask(b.task())
	}
	for _, d := range debounces {
		d.timer.Stop()
		e.enqueueTask(d.task)
	}
}

func (e *Engine) notify() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) worker(id int) {
	defer e.workers.Done()

	for {
		select {
		case <-e.stopCh:
			return
		case <-e.wake:
		}
		for {
			t := e.queue.Pop()
			if t == nil {
				break
			}
			err := e.runTask(context.Background(), t)
			if errors.Is(err, ErrEngineStopped) {
				// The attempt sequence was interrupted mid-flight. Leave
				// the enqueue record in place and put the task back so it
				// survives both compaction and a crash without a Stop.
				if pushErr := e.queue.Push(t); pushErr != nil {
					e.logger.Warn("Failed to requeue interrupted task", map[string]interface{}{
						"delivery_ids": t.DeliveryIDs,
						"error":        pushErr.Error(),
					})
				}
				return
			}
			// The task reached a terminal state; only now is its journal
			// entry safe to retire
			if e.journal != nil {
				e.journal.record("dequeue", t)
			}
			if err != nil {
				e.logger.Warn("Delivery task failed", map[string]interface{}{
					"worker":       id,
					"delivery_ids": t.DeliveryIDs,
					"error":        err.Error(),
				})
			}
			select {
			case <-e.stopCh:
				return
			default:
			}
		}
	}
}

// QueueOption adjusts a queued or delivered event
type QueueOption func(*queueOptions)

type queueOptions struct {
	priority       int
	idempotencyKey string
	debounceKey    string
}

// WithPriority sets the task priority; higher delivers first
func WithPriority(p int) QueueOption {
	return func(o *queueOptions) { o.priority = p }
}

// WithIdempotencyKey deduplicates deliveries per (webhook, key)
func WithIdempotencyKey(key string) QueueOption {
	return func(o *queueOptions) { o.idempotencyKey = key }
}

// WithDebounceKey sets the collapse key for debounced event types;
// defaults to the event type itself
func WithDebounceKey(key string) QueueOption {
	return func(o *queueOptions) { o.debounceKey = key }
}

// checkPreconditions validates the (webhook, event) pair, raising the
// engine-level precondition errors synchronously
func (e *Engine) checkPreconditions(webhookID, eventType string) (*Webhook, error) {
	w, err := e.repo.GetWebhook(webhookID)
	if err != nil {
		return nil, err
	}
	if !w.Active {
		return nil, fmt.Errorf("%w: %s", ErrInactive, webhookID)
	}
	if !w.SubscribedTo(eventType) {
		return nil, fmt.Errorf("%w: %s → %s", ErrNotSubscribed, webhookID, eventType)
	}
	return w, nil
}

func (e *Engine) buildEvent(eventType string, data map[string]interface{}) *Event {
	event := &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	}
	if e.middleware != nil {
		event = e.middleware(event)
	}
	return event
}

// QueueEvent enqueues a delivery task without blocking. It returns the
// pending delivery record, or ErrQueueFull at capacity. The event never
// drops silently.
func (e *Engine) QueueEvent(ctx context.Context, webhookID, eventType string, data map[string]interface{}, opts ...QueueOption) (*Delivery, error) {
	var o queueOptions
	for _, opt := range opts {
		opt(&o)
	}
	if _, err := e.checkPreconditions(webhookID, eventType); err != nil {
		return nil, err
	}
	if o.idempotencyKey != "" {
		if existing := e.lookupIdempotent(webhookID, o.idempotencyKey); existing != nil {
			return existing, nil
		}
	}
	if e.queue.NearCapacity(1.0) {
		return nil, ErrQueueFull
	}

	event := e.buildEvent(eventType, data)

	if policy, ok := e.config.Debounce[eventType]; ok {
		return e.debounceEvent(ctx, webhookID, event, policy, o)
	}
	if policy, ok := e.config.Batch[eventType]; ok && !e.queue.NearCapacity(queuePressureThreshold) {
		return e.batchEvent(ctx, webhookID, event, policy, o)
	}

	d, err := e.repo.CreateDelivery(ctx, webhookID, eventType, nil)
	if err != nil {
		return nil, err
	}
	e.rememberIdempotent(webhookID, o.idempotencyKey, d.ID)
	t := &task{
		DeliveryIDs: []string{d.ID},
		WebhookID:   webhookID,
		EventType:   eventType,
		Event:       event,
		Priority:    o.priority,
	}
	if err := e.enqueueTask(t); err != nil {
		return nil, err
	}
	return d, nil
}

func (e *Engine) enqueueTask(t *task) error {
	if err := e.queue.Push(t); err != nil {
		return err
	}
	if e.journal != nil {
		e.journal.record("enqueue", t)
	}
	e.metrics.IncrementCounter("webhook_events_queued", 1)
	e.notify()
	return nil
}

func (e *Engine) lookupIdempotent(webhookID, key string) *Delivery {
	if key == "" {
		return nil
	}
	e.mu.Lock()
	deliveryID, ok := e.idempotency[webhookID+"\x00"+key]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	d, err := e.repo.GetDelivery(deliveryID)
	if err != nil {
		return nil
	}
	return d
}

func (e *Engine) rememberIdempotent(webhookID, key, deliveryID string) {
	if key == "" {
		return
	}
	e.mu.Lock()
	e.idempotency[webhookID+"\x00"+key] = deliveryID
	e.mu.Unlock()
}

// DeliverEvent performs the full attempt sequence in-line. With an
// idempotency key, an existing completed or in-flight delivery for the
// same (webhook, key) is returned instead of issuing new requests.
func (e *Engine) DeliverEvent(ctx context.Context, webhookID, eventType string, data map[string]interface{}, opts ...QueueOption) (*Delivery, error) {
	var o queueOptions
	for _, opt := range opts {
		opt(&o)
	}
	if _, err := e.checkPreconditions(webhookID, eventType); err != nil {
		return nil, err
	}
	if o.idempotencyKey != "" {
		if existing := e.lookupIdempotent(webhookID, o.idempotencyKey); existing != nil {
			return existing, nil
		}
	}
	d, err := e.repo.CreateDelivery(ctx, webhookID, eventType, nil)
	if err != nil {
		return nil, err
	}
	e.rememberIdempotent(webhookID, o.idempotencyKey, d.ID)
	t := &task{
		DeliveryIDs: []string{d.ID},
		WebhookID:   webhookID,
		EventType:   eventType,
		Event:       e.buildEvent(eventType, data),
		Priority:    o.priority,
	}
	if err := e.runTask(ctx, t); err != nil {
		return nil, err
	}
	return e.repo.GetDelivery(d.ID)
}

// TriggerEvent fans an event out to every active subscriber, creating
// one delivery task per webhook. Precondition failures are logged and
// skipped rather than raised.
func (e *Engine) TriggerEvent(ctx context.Context, eventType string, data map[string]interface{}) []*Delivery {
	var deliveries []*Delivery
	for _, w := range e.repo.WebhooksForEvent(eventType) {
		d, err := e.QueueEvent(ctx, w.ID, eventType, data)
		if err != nil {
			e.logger.Warn("Skipping webhook during fan-out", map[string]interface{}{
				"webhook_id": w.ID,
				"event_type": eventType,
				"error":      err.Error(),
			})
			continue
		}
		deliveries = append(deliveries, d)
	}
	return deliveries
}

func (e *Engine) webhookLock(webhookID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.webhookLocks[webhookID]
	if !ok {
		lock = &sync.Mutex{}
		e.webhookLocks[webhookID] = lock
	}
	return lock
}

// runTask executes the attempt loop for one task. The per-webhook mutex
// keeps deliveries to a single subscription in FIFO order even with a
// parallel worker pool.
func (e *Engine) runTask(ctx context.Context, t *task) error {
	lock := e.webhookLock(t.WebhookID)
	lock.Lock()
	defer lock.Unlock()

	w, err := e.repo.GetWebhook(t.WebhookID)
	if err != nil {
		e.failDeliveries(ctx, t, "webhook deleted")
		return err
	}
	if !w.Active {
		e.failDeliveries(ctx, t, "webhook inactive")
		return fmt.Errorf("%w: %s", ErrInactive, t.WebhookID)
	}

	body, err := t.payload()
	if err != nil {
		e.failDeliveries(ctx, t, "payload serialization failed")
		return err
	}

	headers := map[string]string{
		"Content-Type": "application/json",
		"User-Agent":   e.config.UserAgent,
		"X-Webhook-ID": w.ID,
	}
	if sig, err := e.repo.SignPayload(w.ID, body); err == nil {
		headers["X-Webhook-Signature"] = sig
	} else if !errors.Is(err, ErrNoSecret) {
		e.logger.Warn("Payload signing failed", map[string]interface{}{
			"webhook_id": w.ID,
			"error":      err.Error(),
		})
	}
	for k, v := range w.Headers {
		headers[k] = v
	}

	var deadline time.Time
	if e.config.DeliveryDeadline > 0 {
		deadline = time.Now().Add(e.config.DeliveryDeadline)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.config.BaseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = e.config.MaxDelay
	bo.MaxElapsedTime = 0
	bo.Reset()

	for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
		if !deadline.IsZero() && time.Now().After(deadline) {
			e.failDeliveries(ctx, t, "delivery deadline exceeded")
			return fmt.Errorf("delivery deadline exceeded for webhook %s", t.WebhookID)
		}

		attempts, err := e.createAttempts(ctx, t, w.URL, headers, string(body), attempt-1)
		if err != nil {
			return err
		}

		code, respBody, postErr := e.tr.post(ctx, w.ID, w.URL, body, headers)

		if postErr == nil && code >= 200 && code < 300 {
			e.updateAttempts(ctx, attempts, AttemptResult{
				Status:       StatusSuccess,
				ResponseCode: code,
				ResponseBody: respBody,
			})
			e.metrics.IncrementCounter("webhook_deliveries_succeeded", 1)
			return nil
		}

		errMsg := ""
		if postErr != nil {
			errMsg = postErr.Error()
		}

		if isPermanentFailure(code, postErr) {
			e.updateAttempts(ctx, attempts, AttemptResult{
				Status:       StatusFailed,
				ResponseCode: code,
				ResponseBody: respBody,
				Error:        errMsg,
			})
			e.setDeliveryStatuses(ctx, t, StatusFailed)
			e.metrics.IncrementCounter("webhook_deliveries_failed", 1)
			return nil
		}

		if attempt == e.config.MaxAttempts {
			e.updateAttempts(ctx, attempts, AttemptResult{
				Status:       StatusFailed,
				ResponseCode: code,
				ResponseBody: respBody,
				Error:        errMsg,
			})
			e.setDeliveryStatuses(ctx, t, StatusMaxRetriesExceeded)
			e.metrics.IncrementCounter("webhook_deliveries_exhausted", 1)
			if e.config.EnableDLQ {
				e.deadLetter(t, body, errMsg, code)
			}
			return nil
		}

		delay := bo.NextBackOff()
		nextRetry := time.Now().Add(delay)
		e.updateAttempts(ctx, attempts, AttemptResult{
			Status:       StatusFailed,
			ResponseCode: code,
			ResponseBody: respBody,
			Error:        errMsg,
			NextRetryAt:  &nextRetry,
		})
		e.metrics.IncrementCounter("webhook_attempts_retried", 1)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-e.stopCh:
			timer.Stop()
			return ErrEngineStopped
		case <-timer.C:
		}
	}
	return nil
}

// payload serializes the task envelope; a batch task posts a single
// {type:"batch",events:[…]} body
func (t *task) payload() ([]byte, error) {
	if len(t.Batch) > 0 {
		return json.Marshal(map[string]interface{}{
			"type":   "batch",
			"events": t.Batch,
		})
	}
	return json.Marshal(t.Event)
}

func (e *Engine) createAttempts(ctx context.Context, t *task, url string, headers map[string]string, body string, retry int) ([]*Attempt, error) {
	attempts := make([]*Attempt, 0, len(t.DeliveryIDs))
	for _, deliveryID := range t.DeliveryIDs {
		a, err := e.repo.CreateAttempt(ctx, deliveryID, AttemptSnapshot{
			URL:     url,
			Headers: headers,
			Body:    body,
			Retry:   retry,
		})
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, nil
}

func (e *Engine) updateAttempts(ctx context.Context, attempts []*Attempt, result AttemptResult) {
	for _, a := range attempts {
		if _, err := e.repo.UpdateAttempt(ctx, a.ID, result); err != nil {
			e.logger.Warn("Failed to update attempt record", map[string]interface{}{
				"attempt_id": a.ID,
				"error":      err.Error(),
			})
		}
	}
}

func (e *Engine) setDeliveryStatuses(ctx context.Context, t *task, status DeliveryStatus) {
	for _, deliveryID := range t.DeliveryIDs {
		if err := e.repo.UpdateDeliveryStatus(ctx, deliveryID, status); err != nil {
			e.logger.Warn("Failed to update delivery status", map[string]interface{}{
				"delivery_id": deliveryID,
				"error":       err.Error(),
			})
		}
	}
}

func (e *Engine) failDeliveries(ctx context.Context, t *task, reason string) {
	e.logger.Warn("Failing delivery", map[string]interface{}{
		"delivery_ids": t.DeliveryIDs,
		"reason":       reason,
	})
	e.setDeliveryStatuses(ctx, t, StatusFailed)
}

func (e *Engine) deadLetter(t *task, payload []byte, errMsg string, code int) {
	reason := errMsg
	if reason == "" {
		reason = fmt.Sprintf("http status %d", code)
	}
	for _, deliveryID := range t.DeliveryIDs {
		e.dlq.Add(&DeadLetterEntry{
			DeliveryID: deliveryID,
			WebhookID:  t.WebhookID,
			EventType:  t.EventType,
			Reason:     reason,
			Payload:    json.RawMessage(payload),
		})
	}
	e.metrics.IncrementCounter("webhook_dead_lettered", 1)
}

// DeadLetters exposes the dead-letter queue
func (e *Engine) DeadLetters() *DeadLetterQueue {
	return e.dlq
}

// ReprocessDeadLetterQueue re-enqueues every dead-letter entry as a new
// delivery attempt sequence and returns the number reprocessed
func (e *Engine) ReprocessDeadLetterQueue(ctx context.Context) (int, error) {
	count := 0
	for _, entry := range e.dlq.Items() {
		var event Event
		if err := json.Unmarshal(entry.Payload, &event); err != nil {
			e.logger.Warn("Skipping dead-letter entry with unreadable payload", map[string]interface{}{
				"delivery_id": entry.DeliveryID,
				"error":       err.Error(),
			})
			continue
		}
		if err := e.repo.UpdateDeliveryStatus(ctx, entry.DeliveryID, StatusPending); err != nil {
			e.logger.Warn("Skipping dead-letter entry, delivery missing", map[string]interface{}{
				"delivery_id": entry.DeliveryID,
				"error":       err.Error(),
			})
			continue
		}
		t := &task{
			DeliveryIDs: []string{entry.DeliveryID},
			WebhookID:   entry.WebhookID,
			EventType:   entry.EventType,
			Event:       &event,
		}
		if err := e.enqueueTask(t); err != nil {
			return count, err
		}
		e.dlq.Remove(entry.DeliveryID)
		count++
	}
	return count, nil
}

// QueueDepth returns the number of queued tasks
func (e *Engine) QueueDepth() int {
	return e.queue.Len()
}

// Stats returns engine-level counters and gauges
func (e *Engine) Stats() map[string]interface{} {
	e.mu.Lock()
	batches := len(e.batches)
	debounces := len(e.debounces)
	e.mu.Unlock()
	return map[string]interface{}{
		"queue_depth":       e.queue.Len(),
		"queue_capacity":    e.config.QueueCapacity,
		"dead_letter_count": e.dlq.Len(),
		"open_batches":      batches,
		"pending_debounces": debounces,
	}
}
