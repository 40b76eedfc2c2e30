package webhook

import (
	"context"
	"sync"
	"time"
)

// batchBuffer accumulates events of one type for one webhook until the
// batch fills or the window timer fires
type batchBuffer struct {
	mu          sync.Mutex
	webhookID   string
	eventType   string
	events      []Event
	deliveryIDs []string
	priority    int
	timer       *time.Timer
	flushed     bool
}

func (b *batchBuffer) task() *task {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushed = true
	return &task{
		DeliveryIDs: b.deliveryIDs,
		WebhookID:   b.webhookID,
		EventType:   b.eventType,
		Batch:       b.events,
		Priority:    b.priority,
	}
}

// debounceEntry holds the latest event for a collapse key while its
// window timer runs
type debounceEntry struct {
	task  *task
	timer *time.Timer
}

func batchKey(webhookID, eventType string) string {
	return webhookID + "\x00" + eventType
}

func debounceMapKey(webhookID, eventType, debounceKey string) string {
	if debounceKey == "" {
		debounceKey = eventType
	}
	return webhookID + "\x00" + eventType + "\x00" + debounceKey
}

// batchEvent adds an event to the open batch for (webhook, type),
// opening one with a window timer when none exists. A full batch
// flushes immediately.
func (e *Engine) batchEvent(ctx context.Context, webhookID string, event *Event, policy BatchPolicy, o queueOptions) (*Delivery, error) {
	d, err := e.repo.CreateDelivery(ctx, webhookID, event.Type, nil)
	if err != nil {
		return nil, err
	}
	e.rememberIdempotent(webhookID, o.idempotencyKey, d.ID)

	key := batchKey(webhookID, event.Type)

	e.mu.Lock()
	b, ok := e.batches[key]
	if !ok {
		b = &batchBuffer{
			webhookID: webhookID,
			eventType: event.Type,
		}
		window := policy.Window
		if window <= 0 {
			window = time.Second
		}
		b.timer = time.AfterFunc(window, func() { e.flushBatch(key) })
		e.batches[key] = b
	}
	e.mu.Unlock()

	b.mu.Lock()
	if b.flushed {
		b.mu.Unlock()
		// Lost the race with the window timer; deliver standalone
		t := &task{
			DeliveryIDs: []string{d.ID},
			WebhookID:   webhookID,
			EventType:   event.Type,
			Event:       event,
			Priority:    o.priority,
		}
		if err := e.enqueueTask(t); err != nil {
			return nil, err
		}
		return d, nil
	}
	b.events = append(b.events, *event)
	b.deliveryIDs = append(b.deliveryIDs, d.ID)
	if o.priority > b.priority {
		b.priority = o.priority
	}
	full := policy.Size > 0 && len(b.events) >= policy.Size
	b.mu.Unlock()

	if full {
		e.flushBatch(key)
	}
	return d, nil
}

// flushBatch closes the buffer for the key and enqueues its task
func (e *Engine) flushBatch(key string) {
	e.mu.Lock()
	b, ok := e.batches[key]
	if ok {
		delete(e.batches, key)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	b.timer.Stop()
	t := b.task()
	if len(t.DeliveryIDs) == 0 {
		return
	}
	if err := e.enqueueTask(t); err != nil {
		e.logger.Warn("Failed to enqueue flushed batch", map[string]interface{}{
			"webhook_id": t.WebhookID,
			"event_type": t.EventType,
			"error":      err.Error(),
		})
		e.setDeliveryStatuses(context.Background(), t, StatusFailed)
	}
}

// debounceEvent collapses bursts per (webhook, type, key): a newer event
// replaces the pending one, whose delivery is marked failed as
// superseded. Under queue pressure the window does not reset, so a
// sustained burst still drains.
func (e *Engine) debounceEvent(ctx context.Context, webhookID string, event *Event, policy DebouncePolicy, o queueOptions) (*Delivery, error) {
	d, err := e.repo.CreateDelivery(ctx, webhookID, event.Type, nil)
	if err != nil {
		return nil, err
	}
	e.rememberIdempotent(webhookID, o.idempotencyKey, d.ID)

	key := debounceMapKey(webhookID, event.Type, o.debounceKey)
	t := &task{
		DeliveryIDs: []string{d.ID},
		WebhookID:   webhookID,
		EventType:   event.Type,
		Event:       event,
		Priority:    o.priority,
	}
	window := policy.Window
	if window <= 0 {
		window = time.Second
	}
	pressured := e.queue.NearCapacity(queuePressureThreshold)

	e.mu.Lock()
	entry, ok := e.debounces[key]
	if ok {
		superseded := entry.task
		entry.task = t
		if !pressured {
			entry.timer.Reset(window)
		}
		e.mu.Unlock()
		e.supersede(ctx, superseded)
		return d, nil
	}
	e.debounces[key] = &debounceEntry{
		task:  t,
		timer: time.AfterFunc(window, func() { e.fireDebounce(key) }),
	}
	e.mu.Unlock()
	return d, nil
}

// fireDebounce releases the pending task for a collapse key
func (e *Engine) fireDebounce(key string) {
	e.mu.Lock()
	entry, ok := e.debounces[key]
	if ok {
		delete(e.debounces, key)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	if err := e.enqueueTask(entry.task); err != nil {
		e.logger.Warn("Failed to enqueue debounced event", map[string]interface{}{
			"webhook_id": entry.task.WebhookID,
			"event_type": entry.task.EventType,
			"error":      err.Error(),
		})
		e.setDeliveryStatuses(context.Background(), entry.task, StatusFailed)
	}
}

// supersede fails the delivery of a debounce-replaced event
func (e *Engine) supersede(ctx context.Context, t *task) {
	for _, deliveryID := range t.DeliveryIDs {
		if err := e.repo.UpdateDeliveryStatus(ctx, deliveryID, StatusFailed); err != nil {
			e.logger.Warn("Failed to mark superseded delivery", map[string]interface{}{
				"delivery_id": deliveryID,
				"error":       err.Error(),
			})
		}
	}
}
