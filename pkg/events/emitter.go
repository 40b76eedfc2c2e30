// Package events provides a small in-process emitter that bridges
// application events into webhook fan-out.
package events

import (
	"context"
	"sync"

	"github.com/smartramana/hookmesh/pkg/observability"
	"github.com/smartramana/hookmesh/pkg/webhook"
)

// Listener receives an emitted event
type Listener func(eventType string, data map[string]interface{})

// Emitter dispatches events to in-process listeners and then fans them
// out to subscribed webhooks through the delivery engine. Listeners run
// synchronously in registration order; a panicking listener is recovered
// and logged so the rest of the chain still runs.
type Emitter struct {
	engine *webhook.Engine
	logger observability.Logger

	mu        sync.Mutex
	nextID    int
	listeners map[string][]registration
}

type registration struct {
	id int
	fn Listener
}

// NewEmitter creates an emitter bound to a delivery engine. A nil
// engine is allowed; the emitter then only serves local listeners.
func NewEmitter(engine *webhook.Engine, logger observability.Logger) *Emitter {
	if logger == nil {
		logger = observability.NewLogger("events")
	}
	return &Emitter{
		engine:    engine,
		logger:    logger,
		listeners: make(map[string][]registration),
	}
}

// On registers a listener for an event type and returns its
// unsubscribe function. Unsubscribing twice is a no-op.
func (e *Emitter) On(eventType string, fn Listener) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	id := e.nextID
	e.listeners[eventType] = append(e.listeners[eventType], registration{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { e.off(eventType, id) })
	}
}

// Once registers a listener that fires at most once
func (e *Emitter) Once(eventType string, fn Listener) func() {
	var once sync.Once
	var unsubscribe func()
	unsubscribe = e.On(eventType, func(eventType string, data map[string]interface{}) {
		once.Do(func() {
			unsubscribe()
			fn(eventType, data)
		})
	})
	return unsubscribe
}

func (e *Emitter) off(eventType string, id int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	regs := e.listeners[eventType]
	for i, reg := range regs {
		if reg.id == id {
			e.listeners[eventType] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

// ListenerCount returns the number of listeners for an event type
func (e *Emitter) ListenerCount(eventType string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners[eventType])
}

// Emit runs the local listeners for the event, then fans it out to
// subscribed webhooks. It returns the deliveries created by the
// fan-out.
func (e *Emitter) Emit(ctx context.Context, eventType string, data map[string]interface{}) []*webhook.Delivery {
	e.mu.Lock()
	regs := append([]registration(nil), e.listeners[eventType]...)
	e.mu.Unlock()

	for _, reg := range regs {
		e.invoke(reg.fn, eventType, data)
	}
	if e.engine == nil {
		return nil
	}
	return e.engine.TriggerEvent(ctx, eventType, data)
}

func (e *Emitter) invoke(fn Listener, eventType string, data map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Event listener panicked", map[string]interface{}{
				"event_type": eventType,
				"panic":      r,
			})
		}
	}()
	fn(eventType, data)
}
