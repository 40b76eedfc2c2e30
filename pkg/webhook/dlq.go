package webhook

import (
	"sync"
	"time"
)

// DeadLetterQueue holds deliveries that exhausted their retries, keyed
// by delivery id and available for reprocessing.
type DeadLetterQueue struct {
	mu      sync.Mutex
	entries map[string]*DeadLetterEntry
	order   []string
}

// NewDeadLetterQueue creates an empty dead-letter queue
func NewDeadLetterQueue() *DeadLetterQueue {
	return &DeadLetterQueue{entries: make(map[string]*DeadLetterEntry)}
}

// Add inserts or replaces an entry for a delivery
func (q *DeadLetterQueue) Add(entry *DeadLetterEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now().UTC()
	}
	if _, ok := q.entries[entry.DeliveryID]; !ok {
		q.order = append(q.order, entry.DeliveryID)
	}
	q.entries[entry.DeliveryID] = entry
}

// Get returns the entry for a delivery id
func (q *DeadLetterQueue) Get(deliveryID string) (*DeadLetterEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[deliveryID]
	return entry, ok
}

// Remove deletes the entry for a delivery id
func (q *DeadLetterQueue) Remove(deliveryID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[deliveryID]; !ok {
		return false
	}
	delete(q.entries, deliveryID)
	for i, id := range q.order {
		if id == deliveryID {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return true
}

// Items returns the entries in enqueue order
func (q *DeadLetterQueue) Items() []*DeadLetterEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]*DeadLetterEntry, 0, len(q.order))
	for _, id := range q.order {
		if entry, ok := q.entries[id]; ok {
			items = append(items, entry)
		}
	}
	return items
}

// Len returns the number of entries
func (q *DeadLetterQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
