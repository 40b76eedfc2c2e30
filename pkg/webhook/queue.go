package webhook

import (
	"container/heap"
	"sync"
	"time"
)

// task is one unit of delivery work. A task usually carries a single
// delivery; a flushed batch carries one per buffered event.
type task struct {
	DeliveryIDs []string `json:"delivery_ids"`
	WebhookID   string   `json:"webhook_id"`
	EventType   string   `json:"event_type"`
	Event       *Event   `json:"event,omitempty"`
	Batch       []Event  `json:"batch,omitempty"`
	Priority    int      `json:"priority"`

	seq        uint64
	enqueuedAt time.Time
}

// deliveryQueue is a bounded priority queue: higher priority first, ties
// FIFO by enqueue sequence
type deliveryQueue struct {
	mu       sync.Mutex
	heap     taskHeap
	capacity int
	seq      uint64
}

func newDeliveryQueue(capacity int) *deliveryQueue {
	q := &deliveryQueue{capacity: capacity}
	heap.Init(&q.heap)
	return q
}

// Push enqueues a task, returning ErrQueueFull at capacity
func (q *deliveryQueue) Push(t *task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.capacity > 0 && q.heap.Len() >= q.capacity {
		return ErrQueueFull
	}
	q.seq++
	t.seq = q.seq
	if t.enqueuedAt.IsZero() {
		t.enqueuedAt = time.Now()
	}
	heap.Push(&q.heap, t)
	return nil
}

// Pop dequeues the highest-priority task, or nil when empty
func (q *deliveryQueue) Pop() *task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.heap.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.heap).(*task)
}

// Len returns the queued task count
func (q *deliveryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// NearCapacity reports whether occupancy is at or above the threshold
// fraction of capacity
func (q *deliveryQueue) NearCapacity(threshold float64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity <= 0 {
		return false
	}
	return float64(q.heap.Len()) >= threshold*float64(q.capacity)
}

// Drain removes and returns every queued task in priority order
func (q *deliveryQueue) Drain() []*task {
	q.mu.Lock()
	defer q.mu.Unlock()

	tasks := make([]*task, 0, q.heap.Len())
	for q.heap.Len() > 0 {
		tasks = append(tasks, heap.Pop(&q.heap).(*task))
	}
	return tasks
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(*task)) }

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
