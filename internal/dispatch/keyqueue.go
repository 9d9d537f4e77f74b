// Package dispatch is the in-memory fairness layer between the queue store
// and the workers. It serializes messages that share an ordering key while
// letting distinct keys run in parallel up to a bound.
package dispatch

import (
	"sync"

	"github.com/direclaw/direclaw/internal/queue"
)

// Item pairs a claimed message with its ordering key.
type Item struct {
	Key   queue.OrderingKey
	Claim *queue.Claimed
}

// KeyQueue holds pending items in FIFO order and tracks which keys are
// currently in flight. Invariants: at most one item per key is active; FIFO
// within a key is preserved; distinct keys may run together.
type KeyQueue struct {
	mu      sync.Mutex
	pending []Item
	active  map[queue.OrderingKey]bool
}

// NewKeyQueue returns an empty scheduler.
func NewKeyQueue() *KeyQueue {
	return &KeyQueue{active: make(map[queue.OrderingKey]bool)}
}

// Enqueue appends an item in arrival order.
func (q *KeyQueue) Enqueue(item Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, item)
}

// DequeueRunnable selects up to max items whose keys are neither active nor
// already chosen in this call, marking the selected keys active. Items with
// a busy key keep their relative order on a remainder queue that replaces
// pending, so no key is skipped indefinitely: once a busy key completes its
// head-of-line message is eligible on the very next call.
func (q *KeyQueue) DequeueRunnable(max int) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	var selected []Item
	remainder := q.pending[:0:0]
	for _, item := range q.pending {
		if len(selected) < max && !q.active[item.Key] {
			q.active[item.Key] = true
			selected = append(selected, item)
			continue
		}
		remainder = append(remainder, item)
	}
	q.pending = remainder
	return selected
}

// Complete removes a key from the active set.
func (q *KeyQueue) Complete(key queue.OrderingKey) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, key)
}

// DrainPending removes and returns all pending items without touching the
// active set. Used on shutdown to requeue unstarted work.
func (q *KeyQueue) DrainPending() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.pending
	q.pending = nil
	return items
}

// PendingLen reports the number of scheduled-but-unselected items.
func (q *KeyQueue) PendingLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// ActiveLen reports the number of in-flight keys.
func (q *KeyQueue) ActiveLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}
