package dispatch

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/direclaw/direclaw/internal/queue"
)

func item(key, id string) Item {
	return Item{
		Key:   queue.OrderingKey(key),
		Claim: &queue.Claimed{Message: &queue.IncomingMessage{MessageID: id}},
	}
}

func ids(items []Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Claim.Message.MessageID
	}
	return out
}

func TestDequeueRunnable_OnePerKey(t *testing.T) {
	q := NewKeyQueue()
	q.Enqueue(item("conv:a", "a1"))
	q.Enqueue(item("conv:a", "a2"))
	q.Enqueue(item("conv:b", "b1"))

	got := ids(q.DequeueRunnable(4))
	if len(got) != 2 || got[0] != "a1" || got[1] != "b1" {
		t.Fatalf("first batch = %v, want [a1 b1]", got)
	}
	// a2 stays behind its busy key.
	if got := ids(q.DequeueRunnable(4)); len(got) != 0 {
		t.Fatalf("second batch = %v, want none while conv:a is active", got)
	}
	q.Complete("conv:a")
	if got := ids(q.DequeueRunnable(4)); len(got) != 1 || got[0] != "a2" {
		t.Fatalf("after complete = %v, want [a2]", got)
	}
}

func TestDequeueRunnable_MaxBound(t *testing.T) {
	q := NewKeyQueue()
	for i := 0; i < 6; i++ {
		q.Enqueue(item(fmt.Sprintf("conv:%d", i), fmt.Sprintf("m%d", i)))
	}
	if got := q.DequeueRunnable(4); len(got) != 4 {
		t.Fatalf("batch size = %d, want 4", len(got))
	}
	if q.PendingLen() != 2 {
		t.Errorf("pending = %d, want 2", q.PendingLen())
	}
	if q.ActiveLen() != 4 {
		t.Errorf("active = %d, want 4", q.ActiveLen())
	}
}

func TestDequeueRunnable_BusyKeyDoesNotBlockLaterKeys(t *testing.T) {
	q := NewKeyQueue()
	q.Enqueue(item("conv:a", "a1"))
	q.DequeueRunnable(4)

	q.Enqueue(item("conv:a", "a2"))
	q.Enqueue(item("conv:b", "b1"))
	got := ids(q.DequeueRunnable(4))
	if len(got) != 1 || got[0] != "b1" {
		t.Fatalf("batch = %v, want [b1] past the busy key", got)
	}
}

func TestDrainPending(t *testing.T) {
	q := NewKeyQueue()
	q.Enqueue(item("conv:a", "a1"))
	q.Enqueue(item("conv:b", "b1"))
	q.DequeueRunnable(1)

	drained := ids(q.DrainPending())
	if len(drained) != 1 || drained[0] != "b1" {
		t.Fatalf("drained = %v, want [b1]", drained)
	}
	if q.PendingLen() != 0 {
		t.Errorf("pending = %d after drain", q.PendingLen())
	}
	if q.ActiveLen() != 1 {
		t.Errorf("active = %d, drain must not touch active keys", q.ActiveLen())
	}
}

// TestKeyQueueFIFOProperty checks that for any interleaving of enqueues and
// bounded dequeue/complete cycles, messages sharing an ordering key are
// observed in enqueue order.
func TestKeyQueueFIFOProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("per-key order is preserved under bounded scheduling", prop.ForAll(
		func(keys []uint8, batch uint8) bool {
			max := int(batch%4) + 1
			q := NewKeyQueue()
			perKeySent := make(map[queue.OrderingKey][]string)
			for i, k := range keys {
				key := queue.OrderingKey(fmt.Sprintf("conv:%d", k%5))
				id := fmt.Sprintf("m%d", i)
				q.Enqueue(Item{Key: key, Claim: &queue.Claimed{Message: &queue.IncomingMessage{MessageID: id}}})
				perKeySent[key] = append(perKeySent[key], id)
			}

			perKeySeen := make(map[queue.OrderingKey][]string)
			for {
				selected := q.DequeueRunnable(max)
				if len(selected) == 0 {
					if q.PendingLen() == 0 {
						break
					}
					return false // stuck scheduler
				}
				if len(selected) > max {
					return false
				}
				inBatch := make(map[queue.OrderingKey]bool)
				for _, it := range selected {
					if inBatch[it.Key] {
						return false // two items of one key in flight
					}
					inBatch[it.Key] = true
					perKeySeen[it.Key] = append(perKeySeen[it.Key], it.Claim.Message.MessageID)
					q.Complete(it.Key)
				}
			}

			for key, sent := range perKeySent {
				seen := perKeySeen[key]
				if len(seen) != len(sent) {
					return false
				}
				for i := range sent {
					if seen[i] != sent[i] {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt8()),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
