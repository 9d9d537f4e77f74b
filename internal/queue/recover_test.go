package queue

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecoverProcessing_MovesLeftoversBack(t *testing.T) {
	store, _ := newTestStore(t)
	enqueue(t, store, "m1", "hello")
	c, err := store.ClaimOldest()
	if err != nil || c == nil {
		t.Fatalf("claim: %v %v", c, err)
	}

	// Simulate a crash: the claim is never completed or requeued.
	res, err := store.RecoverProcessing()
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Recovered) != 1 || len(res.Deleted) != 0 {
		t.Fatalf("result = %+v, want one recovered", res)
	}
	name := filepath.Base(res.Recovered[0])
	if !strings.HasPrefix(name, "recovered_0_") {
		t.Errorf("recovered name = %q", name)
	}
	if in, proc, _ := store.Depths(); in != 1 || proc != 0 {
		t.Errorf("depths = (%d,%d), want (1,0)", in, proc)
	}
}

func TestRecoverProcessing_DeletesAlreadyDelivered(t *testing.T) {
	store, _ := newTestStore(t)
	enqueue(t, store, "m1", "hello")
	c, _ := store.ClaimOldest()

	// Reply written but the processing file cleanup was lost.
	if _, err := store.WriteOutgoing(&OutgoingMessage{
		Channel:         "local",
		Agent:           "orch",
		Message:         "done",
		MessageID:       "reply-1",
		OriginalMessage: c.Message,
	}); err != nil {
		t.Fatal(err)
	}

	res, err := store.RecoverProcessing()
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Deleted) != 1 || len(res.Recovered) != 0 {
		t.Errorf("result = %+v, want one deleted", res)
	}
	if in, proc, _ := store.Depths(); in != 0 || proc != 0 {
		t.Errorf("depths = (%d,%d), want (0,0)", in, proc)
	}
}

func TestRecoverProcessing_DeduplicatesWithinPass(t *testing.T) {
	store, paths := newTestStore(t)

	// Two processing files carrying the same (channel, message_id).
	for _, name := range []string{"local_m1_10.json", "local_m1_10_requeue_1.json"} {
		path := filepath.Join(paths.QueueProcessing(), name)
		payload := `{"channel":"local","message":"x","message_id":"m1","timestamp":10}`
		if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	res, err := store.RecoverProcessing()
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Recovered) != 1 || len(res.Deleted) != 1 {
		t.Errorf("result = %+v, want one recovered and one duplicate deleted", res)
	}
}

func TestRecoverProcessing_IdempotentAcrossCrashes(t *testing.T) {
	store, paths := newTestStore(t)
	enqueue(t, store, "m1", "hello")
	if _, err := store.ClaimOldest(); err != nil {
		t.Fatal(err)
	}

	first, err := store.RecoverProcessing()
	if err != nil {
		t.Fatal(err)
	}

	// The recovered file is claimed again and the process crashes again.
	c, err := store.ClaimOldest()
	if err != nil || c == nil {
		t.Fatalf("re-claim: %v %v", c, err)
	}
	second, err := store.RecoverProcessing()
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Recovered) != 1 || len(second.Recovered) != 1 {
		t.Fatalf("recovered = %d then %d, want 1 and 1", len(first.Recovered), len(second.Recovered))
	}
	entries, _ := os.ReadDir(paths.QueueIncoming())
	if len(entries) != 1 {
		t.Errorf("incoming = %v, want exactly one payload", entries)
	}
	if _, proc, _ := store.Depths(); proc != 0 {
		t.Errorf("processing depth = %d, want 0", proc)
	}
}
