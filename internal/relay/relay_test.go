package relay

import (
	"testing"
	"time"

	"github.com/archipel-mesh/archipel/internal/store"
)

func TestEnqueue_NoCapAdmitsEverything(t *testing.T) {
	db := store.NewMemory()
	q := New(store.NewRelayStore(db), 0, nil)

	now := time.Now()
	for i := 0; i < 10; i++ {
		if _, err := q.Enqueue(store.RelayRecord{
			TargetID:  "target",
			SenderID:  "flooder",
			CreatedAt: now.Unix() + int64(i),
			ExpiresAt: now.Add(time.Hour).Unix(),
		}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	live, err := q.FetchAndDelete("target", now)
	if err != nil {
		t.Fatalf("FetchAndDelete: %v", err)
	}
	if len(live) != 10 {
		t.Fatalf("len(live) = %d, want 10", len(live))
	}
}

func TestEnqueue_CapEvictsOldestFromSameSender(t *testing.T) {
	db := store.NewMemory()
	q := New(store.NewRelayStore(db), 3, nil)

	now := time.Now()
	for i := 0; i < 5; i++ {
		if _, err := q.Enqueue(store.RelayRecord{
			TargetID:   "target",
			SenderID:   "flooder",
			PacketData: string(rune('a' + i)),
			CreatedAt:  now.Unix() + int64(i),
			ExpiresAt:  now.Add(time.Hour).Unix(),
		}); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	live, err := q.FetchAndDelete("target", now)
	if err != nil {
		t.Fatalf("FetchAndDelete: %v", err)
	}
	if len(live) != 3 {
		t.Fatalf("len(live) = %d, want 3 (cap enforced)", len(live))
	}
	for _, rec := range live {
		if rec.PacketData == "a" || rec.PacketData == "b" {
			t.Errorf("oldest envelopes should have been evicted, found %q", rec.PacketData)
		}
	}
}

func TestEnqueue_CapIsPerSenderNotGlobal(t *testing.T) {
	db := store.NewMemory()
	q := New(store.NewRelayStore(db), 1, nil)

	now := time.Now()
	if _, err := q.Enqueue(store.RelayRecord{TargetID: "target", SenderID: "alice", CreatedAt: now.Unix(), ExpiresAt: now.Add(time.Hour).Unix()}); err != nil {
		t.Fatalf("Enqueue alice: %v", err)
	}
	if _, err := q.Enqueue(store.RelayRecord{TargetID: "target", SenderID: "bob", CreatedAt: now.Unix(), ExpiresAt: now.Add(time.Hour).Unix()}); err != nil {
		t.Fatalf("Enqueue bob: %v", err)
	}

	live, err := q.FetchAndDelete("target", now)
	if err != nil {
		t.Fatalf("FetchAndDelete: %v", err)
	}
	if len(live) != 2 {
		t.Fatalf("len(live) = %d, want 2 (alice's cap should not evict bob)", len(live))
	}
}
