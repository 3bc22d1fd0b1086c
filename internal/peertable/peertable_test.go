package peertable

import (
	"testing"
	"time"
)

func TestUpsert_NewPeerGetsDefaultReputation(t *testing.T) {
	tbl := New()
	e := tbl.Upsert(Entry{NodeID: "a", Address: "10.0.0.1", Port: 7777})
	if e.Reputation != DefaultReputation {
		t.Errorf("Reputation = %d, want %d", e.Reputation, DefaultReputation)
	}
}

func TestUpsert_PreservesReputationAndSessionKey(t *testing.T) {
	tbl := New()
	tbl.Upsert(Entry{NodeID: "a", Address: "10.0.0.1", Port: 7777})
	tbl.Penalize("a", 30)
	tbl.SetSessionKey("a", [32]byte{1, 2, 3})

	tbl.Upsert(Entry{NodeID: "a", Address: "10.0.0.2", Port: 7778})

	got := tbl.Get("a")
	if got.Address != "10.0.0.2" {
		t.Errorf("Address not updated: %s", got.Address)
	}
	if got.Reputation != DefaultReputation-30 {
		t.Errorf("Reputation = %d, want %d (preserved across upsert)", got.Reputation, DefaultReputation-30)
	}
	if got.SessionKey == nil {
		t.Error("SessionKey was cleared by Upsert(), want preserved")
	}
}

func TestPenalize_FlooredAtZero(t *testing.T) {
	tbl := New()
	tbl.Upsert(Entry{NodeID: "a"})
	tbl.Penalize("a", 1000)

	got := tbl.Get("a")
	if got.Reputation != 0 {
		t.Errorf("Reputation = %d, want 0 (floored)", got.Reputation)
	}
}

func TestPenalize_DefaultDelta(t *testing.T) {
	tbl := New()
	tbl.Upsert(Entry{NodeID: "a"})
	tbl.Penalize("a", 0)

	got := tbl.Get("a")
	if got.Reputation != DefaultReputation-DefaultPenalty {
		t.Errorf("Reputation = %d, want %d", got.Reputation, DefaultReputation-DefaultPenalty)
	}
}

func TestPruneDead_RemovesStaleEntries(t *testing.T) {
	tbl := New()
	now := time.Unix(100000, 0)
	tbl.clock = func() time.Time { return now }

	tbl.Upsert(Entry{NodeID: "fresh"})
	tbl.Upsert(Entry{NodeID: "stale"})

	tbl.clock = func() time.Time { return now.Add(PeerTTL + time.Second) }
	removed := tbl.PruneDead()

	if len(removed) != 2 {
		t.Fatalf("PruneDead() removed %d, want 2 (both past TTL)", len(removed))
	}
	if tbl.Get("fresh") != nil {
		t.Error("fresh peer should have been pruned after TTL elapsed")
	}
}

func TestGetActive_ExcludesStale(t *testing.T) {
	tbl := New()
	now := time.Unix(200000, 0)
	tbl.clock = func() time.Time { return now }
	tbl.Upsert(Entry{NodeID: "a"})

	tbl.clock = func() time.Time { return now.Add(PeerTTL / 2) }
	tbl.Upsert(Entry{NodeID: "b"})

	tbl.clock = func() time.Time { return now.Add(PeerTTL + time.Second) }
	active := tbl.GetActive()

	for _, e := range active {
		if e.NodeID == "a" {
			t.Error("GetActive() included a peer past its TTL")
		}
	}
}

func TestSummaryFor_UnknownPeer(t *testing.T) {
	tbl := New()
	if tbl.SummaryFor("ghost") != nil {
		t.Error("SummaryFor() for an unknown peer should be nil")
	}
}

func TestAllSummaries_ReflectsActivePeers(t *testing.T) {
	tbl := New()
	tbl.Upsert(Entry{NodeID: "a", SharedFiles: []string{"report.pdf"}})
	tbl.Upsert(Entry{NodeID: "b"})

	summaries := tbl.AllSummaries()
	if len(summaries) != 2 {
		t.Fatalf("AllSummaries() = %d entries, want 2", len(summaries))
	}
}
