// Package peertable tracks the set of known peers, their liveness,
// established session keys, and reputation. It is the single
// process-wide actor owning this state; all mutation is serialized
// through its mutex, and every other component reaches it only through
// these methods — never by reading a shared map directly.
package peertable

import (
	"sync"
	"time"
)

// PeerTTL is the liveness window: a peer not seen within this long is
// considered dead and pruned.
const PeerTTL = 90 * time.Second

// DefaultReputation is the starting reputation assigned to a newly
// discovered peer.
const DefaultReputation = 100

// DefaultPenalty is the amount subtracted from a peer's reputation by
// Penalize when no explicit delta is given.
const DefaultPenalty = 10

// Entry is one peer's in-memory state.
type Entry struct {
	NodeID           string
	Address          string
	Port             int
	SigningPublicKey []byte
	DHPublicKey      []byte
	SharedFiles      []string
	LastSeen         time.Time
	Reputation       int
	SessionKey       *[32]byte
}

// Table is the process-wide peer directory.
type Table struct {
	mu    sync.RWMutex
	peers map[string]*Entry
	clock func() time.Time
}

// New creates an empty Table.
func New() *Table {
	return &Table{
		peers: make(map[string]*Entry),
		clock: time.Now,
	}
}

// Upsert inserts or updates a peer entry. Reputation and SessionKey are
// carried over from any existing entry rather than reset, since those
// fields are earned/established independently of address/key updates.
func (t *Table) Upsert(info Entry) *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.peers[info.NodeID]
	if !ok {
		info.Reputation = DefaultReputation
		if info.LastSeen.IsZero() {
			info.LastSeen = t.clock()
		}
		entry := info
		t.peers[info.NodeID] = &entry
		return &entry
	}

	existing.Address = info.Address
	existing.Port = info.Port
	if info.SigningPublicKey != nil {
		existing.SigningPublicKey = info.SigningPublicKey
	}
	if info.DHPublicKey != nil {
		existing.DHPublicKey = info.DHPublicKey
	}
	if info.SharedFiles != nil {
		existing.SharedFiles = info.SharedFiles
	}
	existing.LastSeen = t.clock()
	return existing
}

// Get returns the entry for nodeID, or nil if unknown.
func (t *Table) Get(nodeID string) *Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.peers[nodeID]
	if !ok {
		return nil
	}
	copyEntry := *entry
	return &copyEntry
}

// GetActive returns every peer not yet past its TTL, pruning stale
// entries first.
func (t *Table) GetActive() []Entry {
	t.PruneDead()

	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Entry, 0, len(t.peers))
	for _, e := range t.peers {
		out = append(out, *e)
	}
	return out
}

// PruneDead removes every entry whose LastSeen is older than PeerTTL,
// returning the removed NodeIDs.
func (t *Table) PruneDead() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	var removed []string
	for id, e := range t.peers {
		if now.Sub(e.LastSeen) > PeerTTL {
			removed = append(removed, id)
			delete(t.peers, id)
		}
	}
	return removed
}

// SetSessionKey installs an established session key on a peer entry.
// It is a no-op if the peer is unknown.
func (t *Table) SetSessionKey(nodeID string, key [32]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.peers[nodeID]; ok {
		k := key
		e.SessionKey = &k
	}
}

// Penalize subtracts delta from a peer's reputation, floored at 0. A
// delta of 0 applies DefaultPenalty.
func (t *Table) Penalize(nodeID string, delta int) {
	if delta == 0 {
		delta = DefaultPenalty
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.peers[nodeID]; ok {
		e.Reputation -= delta
		if e.Reputation < 0 {
			e.Reputation = 0
		}
	}
}

// Summary is the subset of an Entry advertised in a PEER_LIST frame.
type Summary struct {
	NodeID           string
	Address          string
	Port             int
	SigningPublicKey []byte
	DHPublicKey      []byte
	SharedFiles      []string
}

// SummaryFor returns the advertisable summary of a known peer, or nil.
func (t *Table) SummaryFor(nodeID string) *Summary {
	e := t.Get(nodeID)
	if e == nil {
		return nil
	}
	return &Summary{
		NodeID:           e.NodeID,
		Address:          e.Address,
		Port:             e.Port,
		SigningPublicKey: e.SigningPublicKey,
		DHPublicKey:      e.DHPublicKey,
		SharedFiles:      e.SharedFiles,
	}
}

// AllSummaries returns the advertisable summary of every currently
// active peer, for building a PEER_LIST frame.
func (t *Table) AllSummaries() []Summary {
	active := t.GetActive()
	out := make([]Summary, 0, len(active))
	for _, e := range active {
		out = append(out, Summary{
			NodeID:           e.NodeID,
			Address:          e.Address,
			Port:             e.Port,
			SigningPublicKey: e.SigningPublicKey,
			DHPublicKey:      e.DHPublicKey,
			SharedFiles:      e.SharedFiles,
		})
	}
	return out
}
