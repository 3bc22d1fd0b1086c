// Package trust implements trust-on-first-use (TOFU) key pinning: the
// signing and DH public keys first observed for a NodeId are pinned,
// and any later sighting with different keys is flagged as a mismatch
// rather than silently accepted.
package trust

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/archipel-mesh/archipel/internal/store"
)

// Status describes the outcome of a CheckTrust call.
type Status string

const (
	StatusNew      Status = "new"
	StatusKnown    Status = "known"
	StatusMismatch Status = "mismatch"
)

// Result is the outcome of checking a sighting against the pinned
// record for a NodeId.
type Result struct {
	Status  Status
	Trusted bool
}

// Store wraps a persistent TrustStore with the TOFU decision logic.
// All mutation is serialized through a single mutex, matching the
// "one actor owns this resource" posture used for the peer table and
// relay queue.
type Store struct {
	mu    sync.Mutex
	db    *store.TrustStore
	clock func() time.Time
}

// New creates a trust Store backed by the given DB.
func New(db *store.TrustStore) *Store {
	return &Store{db: db, clock: time.Now}
}

// CheckTrust records or validates a sighting of nodeID with the given
// signing and DH public keys (compressed/raw bytes, hex-encoded on
// persistence):
//   - no record exists → pin it, trusted=true, status="new".
//   - record exists with matching keys → refresh lastSeen, status="known".
//   - record exists with mismatched keys → clear trusted, status="mismatch".
//
// A mismatch is an alert condition, not by itself a reason to abort a
// connection — the transport layer decides policy per frame type.
func (s *Store) CheckTrust(nodeID string, signingPub, dhPub []byte) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	signingHex := hex.EncodeToString(signingPub)
	dhHex := hex.EncodeToString(dhPub)
	now := s.clock().Unix()

	existing, err := s.db.Load(nodeID)
	if err != nil {
		return Result{}, fmt.Errorf("load trust record: %w", err)
	}

	if existing == nil {
		rec := store.TrustRecord{
			NodeID:     nodeID,
			SigningPub: signingHex,
			DHPub:      dhHex,
			FirstSeen:  now,
			LastSeen:   now,
			Trusted:    true,
		}
		if err := s.db.Save(rec); err != nil {
			return Result{}, fmt.Errorf("save new trust record: %w", err)
		}
		return Result{Status: StatusNew, Trusted: true}, nil
	}

	if existing.SigningPub != signingHex || existing.DHPub != dhHex {
		existing.Trusted = false
		existing.LastSeen = now
		if err := s.db.Save(*existing); err != nil {
			return Result{}, fmt.Errorf("save mismatched trust record: %w", err)
		}
		return Result{Status: StatusMismatch, Trusted: false}, nil
	}

	existing.LastSeen = now
	if err := s.db.Save(*existing); err != nil {
		return Result{}, fmt.Errorf("refresh trust record: %w", err)
	}
	return Result{Status: StatusKnown, Trusted: existing.Trusted}, nil
}

// Reassert clears a mismatch and re-pins a NodeId as trusted under its
// currently-recorded keys. This is the operator-triggered recovery path
// named in the trust record's lifecycle: a mismatch otherwise persists
// until explicitly cleared.
func (s *Store) Reassert(nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.db.Load(nodeID)
	if err != nil {
		return fmt.Errorf("load trust record: %w", err)
	}
	if rec == nil {
		return fmt.Errorf("no trust record for node %s", nodeID)
	}
	rec.Trusted = true
	if err := s.db.Save(*rec); err != nil {
		return fmt.Errorf("save reasserted trust record: %w", err)
	}
	return nil
}

// IsTrusted reports whether nodeID currently has a trusted pin. It
// returns false for an unknown NodeId.
func (s *Store) IsTrusted(nodeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.db.Load(nodeID)
	if err != nil {
		return false, fmt.Errorf("load trust record: %w", err)
	}
	if rec == nil {
		return false, nil
	}
	return rec.Trusted, nil
}
