package store

import (
	"encoding/json"
	"fmt"
)

const peerKeyPrefix = "peer/"

// PeerRecord is the persisted half of a peer table entry: the material
// that must survive a restart. Liveness/reputation/session-key state is
// runtime-only and lives in internal/peertable.
type PeerRecord struct {
	NodeID     string `json:"nodeId"`
	DHPub      string `json:"dhPub"`
	SigningPub string `json:"signingPub"`
	LastSeen   int64  `json:"lastSeen"`
	TrustLevel string `json:"trustLevel"`
}

// PeerStore persists PeerRecords in a DB under the "peer/" prefix.
type PeerStore struct {
	db DB
}

// NewPeerStore creates a PeerStore backed by the given DB.
func NewPeerStore(db DB) *PeerStore {
	return &PeerStore{db: db}
}

func peerKey(nodeID string) []byte {
	return []byte(peerKeyPrefix + nodeID)
}

// Upsert persists a peer record, keyed by NodeID.
func (ps *PeerStore) Upsert(rec PeerRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal peer record: %w", err)
	}
	if err := ps.db.Put(peerKey(rec.NodeID), data); err != nil {
		return fmt.Errorf("put peer record: %w", err)
	}
	return nil
}

// Load retrieves a single peer record by NodeID.
func (ps *PeerStore) Load(nodeID string) (*PeerRecord, error) {
	data, err := ps.db.Get(peerKey(nodeID))
	if err != nil {
		return nil, fmt.Errorf("get peer record: %w", err)
	}
	var rec PeerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal peer record: %w", err)
	}
	return &rec, nil
}

// LoadAll returns every persisted peer record.
func (ps *PeerStore) LoadAll() ([]PeerRecord, error) {
	var records []PeerRecord
	err := ps.db.ForEach([]byte(peerKeyPrefix), func(key, value []byte) error {
		var rec PeerRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil // skip a corrupt record rather than fail the whole load
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate peer records: %w", err)
	}
	return records, nil
}

// Delete removes a peer record.
func (ps *PeerStore) Delete(nodeID string) error {
	return ps.db.Delete(peerKey(nodeID))
}
