package store

import (
	"encoding/json"
	"fmt"
)

const trustKeyPrefix = "trust/"

// TrustRecord is a TOFU-pinned key record for a NodeId.
type TrustRecord struct {
	NodeID     string `json:"nodeId"`
	SigningPub string `json:"signingPub"`
	DHPub      string `json:"dhPub"`
	FirstSeen  int64  `json:"firstSeen"`
	LastSeen   int64  `json:"lastSeen"`
	Trusted    bool   `json:"trusted"`
}

// TrustStore persists TrustRecords in a DB under the "trust/" prefix.
// It survives restarts so a pinned key cannot be silently swapped by
// simply restarting a node.
type TrustStore struct {
	db DB
}

// NewTrustStore creates a TrustStore backed by the given DB.
func NewTrustStore(db DB) *TrustStore {
	return &TrustStore{db: db}
}

func trustKey(nodeID string) []byte {
	return []byte(trustKeyPrefix + nodeID)
}

// Load retrieves a single trust record by NodeID. Returns (nil, nil) if
// no record exists yet.
func (ts *TrustStore) Load(nodeID string) (*TrustRecord, error) {
	ok, err := ts.db.Has(trustKey(nodeID))
	if err != nil {
		return nil, fmt.Errorf("check trust record exists: %w", err)
	}
	if !ok {
		return nil, nil
	}
	data, err := ts.db.Get(trustKey(nodeID))
	if err != nil {
		return nil, fmt.Errorf("get trust record: %w", err)
	}
	var rec TrustRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal trust record: %w", err)
	}
	return &rec, nil
}

// Save persists a trust record, keyed by NodeID.
func (ts *TrustStore) Save(rec TrustRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal trust record: %w", err)
	}
	if err := ts.db.Put(trustKey(rec.NodeID), data); err != nil {
		return fmt.Errorf("put trust record: %w", err)
	}
	return nil
}
