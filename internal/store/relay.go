package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const relayKeyPrefix = "relay/"

// RelayRecord is one entry of the store-and-forward relay queue: a
// message held on behalf of a target we could not reach directly.
type RelayRecord struct {
	ID         string `json:"id"`
	TargetID   string `json:"targetId"`
	SenderID   string `json:"senderId"`
	PacketData string `json:"packetData"`
	CreatedAt  int64  `json:"createdAt"`
	ExpiresAt  int64  `json:"expiresAt"`
}

// RelayStore persists RelayRecords in a DB under the "relay/" prefix,
// keyed by target so that FetchAndDelete can list one target's queue with a
// single prefix scan.
type RelayStore struct {
	db DB
}

// NewRelayStore creates a RelayStore backed by the given DB.
func NewRelayStore(db DB) *RelayStore {
	return &RelayStore{db: db}
}

func relayKey(targetID, id string) []byte {
	return []byte(relayKeyPrefix + targetID + "/" + id)
}

func relayTargetPrefix(targetID string) []byte {
	return []byte(relayKeyPrefix + targetID + "/")
}

// Enqueue persists a new relay envelope, assigning it a fresh ID if one
// was not already set.
func (rs *RelayStore) Enqueue(rec RelayRecord) (RelayRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return RelayRecord{}, fmt.Errorf("marshal relay record: %w", err)
	}
	if err := rs.db.Put(relayKey(rec.TargetID, rec.ID), data); err != nil {
		return RelayRecord{}, fmt.Errorf("put relay record: %w", err)
	}
	return rec, nil
}

// Delete removes a single relay envelope.
func (rs *RelayStore) Delete(targetID, id string) error {
	return rs.db.Delete(relayKey(targetID, id))
}

// FetchAndDelete returns and deletes every non-expired relay envelope
// queued for targetID — a single-delivery-attempt contract: once handed
// to the caller, an envelope is gone whether or not delivery actually
// succeeds. Expired envelopes encountered along the way are purged too,
// but not returned.
func (rs *RelayStore) FetchAndDelete(targetID string, now time.Time) ([]RelayRecord, error) {
	nowUnix := now.Unix()
	var live []RelayRecord
	var toDelete [][]byte

	err := rs.db.ForEach(relayTargetPrefix(targetID), func(key, value []byte) error {
		var rec RelayRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			keyCopy := append([]byte(nil), key...)
			toDelete = append(toDelete, keyCopy)
			return nil
		}
		keyCopy := append([]byte(nil), key...)
		toDelete = append(toDelete, keyCopy)
		if rec.ExpiresAt > nowUnix {
			live = append(live, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate relay records: %w", err)
	}

	for _, key := range toDelete {
		if err := rs.db.Delete(key); err != nil {
			return nil, fmt.Errorf("delete relay record: %w", err)
		}
	}
	return live, nil
}

// CountForSender counts how many relay envelopes currently queued
// (across all targets) were enqueued by senderID. Used to enforce the
// per-sender size cap that bounds the relay-queue DoS surface.
func (rs *RelayStore) CountForSender(senderID string) (int, error) {
	count := 0
	err := rs.db.ForEach([]byte(relayKeyPrefix), func(key, value []byte) error {
		var rec RelayRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil
		}
		if rec.SenderID == senderID {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("iterate relay records: %w", err)
	}
	return count, nil
}

// OldestForSender returns the oldest still-queued relay envelope from
// senderID, across all targets, or (nil, nil) if none. Used to evict
// the oldest entry when a sender exceeds its cap.
func (rs *RelayStore) OldestForSender(senderID string) (*RelayRecord, error) {
	var oldest *RelayRecord
	err := rs.db.ForEach([]byte(relayKeyPrefix), func(key, value []byte) error {
		var rec RelayRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil
		}
		if rec.SenderID != senderID {
			return nil
		}
		if oldest == nil || rec.CreatedAt < oldest.CreatedAt {
			recCopy := rec
			oldest = &recCopy
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate relay records: %w", err)
	}
	return oldest, nil
}
