package store

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

const messageKeyPrefix = "msg/"

// MessageRecord is one entry of the append-only chat history log.
type MessageRecord struct {
	ID        string `json:"id"`
	PeerID    string `json:"peerId"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	Encrypted bool   `json:"encrypted"`
}

// MessageStore persists MessageRecords in a DB under the "msg/" prefix.
type MessageStore struct {
	db DB
}

// NewMessageStore creates a MessageStore backed by the given DB.
func NewMessageStore(db DB) *MessageStore {
	return &MessageStore{db: db}
}

// Append adds a new message to the history log, assigning it a fresh
// ID if one was not already set, and returns the stored record.
func (ms *MessageStore) Append(rec MessageRecord) (MessageRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return MessageRecord{}, fmt.Errorf("marshal message record: %w", err)
	}
	if err := ms.db.Put([]byte(messageKeyPrefix+rec.ID), data); err != nil {
		return MessageRecord{}, fmt.Errorf("put message record: %w", err)
	}
	return rec, nil
}

// History returns every persisted message exchanged with peerID,
// oldest first. An empty peerID matches every message.
func (ms *MessageStore) History(peerID string) ([]MessageRecord, error) {
	var records []MessageRecord
	err := ms.db.ForEach([]byte(messageKeyPrefix), func(key, value []byte) error {
		var rec MessageRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil
		}
		if peerID == "" || rec.PeerID == peerID {
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate message records: %w", err)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp < records[j].Timestamp
	})
	return records, nil
}
