// Package relay wraps the persistent relay-queue store with the
// per-sender size cap that bounds how much store-and-forward traffic
// a single sender can park for later pickup, evicting the sender's
// oldest queued envelope when the cap is exceeded.
package relay

import (
	"fmt"
	"time"

	"github.com/archipel-mesh/archipel/internal/log"
	"github.com/archipel-mesh/archipel/internal/metrics"
	"github.com/archipel-mesh/archipel/internal/store"
)

// Queue enforces relay admission policy on top of a RelayStore.
type Queue struct {
	store        *store.RelayStore
	capPerSender int
	metrics      *metrics.Registry
}

// New builds a Queue. A capPerSender of 0 or less disables the cap.
func New(rs *store.RelayStore, capPerSender int, reg *metrics.Registry) *Queue {
	return &Queue{store: rs, capPerSender: capPerSender, metrics: reg}
}

// Enqueue admits rec into the relay queue, first evicting the sender's
// oldest queued envelope if admitting rec would push them over
// capPerSender. Eviction makes room rather than rejecting rec outright:
// a flooding sender loses their own backlog, not the newcomer.
func (q *Queue) Enqueue(rec store.RelayRecord) (store.RelayRecord, error) {
	if q.capPerSender > 0 {
		count, err := q.store.CountForSender(rec.SenderID)
		if err != nil {
			return store.RelayRecord{}, fmt.Errorf("count relay envelopes for sender: %w", err)
		}
		if count >= q.capPerSender {
			oldest, err := q.store.OldestForSender(rec.SenderID)
			if err != nil {
				return store.RelayRecord{}, fmt.Errorf("find oldest relay envelope for sender: %w", err)
			}
			if oldest != nil {
				if err := q.store.Delete(oldest.TargetID, oldest.ID); err != nil {
					return store.RelayRecord{}, fmt.Errorf("evict oldest relay envelope: %w", err)
				}
				log.Messaging.Warn().Str("sender", rec.SenderID).Int("cap", q.capPerSender).Msg("relay queue cap exceeded, evicted oldest envelope")
				if q.metrics != nil {
					q.metrics.RelayEvictions.Inc()
				}
			}
		}
	}
	return q.store.Enqueue(rec)
}

// FetchAndDelete delegates to the underlying store: the cap only
// governs admission, not delivery.
func (q *Queue) FetchAndDelete(targetID string, now time.Time) ([]store.RelayRecord, error) {
	return q.store.FetchAndDelete(targetID, now)
}
