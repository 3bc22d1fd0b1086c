// Package messaging implements ARCHIPEL's chat delivery policy on top
// of the session transport: encrypt-if-possible, always-sign, and fall
// back to the store-and-forward relay queue when direct delivery
// fails.
package messaging

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/archipel-mesh/archipel/internal/identity"
	"github.com/archipel-mesh/archipel/internal/log"
	"github.com/archipel-mesh/archipel/internal/peertable"
	"github.com/archipel-mesh/archipel/internal/relay"
	"github.com/archipel-mesh/archipel/internal/store"
	"github.com/archipel-mesh/archipel/internal/transport"
	"github.com/archipel-mesh/archipel/internal/wire"
)

// Outcome reports how a Send call was ultimately satisfied.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeRelayed   Outcome = "relayed"
)

// Sender delivers chat messages to peers, encrypting under an
// established session key when one exists, always signing with the
// local identity, and falling back to relay-queue store-and-forward
// when direct delivery to an unreachable peer fails.
type Sender struct {
	id        *identity.Identity
	table     *peertable.Table
	transport *transport.Transport
	relay     *relay.Queue
	history   *store.MessageStore
	relayTTL  time.Duration
}

// New builds a Sender. transport, relayQueue, and history are all
// injected — Sender owns no persistent state of its own.
func New(id *identity.Identity, table *peertable.Table, tr *transport.Transport, relayQueue *relay.Queue, history *store.MessageStore, relayTTL time.Duration) *Sender {
	return &Sender{
		id:        id,
		table:     table,
		transport: tr,
		relay:     relayQueue,
		history:   history,
		relayTTL:  relayTTL,
	}
}

// Send delivers content to peerID: directly over an open or dialable
// session if possible, or into the relay queue for later pickup if
// not. The message is always recorded in the local history mirror
// first, so it survives even if both delivery paths fail.
func (s *Sender) Send(peerID, content string) (Outcome, error) {
	now := time.Now()
	if _, err := s.history.Append(store.MessageRecord{
		PeerID:    peerID,
		Sender:    s.id.NodeID.String(),
		Content:   content,
		Timestamp: now.Unix(),
		Encrypted: s.hasSessionKey(peerID),
	}); err != nil {
		log.Messaging.Error().Err(err).Msg("failed to record outgoing message in history")
	}

	chat, err := s.buildChatPayload(peerID, content, now)
	if err != nil {
		return "", fmt.Errorf("build chat payload: %w", err)
	}

	if err := s.transport.SendTo(peerID, chat.frame); err == nil {
		return OutcomeDelivered, nil
	}

	if s.relay == nil {
		return "", fmt.Errorf("peer %s unreachable and relay is disabled", peerID)
	}
	if _, err := s.relay.Enqueue(store.RelayRecord{
		TargetID:   peerID,
		SenderID:   s.id.NodeID.String(),
		PacketData: content,
		CreatedAt:  now.Unix(),
		ExpiresAt:  now.Add(s.relayTTL).Unix(),
	}); err != nil {
		return "", fmt.Errorf("enqueue relay envelope: %w", err)
	}

	// Also hand the envelope to any currently reachable peer, so it can
	// carry it toward peerID without waiting for us to meet peerID
	// ourselves.
	forwarded := s.transport.ForwardRelay(wire.RelayPayload{
		Target:    peerID,
		Sender:    s.id.NodeID.String(),
		Content:   content,
		Timestamp: now.Unix(),
	})
	log.Messaging.Debug().Str("peer", peerID).Int("forwardedTo", forwarded).Msg("relay envelope enqueued")

	return OutcomeRelayed, nil
}

// Broadcast sends content to every peer currently known in the table,
// returning a map of peerID to the Send error for that peer (nil on
// success); the per-peer Outcome is not returned.
func (s *Sender) Broadcast(content string) map[string]error {
	results := make(map[string]error)
	for _, entry := range s.table.GetActive() {
		_, err := s.Send(entry.NodeID, content)
		results[entry.NodeID] = err
	}
	return results
}

func (s *Sender) hasSessionKey(peerID string) bool {
	entry := s.table.Get(peerID)
	return entry != nil && entry.SessionKey != nil
}

type chatFrame struct {
	frame []byte
}

// buildChatPayload frames a chat message: AEAD-encrypted under the
// peer's session key when one is established, plaintext hex otherwise,
// always signed over the plaintext with the local signing key so the
// receiver can detect tampering even on an unencrypted link.
func (s *Sender) buildChatPayload(peerID, content string, now time.Time) (chatFrame, error) {
	plaintext := []byte(content)
	hash := identity.Hash(plaintext)
	sig, err := s.id.Signing.Sign(hash[:])
	if err != nil {
		return chatFrame{}, fmt.Errorf("sign message: %w", err)
	}

	payload := wire.ChatPayload{
		Signature: hex.EncodeToString(sig),
		NodeID:    s.id.NodeID.String(),
		Timestamp: now.Unix(),
	}

	entry := s.table.Get(peerID)
	if entry != nil && entry.SessionKey != nil {
		nonce, ciphertext, err := identity.Encrypt(*entry.SessionKey, plaintext, nil)
		if err != nil {
			return chatFrame{}, fmt.Errorf("encrypt message: %w", err)
		}
		payload.Nonce = hex.EncodeToString(nonce)
		payload.Ciphertext = hex.EncodeToString(ciphertext)
	} else {
		payload.Ciphertext = hex.EncodeToString(plaintext)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return chatFrame{}, fmt.Errorf("marshal chat payload: %w", err)
	}

	macKey := s.transport.FrameKeyFor(peerID)
	return chatFrame{frame: wire.Build(wire.TypeMsg, s.id.NodeID, data, macKey)}, nil
}
