// Package handshake implements ARCHIPEL's two-leg ephemeral+static
// Diffie-Hellman key agreement. It owns only the cryptographic state
// machine; trust verification and peer-table updates are the caller's
// responsibility (the transport dispatcher), per the separation of
// concerns used throughout this node.
package handshake

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/archipel-mesh/archipel/internal/identity"
	"github.com/archipel-mesh/archipel/internal/wire"
)

// State is a per-peer handshake state.
type State int

const (
	StateNone State = iota
	StateInitSent
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateInitSent:
		return "INIT_SENT"
	case StateEstablished:
		return "ESTABLISHED"
	default:
		return "UNKNOWN"
	}
}

// ErrTimeout is returned by AwaitResult when no HANDSHAKE_RESP arrives
// within the configured timeout.
var ErrTimeout = errors.New("handshake: timed out waiting for response")

type pendingHandshake struct {
	ephemeral *identity.DHKeyPair
	state     State
	started   time.Time
	done      chan handshakeResult
}

type handshakeResult struct {
	sessionKey [32]byte
	err        error
}

// Manager tracks the handshake state machine for every peer this node
// has initiated a handshake with, and performs the cryptographic
// computations for both the initiator and responder roles.
type Manager struct {
	mu      sync.Mutex
	pending map[string]*pendingHandshake
	id      *identity.Identity
	timeout time.Duration
}

// New creates a handshake manager for the local identity. timeout
// bounds how long Initiate's caller should wait via AwaitResult before
// falling back to unencrypted delivery.
func New(id *identity.Identity, timeout time.Duration) *Manager {
	return &Manager{
		pending: make(map[string]*pendingHandshake),
		id:      id,
		timeout: timeout,
	}
}

// State returns the current handshake state for a peer (StateNone if
// no handshake has ever been attempted with it).
func (m *Manager) State(peerID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[peerID]
	if !ok {
		return StateNone
	}
	return p.state
}

// Initiate generates an ephemeral key pair for a new handshake with
// peerID and returns the HANDSHAKE_INIT payload to send. The caller
// must follow with AwaitResult to learn the outcome.
func (m *Manager) Initiate(peerID string) (wire.HandshakeInitPayload, error) {
	ephemeral, err := identity.GenerateDHKeyPair()
	if err != nil {
		return wire.HandshakeInitPayload{}, fmt.Errorf("generate ephemeral key: %w", err)
	}

	m.mu.Lock()
	m.pending[peerID] = &pendingHandshake{
		ephemeral: ephemeral,
		state:     StateInitSent,
		started:   time.Now(),
		done:      make(chan handshakeResult, 1),
	}
	m.mu.Unlock()

	return wire.HandshakeInitPayload{
		Type:           "HANDSHAKE_INIT",
		NodeID:         m.id.NodeID.String(),
		SigningPub:     hex.EncodeToString(m.id.Signing.PublicKey()),
		DHPub:          hex.EncodeToString(m.id.StaticDH.Public()),
		EphemeralDHPub: hex.EncodeToString(ephemeral.Public()),
		Timestamp:      time.Now().Unix(),
	}, nil
}

// AwaitResult blocks until HandleResp delivers a session key for
// peerID, the manager's configured timeout elapses, or ctx is
// cancelled. On timeout the handshake reverts to StateNone so a later
// retry can proceed cleanly.
func (m *Manager) AwaitResult(ctx context.Context, peerID string) ([32]byte, error) {
	m.mu.Lock()
	p, ok := m.pending[peerID]
	m.mu.Unlock()
	if !ok {
		return [32]byte{}, fmt.Errorf("no handshake in progress with %s", peerID)
	}

	select {
	case result := <-p.done:
		if result.err != nil {
			return [32]byte{}, result.err
		}
		return result.sessionKey, nil
	case <-time.After(m.timeout):
		m.mu.Lock()
		delete(m.pending, peerID)
		m.mu.Unlock()
		return [32]byte{}, ErrTimeout
	case <-ctx.Done():
		return [32]byte{}, ctx.Err()
	}
}

// HandleInit computes this node's responder-side of the handshake: a
// fresh ephemeral key pair, the two Diffie-Hellman operations, and the
// derived session key. The caller installs the returned session key on
// the peer entry and sends the returned payload back to the initiator.
func (m *Manager) HandleInit(initPeerID string, init wire.HandshakeInitPayload) (wire.HandshakeRespPayload, [32]byte, error) {
	initEphPub, err := hex.DecodeString(init.EphemeralDHPub)
	if err != nil {
		return wire.HandshakeRespPayload{}, [32]byte{}, fmt.Errorf("decode initiator ephemeral pub: %w", err)
	}
	initStaticPub, err := hex.DecodeString(init.DHPub)
	if err != nil {
		return wire.HandshakeRespPayload{}, [32]byte{}, fmt.Errorf("decode initiator static pub: %w", err)
	}

	ephemeral, err := identity.GenerateDHKeyPair()
	if err != nil {
		return wire.HandshakeRespPayload{}, [32]byte{}, fmt.Errorf("generate responder ephemeral key: %w", err)
	}

	dh1, err := ephemeral.Agree(initEphPub)
	if err != nil {
		return wire.HandshakeRespPayload{}, [32]byte{}, fmt.Errorf("ephemeral-ephemeral DH: %w", err)
	}
	dh2, err := m.id.StaticDH.Agree(initStaticPub)
	if err != nil {
		return wire.HandshakeRespPayload{}, [32]byte{}, fmt.Errorf("static-static DH: %w", err)
	}
	sessionKey, err := identity.DeriveSessionKey(dh1, dh2)
	if err != nil {
		return wire.HandshakeRespPayload{}, [32]byte{}, fmt.Errorf("derive session key: %w", err)
	}

	m.mu.Lock()
	m.pending[initPeerID] = &pendingHandshake{state: StateEstablished, started: time.Now()}
	m.mu.Unlock()

	resp := wire.HandshakeRespPayload{
		Type:           "HANDSHAKE_RESP",
		NodeID:         m.id.NodeID.String(),
		SigningPub:     hex.EncodeToString(m.id.Signing.PublicKey()),
		DHPub:          hex.EncodeToString(m.id.StaticDH.Public()),
		EphemeralDHPub: hex.EncodeToString(ephemeral.Public()),
		Timestamp:      time.Now().Unix(),
	}
	return resp, sessionKey, nil
}

// HandleResp completes the initiator side: it computes the same two
// Diffie-Hellman operations from the initiator's perspective, derives
// the session key, and wakes up the goroutine blocked in AwaitResult.
func (m *Manager) HandleResp(peerID string, resp wire.HandshakeRespPayload) ([32]byte, error) {
	m.mu.Lock()
	p, ok := m.pending[peerID]
	m.mu.Unlock()
	if !ok || p.state != StateInitSent {
		return [32]byte{}, fmt.Errorf("no handshake awaiting a response from %s", peerID)
	}

	respEphPub, err := hex.DecodeString(resp.EphemeralDHPub)
	if err != nil {
		return [32]byte{}, fmt.Errorf("decode responder ephemeral pub: %w", err)
	}
	respStaticPub, err := hex.DecodeString(resp.DHPub)
	if err != nil {
		return [32]byte{}, fmt.Errorf("decode responder static pub: %w", err)
	}

	dh1, err := p.ephemeral.Agree(respEphPub)
	if err != nil {
		return [32]byte{}, fmt.Errorf("ephemeral-ephemeral DH: %w", err)
	}
	dh2, err := m.id.StaticDH.Agree(respStaticPub)
	if err != nil {
		return [32]byte{}, fmt.Errorf("static-static DH: %w", err)
	}
	sessionKey, err := identity.DeriveSessionKey(dh1, dh2)
	if err != nil {
		return [32]byte{}, fmt.Errorf("derive session key: %w", err)
	}

	m.mu.Lock()
	p.state = StateEstablished
	m.mu.Unlock()

	select {
	case p.done <- handshakeResult{sessionKey: sessionKey}:
	default:
	}
	return sessionKey, nil
}

// Abort reverts a peer's handshake state to StateNone, e.g. after a
// trust-store mismatch.
func (m *Manager) Abort(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, peerID)
}
