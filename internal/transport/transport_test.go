package transport

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/archipel-mesh/archipel/internal/config"
	"github.com/archipel-mesh/archipel/internal/handshake"
	"github.com/archipel-mesh/archipel/internal/identity"
	"github.com/archipel-mesh/archipel/internal/peertable"
	"github.com/archipel-mesh/archipel/internal/relay"
	"github.com/archipel-mesh/archipel/internal/store"
	"github.com/archipel-mesh/archipel/internal/trust"
	"github.com/archipel-mesh/archipel/internal/wire"
)

func testTransport(t *testing.T) (*Transport, *identity.Identity) {
	t.Helper()
	id, err := identity.LoadOrCreate(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	db := store.NewMemory()
	tbl := peertable.New()
	trustStore := trust.New(store.NewTrustStore(db))
	hs := handshake.New(id, 5*time.Second)
	relayStore := store.NewRelayStore(db)
	relayQueue := relay.New(relayStore, 0, nil)

	cfg := config.TransportConfig{
		ConnectTimeout:   time.Second,
		HandshakeTimeout: time.Second,
		KeepAlivePeriod:  15 * time.Second,
		RelayTTL:         24 * time.Hour,
	}
	tr := New(cfg, id, "shared-test-key", tbl, trustStore, hs, relayQueue, nil)
	return tr, id
}

// pipeConnection wires a net.Pipe half into a *connection so dispatch
// can be exercised without a real listening socket.
func pipeConnection() (*connection, net.Conn) {
	a, b := net.Pipe()
	return &connection{conn: a}, b
}

func TestDispatch_HelloUpsertsAndRepliesOnFirstSighting(t *testing.T) {
	tr, _ := testTransport(t)
	remote, _ := identity.LoadOrCreate(t.TempDir())

	c, other := pipeConnection()
	defer other.Close()

	var discovered string
	tr.OnHelloDiscovered(func(nodeID string) { discovered = nodeID })

	hello := wire.HelloPayload{
		NodeID:           remote.NodeID.String(),
		DHPublicKey:      hex.EncodeToString(remote.StaticDH.Public()),
		SigningPublicKey: hex.EncodeToString(remote.Signing.PublicKey()),
		TCPPort:          9999,
		Timestamp:        time.Now().Unix(),
	}
	payload, _ := json.Marshal(hello)
	frame := wire.Build(wire.TypeHello, remote.NodeID, payload, tr.sharedMAC)

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 4096)
		other.Read(buf)
		close(done)
	}()

	tr.dispatch(context.Background(), c, frame)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected a reply HELLO to be written back")
	}

	if discovered != remote.NodeID.String() {
		t.Errorf("onHelloDiscovered fired with %q, want %q", discovered, remote.NodeID.String())
	}
	if tr.table.Get(remote.NodeID.String()) == nil {
		t.Error("peer was not upserted after HELLO")
	}
}

func TestDispatch_ChatPlaintextDelivered(t *testing.T) {
	tr, _ := testTransport(t)
	remote, _ := identity.LoadOrCreate(t.TempDir())

	c, _ := pipeConnection()

	var received ChatMessage
	tr.OnMessageReceived(func(m ChatMessage) { received = m })

	chat := wire.ChatPayload{
		Ciphertext: hex.EncodeToString([]byte("hello there")),
		NodeID:     remote.NodeID.String(),
		Timestamp:  time.Now().Unix(),
	}
	payload, _ := json.Marshal(chat)
	frame := wire.Build(wire.TypeMsg, remote.NodeID, payload, tr.sharedMAC)

	tr.dispatch(context.Background(), c, frame)

	if received.Content != "hello there" {
		t.Errorf("Content = %q, want %q", received.Content, "hello there")
	}
	if received.Encrypted {
		t.Error("Encrypted = true for a plaintext chat frame")
	}
}

func TestDispatch_HandshakeInitRejectedOnTrustMismatch(t *testing.T) {
	tr, _ := testTransport(t)
	remote, _ := identity.LoadOrCreate(t.TempDir())

	// Pin the node under different keys first.
	if _, err := tr.trustStore.CheckTrust(remote.NodeID.String(), []byte("old-signing"), []byte("old-dh")); err != nil {
		t.Fatalf("CheckTrust: %v", err)
	}

	c, _ := pipeConnection()
	init := wire.HandshakeInitPayload{
		Type:           "HANDSHAKE_INIT",
		NodeID:         remote.NodeID.String(),
		SigningPub:     hex.EncodeToString(remote.Signing.PublicKey()),
		DHPub:          hex.EncodeToString(remote.StaticDH.Public()),
		EphemeralDHPub: hex.EncodeToString(remote.StaticDH.Public()),
		Timestamp:      time.Now().Unix(),
	}
	payload, _ := json.Marshal(init)
	frame := wire.Build(wire.TypeMsg, remote.NodeID, payload, tr.sharedMAC)

	tr.dispatch(context.Background(), c, frame)

	entry := tr.table.Get(remote.NodeID.String())
	if entry != nil && entry.SessionKey != nil {
		t.Error("a session key should not be installed after a trust mismatch")
	}
}

func TestDispatch_RelayForOtherTargetIsEnqueued(t *testing.T) {
	tr, _ := testTransport(t)
	remote, _ := identity.LoadOrCreate(t.TempDir())

	c, _ := pipeConnection()
	rel := wire.RelayPayload{
		Target:    "some-other-node",
		Sender:    remote.NodeID.String(),
		Content:   "ping",
		Timestamp: time.Now().Unix(),
	}
	payload, _ := json.Marshal(rel)
	frame := wire.Build(wire.TypeRelay, remote.NodeID, payload, tr.sharedMAC)

	tr.dispatch(context.Background(), c, frame)

	entries, err := tr.relay.FetchAndDelete("some-other-node", time.Now())
	if err != nil {
		t.Fatalf("FetchAndDelete: %v", err)
	}
	if len(entries) != 1 || entries[0].PacketData != "ping" {
		t.Fatalf("relay queue = %+v, want one entry with content %q", entries, "ping")
	}
}

func TestDispatch_RelayForSelfIsDelivered(t *testing.T) {
	tr, id := testTransport(t)
	remote, _ := identity.LoadOrCreate(t.TempDir())

	c, _ := pipeConnection()
	var received ChatMessage
	tr.OnMessageReceived(func(m ChatMessage) { received = m })

	rel := wire.RelayPayload{
		Target:    id.NodeID.String(),
		Sender:    remote.NodeID.String(),
		Content:   "ping",
		Timestamp: time.Now().Unix(),
	}
	payload, _ := json.Marshal(rel)
	frame := wire.Build(wire.TypeRelay, remote.NodeID, payload, tr.sharedMAC)

	tr.dispatch(context.Background(), c, frame)

	if received.Content != "ping" {
		t.Fatalf("Content = %q, want %q", received.Content, "ping")
	}
}

func TestForwardRelay_SendsToEveryActivePeerExceptTargetAndSelf(t *testing.T) {
	tr, _ := testTransport(t)

	target, _ := identity.LoadOrCreate(t.TempDir())
	intermediary, _ := identity.LoadOrCreate(t.TempDir())
	tr.table.Upsert(peertable.Entry{NodeID: target.NodeID.String(), LastSeen: time.Now()})
	tr.table.Upsert(peertable.Entry{NodeID: intermediary.NodeID.String(), LastSeen: time.Now()})
	tr.table.Upsert(peertable.Entry{NodeID: tr.id.NodeID.String(), LastSeen: time.Now()})

	targetConn, targetOther := pipeConnection()
	defer targetOther.Close()
	intermediaryConn, intermediaryOther := pipeConnection()
	defer intermediaryOther.Close()
	tr.conns[target.NodeID.String()] = targetConn
	tr.conns[intermediary.NodeID.String()] = intermediaryConn

	read := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 4096)
		n, _ := intermediaryOther.Read(buf)
		read <- buf[:n]
	}()
	go func() {
		buf := make([]byte, 4096)
		targetOther.Read(buf)
	}()

	sent := tr.ForwardRelay(wire.RelayPayload{
		Target:    target.NodeID.String(),
		Sender:    "some-sender",
		Content:   "ping",
		Timestamp: time.Now().Unix(),
	})

	if sent != 1 {
		t.Fatalf("ForwardRelay returned %d, want 1 (only the intermediary, not the target or self)", sent)
	}

	select {
	case <-read:
	case <-time.After(time.Second):
		t.Fatal("expected a RELAY frame to be written to the intermediary peer")
	}
}

func TestDispatch_MalformedFrameDoesNotPanic(t *testing.T) {
	tr, _ := testTransport(t)
	c, _ := pipeConnection()

	tr.dispatch(context.Background(), c, []byte("not a valid frame at all"))
}
