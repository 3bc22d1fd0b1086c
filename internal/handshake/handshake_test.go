package handshake

import (
	"context"
	"testing"
	"time"

	"github.com/archipel-mesh/archipel/internal/identity"
)

func newTestManager(t *testing.T, timeout time.Duration) (*Manager, *identity.Identity) {
	t.Helper()
	id, err := identity.LoadOrCreate(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	return New(id, timeout), id
}

func TestHandshake_BothSidesDeriveSameSessionKey(t *testing.T) {
	alice, aliceID := newTestManager(t, time.Second)
	bob, bobID := newTestManager(t, time.Second)

	initPayload, err := alice.Initiate(bobID.NodeID.String())
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if alice.State(bobID.NodeID.String()) != StateInitSent {
		t.Fatalf("initiator state = %v, want INIT_SENT", alice.State(bobID.NodeID.String()))
	}

	respPayload, bobKey, err := bob.HandleInit(aliceID.NodeID.String(), initPayload)
	if err != nil {
		t.Fatalf("HandleInit: %v", err)
	}

	aliceKey, err := alice.HandleResp(bobID.NodeID.String(), respPayload)
	if err != nil {
		t.Fatalf("HandleResp: %v", err)
	}

	if aliceKey != bobKey {
		t.Fatal("initiator and responder derived different session keys")
	}
	if alice.State(bobID.NodeID.String()) != StateEstablished {
		t.Errorf("initiator state = %v, want ESTABLISHED", alice.State(bobID.NodeID.String()))
	}

	got, err := alice.AwaitResult(context.Background(), bobID.NodeID.String())
	if err != nil {
		t.Fatalf("AwaitResult: %v", err)
	}
	if got != aliceKey {
		t.Error("AwaitResult returned a different key than HandleResp")
	}
}

func TestHandshake_AwaitResultTimesOutWithoutResponse(t *testing.T) {
	alice, _, bobNodeID := handshakeFixture(t, 30*time.Millisecond)

	if _, err := alice.Initiate(bobNodeID); err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	_, err := alice.AwaitResult(context.Background(), bobNodeID)
	if err != ErrTimeout {
		t.Fatalf("AwaitResult error = %v, want ErrTimeout", err)
	}
	if alice.State(bobNodeID) != StateNone {
		t.Errorf("state after timeout = %v, want NONE (fallback to unencrypted)", alice.State(bobNodeID))
	}
}

func handshakeFixture(t *testing.T, timeout time.Duration) (*Manager, *identity.Identity, string) {
	t.Helper()
	alice, _ := newTestManager(t, timeout)
	_, bobID := newTestManager(t, timeout)
	return alice, nil, bobID.NodeID.String()
}

func TestHandshake_DistinctHandshakesYieldDistinctKeys(t *testing.T) {
	alice, aliceID := newTestManager(t, time.Second)
	bob, bobID := newTestManager(t, time.Second)
	carol, carolID := newTestManager(t, time.Second)

	initToBob, _ := alice.Initiate(bobID.NodeID.String())
	respFromBob, keyAB, _ := bob.HandleInit(aliceID.NodeID.String(), initToBob)
	alice.HandleResp(bobID.NodeID.String(), respFromBob)

	initToCarol, _ := alice.Initiate(carolID.NodeID.String())
	_, keyAC, _ := carol.HandleInit(aliceID.NodeID.String(), initToCarol)

	if keyAB == keyAC {
		t.Error("handshakes with different peers produced the same session key")
	}
}
