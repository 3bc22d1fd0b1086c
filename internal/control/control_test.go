package control

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/archipel-mesh/archipel/internal/config"
	"github.com/archipel-mesh/archipel/internal/corenode"
)

func testNodeAndClient(t *testing.T) (*corenode.Node, *Client) {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Transport.ListenPort = 0
	cfg.Discovery.MulticastPort = 17000 + (os.Getpid() % 4000)
	cfg.Discovery.AnnounceInterval = time.Second
	cfg.Metrics.Enabled = false
	cfg.Control.SocketPath = filepath.Join(cfg.DataDir, "control.sock")

	node, err := corenode.New(cfg)
	if err != nil {
		t.Fatalf("corenode.New: %v", err)
	}
	t.Cleanup(func() { node.Stop() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := node.Start(ctx); err != nil {
		t.Fatalf("node.Start: %v", err)
	}

	srv := NewServer(node, cfg.Control.SocketPath)
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Server.Start: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	return node, New(cfg.Control.SocketPath)
}

func TestCall_NodeGetStatusReturnsOwnIdentity(t *testing.T) {
	node, client := testNodeAndClient(t)

	var status StatusResult
	if err := client.Call("node_getStatus", nil, &status); err != nil {
		t.Fatalf("Call node_getStatus: %v", err)
	}
	if status.NodeID != node.Identity().NodeID.String() {
		t.Errorf("NodeID = %q, want %q", status.NodeID, node.Identity().NodeID.String())
	}
}

func TestCall_UnknownMethodReturnsMethodNotFound(t *testing.T) {
	_, client := testNodeAndClient(t)

	err := client.Call("not_a_real_method", nil, nil)
	rpcErr, ok := err.(*RPCError)
	if !ok {
		t.Fatalf("expected *RPCError, got %T: %v", err, err)
	}
	if rpcErr.Code != CodeMethodNotFound {
		t.Errorf("Code = %d, want %d", rpcErr.Code, CodeMethodNotFound)
	}
}

func TestCall_MessageSendToUnreachablePeerFallsBackToRelay(t *testing.T) {
	_, client := testNodeAndClient(t)

	var result MessageSendResult
	err := client.Call("message_send", MessageSendParam{PeerID: "ghost", Content: "hi"}, &result)
	if err != nil {
		t.Fatalf("Call message_send: %v", err)
	}
	if result.Outcome != "relayed" {
		t.Errorf("Outcome = %q, want %q", result.Outcome, "relayed")
	}
}

func TestCall_FileShareThenHistoryAndPeerList(t *testing.T) {
	_, client := testNodeAndClient(t)

	path := filepath.Join(t.TempDir(), "doc.txt")
	if err := os.WriteFile(path, []byte("contents"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var shareResult FileShareResult
	if err := client.Call("file_share", FileShareParam{Path: path}, &shareResult); err != nil {
		t.Fatalf("Call file_share: %v", err)
	}
	if shareResult.FileID == "" {
		t.Fatal("expected a non-empty FileID")
	}

	var status StatusResult
	if err := client.Call("node_getStatus", nil, &status); err != nil {
		t.Fatalf("Call node_getStatus: %v", err)
	}
	if status.SharedFiles != 1 {
		t.Errorf("SharedFiles = %d, want 1", status.SharedFiles)
	}

	var peers PeerListResult
	if err := client.Call("peer_list", nil, &peers); err != nil {
		t.Fatalf("Call peer_list: %v", err)
	}
	if len(peers.Peers) != 0 {
		t.Errorf("expected no peers yet, got %d", len(peers.Peers))
	}
}
