package transfer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/archipel-mesh/archipel/internal/chunker"
	"github.com/archipel-mesh/archipel/internal/config"
	"github.com/archipel-mesh/archipel/internal/handshake"
	"github.com/archipel-mesh/archipel/internal/identity"
	"github.com/archipel-mesh/archipel/internal/peertable"
	"github.com/archipel-mesh/archipel/internal/relay"
	"github.com/archipel-mesh/archipel/internal/store"
	"github.com/archipel-mesh/archipel/internal/transport"
	"github.com/archipel-mesh/archipel/internal/trust"
)

func newTestTransport(t *testing.T, listenPort int) (*transport.Transport, string) {
	t.Helper()
	id, err := identity.LoadOrCreate(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	db := store.NewMemory()
	table := peertable.New()
	trustStore := trust.New(store.NewTrustStore(db))
	hs := handshake.New(id, time.Second)
	relayStore := store.NewRelayStore(db)
	relayQueue := relay.New(relayStore, 0, nil)

	cfg := config.TransportConfig{
		ListenPort:       listenPort,
		ConnectTimeout:   time.Second,
		HandshakeTimeout: time.Second,
		KeepAlivePeriod:  15 * time.Second,
		RelayTTL:         24 * time.Hour,
	}
	tr := transport.New(cfg, id, "shared-test-key", table, trustStore, hs, relayQueue, nil)
	return tr, id.NodeID.String()
}

func TestDownloadFile_FailsForPeerWithNoKnownAddress(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "data.bin")
	if err := os.WriteFile(srcPath, []byte("hello world"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	manifest, err := chunker.CreateManifest(srcPath)
	if err != nil {
		t.Fatalf("CreateManifest: %v", err)
	}

	tr, _ := newTestTransport(t, 0)
	downloader := New(tr, 30*time.Millisecond)

	_, err = downloader.DownloadFile(context.Background(), "unreachable-peer", manifest, t.TempDir(), nil)
	if err == nil {
		t.Fatal("expected an error for a peer with no known address, got nil")
	}
}

// TestDownloadFile_EndToEndOverLoopback wires two real Transport
// instances over TCP loopback: the server serves a shared file through
// its stateless CHUNK_REQ handler, and the client's Downloader pulls
// every chunk and reassembles the file.
func TestDownloadFile_EndToEndOverLoopback(t *testing.T) {
	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "shared.bin")
	content := make([]byte, chunker.ChunkSize+2048)
	for i := range content {
		content[i] = byte(i % 251)
	}
	if err := os.WriteFile(srcPath, content, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	manifest, err := chunker.CreateManifest(srcPath)
	if err != nil {
		t.Fatalf("CreateManifest: %v", err)
	}

	server, serverNodeID := newTestTransport(t, 0)
	server.SetManifestProvider(func(fileID string) (*chunker.Manifest, string, bool) {
		if fileID != manifest.FileID.String() {
			return nil, "", false
		}
		return manifest, srcPath, true
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverPort, err := server.Listen(ctx)
	if err != nil {
		t.Fatalf("server Listen: %v", err)
	}
	defer server.Stop()

	client, _ := newTestTransport(t, 0)
	discovered := make(chan string, 1)
	client.OnHelloDiscovered(func(nodeID string) { discovered <- nodeID })
	if _, err := client.Listen(ctx); err != nil {
		t.Fatalf("client Listen: %v", err)
	}
	defer client.Stop()

	// The client dials the server directly and sends a HELLO, which
	// causes the server to upsert the client's peer entry and reply
	// with its own HELLO (the manual-bootstrap path); once that reply
	// lands, the client's connection is registered under the server's
	// node ID and the download can proceed.
	if err := client.SendToAddress(ctx, "127.0.0.1", serverPort); err != nil {
		t.Fatalf("SendToAddress: %v", err)
	}
	select {
	case got := <-discovered:
		if got != serverNodeID {
			t.Fatalf("discovered %q, want %q", got, serverNodeID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the server's reply HELLO")
	}

	downloader := New(client, 2*time.Second)
	downloadsDir := t.TempDir()

	var lastProgress Progress
	outPath, err := downloader.DownloadFile(ctx, serverNodeID, manifest, downloadsDir, func(p Progress) {
		lastProgress = p
	})
	if err != nil {
		t.Fatalf("DownloadFile: %v", err)
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(content) {
		t.Fatal("downloaded file content does not match the source file")
	}
	if lastProgress.ChunksDone != lastProgress.ChunksTotal {
		t.Errorf("final progress = %+v, expected ChunksDone == ChunksTotal", lastProgress)
	}
}
