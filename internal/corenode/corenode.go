// Package corenode wires every ARCHIPEL subsystem — identity, trust,
// the peer table, persistent storage, discovery, the session
// transport, handshakes, messaging, and file transfer — into a single
// runnable Node.
package corenode

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/archipel-mesh/archipel/internal/chunker"
	"github.com/archipel-mesh/archipel/internal/config"
	"github.com/archipel-mesh/archipel/internal/discovery"
	"github.com/archipel-mesh/archipel/internal/handshake"
	"github.com/archipel-mesh/archipel/internal/identity"
	"github.com/archipel-mesh/archipel/internal/log"
	"github.com/archipel-mesh/archipel/internal/messaging"
	"github.com/archipel-mesh/archipel/internal/metrics"
	"github.com/archipel-mesh/archipel/internal/peertable"
	"github.com/archipel-mesh/archipel/internal/relay"
	"github.com/archipel-mesh/archipel/internal/store"
	"github.com/archipel-mesh/archipel/internal/transfer"
	"github.com/archipel-mesh/archipel/internal/transport"
	"github.com/archipel-mesh/archipel/internal/trust"
	"github.com/archipel-mesh/archipel/internal/wire"
)

// Node owns every long-lived subsystem of one ARCHIPEL process.
type Node struct {
	cfg *config.Config

	id *identity.Identity
	db store.DB

	table      *peertable.Table
	trustStore *trust.Store
	peers      *store.PeerStore
	history    *store.MessageStore
	relay      *relay.Queue

	handshakes *handshake.Manager
	transport  *transport.Transport
	discovery  *discovery.Service
	sender     *messaging.Sender
	downloader *transfer.Downloader
	metrics    *metrics.Registry
	metricsSrv *metrics.Server

	sharedMu sync.RWMutex
	shared   map[string]string // fileID -> source path, advertised and served

	manifestMu      sync.Mutex
	manifestWaiters map[string]chan *chunker.Manifest // fileID -> waiter

	listenPort int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Node from cfg but does not yet bind any sockets or
// start any background goroutines; call Start for that.
func New(cfg *config.Config) (*Node, error) {
	// ── 1. Data directories ──────────────────────────────────────────
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.Files.SharedDir, 0755); err != nil {
		return nil, fmt.Errorf("create shared dir: %w", err)
	}
	if err := os.MkdirAll(cfg.Files.DownloadsDir, 0755); err != nil {
		return nil, fmt.Errorf("create downloads dir: %w", err)
	}

	// ── 2. Logger ─────────────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("create logs dir: %w", err)
		}
		logFile = logsDir + "/archipel.log"
	}
	if err := log.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	// ── 3. Identity ───────────────────────────────────────────────────
	id, err := identity.LoadOrCreate(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	log.Logger.Info().Str("nodeId", id.NodeID.String()).Msg("identity loaded")

	// ── 4. Metrics ──────────────────────────────────────────────────
	reg := metrics.New()

	// ── 5. Storage ────────────────────────────────────────────────────
	db, err := store.NewBadger(cfg.StoreDir())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	peers := store.NewPeerStore(db)
	history := store.NewMessageStore(db)
	trustStore := trust.New(store.NewTrustStore(db))
	relayQueue := relay.New(store.NewRelayStore(db), cfg.Transport.RelayCapPerSender, reg)

	// ── 6. Peer table, seeded from the last known-peer snapshot ──────
	table := peertable.New()
	seedPeerTable(table, peers)

	// ── 7. Handshake manager and session transport ───────────────────
	handshakes := handshake.New(id, cfg.Transport.HandshakeTimeout)
	tr := transport.New(cfg.Transport, id, cfg.Discovery.SharedMACKey, table, trustStore, handshakes, relayQueue, reg)

	n := &Node{
		cfg:        cfg,
		id:         id,
		db:         db,
		table:      table,
		trustStore: trustStore,
		peers:      peers,
		history:    history,
		relay:      relayQueue,
		handshakes: handshakes,
		transport:  tr,
		metrics:    reg,
		shared:     make(map[string]string),
		manifestWaiters: make(map[string]chan *chunker.Manifest),
	}

	tr.SetManifestProvider(n.lookupManifest)
	tr.OnHelloDiscovered(n.persistPeerSighting)
	tr.OnManifestReceived(n.deliverManifest)
	tr.OnMessageReceived(n.recordIncomingMessage)
	tr.OnPeerListEntry(n.upsertPeerListEntry)

	// ── 8. Messaging and transfer layers ──────────────────────────────
	n.sender = messaging.New(id, table, tr, relayQueue, history, cfg.Transport.RelayTTL)
	n.downloader = transfer.New(tr, cfg.Transport.TransferTimeout)

	return n, nil
}

// seedPeerTable primes the in-memory table with every persisted peer
// record so a manual `connect` or relay flush has key material to work
// with immediately after a restart, before any fresh discovery packet
// arrives. Liveness is earned fresh: entries are not marked active
// until actually re-sighted.
func seedPeerTable(table *peertable.Table, peers *store.PeerStore) {
	records, err := peers.LoadAll()
	if err != nil {
		log.Logger.Warn().Err(err).Msg("failed to load persisted peer records")
		return
	}
	for _, rec := range records {
		table.Upsert(peertable.Entry{
			NodeID:   rec.NodeID,
			LastSeen: time.Unix(rec.LastSeen, 0),
		})
	}
	log.Logger.Info().Int("count", len(records)).Msg("seeded peer table from storage")
}

// persistPeerSighting mirrors a freshly-discovered peer's identity
// into the persistent peer store, so it survives a restart even if the
// peer goes quiet before the next discovery announcement.
func (n *Node) persistPeerSighting(nodeID string) {
	entry := n.table.Get(nodeID)
	if entry == nil {
		return
	}
	rec := store.PeerRecord{
		NodeID:     entry.NodeID,
		DHPub:      fmt.Sprintf("%x", entry.DHPublicKey),
		SigningPub: fmt.Sprintf("%x", entry.SigningPublicKey),
		LastSeen:   entry.LastSeen.Unix(),
	}
	if err := n.peers.Upsert(rec); err != nil {
		log.Logger.Warn().Err(err).Str("peer", nodeID).Msg("failed to persist peer sighting")
	}
}

// recordIncomingMessage persists a delivered or relayed chat frame to
// the local history mirror, keyed to the sender's NodeID so it joins
// the same conversation thread as messages sent to that peer. A
// signature that fails verification is logged but kept, so an operator
// can still see that something arrived.
func (n *Node) recordIncomingMessage(msg transport.ChatMessage) {
	if msg.Tampered {
		log.Logger.Warn().Str("peer", msg.From).Msg("chat message failed signature verification")
	}
	if _, err := n.history.Append(store.MessageRecord{
		PeerID:    msg.From,
		Sender:    msg.From,
		Content:   msg.Content,
		Timestamp: time.Now().Unix(),
		Encrypted: msg.Encrypted,
	}); err != nil {
		log.Logger.Warn().Err(err).Str("peer", msg.From).Msg("failed to persist received message")
	}
}

// upsertPeerListEntry merges one entry of a received PEER_LIST frame
// into the local peer table, giving this node a path to peers it
// hasn't discovered directly yet.
func (n *Node) upsertPeerListEntry(e wire.PeerListEntry) {
	dhPub, _ := hex.DecodeString(e.DHPublicKey)
	signingPub, _ := hex.DecodeString(e.SigningPublicKey)
	n.table.Upsert(peertable.Entry{
		NodeID:           e.NodeID,
		Address:          e.Address,
		Port:             e.Port,
		DHPublicKey:      dhPub,
		SigningPublicKey: signingPub,
		SharedFiles:      e.SharedFiles,
		LastSeen:         time.Now(),
	})
}

func (n *Node) lookupManifest(fileID string) (*chunker.Manifest, string, bool) {
	n.sharedMu.RLock()
	path, ok := n.shared[fileID]
	n.sharedMu.RUnlock()
	if !ok {
		return nil, "", false
	}
	manifest, err := chunker.CreateManifest(path)
	if err != nil {
		log.Logger.Warn().Err(err).Str("path", path).Msg("failed to build manifest for shared file")
		return nil, "", false
	}
	return manifest, path, true
}

// deliverManifest routes an incoming manifest push to whichever
// DownloadFile call is currently waiting on that FileID, if any.
func (n *Node) deliverManifest(receipt transport.ManifestReceipt) {
	manifest, err := chunker.FromWire(receipt.Manifest)
	if err != nil {
		log.Logger.Warn().Err(err).Str("peer", receipt.From).Msg("received malformed manifest")
		return
	}

	n.manifestMu.Lock()
	waiter, ok := n.manifestWaiters[manifest.FileID.String()]
	n.manifestMu.Unlock()
	if !ok {
		return
	}
	select {
	case waiter <- manifest:
	default:
	}
}

// DownloadFile requests fileID's manifest from peerID, then drives the
// chunked download to completion, returning the path of the assembled
// file under cfg.Files.DownloadsDir.
func (n *Node) DownloadFile(ctx context.Context, peerID, fileID string, manifestTimeout time.Duration, onProgress func(transfer.Progress)) (string, error) {
	waiter := make(chan *chunker.Manifest, 1)
	n.manifestMu.Lock()
	n.manifestWaiters[fileID] = waiter
	n.manifestMu.Unlock()
	defer func() {
		n.manifestMu.Lock()
		delete(n.manifestWaiters, fileID)
		n.manifestMu.Unlock()
	}()

	if err := n.transport.RequestManifest(peerID, fileID); err != nil {
		return "", fmt.Errorf("request manifest: %w", err)
	}

	var manifest *chunker.Manifest
	select {
	case manifest = <-waiter:
	case <-time.After(manifestTimeout):
		return "", fmt.Errorf("timed out waiting for manifest of %s from %s", fileID, peerID)
	case <-ctx.Done():
		return "", ctx.Err()
	}

	return n.downloader.DownloadFile(ctx, peerID, manifest, n.cfg.Files.DownloadsDir, onProgress)
}

// ShareFile registers path, as given, for CHUNK_REQ serving and
// discovery advertisement, returning its FileID. The file is served
// from where it is; nothing is copied into cfg.Files.SharedDir.
func (n *Node) ShareFile(path string) (string, error) {
	manifest, err := chunker.CreateManifest(path)
	if err != nil {
		return "", fmt.Errorf("build manifest: %w", err)
	}
	fileID := manifest.FileID.String()

	n.sharedMu.Lock()
	n.shared[fileID] = path
	n.sharedMu.Unlock()

	return fileID, nil
}

// SharedFileIDs returns the FileIDs of every locally shared file, for
// discovery's HELLO announcements.
func (n *Node) SharedFileIDs() []string {
	n.sharedMu.RLock()
	defer n.sharedMu.RUnlock()
	ids := make([]string, 0, len(n.shared))
	for id := range n.shared {
		ids = append(ids, id)
	}
	return ids
}

// Start binds the session transport and discovery sockets and begins
// every background loop. It blocks only long enough to bind; the node
// keeps running until Stop is called.
func (n *Node) Start(ctx context.Context) error {
	n.ctx, n.cancel = context.WithCancel(ctx)

	port, err := n.transport.Listen(n.ctx)
	if err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	n.listenPort = port

	n.discovery = discovery.New(n.cfg.Discovery, n.id, n.table, port, n.SharedFileIDs, n.metrics)
	n.discovery.OnPeerDiscovered(n.persistPeerSighting)
	if err := n.discovery.Start(n.ctx); err != nil {
		n.transport.Stop()
		return fmt.Errorf("start discovery: %w", err)
	}

	metricsSrv, err := metrics.StartServer(n.cfg.Metrics, n.metrics)
	if err != nil {
		n.discovery.Stop()
		n.transport.Stop()
		return fmt.Errorf("start metrics server: %w", err)
	}
	n.metricsSrv = metricsSrv

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.runReputationSweep()
	}()

	log.Logger.Info().
		Str("nodeId", n.id.NodeID.String()).
		Int("port", port).
		Msg("node started")
	return nil
}

// runReputationSweep periodically publishes peer-table gauges and
// prunes dead entries, mirroring discovery's own prune loop so metrics
// stay fresh even between discovery announcements.
func (n *Node) runReputationSweep() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			active := n.table.GetActive()
			n.metrics.PeersActive.Set(float64(len(active)))
		}
	}
}

// Stop performs graceful shutdown in reverse order of Start.
func (n *Node) Stop() error {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()

	if n.metricsSrv != nil {
		n.metricsSrv.Stop(context.Background())
	}
	if n.discovery != nil {
		n.discovery.Stop()
	}
	if n.transport != nil {
		n.transport.Stop()
	}
	if n.db != nil {
		n.db.Close()
	}

	log.Logger.Info().Msg("node stopped")
	return nil
}

// Identity returns the node's local identity.
func (n *Node) Identity() *identity.Identity { return n.id }

// Table returns the live peer table.
func (n *Node) Table() *peertable.Table { return n.table }

// TrustStore returns the TOFU trust store.
func (n *Node) TrustStore() *trust.Store { return n.trustStore }

// History returns the persisted chat history store.
func (n *Node) History() *store.MessageStore { return n.history }

// Sender returns the messaging layer.
func (n *Node) Sender() *messaging.Sender { return n.sender }

// Downloader returns the file-transfer layer.
func (n *Node) Downloader() *transfer.Downloader { return n.downloader }

// Transport returns the session transport, for manual-bootstrap
// connect operations and handshake initiation.
func (n *Node) Transport() *transport.Transport { return n.transport }

// ListenPort returns the TCP port the session transport bound, which
// may differ from cfg.Transport.ListenPort if that port was in use.
func (n *Node) ListenPort() int { return n.listenPort }

// Connect manually bootstraps a connection to ip:port, bypassing
// multicast discovery — used for cross-subnet or firewalled peers.
func (n *Node) Connect(ctx context.Context, ip string, port int) error {
	return n.transport.SendToAddress(ctx, ip, port)
}

// Trust re-pins nodeID as trusted after an operator has manually
// verified a reported key mismatch.
func (n *Node) Trust(nodeID string) error {
	return n.trustStore.Reassert(nodeID)
}
