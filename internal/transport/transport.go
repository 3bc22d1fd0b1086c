// Package transport implements ARCHIPEL's reliable session transport:
// a TCP listener and per-peer connections carrying framed, MAC- or
// AEAD-protected traffic, with frame dispatch to the handshake, trust,
// messaging, and transfer layers.
package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/archipel-mesh/archipel/internal/chunker"
	"github.com/archipel-mesh/archipel/internal/config"
	"github.com/archipel-mesh/archipel/internal/handshake"
	"github.com/archipel-mesh/archipel/internal/identity"
	"github.com/archipel-mesh/archipel/internal/log"
	"github.com/archipel-mesh/archipel/internal/metrics"
	"github.com/archipel-mesh/archipel/internal/peertable"
	"github.com/archipel-mesh/archipel/internal/relay"
	"github.com/archipel-mesh/archipel/internal/store"
	"github.com/archipel-mesh/archipel/internal/trust"
	"github.com/archipel-mesh/archipel/internal/wire"
	"github.com/archipel-mesh/archipel/pkg/types"
)

// ChatMessage is the normalized form of a delivered MSG chat frame,
// handed to the messaging layer's onMessageReceived callback.
type ChatMessage struct {
	From      string
	Content   string
	Encrypted bool
	Tampered  bool // signature present but verification failed
}

// ManifestReceipt is handed to the onManifestReceived callback.
type ManifestReceipt struct {
	From     string
	Manifest wire.ManifestPayloadBody
}

// ManifestProvider looks up a locally shared manifest and its source
// file path by FileID, for serving CHUNK_REQ frames.
type ManifestProvider func(fileID string) (manifest *chunker.Manifest, path string, ok bool)

// Transport owns the TCP listener and all open peer connections.
type Transport struct {
	cfg       config.TransportConfig
	id        *identity.Identity
	sharedMAC []byte

	table      *peertable.Table
	trustStore *trust.Store
	handshakes *handshake.Manager
	relay      *relay.Queue
	metrics    *metrics.Registry

	listener net.Listener

	mu    sync.RWMutex
	conns map[string]*connection // nodeID -> connection

	chunkMu       sync.Mutex
	chunkHandlers map[string]func(wire.ChunkDataPayload)
	manifestLookup ManifestProvider

	onMessage          func(ChatMessage)
	onManifest         func(ManifestReceipt)
	onPeerListEntry    func(wire.PeerListEntry)
	onHelloDiscovered  func(nodeID string)
}

type connection struct {
	conn   net.Conn
	nodeID string
	mu     sync.Mutex // serializes writes
}

// New builds a Transport. table, trustStore, handshakes, and relay are
// all injected — Transport never constructs its own shared state.
func New(cfg config.TransportConfig, id *identity.Identity, sharedMACKey string, table *peertable.Table, trustStore *trust.Store, handshakes *handshake.Manager, relayQueue *relay.Queue, reg *metrics.Registry) *Transport {
	return &Transport{
		cfg:           cfg,
		id:            id,
		sharedMAC:     []byte(sharedMACKey),
		table:         table,
		trustStore:    trustStore,
		handshakes:    handshakes,
		relay:         relayQueue,
		metrics:       reg,
		conns:         make(map[string]*connection),
		chunkHandlers: make(map[string]func(wire.ChunkDataPayload)),
	}
}

// OnMessageReceived registers the callback for delivered chat messages.
func (t *Transport) OnMessageReceived(fn func(ChatMessage)) { t.onMessage = fn }

// OnManifestReceived registers the callback for received remote manifests.
func (t *Transport) OnManifestReceived(fn func(ManifestReceipt)) { t.onManifest = fn }

// OnPeerListEntry registers the callback invoked for each peer advertised
// in a received PEER_LIST frame.
func (t *Transport) OnPeerListEntry(fn func(wire.PeerListEntry)) { t.onPeerListEntry = fn }

// OnHelloDiscovered registers the callback fired when a previously
// unknown peer greets us over the session transport directly (the
// manual-bootstrap and symmetric-reply path, distinct from multicast
// discovery).
func (t *Transport) OnHelloDiscovered(fn func(nodeID string)) { t.onHelloDiscovered = fn }

// SetManifestProvider registers the lookup used to serve CHUNK_REQ
// frames against locally shared files.
func (t *Transport) SetManifestProvider(fn ManifestProvider) { t.manifestLookup = fn }

// RegisterChunkHandler installs the handler that receives CHUNK_DATA
// frames for fileID, overwriting any previous registration.
func (t *Transport) RegisterChunkHandler(fileID string, fn func(wire.ChunkDataPayload)) {
	t.chunkMu.Lock()
	defer t.chunkMu.Unlock()
	t.chunkHandlers[fileID] = fn
}

// UnregisterChunkHandler removes a fileID's CHUNK_DATA handler.
func (t *Transport) UnregisterChunkHandler(fileID string) {
	t.chunkMu.Lock()
	defer t.chunkMu.Unlock()
	delete(t.chunkHandlers, fileID)
}

// Listen binds the TCP listener, retrying on successive ports if the
// configured one is already in use, and starts the accept loop.
func (t *Transport) Listen(ctx context.Context) (int, error) {
	port := t.cfg.ListenPort
	var lastErr error
	for attempt := 0; attempt < 50; attempt++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port+attempt))
		if err == nil {
			t.listener = ln
			go t.acceptLoop(ctx)
			log.Transport.Info().Int("port", port+attempt).Msg("transport listening")
			return port + attempt, nil
		}
		lastErr = err
	}
	return 0, fmt.Errorf("bind transport listener after 50 attempts: %w", lastErr)
}

// Stop closes the listener and every open connection.
func (t *Transport) Stop() error {
	if t.listener != nil {
		t.listener.Close()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, c := range t.conns {
		c.conn.Close()
		delete(t.conns, id)
	}
	return nil
}

func (t *Transport) acceptLoop(ctx context.Context) {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Transport.Warn().Err(err).Msg("accept failed")
				return
			}
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(t.cfg.KeepAlivePeriod)
		}
		c := &connection{conn: conn}
		go t.readLoop(ctx, c)
	}
}

func (t *Transport) readLoop(ctx context.Context, c *connection) {
	defer t.dropConnection(c)

	buf := make([]byte, 0, 64*1024)
	tmp := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := c.conn.Read(tmp)
		if err != nil {
			return
		}
		buf = append(buf, tmp[:n]...)

		for {
			length, known := wire.FrameLen(buf)
			if !known || len(buf) < length {
				break
			}
			frame := append([]byte(nil), buf[:length]...)
			buf = append([]byte(nil), buf[length:]...)
			t.dispatch(ctx, c, frame)
		}
	}
}

func (t *Transport) dropConnection(c *connection) {
	c.conn.Close()
	if c.nodeID == "" {
		return
	}
	t.mu.Lock()
	if t.conns[c.nodeID] == c {
		delete(t.conns, c.nodeID)
	}
	t.mu.Unlock()
}

// dispatch decodes and routes a single complete frame. Any panic in a
// handler is recovered here so a malformed or adversarial frame never
// takes down the connection.
func (t *Transport) dispatch(ctx context.Context, c *connection, frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Transport.Error().Interface("panic", r).Msg("recovered from panic dispatching frame")
		}
	}()

	senderID, ok := wire.PeekSenderID(frame)
	if !ok {
		return
	}

	macKey := t.sharedMAC
	if entry := t.table.Get(senderID.String()); entry != nil && entry.SessionKey != nil {
		macKey = entry.SessionKey[:]
	}

	pkt, ok := wire.Parse(frame, macKey)
	if !ok && !bytes.Equal(macKey, t.sharedMAC) {
		pkt, ok = wire.Parse(frame, t.sharedMAC)
	}
	if !ok {
		if t.metrics != nil {
			t.metrics.FramesDropped.WithLabelValues("UNKNOWN").Inc()
		}
		return
	}
	if t.metrics != nil {
		t.metrics.FramesReceived.WithLabelValues(pkt.Type.String()).Inc()
	}

	c.mu.Lock()
	if c.nodeID == "" {
		c.nodeID = pkt.SenderID.String()
		t.mu.Lock()
		t.conns[c.nodeID] = c
		t.mu.Unlock()
	}
	c.mu.Unlock()

	switch pkt.Type {
	case wire.TypeHello:
		t.handleHello(c, pkt)
	case wire.TypeMsg:
		t.handleMsg(ctx, c, pkt)
	case wire.TypePeerList:
		t.handlePeerList(pkt)
	case wire.TypeManifest:
		t.handleManifest(pkt)
	case wire.TypeChunkReq:
		t.handleChunkReq(pkt)
	case wire.TypeChunkData:
		t.handleChunkData(pkt)
	case wire.TypeRelay:
		t.handleRelay(pkt)
	case wire.TypeAck:
		// no-op
	}
}

func (t *Transport) handleHello(c *connection, pkt *wire.Packet) {
	var hello wire.HelloPayload
	if err := json.Unmarshal(pkt.Payload, &hello); err != nil {
		return
	}
	nodeID := pkt.SenderID.String()

	addr, _ := c.conn.RemoteAddr().(*net.TCPAddr)
	addrIP := ""
	if addr != nil {
		addrIP = addr.IP.String()
	}

	dhPub, _ := hex.DecodeString(hello.DHPublicKey)
	signingPub, _ := hex.DecodeString(hello.SigningPublicKey)

	existed := t.table.Get(nodeID) != nil
	t.table.Upsert(peertable.Entry{
		NodeID:           nodeID,
		Address:          addrIP,
		Port:             hello.TCPPort,
		DHPublicKey:      dhPub,
		SigningPublicKey: signingPub,
		SharedFiles:      hello.SharedFiles,
		LastSeen:         time.Now(),
	})

	if !existed {
		if t.onHelloDiscovered != nil {
			t.onHelloDiscovered(nodeID)
		}
		t.replyHello(c)
	}
}

func (t *Transport) replyHello(c *connection) {
	hello := wire.HelloPayload{
		NodeID:           t.id.NodeID.String(),
		DHPublicKey:      hex.EncodeToString(t.id.StaticDH.Public()),
		SigningPublicKey: hex.EncodeToString(t.id.Signing.PublicKey()),
		TCPPort:          t.cfg.ListenPort,
		Timestamp:        time.Now().Unix(),
	}
	payload, err := json.Marshal(hello)
	if err != nil {
		return
	}
	t.writeFrame(c, wire.Build(wire.TypeHello, t.id.NodeID, payload, t.sharedMAC))
}

type msgTypeProbe struct {
	Type string `json:"type"`
}

func (t *Transport) handleMsg(ctx context.Context, c *connection, pkt *wire.Packet) {
	var probe msgTypeProbe
	json.Unmarshal(pkt.Payload, &probe)

	switch probe.Type {
	case "HANDSHAKE_INIT":
		t.handleHandshakeInit(c, pkt)
	case "HANDSHAKE_RESP":
		t.handleHandshakeResp(pkt)
	case "MANIFEST_REQ":
		t.handleManifestReq(pkt)
	default:
		t.handleChat(pkt)
	}
}

func (t *Transport) handleManifestReq(pkt *wire.Packet) {
	var req wire.ManifestReqPayload
	if err := json.Unmarshal(pkt.Payload, &req); err != nil {
		return
	}
	if t.manifestLookup == nil {
		return
	}
	manifest, _, ok := t.manifestLookup(req.FileID)
	if !ok {
		return
	}
	if err := t.SendManifest(pkt.SenderID.String(), manifest); err != nil {
		log.Transport.Warn().Err(err).Str("fileId", req.FileID).Msg("failed to send requested manifest")
	}
}

func (t *Transport) handleHandshakeInit(c *connection, pkt *wire.Packet) {
	var init wire.HandshakeInitPayload
	if err := json.Unmarshal(pkt.Payload, &init); err != nil {
		return
	}

	signingPub, err1 := hex.DecodeString(init.SigningPub)
	dhPub, err2 := hex.DecodeString(init.DHPub)
	if err1 != nil || err2 != nil {
		return
	}

	result, err := t.trustStore.CheckTrust(init.NodeID, signingPub, dhPub)
	if err != nil {
		log.Handshake.Error().Err(err).Msg("trust check failed")
		return
	}
	if !result.Trusted {
		log.Handshake.Warn().Str("peer", init.NodeID).Msg("handshake dropped: trust mismatch")
		return
	}

	resp, sessionKey, err := t.handshakes.HandleInit(init.NodeID, init)
	if err != nil {
		log.Handshake.Error().Err(err).Msg("handshake responder computation failed")
		return
	}

	addr, _ := c.conn.RemoteAddr().(*net.TCPAddr)
	addrIP := ""
	if addr != nil {
		addrIP = addr.IP.String()
	}
	t.table.Upsert(peertable.Entry{
		NodeID:           init.NodeID,
		Address:          addrIP,
		DHPublicKey:      dhPub,
		SigningPublicKey: signingPub,
		LastSeen:         time.Now(),
	})
	t.table.SetSessionKey(init.NodeID, sessionKey)

	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	t.writeFrame(c, wire.Build(wire.TypeMsg, t.id.NodeID, payload, t.sharedMAC))

	t.flushRelayQueue(init.NodeID)
}

func (t *Transport) handleHandshakeResp(pkt *wire.Packet) {
	var resp wire.HandshakeRespPayload
	if err := json.Unmarshal(pkt.Payload, &resp); err != nil {
		return
	}

	signingPub, err1 := hex.DecodeString(resp.SigningPub)
	dhPub, err2 := hex.DecodeString(resp.DHPub)
	if err1 != nil || err2 != nil {
		return
	}

	result, err := t.trustStore.CheckTrust(resp.NodeID, signingPub, dhPub)
	if err != nil {
		log.Handshake.Error().Err(err).Msg("trust check failed")
		return
	}
	if !result.Trusted {
		log.Handshake.Warn().Str("peer", resp.NodeID).Msg("handshake aborted: trust mismatch")
		t.handshakes.Abort(resp.NodeID)
		return
	}

	sessionKey, err := t.handshakes.HandleResp(resp.NodeID, resp)
	if err != nil {
		log.Handshake.Error().Err(err).Msg("handshake initiator computation failed")
		return
	}
	t.table.SetSessionKey(resp.NodeID, sessionKey)
	t.flushRelayQueue(resp.NodeID)
}

func (t *Transport) handleChat(pkt *wire.Packet) {
	var chat wire.ChatPayload
	if err := json.Unmarshal(pkt.Payload, &chat); err != nil {
		return
	}

	msg := ChatMessage{From: chat.NodeID}

	var content []byte
	entry := t.table.Get(chat.NodeID)

	if chat.Nonce != "" && entry != nil && entry.SessionKey != nil {
		nonce, err1 := hex.DecodeString(chat.Nonce)
		ciphertext, err2 := hex.DecodeString(chat.Ciphertext)
		if err1 != nil || err2 != nil {
			return
		}
		plaintext, err := identity.Decrypt(*entry.SessionKey, nonce, ciphertext, nil)
		if err != nil {
			log.Transport.Debug().Str("peer", chat.NodeID).Msg("AEAD decrypt failed for chat frame")
			return
		}
		content = plaintext
		msg.Encrypted = true
	} else {
		raw, err := hex.DecodeString(chat.Ciphertext)
		if err != nil {
			content = []byte(chat.Ciphertext)
		} else {
			content = raw
		}
	}
	msg.Content = string(content)

	if chat.Signature != "" && entry != nil && entry.SigningPublicKey != nil {
		sig, err := hex.DecodeString(chat.Signature)
		if err == nil {
			h := identity.Hash(content)
			if !identity.VerifySignature(h[:], sig, entry.SigningPublicKey) {
				msg.Tampered = true
			}
		}
	}

	if t.onMessage != nil {
		t.onMessage(msg)
	}
}

func (t *Transport) handlePeerList(pkt *wire.Packet) {
	var entries []wire.PeerListEntry
	if err := json.Unmarshal(pkt.Payload, &entries); err != nil {
		return
	}
	localID := t.id.NodeID.String()
	for _, e := range entries {
		if e.NodeID == localID {
			continue
		}
		if t.onPeerListEntry != nil {
			t.onPeerListEntry(e)
		}
	}
}

func (t *Transport) handleManifest(pkt *wire.Packet) {
	var body wire.ManifestPayload
	if err := json.Unmarshal(pkt.Payload, &body); err != nil {
		return
	}
	if t.onManifest != nil {
		t.onManifest(ManifestReceipt{From: pkt.SenderID.String(), Manifest: body.Manifest})
	}
}

func (t *Transport) handleChunkReq(pkt *wire.Packet) {
	var req wire.ChunkReqPayload
	if err := json.Unmarshal(pkt.Payload, &req); err != nil {
		return
	}
	if t.manifestLookup == nil {
		return
	}
	manifest, path, ok := t.manifestLookup(req.FileID)
	if !ok {
		return
	}
	data, err := chunker.ReadChunk(path, manifest, req.ChunkIndex)
	if err != nil {
		log.Transport.Warn().Err(err).Str("fileId", req.FileID).Uint32("chunk", req.ChunkIndex).Msg("failed to read requested chunk")
		return
	}

	resp := wire.ChunkDataPayload{
		Type:       "CHUNK_DATA",
		FileID:     req.FileID,
		ChunkIndex: req.ChunkIndex,
		Hash:       manifest.Chunks[req.ChunkIndex].Hash.String(),
		Data:       base64.StdEncoding.EncodeToString(data),
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}

	if t.metrics != nil {
		t.metrics.ChunksSent.Inc()
	}
	t.SendTo(pkt.SenderID.String(), wire.Build(wire.TypeChunkData, t.id.NodeID, payload, t.sessionOrSharedKey(pkt.SenderID.String())))
}

func (t *Transport) handleChunkData(pkt *wire.Packet) {
	var data wire.ChunkDataPayload
	if err := json.Unmarshal(pkt.Payload, &data); err != nil {
		return
	}
	t.chunkMu.Lock()
	handler, ok := t.chunkHandlers[data.FileID]
	t.chunkMu.Unlock()
	if !ok {
		return
	}
	handler(data)
}

func (t *Transport) handleRelay(pkt *wire.Packet) {
	var rel wire.RelayPayload
	if err := json.Unmarshal(pkt.Payload, &rel); err != nil {
		return
	}
	if rel.Target == t.id.NodeID.String() {
		if t.onMessage != nil {
			t.onMessage(ChatMessage{From: rel.Sender, Content: rel.Content})
		}
		return
	}
	if t.relay == nil {
		return
	}
	if _, err := t.relay.Enqueue(store.RelayRecord{
		TargetID:   rel.Target,
		SenderID:   rel.Sender,
		PacketData: rel.Content,
		CreatedAt:  time.Now().Unix(),
		ExpiresAt:  time.Now().Add(t.cfg.RelayTTL).Unix(),
	}); err != nil {
		log.Transport.Error().Err(err).Msg("failed to enqueue forwarded relay envelope")
	}
}

// RequestManifest asks peerID for the manifest of fileID. The response
// arrives asynchronously through the OnManifestReceived callback.
func (t *Transport) RequestManifest(peerID, fileID string) error {
	req := wire.ManifestReqPayload{Type: "MANIFEST_REQ", FileID: fileID}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal manifest request: %w", err)
	}
	return t.SendTo(peerID, wire.Build(wire.TypeMsg, t.id.NodeID, payload, t.sessionOrSharedKey(peerID)))
}

// SendManifest pushes manifest to peerID, either in response to a
// RequestManifest or proactively after ShareFile.
func (t *Transport) SendManifest(peerID string, manifest *chunker.Manifest) error {
	payload, err := json.Marshal(wire.ManifestPayload{Type: "MANIFEST", Manifest: manifest.ToWire()})
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return t.SendTo(peerID, wire.Build(wire.TypeManifest, t.id.NodeID, payload, t.sessionOrSharedKey(peerID)))
}

// ForwardRelay transmits a RELAY frame for rel to every currently
// active peer other than rel.Target and the local node itself, giving
// the envelope a chance to reach an intermediary that can carry it
// toward a target this node cannot reach directly. Returns the number
// of peers the frame was successfully handed to.
func (t *Transport) ForwardRelay(rel wire.RelayPayload) int {
	payload, err := json.Marshal(rel)
	if err != nil {
		log.Transport.Error().Err(err).Msg("failed to marshal relay envelope for forwarding")
		return 0
	}

	localID := t.id.NodeID.String()
	sent := 0
	for _, entry := range t.table.GetActive() {
		if entry.NodeID == rel.Target || entry.NodeID == localID {
			continue
		}
		frame := wire.Build(wire.TypeRelay, t.id.NodeID, payload, t.sessionOrSharedKey(entry.NodeID))
		if err := t.SendTo(entry.NodeID, frame); err != nil {
			log.Transport.Debug().Err(err).Str("peer", entry.NodeID).Msg("relay forward attempt failed")
			continue
		}
		sent++
	}
	return sent
}

// flushRelayQueue delivers every relay envelope queued for peerID over
// the now-open connection, fired right after a handshake completes (or
// a fresh connection opens).
func (t *Transport) flushRelayQueue(peerID string) {
	if t.relay == nil {
		return
	}
	entries, err := t.relay.FetchAndDelete(peerID, time.Now())
	if err != nil {
		log.Transport.Error().Err(err).Str("peer", peerID).Msg("relay queue flush failed")
		return
	}
	for _, e := range entries {
		payload, err := json.Marshal(wire.RelayPayload{
			Target:    e.TargetID,
			Sender:    e.SenderID,
			Content:   e.PacketData,
			Timestamp: e.CreatedAt,
		})
		if err != nil {
			continue
		}
		t.SendTo(peerID, wire.Build(wire.TypeRelay, t.id.NodeID, payload, t.sessionOrSharedKey(peerID)))
	}
}

func (t *Transport) sessionOrSharedKey(nodeID string) []byte {
	if entry := t.table.Get(nodeID); entry != nil && entry.SessionKey != nil {
		return entry.SessionKey[:]
	}
	return t.sharedMAC
}

// FrameKeyFor returns the MAC/AEAD key the messaging layer should frame
// a message to nodeID under: the established session key if one
// exists, otherwise the shared discovery MAC key.
func (t *Transport) FrameKeyFor(nodeID string) []byte {
	return t.sessionOrSharedKey(nodeID)
}

// LocalNodeID returns this node's own identifier, for layers above
// Transport that need to frame outgoing packets themselves.
func (t *Transport) LocalNodeID() types.NodeId {
	return t.id.NodeID
}

// InitiateHandshake starts a handshake with peerID and sends the
// HANDSHAKE_INIT frame. The caller follows up with AwaitHandshake to
// learn the resulting session key (or fall back to unencrypted
// delivery on timeout).
func (t *Transport) InitiateHandshake(peerID string) error {
	init, err := t.handshakes.Initiate(peerID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(init)
	if err != nil {
		return fmt.Errorf("marshal handshake init: %w", err)
	}
	if t.metrics != nil {
		t.metrics.HandshakesStarted.Inc()
	}
	return t.SendTo(peerID, wire.Build(wire.TypeMsg, t.id.NodeID, payload, t.sharedMAC))
}

// AwaitHandshake blocks for the handshake's configured timeout waiting
// for a HANDSHAKE_RESP, returning the established session key.
func (t *Transport) AwaitHandshake(ctx context.Context, peerID string) ([32]byte, error) {
	key, err := t.handshakes.AwaitResult(ctx, peerID)
	if t.metrics != nil {
		if err == nil {
			t.metrics.HandshakesCompleted.Inc()
		} else if err == handshake.ErrTimeout {
			t.metrics.HandshakesTimedOut.Inc()
		}
	}
	return key, err
}

// SendTo sends a raw frame to nodeID, reusing an open connection if one
// exists or dialing a new one from the peer table's address/port.
// Returns an error suitable for triggering the messaging layer's relay
// fallback.
func (t *Transport) SendTo(nodeID string, frame []byte) error {
	t.mu.RLock()
	c, ok := t.conns[nodeID]
	t.mu.RUnlock()
	if ok {
		return t.writeFrame(c, frame)
	}

	entry := t.table.Get(nodeID)
	if entry == nil || entry.Address == "" {
		return fmt.Errorf("no known address for peer %s", nodeID)
	}

	newConn, err := t.dial(entry.Address, entry.Port)
	if err != nil {
		return err
	}
	newConn.nodeID = nodeID
	t.mu.Lock()
	t.conns[nodeID] = newConn
	t.mu.Unlock()

	if err := t.writeFrame(newConn, frame); err != nil {
		return err
	}
	go t.flushRelayQueue(nodeID)
	return nil
}

// SendToAddress opens a connection to ip:port and immediately sends a
// local HELLO — the manual-bootstrap path for connecting to a peer
// before any discovery has occurred.
func (t *Transport) SendToAddress(ctx context.Context, ip string, port int) error {
	c, err := t.dial(ip, port)
	if err != nil {
		return err
	}
	t.replyHello(c)
	return nil
}

func (t *Transport) dial(ip string, port int) (*connection, error) {
	addr := fmt.Sprintf("%s:%d", ip, port)
	netConn, err := net.DialTimeout("tcp", addr, t.cfg.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	if tcpConn, ok := netConn.(*net.TCPConn); ok {
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(t.cfg.KeepAlivePeriod)
	}
	c := &connection{conn: netConn}
	go t.readLoop(context.Background(), c)
	return c, nil
}

func (t *Transport) writeFrame(c *connection, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.conn.Write(frame)
	if err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if t.metrics != nil && len(frame) > 4 {
		t.metrics.FramesSent.WithLabelValues(wire.FrameType(frame[4]).String()).Inc()
	}
	return nil
}
