package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/archipel-mesh/archipel/internal/corenode"
	"github.com/archipel-mesh/archipel/internal/log"
	"github.com/archipel-mesh/archipel/internal/transfer"
)

// defaultManifestTimeout bounds how long file_download waits for the
// remote peer to answer a manifest request before giving up.
const defaultManifestTimeout = 10 * time.Second

// Server listens on a Unix domain socket and dispatches one JSON-RPC
// 2.0 request per line to the underlying node.
type Server struct {
	node *corenode.Node
	path string
	ln   net.Listener
}

// NewServer builds a control Server bound to node. Call Start to begin
// listening.
func NewServer(node *corenode.Node, socketPath string) *Server {
	return &Server{node: node, path: socketPath}
}

// Start removes any stale socket file left behind by a prior crashed
// process, binds a fresh Unix socket, and begins accepting connections
// in the background.
func (s *Server) Start(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale control socket: %w", err)
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on control socket %s: %w", s.path, err)
	}
	s.ln = ln

	go s.acceptLoop(ctx)
	log.Control.Info().Str("path", s.path).Msg("control socket listening")
	return nil
}

// Stop closes the listener and removes the socket file.
func (s *Server) Stop() error {
	if s.ln == nil {
		return nil
	}
	s.ln.Close()
	os.Remove(s.path)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Control.Warn().Err(err).Msg("control accept failed")
				return
			}
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			enc.Encode(Response{JSONRPC: "2.0", Error: &Error{Code: CodeParseError, Message: "invalid JSON"}})
			continue
		}

		result, rpcErr := s.dispatch(ctx, &req)
		resp := Response{JSONRPC: "2.0", ID: req.ID}
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			data, err := json.Marshal(result)
			if err != nil {
				resp.Error = &Error{Code: CodeInternalError, Message: err.Error()}
			} else {
				resp.Result = data
			}
		}
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request) (interface{}, *Error) {
	switch req.Method {
	case "node_getStatus":
		return s.handleStatus()
	case "peer_list":
		return s.handlePeerList()
	case "message_send":
		return s.handleMessageSend(req)
	case "message_broadcast":
		return s.handleMessageBroadcast(req)
	case "message_history":
		return s.handleMessageHistory(req)
	case "peer_connect":
		return s.handlePeerConnect(ctx, req)
	case "peer_trust":
		return s.handlePeerTrust(req)
	case "file_share":
		return s.handleFileShare(req)
	case "file_download":
		return s.handleFileDownload(ctx, req)
	default:
		return nil, &Error{Code: CodeMethodNotFound, Message: "unknown method " + req.Method}
	}
}

func decodeParams(raw json.RawMessage, v interface{}) *Error {
	if len(raw) == 0 {
		return &Error{Code: CodeInvalidParams, Message: "missing params"}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &Error{Code: CodeInvalidParams, Message: "invalid params: " + err.Error()}
	}
	return nil
}

func (s *Server) handleStatus() (interface{}, *Error) {
	// peertable only tracks liveness via a single TTL-pruned set, so
	// known and active are currently the same count.
	active := s.node.Table().GetActive()
	return StatusResult{
		NodeID:      s.node.Identity().NodeID.String(),
		ListenPort:  s.node.ListenPort(),
		PeersKnown:  len(active),
		PeersActive: len(active),
		SharedFiles: len(s.node.SharedFileIDs()),
	}, nil
}

func (s *Server) handlePeerList() (interface{}, *Error) {
	active := s.node.Table().GetActive()
	entries := make([]PeerEntry, 0, len(active))
	for _, e := range active {
		trusted, _ := s.node.TrustStore().IsTrusted(e.NodeID)
		entries = append(entries, PeerEntry{
			NodeID:     e.NodeID,
			Address:    e.Address,
			Port:       e.Port,
			Reputation: e.Reputation,
			LastSeen:   e.LastSeen.Unix(),
			Trusted:    trusted,
		})
	}
	return PeerListResult{Peers: entries}, nil
}

func (s *Server) handleMessageSend(req *Request) (interface{}, *Error) {
	var p MessageSendParam
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	outcome, sendErr := s.node.Sender().Send(p.PeerID, p.Content)
	if sendErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: sendErr.Error()}
	}
	return MessageSendResult{Outcome: string(outcome)}, nil
}

func (s *Server) handleMessageBroadcast(req *Request) (interface{}, *Error) {
	var p MessageBroadcastParam
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	raw := s.node.Sender().Broadcast(p.Content)
	results := make(map[string]string, len(raw))
	for peerID, err := range raw {
		if err != nil {
			results[peerID] = err.Error()
		} else {
			results[peerID] = "ok"
		}
	}
	return MessageBroadcastResult{Results: results}, nil
}

func (s *Server) handleMessageHistory(req *Request) (interface{}, *Error) {
	var p MessageHistoryParam
	// params are optional for message_history: an empty peerId matches everything.
	if len(req.Params) > 0 {
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
	}
	records, err := s.node.History().History(p.PeerID)
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: err.Error()}
	}
	entries := make([]HistoryEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, HistoryEntry{
			PeerID:    r.PeerID,
			Sender:    r.Sender,
			Content:   r.Content,
			Timestamp: r.Timestamp,
			Encrypted: r.Encrypted,
		})
	}
	return MessageHistoryResult{Messages: entries}, nil
}

func (s *Server) handlePeerConnect(ctx context.Context, req *Request) (interface{}, *Error) {
	var p PeerConnectParam
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	if err := s.node.Connect(ctx, p.Address, p.Port); err != nil {
		return nil, &Error{Code: CodeInternalError, Message: err.Error()}
	}
	return struct{}{}, nil
}

func (s *Server) handlePeerTrust(req *Request) (interface{}, *Error) {
	var p PeerTrustParam
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	if err := s.node.Trust(p.NodeID); err != nil {
		return nil, &Error{Code: CodeInternalError, Message: err.Error()}
	}
	return struct{}{}, nil
}

func (s *Server) handleFileShare(req *Request) (interface{}, *Error) {
	var p FileShareParam
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	fileID, shareErr := s.node.ShareFile(p.Path)
	if shareErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: shareErr.Error()}
	}
	return FileShareResult{FileID: fileID}, nil
}

func (s *Server) handleFileDownload(ctx context.Context, req *Request) (interface{}, *Error) {
	var p FileDownloadParam
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	path, dlErr := s.node.DownloadFile(ctx, p.PeerID, p.FileID, defaultManifestTimeout, func(progress transfer.Progress) {
		log.Control.Debug().
			Uint32("chunksDone", progress.ChunksDone).
			Uint32("chunksTotal", progress.ChunksTotal).
			Msg("download progress")
	})
	if dlErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: dlErr.Error()}
	}
	return FileDownloadResult{Path: path}, nil
}
