// Package discovery implements ARCHIPEL's LAN peer discovery: a
// multicast UDP socket used to periodically announce this node and
// listen for announcements from others.
package discovery

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/archipel-mesh/archipel/internal/config"
	"github.com/archipel-mesh/archipel/internal/identity"
	"github.com/archipel-mesh/archipel/internal/log"
	"github.com/archipel-mesh/archipel/internal/metrics"
	"github.com/archipel-mesh/archipel/internal/peertable"
	"github.com/archipel-mesh/archipel/internal/wire"
)

// maxDatagramSize is generously larger than a HELLO frame ever needs to
// be; oversized datagrams are simply truncated by ReadFromUDP.
const maxDatagramSize = 8192

// Service owns the multicast discovery socket: it periodically
// announces this node and ingests announcements from others into the
// peer table.
type Service struct {
	cfg   config.DiscoveryConfig
	id    *identity.Identity
	table *peertable.Table
	mac   []byte
	tcp   int
	files func() []string

	conn *net.UDPConn
	addr *net.UDPAddr

	onPeerDiscovered func(nodeID string)
	seen             map[string]bool
	mu               sync.Mutex

	metrics *metrics.Registry
}

// New builds a discovery service. tcpPort is advertised to peers as
// the port to dial for the session transport; files returns the
// current shared-file FileID list to advertise.
func New(cfg config.DiscoveryConfig, id *identity.Identity, table *peertable.Table, tcpPort int, files func() []string, reg *metrics.Registry) *Service {
	return &Service{
		cfg:     cfg,
		id:      id,
		table:   table,
		mac:     []byte(cfg.SharedMACKey),
		tcp:     tcpPort,
		files:   files,
		seen:    make(map[string]bool),
		metrics: reg,
	}
}

// OnPeerDiscovered registers a callback fired exactly once per peer
// lifetime: the first time a peer is seen, and again if it is pruned
// and later reappears.
func (s *Service) OnPeerDiscovered(fn func(nodeID string)) {
	s.onPeerDiscovered = fn
}

// Start joins the multicast group and begins the announce and
// listen loops. It blocks until the socket is bound, then returns;
// the loops run in background goroutines until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	group := net.ParseIP(s.cfg.MulticastGroup)
	if group == nil {
		return fmt.Errorf("invalid multicast group %q", s.cfg.MulticastGroup)
	}
	s.addr = &net.UDPAddr{IP: group, Port: s.cfg.MulticastPort}

	conn, err := net.ListenMulticastUDP("udp4", nil, s.addr)
	if err != nil {
		return fmt.Errorf("join multicast group %s:%d: %w", s.cfg.MulticastGroup, s.cfg.MulticastPort, err)
	}
	conn.SetReadBuffer(maxDatagramSize)
	s.conn = conn

	go s.readLoop(ctx)
	go s.announceLoop(ctx)
	go s.pruneLoop(ctx)

	log.Discovery.Info().
		Str("group", s.cfg.MulticastGroup).
		Int("port", s.cfg.MulticastPort).
		Msg("discovery listening")
	return nil
}

// Stop closes the multicast socket.
func (s *Service) Stop() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func (s *Service) readLoop(ctx context.Context) {
	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
				log.Discovery.Warn().Err(err).Msg("multicast read failed")
				continue
			}
		}
		s.handleDatagram(buf[:n], src)
	}
}

func (s *Service) handleDatagram(data []byte, src *net.UDPAddr) {
	defer func() {
		if r := recover(); r != nil {
			log.Discovery.Error().Interface("panic", r).Msg("recovered from panic handling discovery datagram")
		}
	}()

	pkt, ok := wire.Parse(data, s.mac)
	if !ok {
		if s.metrics != nil {
			s.metrics.FramesDropped.WithLabelValues("HELLO").Inc()
		}
		return
	}
	if s.metrics != nil {
		s.metrics.FramesReceived.WithLabelValues(pkt.Type.String()).Inc()
	}
	if pkt.Type != wire.TypeHello {
		return
	}
	if pkt.SenderID == s.id.NodeID {
		return // ignore our own announcements
	}

	var hello wire.HelloPayload
	if err := json.Unmarshal(pkt.Payload, &hello); err != nil {
		log.Discovery.Debug().Err(err).Msg("malformed HELLO payload")
		return
	}

	if pkt.Unverified {
		// A HELLO whose MAC did not verify is only an address hint: it
		// refreshes the address of a peer already in the table and never
		// adds a peer or changes its keys.
		if id := pkt.SenderID.String(); s.table.Get(id) != nil {
			s.table.Upsert(peertable.Entry{NodeID: id, Address: src.IP.String(), Port: hello.TCPPort})
		}
		return
	}

	dhPub, err := hex.DecodeString(hello.DHPublicKey)
	if err != nil {
		log.Discovery.Debug().Err(err).Msg("bad HELLO dhPublicKey")
		return
	}
	signingPub, err := hex.DecodeString(hello.SigningPublicKey)
	if err != nil {
		log.Discovery.Debug().Err(err).Msg("bad HELLO signingPublicKey")
		return
	}

	nodeID := pkt.SenderID.String()
	s.table.Upsert(peertable.Entry{
		NodeID:           nodeID,
		Address:          src.IP.String(),
		Port:             hello.TCPPort,
		DHPublicKey:      dhPub,
		SigningPublicKey: signingPub,
		SharedFiles:      hello.SharedFiles,
		LastSeen:         time.Now(),
	})

	s.mu.Lock()
	firstSighting := !s.seen[nodeID]
	s.seen[nodeID] = true
	s.mu.Unlock()

	if firstSighting && s.onPeerDiscovered != nil {
		s.onPeerDiscovered(nodeID)
	}
}

func (s *Service) announceLoop(ctx context.Context) {
	s.announce()

	ticker := time.NewTicker(s.cfg.AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.announce()
		}
	}
}

func (s *Service) announce() {
	var sharedFiles []string
	if s.files != nil {
		sharedFiles = s.files()
	}

	hello := wire.HelloPayload{
		NodeID:           s.id.NodeID.String(),
		DHPublicKey:      hex.EncodeToString(s.id.StaticDH.Public()),
		SigningPublicKey: hex.EncodeToString(s.id.Signing.PublicKey()),
		TCPPort:          s.tcp,
		SharedFiles:      sharedFiles,
		Timestamp:        time.Now().Unix(),
	}
	payload, err := json.Marshal(hello)
	if err != nil {
		log.Discovery.Error().Err(err).Msg("marshal HELLO payload")
		return
	}

	frame := wire.Build(wire.TypeHello, s.id.NodeID, payload, s.mac)
	if _, err := s.conn.WriteToUDP(frame, s.addr); err != nil {
		log.Discovery.Warn().Err(err).Msg("send HELLO announcement failed")
		return
	}
	if s.metrics != nil {
		s.metrics.FramesSent.WithLabelValues(wire.TypeHello.String()).Inc()
	}
}

func (s *Service) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := s.table.PruneDead()
			if len(removed) == 0 {
				continue
			}
			s.mu.Lock()
			for _, id := range removed {
				delete(s.seen, id)
			}
			s.mu.Unlock()
			log.Discovery.Debug().Int("count", len(removed)).Msg("pruned dead peers")
		}
	}
}

