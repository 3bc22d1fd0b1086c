// Package metrics exposes ARCHIPEL's runtime counters and gauges as
// Prometheus metrics, and optionally serves them over HTTP.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/archipel-mesh/archipel/internal/config"
	"github.com/archipel-mesh/archipel/internal/log"
)

// Registry holds every metric a node publishes. Construct once with
// New and share it across discovery/transport/messaging/transfer.
type Registry struct {
	reg *prometheus.Registry

	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec
	FramesDropped  *prometheus.CounterVec

	PeersKnown  prometheus.Gauge
	PeersActive prometheus.Gauge

	RelayQueueDepth prometheus.Gauge
	RelayEvictions  prometheus.Counter

	TransfersInFlight prometheus.Gauge
	ChunksSent        prometheus.Counter
	ChunksReceived    prometheus.Counter
	ChunksRejected    prometheus.Counter

	HandshakesStarted   prometheus.Counter
	HandshakesCompleted prometheus.Counter
	HandshakesTimedOut  prometheus.Counter
}

// New builds a fresh metric set registered against its own registry, so
// multiple nodes in the same process (as in tests) never collide.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,

		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archipel",
			Name:      "frames_sent_total",
			Help:      "Frames sent, labeled by frame type.",
		}, []string{"type"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archipel",
			Name:      "frames_received_total",
			Help:      "Frames received, labeled by frame type.",
		}, []string{"type"}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archipel",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped due to MAC/parse failure, labeled by frame type.",
		}, []string{"type"}),

		PeersKnown: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "archipel",
			Name:      "peers_known",
			Help:      "Number of peers in the peer table, active or stale.",
		}),
		PeersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "archipel",
			Name:      "peers_active",
			Help:      "Number of peers seen within the liveness TTL.",
		}),

		RelayQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "archipel",
			Name:      "relay_queue_depth",
			Help:      "Total number of envelopes currently queued for store-and-forward relay.",
		}),
		RelayEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "archipel",
			Name:      "relay_evictions_total",
			Help:      "Envelopes evicted from the relay queue to enforce the per-sender cap.",
		}),

		TransfersInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "archipel",
			Name:      "transfers_in_flight",
			Help:      "Number of file transfers currently in progress.",
		}),
		ChunksSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "archipel",
			Name:      "chunks_sent_total",
			Help:      "File chunks served to peers.",
		}),
		ChunksReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "archipel",
			Name:      "chunks_received_total",
			Help:      "File chunks received from peers.",
		}),
		ChunksRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "archipel",
			Name:      "chunks_rejected_total",
			Help:      "File chunks rejected for failing their hash check.",
		}),

		HandshakesStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "archipel",
			Name:      "handshakes_started_total",
			Help:      "Handshakes initiated.",
		}),
		HandshakesCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "archipel",
			Name:      "handshakes_completed_total",
			Help:      "Handshakes that reached an established session key.",
		}),
		HandshakesTimedOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "archipel",
			Name:      "handshakes_timed_out_total",
			Help:      "Handshakes that fell back to unencrypted delivery after timing out.",
		}),
	}
}

// Server optionally serves the registry's metrics over HTTP.
type Server struct {
	http *http.Server
}

// StartServer starts the /metrics HTTP endpoint if cfg.Enabled, and
// returns nil otherwise. Call Stop during shutdown when non-nil.
func StartServer(cfg config.MetricsConfig, reg *Registry) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg.reg, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf("%s:%d", cfg.Addr, cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	srv := &http.Server{Handler: mux}
	s := &Server{http: srv}

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Logger.Error().Err(err).Msg("metrics server exited")
		}
	}()

	log.Logger.Info().Str("addr", addr).Msg("metrics server listening")
	return s, nil
}

// Stop shuts the metrics HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil || s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
