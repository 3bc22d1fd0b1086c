// archipeld is the ARCHIPEL mesh daemon: it discovers peers on the
// local network, maintains encrypted sessions, relays messages for
// offline peers, serves file transfers, and exposes a local control
// socket for archipel-cli.
//
// Usage:
//
//	archipeld [--datadir=...] [--port=...] [--log-level=...]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/archipel-mesh/archipel/internal/config"
	"github.com/archipel-mesh/archipel/internal/control"
	"github.com/archipel-mesh/archipel/internal/corenode"
	"github.com/archipel-mesh/archipel/internal/log"
)

func main() {
	// ── 1. Load config (defaults → file → flags) ────────────────────────
	cfg, _, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// ── 2. Build the node (inits logging, identity, storage, subsystems) ─
	node, err := corenode.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to build node: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())

	// ── 3. Start the node: transport listener, discovery, metrics ───────
	if err := node.Start(ctx); err != nil {
		log.Logger.Error().Err(err).Msg("failed to start node")
		cancel()
		os.Exit(1)
	}

	// ── 4. Start the control socket for archipel-cli ────────────────────
	ctl := control.NewServer(node, cfg.Control.SocketPath)
	if err := ctl.Start(ctx); err != nil {
		log.Logger.Error().Err(err).Msg("failed to start control socket")
		node.Stop()
		cancel()
		os.Exit(1)
	}

	log.Logger.Info().
		Str("nodeId", node.Identity().NodeID.String()).
		Int("port", node.ListenPort()).
		Str("control", cfg.Control.SocketPath).
		Msg("archipeld started")

	// ── 5. Wait for shutdown ─────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")

	// ── 6. Graceful shutdown: stop accepting control requests, then the
	// node's own subsystems, in reverse order of startup.
	ctl.Stop()
	cancel()
	if err := node.Stop(); err != nil {
		log.Logger.Error().Err(err).Msg("error during shutdown")
	}
	log.Logger.Info().Msg("goodbye")
}
