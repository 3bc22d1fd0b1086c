// archipel-cli is a command-line client for an archipeld node,
// talking to it over the local control socket.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/archipel-mesh/archipel/internal/config"
	"github.com/archipel-mesh/archipel/internal/control"
)

func defaultSocketPath() string {
	return filepath.Join(config.DefaultDataDir(), "control.sock")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	socketPath := defaultSocketPath()

	// Scan for --socket and --datadir before the subcommand.
	args := os.Args[1:]
	for len(args) > 0 {
		switch {
		case args[0] == "--socket" && len(args) > 1:
			socketPath = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--socket="):
			socketPath = args[0][len("--socket="):]
			args = args[1:]
		case args[0] == "--datadir" && len(args) > 1:
			socketPath = filepath.Join(args[1], "control.sock")
			args = args[2:]
		case strings.HasPrefix(args[0], "--datadir="):
			socketPath = filepath.Join(args[0][len("--datadir="):], "control.sock")
			args = args[1:]
		default:
			goto dispatch
		}
	}

dispatch:
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	// A generous timeout covers file_download, which can take a while on
	// large transfers; other calls return almost immediately regardless.
	client := control.NewWithTimeout(socketPath, 2*time.Minute)
	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "status":
		cmdStatus(client)
	case "peers":
		cmdPeers(client)
	case "send":
		cmdSend(client, cmdArgs)
	case "broadcast":
		cmdBroadcast(client, cmdArgs)
	case "history":
		cmdHistory(client, cmdArgs)
	case "connect":
		cmdConnect(client, cmdArgs)
	case "trust":
		cmdTrust(client, cmdArgs)
	case "share":
		cmdShare(client, cmdArgs)
	case "download":
		cmdDownload(client, cmdArgs)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: archipel-cli [global flags] <command> [args]

Global flags:
  --socket <path>     control socket path (default: ~/.archipel/control.sock)
  --datadir <path>    derive the control socket path from a data directory

Commands:
  status                        Show this node's identity and peer counts
  peers                         List known peers
  send <peerId> <message>       Send a chat message, relayed if the peer is offline
  broadcast <message>           Send a chat message to every known peer
  history [peerId]              Show chat history, optionally filtered by peer
  connect <host> <port>         Manually dial a peer (bypassing discovery)
  trust <nodeId>                Re-assert trust for a previously pinned peer
  share <path>                  Advertise a local file and print its File ID for download
  download <peerId> <fileId>    Fetch a shared file from a peer
  help                          Show this message
`)
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func cmdStatus(client *control.Client) {
	var status control.StatusResult
	if err := client.Call("node_getStatus", nil, &status); err != nil {
		fatal("node_getStatus: %v", err)
	}
	fmt.Printf("Node ID:      %s\n", status.NodeID)
	fmt.Printf("Listen port:  %d\n", status.ListenPort)
	fmt.Printf("Peers known:  %d\n", status.PeersKnown)
	fmt.Printf("Peers active: %d\n", status.PeersActive)
	fmt.Printf("Shared files: %d\n", status.SharedFiles)
}

func cmdPeers(client *control.Client) {
	var result control.PeerListResult
	if err := client.Call("peer_list", nil, &result); err != nil {
		fatal("peer_list: %v", err)
	}
	if len(result.Peers) == 0 {
		fmt.Println("No peers known.")
		return
	}
	for _, p := range result.Peers {
		trusted := ""
		if p.Trusted {
			trusted = " (trusted)"
		}
		fmt.Printf("  %s  %s:%d  reputation=%d  lastSeen=%s%s\n",
			p.NodeID, p.Address, p.Port, p.Reputation,
			time.Unix(p.LastSeen, 0).Format(time.RFC3339), trusted)
	}
}

func cmdSend(client *control.Client, args []string) {
	if len(args) < 2 {
		fatal("Usage: archipel-cli send <peerId> <message>")
	}
	var result control.MessageSendResult
	params := control.MessageSendParam{PeerID: args[0], Content: strings.Join(args[1:], " ")}
	if err := client.Call("message_send", params, &result); err != nil {
		fatal("message_send: %v", err)
	}
	fmt.Printf("Outcome: %s\n", result.Outcome)
}

func cmdBroadcast(client *control.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: archipel-cli broadcast <message>")
	}
	var result control.MessageBroadcastResult
	params := control.MessageBroadcastParam{Content: strings.Join(args, " ")}
	if err := client.Call("message_broadcast", params, &result); err != nil {
		fatal("message_broadcast: %v", err)
	}
	for peerID, outcome := range result.Results {
		fmt.Printf("  %s: %s\n", peerID, outcome)
	}
}

func cmdHistory(client *control.Client, args []string) {
	var params control.MessageHistoryParam
	if len(args) > 0 {
		params.PeerID = args[0]
	}
	var result control.MessageHistoryResult
	if err := client.Call("message_history", params, &result); err != nil {
		fatal("message_history: %v", err)
	}
	for _, m := range result.Messages {
		encrypted := ""
		if m.Encrypted {
			encrypted = " [encrypted]"
		}
		fmt.Printf("[%s] %s -> %s: %s%s\n",
			time.Unix(m.Timestamp, 0).Format(time.RFC3339), m.Sender, m.PeerID, m.Content, encrypted)
	}
}

func cmdConnect(client *control.Client, args []string) {
	if len(args) < 2 {
		fatal("Usage: archipel-cli connect <host> <port>")
	}
	port, err := strconv.Atoi(args[1])
	if err != nil {
		fatal("invalid port %q: %v", args[1], err)
	}
	params := control.PeerConnectParam{Address: args[0], Port: port}
	if err := client.Call("peer_connect", params, nil); err != nil {
		fatal("peer_connect: %v", err)
	}
	fmt.Println("Connected.")
}

func cmdTrust(client *control.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: archipel-cli trust <nodeId>")
	}
	params := control.PeerTrustParam{NodeID: args[0]}
	if err := client.Call("peer_trust", params, nil); err != nil {
		fatal("peer_trust: %v", err)
	}
	fmt.Println("Trust re-asserted.")
}

func cmdShare(client *control.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: archipel-cli share <path>")
	}
	abs, err := filepath.Abs(args[0])
	if err != nil {
		fatal("resolve path: %v", err)
	}
	var result control.FileShareResult
	params := control.FileShareParam{Path: abs}
	if err := client.Call("file_share", params, &result); err != nil {
		fatal("file_share: %v", err)
	}
	fmt.Printf("File ID: %s\n", result.FileID)
}

func cmdDownload(client *control.Client, args []string) {
	if len(args) < 2 {
		fatal("Usage: archipel-cli download <peerId> <fileId>")
	}
	var result control.FileDownloadResult
	params := control.FileDownloadParam{PeerID: args[0], FileID: args[1]}
	if err := client.Call("file_download", params, &result); err != nil {
		fatal("file_download: %v", err)
	}
	fmt.Printf("Saved to: %s\n", result.Path)
}
