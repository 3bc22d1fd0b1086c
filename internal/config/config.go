// Package config handles ARCHIPEL node configuration: defaults, an
// optional .conf file, and command-line flags, applied in that order
// of increasing precedence.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Config holds a node's full runtime configuration.
type Config struct {
	DataDir string `conf:"datadir"`

	Discovery DiscoveryConfig
	Transport TransportConfig
	Files     FilesConfig
	Log       LogConfig
	Metrics   MetricsConfig
	Control   ControlConfig
}

// DiscoveryConfig controls the multicast discovery socket.
type DiscoveryConfig struct {
	MulticastGroup   string        `conf:"discovery.group"`
	MulticastPort    int           `conf:"discovery.port"`
	AnnounceInterval time.Duration `conf:"discovery.announce_interval"`
	PruneInterval    time.Duration `conf:"discovery.prune_interval"`
	SharedMACKey     string        `conf:"discovery.mac_key"`
}

// TransportConfig controls the reliable byte-stream listener.
type TransportConfig struct {
	ListenPort        int           `conf:"transport.port"`
	ConnectTimeout    time.Duration `conf:"transport.connect_timeout"`
	HandshakeTimeout  time.Duration `conf:"transport.handshake_timeout"`
	TransferTimeout   time.Duration `conf:"transport.transfer_timeout"`
	KeepAlivePeriod   time.Duration `conf:"transport.keepalive_period"`
	RelayTTL          time.Duration `conf:"transport.relay_ttl"`
	RelayCapPerSender int           `conf:"transport.relay_cap_per_sender"`
}

// FilesConfig points at the directories the file-sharing layer reads
// from and writes into.
type FilesConfig struct {
	SharedDir    string `conf:"files.shared_dir"`
	DownloadsDir string `conf:"files.downloads_dir"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// MetricsConfig controls the optional read-only /metrics HTTP handler.
type MetricsConfig struct {
	Enabled bool   `conf:"metrics.enabled"`
	Addr    string `conf:"metrics.addr"`
	Port    int    `conf:"metrics.port"`
}

// ControlConfig points at the Unix-domain control socket the daemon
// listens on for archipel-cli requests.
type ControlConfig struct {
	SocketPath string `conf:"control.socket"`
}

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.archipel
//	macOS:   ~/Library/Application Support/Archipel
//	Windows: %APPDATA%\Archipel
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".archipel"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Archipel")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Archipel")
		}
		return filepath.Join(home, "AppData", "Roaming", "Archipel")
	default:
		return filepath.Join(home, ".archipel")
	}
}

// IdentityFile returns the path to the node's persisted identity file.
func (c *Config) IdentityFile() string {
	return filepath.Join(c.DataDir, "identity.json")
}

// StoreDir returns the persistent-store (Badger) directory.
func (c *Config) StoreDir() string {
	return filepath.Join(c.DataDir, "store")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "archipel.conf")
}
