package config

import "time"

// DefaultSharedMACKey is the compile-time published MAC key used for
// discovery and pre-session frames. Operators running a private
// deployment should override it in their config file to isolate
// themselves from strangers on the same broadcast domain.
const DefaultSharedMACKey = "archipel-public-bootstrap-key-v1"

// Default returns the default node configuration.
func Default() *Config {
	dataDir := DefaultDataDir()
	return &Config{
		DataDir: dataDir,
		Discovery: DiscoveryConfig{
			MulticastGroup:   "239.255.42.99",
			MulticastPort:    6000,
			AnnounceInterval: 30 * time.Second,
			PruneInterval:    30 * time.Second,
			SharedMACKey:     DefaultSharedMACKey,
		},
		Transport: TransportConfig{
			ListenPort:        7777,
			ConnectTimeout:    5 * time.Second,
			HandshakeTimeout:  5 * time.Second,
			TransferTimeout:   120 * time.Second,
			KeepAlivePeriod:   15 * time.Second,
			RelayTTL:          24 * time.Hour,
			RelayCapPerSender: 256,
		},
		Files: FilesConfig{
			SharedDir:    dataDir + "/shared",
			DownloadsDir: dataDir + "/downloads",
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1",
			Port:    9477,
		},
		Control: ControlConfig{
			SocketPath: dataDir + "/control.sock",
		},
	}
}
