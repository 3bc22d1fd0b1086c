package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFile loads node configuration from a .conf file. Format: key =
// value, one per line, # for comments. A missing file is not an error.
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}
		values[key] = value
	}
	return values, scanner.Err()
}

// ApplyFileConfig applies file configuration values onto cfg.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

func setConfigValue(cfg *Config, key, value string) error {
	switch key {
	case "datadir":
		cfg.DataDir = value

	case "discovery.group":
		cfg.Discovery.MulticastGroup = value
	case "discovery.port":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Discovery.MulticastPort = n
	case "discovery.announce_interval":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.Discovery.AnnounceInterval = d
	case "discovery.prune_interval":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.Discovery.PruneInterval = d
	case "discovery.mac_key":
		cfg.Discovery.SharedMACKey = value

	case "transport.port":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Transport.ListenPort = n
	case "transport.connect_timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.Transport.ConnectTimeout = d
	case "transport.handshake_timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.Transport.HandshakeTimeout = d
	case "transport.transfer_timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.Transport.TransferTimeout = d
	case "transport.keepalive_period":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.Transport.KeepAlivePeriod = d
	case "transport.relay_ttl":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.Transport.RelayTTL = d
	case "transport.relay_cap_per_sender":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Transport.RelayCapPerSender = n

	case "files.shared_dir":
		cfg.Files.SharedDir = value
	case "files.downloads_dir":
		cfg.Files.DownloadsDir = value

	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	case "metrics.enabled":
		cfg.Metrics.Enabled = parseBool(value)
	case "metrics.addr":
		cfg.Metrics.Addr = value
	case "metrics.port":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Metrics.Port = n

	case "control.socket":
		cfg.Control.SocketPath = value

	default:
		// unknown keys are ignored, forward-compatible with newer config files
	}
	return nil
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// EnsureDataDirs creates the data directory structure if it doesn't
// already exist. Idempotent — safe to call on every startup.
func EnsureDataDirs(cfg *Config) error {
	dirs := []string{
		cfg.DataDir,
		cfg.StoreDir(),
		cfg.LogsDir(),
		cfg.Files.SharedDir,
		cfg.Files.DownloadsDir,
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}
	return nil
}
