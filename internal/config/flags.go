package config

import (
	"flag"
	"fmt"
)

// Flags holds configuration values supplied on the command line, which
// take precedence over both defaults and the config file.
type Flags struct {
	DataDir       string
	ListenPort    int
	MulticastPort int
	LogLevel      string
	LogJSON       bool
	MetricsAddr   string
	MetricsPort   int
	NoMetrics     bool

	fs *flag.FlagSet
}

// ParseFlags parses the given argument list (typically os.Args[1:])
// into a Flags value. Flags left at their zero value are not applied
// over the file/default configuration by Load.
func ParseFlags(args []string) (*Flags, error) {
	f := &Flags{fs: flag.NewFlagSet("archipeld", flag.ContinueOnError)}

	f.fs.StringVar(&f.DataDir, "datadir", "", "node data directory")
	f.fs.IntVar(&f.ListenPort, "port", 0, "TCP transport listen port")
	f.fs.IntVar(&f.MulticastPort, "discovery-port", 0, "UDP multicast discovery port")
	f.fs.StringVar(&f.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	f.fs.BoolVar(&f.LogJSON, "log-json", false, "emit logs as JSON")
	f.fs.StringVar(&f.MetricsAddr, "metrics-addr", "", "metrics listen address")
	f.fs.IntVar(&f.MetricsPort, "metrics-port", 0, "metrics listen port")
	f.fs.BoolVar(&f.NoMetrics, "no-metrics", false, "disable the metrics endpoint")

	if err := f.fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}
	return f, nil
}

// Load builds the effective configuration by layering defaults, then
// the config file (if present), then command-line flags, in order of
// increasing precedence.
func Load(args []string) (*Config, *Flags, error) {
	flags, err := ParseFlags(args)
	if err != nil {
		return nil, nil, err
	}

	cfg := Default()
	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}

	fileValues, err := LoadFile(cfg.ConfigFile())
	if err != nil {
		return nil, nil, fmt.Errorf("load config file: %w", err)
	}
	if err := ApplyFileConfig(cfg, fileValues); err != nil {
		return nil, nil, fmt.Errorf("apply config file: %w", err)
	}

	applyFlags(cfg, flags)

	if err := EnsureDataDirs(cfg); err != nil {
		return nil, nil, fmt.Errorf("ensure data dirs: %w", err)
	}
	return cfg, flags, nil
}

func applyFlags(cfg *Config, flags *Flags) {
	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}
	if flags.ListenPort != 0 {
		cfg.Transport.ListenPort = flags.ListenPort
	}
	if flags.MulticastPort != 0 {
		cfg.Discovery.MulticastPort = flags.MulticastPort
	}
	if flags.LogLevel != "" {
		cfg.Log.Level = flags.LogLevel
	}
	if flags.LogJSON {
		cfg.Log.JSON = true
	}
	if flags.MetricsAddr != "" {
		cfg.Metrics.Addr = flags.MetricsAddr
	}
	if flags.MetricsPort != 0 {
		cfg.Metrics.Port = flags.MetricsPort
	}
	if flags.NoMetrics {
		cfg.Metrics.Enabled = false
	}
}
