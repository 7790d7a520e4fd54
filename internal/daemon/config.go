// Package daemon manages the peerd daemon lifecycle and configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/tutu-network/peerd/internal/app/controller"
)

// Config holds all daemon configuration.
type Config struct {
	Node    NodeConfig    `toml:"node"`
	Limits  LimitsConfig  `toml:"limits"`
	Timing  TimingConfig  `toml:"timing"`
	API     APIConfig     `toml:"api"`
	Journal JournalConfig `toml:"journal"`
	Logging LoggingConfig `toml:"logging"`
}

// NodeConfig identifies where this node listens and whom it dials first.
type NodeConfig struct {
	PeersFile   string   `toml:"peers_file"`
	ListenHost  string   `toml:"listen_host"`
	ListenPort  int      `toml:"listen_port"`
	DialPort    int      `toml:"dial_port"` // 0 = same as listen_port
	TargetPeers []string `toml:"target_peers"`
}

// LimitsConfig bounds connections and the peer table.
type LimitsConfig struct {
	MaxIncoming         int `toml:"max_incoming"`
	MaxOutgoingAttempts int `toml:"max_outgoing_attempts"`
	MaxIncomingAttempts int `toml:"max_incoming_attempts"`
	MaxIdlePeers        int `toml:"max_idle_peers"`
	MaxBannedPeers      int `toml:"max_banned_peers"`
}

// TimingConfig controls background task cadence. Durations use Go syntax
// ("10s", "1m").
type TimingConfig struct {
	FlushIntervalSeconds int    `toml:"flush_interval_seconds"`
	DialInterval         string `toml:"dial_interval"`
	DialTimeout          string `toml:"dial_timeout"`
	HandshakeTimeout     string `toml:"handshake_timeout"`
}

// APIConfig controls the HTTP status server.
type APIConfig struct {
	Enabled bool   `toml:"enabled"`
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	Metrics bool   `toml:"metrics"`
}

// JournalConfig controls the SQLite peer status journal.
type JournalConfig struct {
	Enabled bool `toml:"enabled"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Verbosity int `toml:"verbosity"` // 0 = warnings and lifecycle, 1 = per-connection detail
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	def := controller.DefaultConfig()
	return Config{
		Node: NodeConfig{
			PeersFile:  filepath.Join(peerdHome(), "peers.json"),
			ListenHost: "0.0.0.0",
			ListenPort: def.ListenPort,
		},
		Limits: LimitsConfig{
			MaxIncoming:         def.MaxIncoming,
			MaxOutgoingAttempts: def.MaxOutAttempts,
			MaxIncomingAttempts: def.MaxInAttempts,
			MaxIdlePeers:        def.MaxIdlePeers,
			MaxBannedPeers:      def.MaxBannedPeers,
		},
		Timing: TimingConfig{
			FlushIntervalSeconds: int(def.FlushInterval / time.Second),
			DialInterval:         def.DialInterval.String(),
			DialTimeout:          def.DialTimeout.String(),
			HandshakeTimeout:     "10s",
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    4546,
			Metrics: true,
		},
		Journal: JournalConfig{Enabled: true},
	}
}

// LoadConfig reads config from $PEERD_HOME/config.toml, falling back to defaults.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	path := ConfigPath()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// SaveConfig writes the config to $PEERD_HOME/config.toml.
func SaveConfig(cfg Config) error {
	path := ConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(cfg)
}

// Validate rejects values the controller cannot run with.
func (c Config) Validate() error {
	if c.Node.PeersFile == "" {
		return fmt.Errorf("config: node.peers_file is required")
	}
	for name, port := range map[string]int{
		"node.listen_port": c.Node.ListenPort,
		"node.dial_port":   c.Node.DialPort,
		"api.port":         c.API.Port,
	} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("config: %s %d out of range", name, port)
		}
	}
	for name, v := range map[string]string{
		"timing.dial_interval":     c.Timing.DialInterval,
		"timing.dial_timeout":      c.Timing.DialTimeout,
		"timing.handshake_timeout": c.Timing.HandshakeTimeout,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	return nil
}

// ControllerConfig maps the file layout onto controller.Config. Logger,
// dialer and journal are wired by the daemon.
func (c Config) ControllerConfig() controller.Config {
	def := controller.DefaultConfig()
	flush := def.FlushInterval
	if c.Timing.FlushIntervalSeconds > 0 {
		flush = time.Duration(c.Timing.FlushIntervalSeconds) * time.Second
	}
	return controller.Config{
		PeersFile:      c.Node.PeersFile,
		ListenHost:     c.Node.ListenHost,
		ListenPort:     c.Node.ListenPort,
		DialPort:       c.Node.DialPort,
		TargetPeers:    c.Node.TargetPeers,
		MaxIncoming:    c.Limits.MaxIncoming,
		MaxOutAttempts: c.Limits.MaxOutgoingAttempts,
		MaxInAttempts:  c.Limits.MaxIncomingAttempts,
		MaxIdlePeers:   c.Limits.MaxIdlePeers,
		MaxBannedPeers: c.Limits.MaxBannedPeers,
		FlushInterval:  flush,
		DialInterval:   parseDuration(c.Timing.DialInterval, def.DialInterval),
		DialTimeout:    parseDuration(c.Timing.DialTimeout, def.DialTimeout),
	}
}

// HandshakeTimeout returns the session handshake bound.
func (c Config) HandshakeTimeout() time.Duration {
	return parseDuration(c.Timing.HandshakeTimeout, 10*time.Second)
}

// ConfigPath returns the location of config.toml.
func ConfigPath() string {
	return filepath.Join(peerdHome(), "config.toml")
}

// peerdHome returns the peerd data directory.
func peerdHome() string {
	if env := os.Getenv("PEERD_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".peerd")
}

// Home is exported for use by other packages.
func Home() string {
	return peerdHome()
}

// parseDuration parses a duration string, returning a fallback on error.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
