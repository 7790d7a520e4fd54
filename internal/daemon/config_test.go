package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("PEERD_HOME", t.TempDir())
	cfg := DefaultConfig()

	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "127.0.0.1")
	}
	if cfg.Node.ListenPort != 4545 {
		t.Errorf("Node.ListenPort = %d, want 4545", cfg.Node.ListenPort)
	}
	if cfg.Node.PeersFile != filepath.Join(Home(), "peers.json") {
		t.Errorf("Node.PeersFile = %q", cfg.Node.PeersFile)
	}
	if cfg.Timing.FlushIntervalSeconds != 30 {
		t.Errorf("Timing.FlushIntervalSeconds = %d, want 30", cfg.Timing.FlushIntervalSeconds)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadConfig_Missing(t *testing.T) {
	t.Setenv("PEERD_HOME", t.TempDir())
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.Limits.MaxIncoming != 32 {
		t.Errorf("Limits.MaxIncoming = %d, want default 32", cfg.Limits.MaxIncoming)
	}
}

func TestLoadConfig_File(t *testing.T) {
	home := t.TempDir()
	t.Setenv("PEERD_HOME", home)

	body := `
[node]
listen_port = 7000
dial_port = 7001
target_peers = ["192.0.2.1", "192.0.2.2"]

[limits]
max_incoming = 4
max_banned_peers = 9

[timing]
flush_interval_seconds = 5
dial_interval = "2s"

[logging]
verbosity = 1
`
	if err := os.WriteFile(filepath.Join(home, "config.toml"), []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.Node.ListenPort != 7000 || cfg.Node.DialPort != 7001 {
		t.Errorf("ports = %d/%d", cfg.Node.ListenPort, cfg.Node.DialPort)
	}
	if len(cfg.Node.TargetPeers) != 2 {
		t.Errorf("TargetPeers = %v", cfg.Node.TargetPeers)
	}
	if cfg.Limits.MaxOutgoingAttempts != 8 {
		t.Errorf("unset keys keep defaults; MaxOutgoingAttempts = %d", cfg.Limits.MaxOutgoingAttempts)
	}
	if cfg.Logging.Verbosity != 1 {
		t.Errorf("Verbosity = %d, want 1", cfg.Logging.Verbosity)
	}

	cc := cfg.ControllerConfig()
	if cc.FlushInterval != 5*time.Second {
		t.Errorf("FlushInterval = %v, want 5s", cc.FlushInterval)
	}
	if cc.DialInterval != 2*time.Second {
		t.Errorf("DialInterval = %v, want 2s", cc.DialInterval)
	}
	if cc.MaxIncoming != 4 || cc.MaxBannedPeers != 9 {
		t.Errorf("limits = %d/%d", cc.MaxIncoming, cc.MaxBannedPeers)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	home := t.TempDir()
	t.Setenv("PEERD_HOME", home)

	cases := map[string]string{
		"syntax":   "[node\nlisten_port = 1",
		"port":     "[node]\nlisten_port = 70000",
		"duration": "[timing]\ndial_timeout = \"soon\"",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if err := os.WriteFile(filepath.Join(home, "config.toml"), []byte(body), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadConfig(); err == nil {
				t.Error("LoadConfig() should fail")
			}
		})
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	t.Setenv("PEERD_HOME", filepath.Join(t.TempDir(), "nested"))

	cfg := DefaultConfig()
	cfg.Node.TargetPeers = []string{"198.51.100.7"}
	cfg.API.Port = 9999
	if err := SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig() error: %v", err)
	}

	got, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if got.API.Port != 9999 || len(got.Node.TargetPeers) != 1 {
		t.Errorf("round trip lost values: %+v", got)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
	}{
		{"10s", 10 * time.Second},
		{"1m30s", 90 * time.Second},
		{"", time.Minute},
		{"garbage", time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseDuration(tt.input, time.Minute); got != tt.want {
				t.Errorf("parseDuration(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestHandshakeTimeout(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.HandshakeTimeout() != 10*time.Second {
		t.Errorf("HandshakeTimeout() = %v", cfg.HandshakeTimeout())
	}
	cfg.Timing.HandshakeTimeout = "250ms"
	if cfg.HandshakeTimeout() != 250*time.Millisecond {
		t.Errorf("HandshakeTimeout() = %v", cfg.HandshakeTimeout())
	}
}
