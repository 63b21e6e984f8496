package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roomserver.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Fabric != FabricNone {
		t.Errorf("Fabric = %q, want %q", cfg.Fabric, FabricNone)
	}
	if cfg.Room.BusDelay != 100*time.Millisecond {
		t.Errorf("BusDelay = %s, want 100ms", cfg.Room.BusDelay)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q", cfg.Server.ListenAddr)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := writeFile(t, `
fabric: nats
server:
  listen_addr: ":9000"
  heartbeat_interval: 15s
room:
  default: general
  bus_delay: 0s
nats:
  url: nats://broker:4222
`)
	t.Setenv("LISTEN_ADDR", ":9100")
	t.Setenv("REDIS_ADDR", "cache:6379")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	tests := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"fabric from file", cfg.Fabric, FabricNATS},
		{"listen addr from env", cfg.Server.ListenAddr, ":9100"},
		{"heartbeat from file", cfg.Server.HeartbeatInterval, 15 * time.Second},
		{"room from file", cfg.Room.Default, "general"},
		{"bus delay from file", cfg.Room.BusDelay, time.Duration(0)},
		{"nats url from file", cfg.NATS.URL, "nats://broker:4222"},
		{"redis addr from env", cfg.Redis.Addr, "cache:6379"},
		{"untouched default", cfg.Server.MaxConnections, 10000},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestLoadRejectsUnknownFabric(t *testing.T) {
	t.Setenv("FABRIC", "carrier-pigeon")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unknown fabric")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadBadYAML(t *testing.T) {
	path := writeFile(t, "server: [unclosed")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed YAML")
	}
}

func TestLoadProxyAndModerationFromEnv(t *testing.T) {
	t.Setenv("TRUST_PROXY", "true")
	t.Setenv("BLOCKED_TERMS", "spam,scam offer")
	t.Setenv("SCREEN_MESSAGES", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !cfg.Server.TrustProxy {
		t.Error("TrustProxy not read from env")
	}
	if cfg.Room.ScreenMessages {
		t.Error("ScreenMessages not read from env")
	}
	if len(cfg.Room.BlockedTerms) != 2 || cfg.Room.BlockedTerms[1] != "scam offer" {
		t.Errorf("BlockedTerms = %q", cfg.Room.BlockedTerms)
	}
}

func TestDefaultsDoNotTrustProxy(t *testing.T) {
	cfg := Default()
	if cfg.Server.TrustProxy {
		t.Error("X-Forwarded-For must not be trusted by default")
	}
	if !cfg.Room.ScreenMessages {
		t.Error("message screening should be on by default")
	}
}
