package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	contents := `
listen_addr: ":9999"
device_name: mesh1
seeds:
  - "198.51.100.1:3210"
  - "198.51.100.2:3210"
peer_timeout: 30s
unknown_dest_policy: drop
compression: true
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9999" || cfg.DeviceName != "mesh1" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if len(cfg.Seeds) != 2 {
		t.Fatalf("seeds: %v", cfg.Seeds)
	}
	if cfg.PeerTimeout != 30*time.Second {
		t.Fatalf("peer_timeout: %v", cfg.PeerTimeout)
	}
	if cfg.UnknownDestPolicy != PolicyDrop {
		t.Fatalf("policy: %v", cfg.UnknownDestPolicy)
	}
	if !cfg.Compression {
		t.Fatalf("compression not enabled")
	}
	// Untouched knobs keep their defaults.
	if cfg.RouteTTL != Default().RouteTTL {
		t.Fatalf("route_ttl lost its default: %v", cfg.RouteTTL)
	}
}

func TestLoadRejectsBadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("unknown_dest_policy: mirror\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("bad policy accepted")
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("listen_addr: [unclosed\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("bad yaml accepted")
	}
}

func TestValidateRejectsBadTimeouts(t *testing.T) {
	cfg := Default()
	cfg.PeerTimeout = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("zero peer timeout accepted")
	}

	cfg = Default()
	cfg.TickInterval = -time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatalf("negative tick interval accepted")
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy("flood"); err != nil || p != PolicyFlood {
		t.Fatalf("flood: %v %v", p, err)
	}
	if p, err := ParsePolicy("drop"); err != nil || p != PolicyDrop {
		t.Fatalf("drop: %v %v", p, err)
	}
	if _, err := ParsePolicy("bounce"); err == nil {
		t.Fatalf("bounce accepted")
	}
}
