// Package config holds the tuning surface of the overlay engine and loads
// it from YAML. Every knob is an option the engine consumes, not a
// mechanism: defaults are always usable.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy selects what happens to traffic for an unknown virtual address.
type Policy string

const (
	// PolicyFlood sends unknown-destination traffic to every live peer,
	// switch-style.
	PolicyFlood Policy = "flood"
	// PolicyDrop silently discards unknown-destination traffic.
	PolicyDrop Policy = "drop"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyFlood, PolicyDrop:
		return Policy(s), nil
	case "":
		return PolicyFlood, nil
	default:
		return "", fmt.Errorf("config: unknown destination policy %q", s)
	}
}

// Config is the full configuration surface of a node.
type Config struct {
	// ListenAddr is the UDP address to bind, e.g. ":3210".
	ListenAddr string `yaml:"listen_addr"`
	// DeviceName names the TAP interface to create.
	DeviceName string `yaml:"device_name"`
	// DeviceAddr optionally assigns an IP/prefix to the interface.
	DeviceAddr string `yaml:"device_addr"`
	// KeyFile stores the node's long-term identity key.
	KeyFile string `yaml:"key_file"`
	// Seeds are addresses to handshake with at startup.
	Seeds []string `yaml:"seeds"`

	PeerTimeout       time.Duration `yaml:"peer_timeout"`
	DeadPeerTimeout   time.Duration `yaml:"dead_peer_timeout"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	TickInterval      time.Duration `yaml:"tick_interval"`
	RouteTTL          time.Duration `yaml:"route_ttl"`
	RekeyInterval     time.Duration `yaml:"rekey_interval"`
	RekeyGrace        time.Duration `yaml:"rekey_grace"`

	ReplayWindow     int `yaml:"replay_window"`
	AuthFailureLimit int `yaml:"auth_failure_limit"`

	UnknownDestPolicy Policy `yaml:"unknown_dest_policy"`

	PeerExchangeInterval time.Duration `yaml:"peer_exchange_interval"`
	// PeerExchangeFanout caps how many peers one gossip round contacts.
	PeerExchangeFanout int `yaml:"peer_exchange_fanout"`
	// HandshakeRate caps speculative handshakes per source per minute,
	// bounding amplification from gossiped candidates.
	HandshakeRate int `yaml:"handshake_rate"`

	Compression bool   `yaml:"compression"`
	LogLevel    string `yaml:"log_level"`
}

// Default returns the configuration used when nothing is specified.
func Default() Config {
	return Config{
		ListenAddr:           ":3210",
		DeviceName:           "ethermesh0",
		KeyFile:              "ethermesh.key",
		PeerTimeout:          60 * time.Second,
		DeadPeerTimeout:      15 * time.Second,
		KeepaliveInterval:    25 * time.Second,
		TickInterval:         time.Second,
		RouteTTL:             5 * time.Minute,
		RekeyInterval:        10 * time.Minute,
		RekeyGrace:           90 * time.Second,
		ReplayWindow:         1024,
		AuthFailureLimit:     10,
		UnknownDestPolicy:    PolicyFlood,
		PeerExchangeInterval: 30 * time.Second,
		PeerExchangeFanout:   16,
		HandshakeRate:        10,
		Compression:          false,
		LogLevel:             "info",
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if _, err := ParsePolicy(string(c.UnknownDestPolicy)); err != nil {
		return err
	}
	if c.UnknownDestPolicy == "" {
		c.UnknownDestPolicy = PolicyFlood
	}
	if c.PeerTimeout <= 0 || c.DeadPeerTimeout <= 0 {
		return fmt.Errorf("config: peer timeouts must be positive")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("config: tick interval must be positive")
	}
	if c.KeepaliveInterval <= 0 {
		return fmt.Errorf("config: keepalive interval must be positive")
	}
	if c.ReplayWindow < 0 {
		return fmt.Errorf("config: replay window must not be negative")
	}
	if c.PeerExchangeFanout <= 0 {
		return fmt.Errorf("config: peer exchange fanout must be positive")
	}
	return nil
}
