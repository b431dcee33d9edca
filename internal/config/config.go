// Package config holds the node configuration and its YAML loader.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects the forwarding policy.
type Mode string

const (
	ModeHub    Mode = "hub"
	ModeSwitch Mode = "switch"
	ModeRouter Mode = "router"
	// ModeNormal picks switch for tap devices and router for tun devices.
	ModeNormal Mode = "normal"
)

// DeviceType selects the virtual device flavor.
type DeviceType string

const (
	DeviceTun DeviceType = "tun"
	DeviceTap DeviceType = "tap"
	// DeviceDummy is an in-memory device that drops everything written to
	// it. Useful for relay-only nodes and tests.
	DeviceDummy DeviceType = "dummy"
)

type Config struct {
	DeviceType DeviceType `yaml:"device_type"`
	DeviceName string     `yaml:"device_name"`
	Mode       Mode       `yaml:"mode"`

	// Magic distinguishes overlay networks sharing a port. Up to 4 bytes,
	// defaults to the protocol magic when empty.
	Magic string `yaml:"magic"`

	Listen string   `yaml:"listen"`
	Port   int      `yaml:"port"`
	Peers  []string `yaml:"peers"`

	PeerTimeout    time.Duration `yaml:"peer_timeout"`
	Keepalive      time.Duration `yaml:"keepalive"`
	DstTimeout     time.Duration `yaml:"dst_timeout"`
	GossipInterval time.Duration `yaml:"gossip_interval"`

	// Subnets are claimed by this node in router mode and seed the
	// forwarding table of remote peers via gossip.
	Subnets []string `yaml:"subnets"`

	MTU         int      `yaml:"mtu"`
	MaxPeers    int      `yaml:"max_peers"`
	PortMapping bool     `yaml:"port_mapping"`
	SendClose   bool     `yaml:"send_close"`
	KeyDir      string   `yaml:"key_dir"`
	PinnedPeers []string `yaml:"pinned_peers"`

	// KeyRotation enables session expiry and re-handshake after the
	// given interval. Zero disables rotation.
	KeyRotation time.Duration `yaml:"key_rotation"`

	StatsFile     string        `yaml:"stats_file"`
	StatsInterval time.Duration `yaml:"stats_interval"`

	// PeerCacheFile persists known peers across restarts; empty disables
	// the cache.
	PeerCacheFile string `yaml:"peer_cache_file"`

	LogLevel string `yaml:"log_level"`

	Relay RelayConfig `yaml:"relay"`
}

// RelayConfig selects an alternate outer transport when direct UDP is
// blocked. Kind is "ws" or "quic"; empty disables the relay.
type RelayConfig struct {
	Kind string `yaml:"kind"`
	URL  string `yaml:"url"`
}

func Default() Config {
	return Config{
		DeviceType:     DeviceTun,
		DeviceName:     "meshvpn%d",
		Mode:           ModeNormal,
		Port:           3210,
		PeerTimeout:    600 * time.Second,
		DstTimeout:     300 * time.Second,
		GossipInterval: 10 * time.Second,
		MTU:            1400,
		SendClose:      true,
		StatsInterval:  60 * time.Second,
		LogLevel:       "info",
	}
}

// Load reads the YAML file at path on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.DeviceType {
	case DeviceTun, DeviceTap, DeviceDummy:
	default:
		return fmt.Errorf("unknown device type %q", c.DeviceType)
	}
	switch c.Mode {
	case ModeHub, ModeSwitch, ModeRouter, ModeNormal:
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	if c.Mode == ModeSwitch && c.DeviceType == DeviceTun {
		return fmt.Errorf("switch mode needs a tap device")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if len(c.Magic) > 4 {
		return fmt.Errorf("magic %q longer than 4 bytes", c.Magic)
	}
	if c.MTU <= 0 {
		return fmt.Errorf("mtu must be positive")
	}
	if c.PeerTimeout <= 0 {
		return fmt.Errorf("peer_timeout must be positive")
	}
	for _, s := range c.Subnets {
		if _, err := netip.ParsePrefix(s); err != nil {
			return fmt.Errorf("invalid subnet %q: %w", s, err)
		}
	}
	return nil
}

// EffectiveMode resolves ModeNormal against the device type.
func (c *Config) EffectiveMode() Mode {
	if c.Mode != ModeNormal {
		return c.Mode
	}
	if c.DeviceType == DeviceTap {
		return ModeSwitch
	}
	return ModeRouter
}

// EffectiveKeepalive derives the keepalive interval from the peer timeout
// when not set explicitly: half the timeout, minus a minute of slack for
// larger timeouts.
func (c *Config) EffectiveKeepalive() time.Duration {
	if c.Keepalive > 0 {
		return c.Keepalive
	}
	ka := c.PeerTimeout / 2
	if ka > 2*time.Minute {
		ka -= time.Minute
	}
	return ka
}

// ListenAddr combines Listen and Port into a bindable address.
func (c *Config) ListenAddr() string {
	if c.Listen != "" {
		return c.Listen
	}
	return fmt.Sprintf(":%d", c.Port)
}
