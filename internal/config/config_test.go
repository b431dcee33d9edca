package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, DeviceTun, cfg.DeviceType)
	require.Equal(t, ModeNormal, cfg.Mode)
	require.Equal(t, 3210, cfg.Port)
	require.Equal(t, 600*time.Second, cfg.PeerTimeout)
	require.Equal(t, 300*time.Second, cfg.DstTimeout)
	require.Equal(t, 1400, cfg.MTU)
	require.True(t, cfg.SendClose)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
device_type: tap
mode: switch
port: 4000
magic: mesh
peers:
  - 192.0.2.1:3210
  - 192.0.2.2:3210
peer_timeout: 5m
key_rotation: 1h
subnets:
  - 10.1.0.0/16
relay:
  kind: ws
  url: wss://relay.example.com/mesh
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, DeviceTap, cfg.DeviceType)
	require.Equal(t, ModeSwitch, cfg.Mode)
	require.Equal(t, 4000, cfg.Port)
	require.Equal(t, "mesh", cfg.Magic)
	require.Len(t, cfg.Peers, 2)
	require.Equal(t, 5*time.Minute, cfg.PeerTimeout)
	require.Equal(t, time.Hour, cfg.KeyRotation)
	require.Equal(t, "ws", cfg.Relay.Kind)
	// Untouched fields keep their defaults.
	require.Equal(t, 1400, cfg.MTU)
	require.Equal(t, 10*time.Second, cfg.GossipInterval)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad device", func(c *Config) { c.DeviceType = "pipe" }},
		{"bad mode", func(c *Config) { c.Mode = "mesh" }},
		{"switch on tun", func(c *Config) { c.Mode = ModeSwitch; c.DeviceType = DeviceTun }},
		{"port zero", func(c *Config) { c.Port = 0 }},
		{"port too big", func(c *Config) { c.Port = 70000 }},
		{"long magic", func(c *Config) { c.Magic = "toolong" }},
		{"zero mtu", func(c *Config) { c.MTU = 0 }},
		{"negative mtu", func(c *Config) { c.MTU = -1 }},
		{"zero timeout", func(c *Config) { c.PeerTimeout = 0 }},
		{"bad subnet", func(c *Config) { c.Subnets = []string{"10.0.0.0/33"} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestEffectiveMode(t *testing.T) {
	cfg := Default()
	cfg.DeviceType = DeviceTap
	require.Equal(t, ModeSwitch, cfg.EffectiveMode())
	cfg.DeviceType = DeviceTun
	require.Equal(t, ModeRouter, cfg.EffectiveMode())
	cfg.Mode = ModeHub
	require.Equal(t, ModeHub, cfg.EffectiveMode())
}

func TestEffectiveKeepalive(t *testing.T) {
	cfg := Default()
	cfg.Keepalive = 42 * time.Second
	require.Equal(t, 42*time.Second, cfg.EffectiveKeepalive())

	cfg.Keepalive = 0
	cfg.PeerTimeout = 600 * time.Second
	require.Equal(t, 4*time.Minute, cfg.EffectiveKeepalive())

	// Short timeouts skip the slack subtraction.
	cfg.PeerTimeout = 120 * time.Second
	require.Equal(t, time.Minute, cfg.EffectiveKeepalive())
}

func TestListenAddr(t *testing.T) {
	cfg := Default()
	require.Equal(t, ":3210", cfg.ListenAddr())
	cfg.Listen = "127.0.0.1:9000"
	require.Equal(t, "127.0.0.1:9000", cfg.ListenAddr())
}
