package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "simulated", cfg.Discovery.Provider)
	assert.Equal(t, 1500*time.Millisecond, cfg.Discovery.SimulatedDelay)
	assert.Equal(t, "My MacBook Pro", cfg.Discovery.Local.Name)
	assert.Len(t, cfg.Discovery.Devices, 4)
	assert.Equal(t, time.Second, cfg.Stats.Interval)
}

func TestLoad_UsesDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load("non-existent-config.yaml")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_LoadsFromYAMLAndAppliesEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, `
server:
  address: ":9000"
  read_timeout: 10s
  write_timeout: 15s

discovery:
  provider: static
  window: 3s
  local:
    id: studio
    name: Studio Mac
    address: "10.0.0.2:9000"
    status: available
    is_local: true
  devices:
    - id: tv
      name: Living Room TV
      address: "10.0.0.7:9000"
      status: available

capture:
  fps: 60
  quality: high
  codec: vp8

logging:
  level: "debug"
`)

	t.Setenv("LANSCREEN_LOG_LEVEL", "warn")
	t.Setenv("LANSCREEN_DEVICE_NAME", "Renamed")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "static", cfg.Discovery.Provider)
	assert.Equal(t, 3*time.Second, cfg.Discovery.Window)
	assert.Equal(t, "studio", cfg.Discovery.Local.ID)
	assert.Equal(t, "Renamed", cfg.Discovery.Local.Name)
	require.Len(t, cfg.Discovery.Devices, 1)
	assert.Equal(t, "tv", cfg.Discovery.Devices[0].ID)
	assert.Equal(t, 60, cfg.Capture.FPS)
	assert.Equal(t, "high", cfg.Capture.Quality)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_RejectsInvalidYAML(t *testing.T) {
	path := writeTempConfig(t, "server: [unterminated")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty server address", func(c *Config) { c.Server.Address = "" }},
		{"unknown provider", func(c *Config) { c.Discovery.Provider = "mdns" }},
		{"zero discovery window", func(c *Config) { c.Discovery.Window = 0 }},
		{"simulated delay outlasts window", func(c *Config) {
			c.Discovery.Provider = "simulated"
			c.Discovery.SimulatedDelay = c.Discovery.Window
		}},
		{"redis provider without redis", func(c *Config) { c.Discovery.Provider = "redis" }},
		{"empty local id", func(c *Config) { c.Discovery.Local.ID = "" }},
		{"duplicate device id", func(c *Config) {
			c.Discovery.Devices = append(c.Discovery.Devices, c.Discovery.Devices[0])
		}},
		{"device reuses local id", func(c *Config) { c.Discovery.Devices[0].ID = c.Discovery.Local.ID }},
		{"invalid device status", func(c *Config) { c.Discovery.Devices[0].Status = "busy" }},
		{"second local device", func(c *Config) { c.Discovery.Devices[0].IsLocal = true }},
		{"unsupported fps", func(c *Config) { c.Capture.FPS = 24 }},
		{"unknown quality", func(c *Config) { c.Capture.Quality = "ultra" }},
		{"unknown codec", func(c *Config) { c.Capture.Codec = "av1" }},
		{"consent timeout required", func(c *Config) {
			c.Capture.AutoConsent = false
			c.Capture.ConsentTimeout = 0
		}},
		{"negotiation timeout required", func(c *Config) {
			c.Session.NegotiationEnabled = true
			c.Session.NegotiationTimeout = 0
		}},
		{"zero stats interval", func(c *Config) { c.Stats.Interval = 0 }},
		{"half port range", func(c *Config) { c.WebRTC.PortRange.Min = 50000 }},
		{"inverted port range", func(c *Config) {
			c.WebRTC.PortRange.Min = 50010
			c.WebRTC.PortRange.Max = 50000
		}},
		{"pong before ping", func(c *Config) { c.Events.PongTimeout = c.Events.PingInterval }},
		{"tracing sample rate", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.SampleRate = 1.5
		}},
		{"redis pool size", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.PoolSize = 0
		}},
		{"http rps must be > 0", func(c *Config) {
			c.RateLimiting.Enabled = true
			c.RateLimiting.HTTP.RequestsPerSecond = 0
		}},
		{"ws burst must be > 0", func(c *Config) {
			c.RateLimiting.Enabled = true
			c.RateLimiting.WebSocket.Burst = 0
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when rate limiting disabled, got error: %v", err)
	}
}
