package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type DeviceConfig struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Status  string `yaml:"status"`
	IsLocal bool   `yaml:"is_local"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
		LANOnly         bool          `yaml:"lan_only"`
	} `yaml:"server"`

	Events struct {
		PingInterval time.Duration `yaml:"ping_interval"`
		PongTimeout  time.Duration `yaml:"pong_timeout"`
		SendBuffer   int           `yaml:"send_buffer"`
	} `yaml:"events"`

	Discovery struct {
		// simulated | static | redis
		Provider       string         `yaml:"provider"`
		Window         time.Duration  `yaml:"window"`
		SimulatedDelay time.Duration  `yaml:"simulated_delay"`
		StartOnBoot    bool           `yaml:"start_on_boot"`
		PresenceTTL    time.Duration  `yaml:"presence_ttl"`
		Local          DeviceConfig   `yaml:"local"`
		Devices        []DeviceConfig `yaml:"devices"`
	} `yaml:"discovery"`

	Capture struct {
		AutoConsent    bool          `yaml:"auto_consent"`
		ConsentTimeout time.Duration `yaml:"consent_timeout"`
		Audio          bool          `yaml:"audio"`
		FPS            int           `yaml:"fps"`
		Quality        string        `yaml:"quality"`
		Codec          string        `yaml:"codec"`
	} `yaml:"capture"`

	Session struct {
		NegotiationEnabled bool          `yaml:"negotiation_enabled"`
		NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
	} `yaml:"session"`

	Stats struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"stats"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
		PortRange struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Signaling struct {
		Timeout          time.Duration `yaml:"timeout"`
		MaxRetries       int           `yaml:"max_retries"`
		RetryDelay       time.Duration `yaml:"retry_delay"`
		BreakerFailures  int           `yaml:"breaker_failures"`
		BreakerResetTime time.Duration `yaml:"breaker_reset_time"`
	} `yaml:"signaling"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"redis"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

var (
	validProviders = map[string]bool{"simulated": true, "static": true, "redis": true}
	validStatuses  = map[string]bool{"available": true, "occupied": true, "unavailable": true}
	validQualities = map[string]bool{"low": true, "medium": true, "high": true}
	validCodecs    = map[string]bool{"auto": true, "h264": true, "vp8": true}
	validFPS       = map[int]bool{15: true, 30: true, 60: true}
)

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Events
	if c.Events.PingInterval <= 0 {
		return fmt.Errorf("events.ping_interval must be > 0")
	}
	if c.Events.PongTimeout <= c.Events.PingInterval {
		return fmt.Errorf("events.pong_timeout must be > events.ping_interval")
	}
	if c.Events.SendBuffer <= 0 {
		return fmt.Errorf("events.send_buffer must be > 0")
	}

	// Discovery
	if !validProviders[c.Discovery.Provider] {
		return fmt.Errorf("discovery.provider must be one of simulated, static, redis, got %q", c.Discovery.Provider)
	}
	if c.Discovery.Window <= 0 {
		return fmt.Errorf("discovery.window must be > 0")
	}
	if c.Discovery.SimulatedDelay < 0 {
		return fmt.Errorf("discovery.simulated_delay must be >= 0")
	}
	if c.Discovery.Provider == "simulated" && c.Discovery.SimulatedDelay >= c.Discovery.Window {
		return fmt.Errorf("discovery.simulated_delay must be < discovery.window")
	}
	if c.Discovery.Provider == "redis" {
		if !c.Redis.Enabled {
			return fmt.Errorf("discovery.provider=redis requires redis.enabled=true")
		}
		if c.Discovery.PresenceTTL <= 0 {
			return fmt.Errorf("discovery.presence_ttl must be > 0 when discovery.provider=redis")
		}
	}
	if c.Discovery.Local.ID == "" {
		return fmt.Errorf("discovery.local.id must not be empty")
	}
	seen := map[string]bool{c.Discovery.Local.ID: true}
	for i, d := range c.Discovery.Devices {
		if d.ID == "" {
			return fmt.Errorf("discovery.devices[%d].id must not be empty", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("discovery.devices[%d].id %q is duplicated", i, d.ID)
		}
		seen[d.ID] = true
		if !validStatuses[d.Status] {
			return fmt.Errorf("discovery.devices[%d].status %q is invalid", i, d.Status)
		}
		if d.IsLocal {
			return fmt.Errorf("discovery.devices[%d] must not be local; use discovery.local", i)
		}
	}

	// Capture
	if !validFPS[c.Capture.FPS] {
		return fmt.Errorf("capture.fps must be 15, 30 or 60")
	}
	if !validQualities[c.Capture.Quality] {
		return fmt.Errorf("capture.quality must be low, medium or high")
	}
	if !validCodecs[c.Capture.Codec] {
		return fmt.Errorf("capture.codec must be auto, h264 or vp8")
	}
	if !c.Capture.AutoConsent && c.Capture.ConsentTimeout <= 0 {
		return fmt.Errorf("capture.consent_timeout must be > 0 when auto_consent=false")
	}

	// Session
	if c.Session.NegotiationEnabled && c.Session.NegotiationTimeout <= 0 {
		return fmt.Errorf("session.negotiation_timeout must be > 0 when negotiation is enabled")
	}

	// Stats
	if c.Stats.Interval <= 0 {
		return fmt.Errorf("stats.interval must be > 0")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	// Signaling
	if c.Signaling.Timeout <= 0 {
		return fmt.Errorf("signaling.timeout must be > 0")
	}
	if c.Signaling.MaxRetries < 0 {
		return fmt.Errorf("signaling.max_retries must be >= 0")
	}
	if c.Signaling.BreakerFailures <= 0 {
		return fmt.Errorf("signaling.breaker_failures must be > 0")
	}
	if c.Signaling.BreakerResetTime <= 0 {
		return fmt.Errorf("signaling.breaker_reset_time must be > 0")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults. The seed devices
// match the demo network shown on first launch.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second
	cfg.Server.AllowedOrigins = []string{"*"}
	cfg.Server.LANOnly = true

	cfg.Events.PingInterval = 30 * time.Second
	cfg.Events.PongTimeout = 60 * time.Second
	cfg.Events.SendBuffer = 64

	cfg.Discovery.Provider = "simulated"
	cfg.Discovery.Window = 5 * time.Second
	cfg.Discovery.SimulatedDelay = 1500 * time.Millisecond
	cfg.Discovery.StartOnBoot = true
	cfg.Discovery.PresenceTTL = 15 * time.Second
	cfg.Discovery.Local = DeviceConfig{
		ID:      "local-device",
		Name:    "My MacBook Pro",
		Address: "192.168.1.101:8080",
		Status:  "available",
		IsLocal: true,
	}
	cfg.Discovery.Devices = []DeviceConfig{
		{ID: "device-2", Name: "PC-Oficina", Address: "192.168.1.30:8080", Status: "available"},
		{ID: "device-3", Name: "ASUS-GAMING", Address: "192.168.1.42:8080", Status: "occupied"},
		{ID: "device-4", Name: "PORTATIL-DE-LAURA", Address: "192.168.1.55:8080", Status: "available"},
		{ID: "device-5", Name: "Living Room PC", Address: "192.168.1.23:8080", Status: "unavailable"},
	}

	cfg.Capture.AutoConsent = true
	cfg.Capture.ConsentTimeout = 60 * time.Second
	cfg.Capture.Audio = true
	cfg.Capture.FPS = 30
	cfg.Capture.Quality = "medium"
	cfg.Capture.Codec = "auto"

	cfg.Session.NegotiationEnabled = false
	cfg.Session.NegotiationTimeout = 15 * time.Second

	cfg.Stats.Interval = time.Second

	cfg.Signaling.Timeout = 5 * time.Second
	cfg.Signaling.MaxRetries = 2
	cfg.Signaling.RetryDelay = 200 * time.Millisecond
	cfg.Signaling.BreakerFailures = 5
	cfg.Signaling.BreakerResetTime = 30 * time.Second

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "lanscreen"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.Prefix = "lanscreen"

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 20
	cfg.RateLimiting.WebSocket.Burst = 40
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("LANSCREEN_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("LANSCREEN_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if provider := os.Getenv("LANSCREEN_DISCOVERY_PROVIDER"); provider != "" {
		c.Discovery.Provider = provider
	}
	if name := os.Getenv("LANSCREEN_DEVICE_NAME"); name != "" {
		c.Discovery.Local.Name = name
	}
	if addr := os.Getenv("LANSCREEN_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if v := os.Getenv("LANSCREEN_AUTO_CONSENT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Capture.AutoConsent = b
		}
	}
}
