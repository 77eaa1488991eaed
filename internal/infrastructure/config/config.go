package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all extension host configuration.
type Config struct {
	Host      HostConfig
	Watchdog  WatchdogConfig
	Sandbox   SandboxConfig
	IPC       IPCConfig
	Admin     AdminConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// HostConfig holds top-level host settings.
type HostConfig struct {
	StatsInterval   time.Duration `envconfig:"HOST_STATS_INTERVAL" default:"5s"`
	ShutdownTimeout time.Duration `envconfig:"HOST_SHUTDOWN_TIMEOUT" default:"5s"`
	MailboxSize     int           `envconfig:"HOST_MAILBOX_SIZE" default:"64"`
}

// WatchdogConfig holds the default per-extension budgets.
type WatchdogConfig struct {
	MemoryLimitMB   float64 `envconfig:"WATCHDOG_MEMORY_LIMIT_MB" default:"50"`
	CPUTimeoutMs    int64   `envconfig:"WATCHDOG_CPU_TIMEOUT_MS" default:"5000"`
	CheckIntervalMs int64   `envconfig:"WATCHDOG_CHECK_INTERVAL_MS" default:"1000"`
}

// SandboxConfig holds sandbox runtime settings.
type SandboxConfig struct {
	MaxCallMs        int64 `envconfig:"SANDBOX_MAX_CALL_MS" default:"0"`
	MaxCallStackSize int   `envconfig:"SANDBOX_MAX_CALL_STACK" default:"1024"`
	EnableConsole    bool  `envconfig:"SANDBOX_ENABLE_CONSOLE" default:"true"`
}

// IPCConfig holds bridge and transport settings.
type IPCConfig struct {
	Transport     string        `envconfig:"IPC_TRANSPORT" default:"stdio"` // stdio | websocket
	CallTimeout   time.Duration `envconfig:"IPC_CALL_TIMEOUT" default:"30s"`
	MaxFrameBytes int           `envconfig:"IPC_MAX_FRAME_BYTES" default:"8388608"`
}

// AdminConfig holds the admin HTTP server settings.
type AdminConfig struct {
	Enabled           bool     `envconfig:"ADMIN_ENABLED" default:"false"`
	Host              string   `envconfig:"ADMIN_HOST" default:"127.0.0.1"`
	Port              string   `envconfig:"ADMIN_PORT" default:"8790"`
	AllowOrigins      []string `envconfig:"ADMIN_ALLOW_ORIGINS" default:"http://localhost,http://127.0.0.1"`
	RequestsPerSecond int      `envconfig:"ADMIN_REQUESTS_PER_SECOND" default:"20"`
	Burst             int      `envconfig:"ADMIN_BURST" default:"40"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig bounds how fast a single extension may call capabilities.
type RateLimitConfig struct {
	CallsPerSecond int  `envconfig:"RATE_LIMIT_CALLS_PER_SECOND" default:"200"`
	Burst          int  `envconfig:"RATE_LIMIT_BURST" default:"400"`
	Enabled        bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Validate rejects settings the host cannot run with.
func (c *Config) Validate() error {
	switch c.IPC.Transport {
	case "stdio", "websocket":
	default:
		return fmt.Errorf("invalid IPC_TRANSPORT %q: want stdio or websocket", c.IPC.Transport)
	}
	if c.IPC.CallTimeout <= 0 {
		return fmt.Errorf("IPC_CALL_TIMEOUT must be positive")
	}
	if c.Watchdog.CheckIntervalMs <= 0 {
		return fmt.Errorf("WATCHDOG_CHECK_INTERVAL_MS must be positive")
	}
	if c.Host.ShutdownTimeout <= 0 {
		return fmt.Errorf("HOST_SHUTDOWN_TIMEOUT must be positive")
	}
	return nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Host: HostConfig{
			StatsInterval:   5 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			MailboxSize:     64,
		},
		Watchdog: WatchdogConfig{
			MemoryLimitMB:   50,
			CPUTimeoutMs:    5000,
			CheckIntervalMs: 1000,
		},
		Sandbox: SandboxConfig{
			MaxCallMs:        0,
			MaxCallStackSize: 1024,
			EnableConsole:    true,
		},
		IPC: IPCConfig{
			Transport:     "stdio",
			CallTimeout:   30 * time.Second,
			MaxFrameBytes: 8 << 20,
		},
		Admin: AdminConfig{
			Enabled:           false,
			Host:              "127.0.0.1",
			Port:              "8790",
			AllowOrigins:      []string{"http://localhost", "http://127.0.0.1"},
			RequestsPerSecond: 20,
			Burst:             40,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			CallsPerSecond: 200,
			Burst:          400,
			Enabled:        true,
		},
	}
}
