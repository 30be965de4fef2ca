package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the CDP bridge.
type Config struct {
	// Browser debugging target
	CDPAddress string
	CDPPort    int

	// Pool settings
	PoolSize          int
	AcquireTimeoutSec float64

	// Per-command defaults
	CommandTimeoutSec float64

	// Event buffering
	EventBufferSize int
	EventQueueSize  int

	// Transport behavior
	AutoReconnect bool

	// HTTP surface
	BindAddr      string
	BindFallbacks []string

	// Browser launcher
	LaunchBrowser bool
	ProfileDir    string
	StartURL      string

	// Logging
	LogLevel string
	LogFile  string
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		CDPAddress:        getEnvOrDefault("BRIDGE_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:           getEnvIntOrDefault("BRIDGE_CDP_PORT", 9222),
		PoolSize:          getEnvIntOrDefault("BRIDGE_POOL_SIZE", 3),
		AcquireTimeoutSec: getEnvFloatOrDefault("BRIDGE_ACQUIRE_TIMEOUT_SEC", 60),
		CommandTimeoutSec: getEnvFloatOrDefault("BRIDGE_COMMAND_TIMEOUT_SEC", 30),
		EventBufferSize:   getEnvIntOrDefault("BRIDGE_EVENT_BUFFER_SIZE", 100),
		EventQueueSize:    getEnvIntOrDefault("BRIDGE_EVENT_QUEUE_SIZE", 1000),
		AutoReconnect:     getEnvBoolOrDefault("BRIDGE_AUTO_RECONNECT", true),
		BindAddr:          getEnvOrDefault("BRIDGE_BIND_ADDR", "127.0.0.1:8090"),
		BindFallbacks:     getEnvListOrDefault("BRIDGE_BIND_FALLBACKS", nil),
		LaunchBrowser:     getEnvBoolOrDefault("BRIDGE_LAUNCH_BROWSER", false),
		ProfileDir:        getEnvOrDefault("BRIDGE_PROFILE_DIR", "./browser_profile"),
		StartURL:          getEnvOrDefault("BRIDGE_START_URL", "about:blank"),
		LogLevel:          getEnvOrDefault("BRIDGE_LOG_LEVEL", "info"),
		LogFile:           getEnvOrDefault("BRIDGE_LOG_FILE", "logs/bridge.log"),
	}

	if cfg.PoolSize < 1 {
		return nil, fmt.Errorf("BRIDGE_POOL_SIZE must be >= 1, got %d", cfg.PoolSize)
	}

	return cfg, nil
}

// GetCDPURL returns the browser's HTTP discovery base.
func (c *Config) GetCDPURL() string {
	return fmt.Sprintf("http://%s:%d", c.CDPAddress, c.CDPPort)
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloatOrDefault(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvListOrDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
