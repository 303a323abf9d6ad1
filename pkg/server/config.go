package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server    ServerSection    `toml:"server"`
	Limits    LimitsSection    `toml:"limits"`
	Retention RetentionSection `toml:"retention"`
}

type ServerSection struct {
	TCPPort      int    `toml:"tcp_port"`
	HTTPPort     int    `toml:"http_port"`
	MetricsPort  int    `toml:"metrics_port"`
	DatabasePath string `toml:"database_path"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	TLSCertFile  string `toml:"tls_cert_file"`
	TLSKeyFile   string `toml:"tls_key_file"`
}

type LimitsSection struct {
	MaxMessageLength      int     `toml:"max_message_length"`
	SessionTimeoutSeconds int     `toml:"session_timeout_seconds"`
	CommandRateLimit      float64 `toml:"command_rate_limit"`
	CommandBurst          int     `toml:"command_burst"`
	WriteTimeoutSeconds   int     `toml:"write_timeout_seconds"`
}

type RetentionSection struct {
	CleanupIntervalMinutes int `toml:"cleanup_interval_minutes"`
	ChatroomGraceSeconds   int `toml:"chatroom_grace_seconds"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:      6465,
			HTTPPort:     0,
			MetricsPort:  9090,
			DatabasePath: "~/.chatroom/chatroom.db",
		},
		Limits: LimitsSection{
			MaxMessageLength:      1024,
			SessionTimeoutSeconds: 1800,
			CommandRateLimit:      20,
			CommandBurst:          40,
			WriteTimeoutSeconds:   10,
		},
		Retention: RetentionSection{
			CleanupIntervalMinutes: 5,
			ChatroomGraceSeconds:   60,
		},
	}
}

// expandHome replaces a leading ~/ with the user's home directory
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// An unwritable location still leaves us with usable defaults
		_ = writeDefaultConfig(path)
		return applyEnvOverrides(config), nil
	}

	// Unset keys keep their defaults
	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: CHATROOM_SECTION_KEY
// Example: CHATROOM_SERVER_TCP_PORT=7000
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	// Server section
	envInt("CHATROOM_SERVER_TCP_PORT", &config.Server.TCPPort)
	envInt("CHATROOM_SERVER_HTTP_PORT", &config.Server.HTTPPort)
	envInt("CHATROOM_SERVER_METRICS_PORT", &config.Server.MetricsPort)
	if val := os.Getenv("CHATROOM_SERVER_DATABASE_PATH"); val != "" {
		config.Server.DatabasePath = val
	}
	if val := os.Getenv("CHATROOM_SERVER_TLS_ENABLED"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			config.Server.TLSEnabled = enabled
		}
	}
	if val := os.Getenv("CHATROOM_SERVER_TLS_CERT_FILE"); val != "" {
		config.Server.TLSCertFile = val
	}
	if val := os.Getenv("CHATROOM_SERVER_TLS_KEY_FILE"); val != "" {
		config.Server.TLSKeyFile = val
	}

	// Limits section
	envInt("CHATROOM_LIMITS_MAX_MESSAGE_LENGTH", &config.Limits.MaxMessageLength)
	envInt("CHATROOM_LIMITS_SESSION_TIMEOUT_SECONDS", &config.Limits.SessionTimeoutSeconds)
	if val := os.Getenv("CHATROOM_LIMITS_COMMAND_RATE_LIMIT"); val != "" {
		if limit, err := strconv.ParseFloat(val, 64); err == nil {
			config.Limits.CommandRateLimit = limit
		}
	}
	envInt("CHATROOM_LIMITS_COMMAND_BURST", &config.Limits.CommandBurst)
	envInt("CHATROOM_LIMITS_WRITE_TIMEOUT_SECONDS", &config.Limits.WriteTimeoutSeconds)

	// Retention section
	envInt("CHATROOM_RETENTION_CLEANUP_INTERVAL_MINUTES", &config.Retention.CleanupIntervalMinutes)
	envInt("CHATROOM_RETENTION_CHATROOM_GRACE_SECONDS", &config.Retention.ChatroomGraceSeconds)

	return config
}

func envInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# Chatroom Server Configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# CHATROOM_SECTION_KEY (e.g., CHATROOM_SERVER_TCP_PORT=7000)

[server]
# Port for line-protocol TCP connections
tcp_port = 6465

# Port for the WebSocket endpoint (/ws)
# Set to 0 to disable
http_port = 0

# Internal metrics endpoint (/metrics, /health). Never expose publicly.
# Set to 0 to disable
metrics_port = 9090

# Path to SQLite database file
database_path = "~/.chatroom/chatroom.db"

# Serve the TCP port over TLS
tls_enabled = false
# tls_cert_file = "/etc/chatroom/server.crt"
# tls_key_file = "/etc/chatroom/server.key"

[limits]
# Maximum SendMessage text length in characters
max_message_length = 1024

# Tokens idle longer than this are logged out by the sweeper
session_timeout_seconds = 1800

# Commands per second per connection (0 = unlimited) and burst size
command_rate_limit = 20
command_burst = 40

# Give up writing to a stalled client after this many seconds
# write_timeout_seconds = 10

[retention]
# How often the maintenance sweeper runs
cleanup_interval_minutes = 5

# Empty chatrooms younger than this survive the sweeper
chatroom_grace_seconds = 60
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	cfg.HTTPPort = c.Server.HTTPPort
	cfg.MetricsPort = c.Server.MetricsPort
	if strings.TrimSpace(c.Server.DatabasePath) != "" {
		cfg.DatabasePath = c.Server.DatabasePath
	}
	cfg.TLSEnabled = c.Server.TLSEnabled
	cfg.TLSCertFile = c.Server.TLSCertFile
	cfg.TLSKeyFile = c.Server.TLSKeyFile

	if c.Limits.MaxMessageLength > 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}
	if c.Limits.SessionTimeoutSeconds > 0 {
		cfg.SessionTimeout = time.Duration(c.Limits.SessionTimeoutSeconds) * time.Second
	}
	if c.Limits.CommandRateLimit >= 0 {
		cfg.CommandRateLimit = c.Limits.CommandRateLimit
	}
	if c.Limits.CommandBurst > 0 {
		cfg.CommandBurst = c.Limits.CommandBurst
	}
	if c.Limits.WriteTimeoutSeconds > 0 {
		cfg.WriteTimeout = time.Duration(c.Limits.WriteTimeoutSeconds) * time.Second
	}

	if c.Retention.CleanupIntervalMinutes > 0 {
		cfg.CleanupInterval = time.Duration(c.Retention.CleanupIntervalMinutes) * time.Minute
	}
	if c.Retention.ChatroomGraceSeconds >= 0 {
		cfg.ChatroomGrace = time.Duration(c.Retention.ChatroomGraceSeconds) * time.Second
	}

	return cfg
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	return expandHome(c.Server.DatabasePath)
}
