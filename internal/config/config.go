// Package config provides configuration loading for the Gemini gateway.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration values for the gateway.
type Config struct {
	// Server settings
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	// HTTP server timeouts
	HTTPReadTimeout time.Duration `yaml:"http_read_timeout"`
	HTTPIdleTimeout time.Duration `yaml:"http_idle_timeout"`

	// WebSocket settings
	WSReadBufferSize  int `yaml:"ws_read_buffer_size"`
	WSWriteBufferSize int `yaml:"ws_write_buffer_size"`

	// WSMaxMessageBytes caps one client message, base64 images included.
	WSMaxMessageBytes int64         `yaml:"ws_max_message_bytes"`
	WSPingInterval    time.Duration `yaml:"ws_ping_interval"`
	WSPongTimeout     time.Duration `yaml:"ws_pong_timeout"`

	// Gemini CLI settings
	GeminiCommand  string `yaml:"gemini_command"`
	DefaultModel   string `yaml:"default_model"`
	MCPConfigPath  string `yaml:"mcp_config_path"`
	MCPProjectsKey string `yaml:"mcp_projects_key"`
	MCPWatch       bool   `yaml:"mcp_watch"`

	// Conversation settings. MaxContextMessages of 0 replays every prior
	// message; a positive value drops the oldest messages beyond the cap.
	MaxContextMessages int `yaml:"max_context_messages"`

	// Attachment staging, relative to each invocation's working directory.
	ImageStagingDir string `yaml:"image_staging_dir"`

	// Output filtering additions on top of the built-in noise markers.
	ExtraStdoutNoise []string `yaml:"extra_stdout_noise"`
	ExtraStderrNoise []string `yaml:"extra_stderr_noise"`

	// Interactive (prompt-less) invocations
	InteractivePTY bool `yaml:"interactive_pty"`
	DefaultRows    int  `yaml:"default_rows"`
	DefaultCols    int  `yaml:"default_cols"`

	// Per-connection turn rate limiting
	TurnRatePerSec float64 `yaml:"turn_rate_per_sec"`
	TurnBurst      int     `yaml:"turn_burst"`

	// JWT settings. Authentication is disabled when JWKSEndpoint is empty.
	JWKSEndpoint string `yaml:"jwks_endpoint"`
	JWTIssuer    string `yaml:"jwt_issuer"`
	JWTAudience  string `yaml:"jwt_audience"`

	// Invocation log. Disabled when empty.
	InvocationLogPath string `yaml:"invocation_log_path"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`
}

// Default returns the built-in configuration before any file or environment
// overrides are applied.
func Default() *Config {
	return &Config{
		Port:              3001,
		Host:              "0.0.0.0",
		HTTPReadTimeout:   15 * time.Second,
		HTTPIdleTimeout:   60 * time.Second,
		WSReadBufferSize:  1024,
		WSWriteBufferSize: 1024,
		WSMaxMessageBytes: 32 << 20,
		WSPingInterval:    30 * time.Second,
		WSPongTimeout:     60 * time.Second,
		GeminiCommand:     "gemini",
		DefaultModel:      "gemini-2.5-pro",
		MCPConfigPath:     defaultMCPConfigPath(),
		MCPProjectsKey:    "geminiProjects",
		MCPWatch:          true,
		ImageStagingDir:   filepath.Join(".tmp", "images"),
		DefaultRows:       24,
		DefaultCols:       80,
		TurnRatePerSec:    2,
		TurnBurst:         5,
		JWTAudience:       "gemini-gateway",
		LogLevel:          "info",
		LogFormat:         "json",
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment variables, in increasing order of precedence. When path is
// empty, GATEWAY_CONFIG is consulted for the file location.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("GATEWAY_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getEnvInt("GATEWAY_PORT", c.Port)
	c.Host = getEnv("GATEWAY_HOST", c.Host)
	c.AllowedOrigins = getEnvStringSlice("ALLOWED_ORIGINS", c.AllowedOrigins)

	c.HTTPReadTimeout = getEnvDuration("HTTP_READ_TIMEOUT", c.HTTPReadTimeout)
	c.HTTPIdleTimeout = getEnvDuration("HTTP_IDLE_TIMEOUT", c.HTTPIdleTimeout)
	c.WSReadBufferSize = getEnvInt("WS_READ_BUFFER_SIZE", c.WSReadBufferSize)
	c.WSWriteBufferSize = getEnvInt("WS_WRITE_BUFFER_SIZE", c.WSWriteBufferSize)
	c.WSMaxMessageBytes = int64(getEnvInt("WS_MAX_MESSAGE_BYTES", int(c.WSMaxMessageBytes)))
	c.WSPingInterval = getEnvDuration("WS_PING_INTERVAL", c.WSPingInterval)
	c.WSPongTimeout = getEnvDuration("WS_PONG_TIMEOUT", c.WSPongTimeout)

	c.GeminiCommand = getEnv("GEMINI_COMMAND", c.GeminiCommand)
	c.DefaultModel = getEnv("GEMINI_DEFAULT_MODEL", c.DefaultModel)
	c.MCPConfigPath = getEnv("MCP_CONFIG_PATH", c.MCPConfigPath)
	c.MCPProjectsKey = getEnv("MCP_PROJECTS_KEY", c.MCPProjectsKey)
	c.MCPWatch = getEnvBool("MCP_WATCH", c.MCPWatch)

	c.MaxContextMessages = getEnvInt("MAX_CONTEXT_MESSAGES", c.MaxContextMessages)
	c.ImageStagingDir = getEnv("IMAGE_STAGING_DIR", c.ImageStagingDir)
	c.ExtraStdoutNoise = getEnvStringSlice("EXTRA_STDOUT_NOISE", c.ExtraStdoutNoise)
	c.ExtraStderrNoise = getEnvStringSlice("EXTRA_STDERR_NOISE", c.ExtraStderrNoise)

	c.InteractivePTY = getEnvBool("INTERACTIVE_PTY", c.InteractivePTY)
	c.DefaultRows = getEnvInt("DEFAULT_ROWS", c.DefaultRows)
	c.DefaultCols = getEnvInt("DEFAULT_COLS", c.DefaultCols)

	c.TurnRatePerSec = getEnvFloat("TURN_RATE_PER_SEC", c.TurnRatePerSec)
	c.TurnBurst = getEnvInt("TURN_BURST", c.TurnBurst)

	c.JWKSEndpoint = getEnv("JWKS_ENDPOINT", c.JWKSEndpoint)
	c.JWTIssuer = getEnv("JWT_ISSUER", c.JWTIssuer)
	c.JWTAudience = getEnv("JWT_AUDIENCE", c.JWTAudience)

	c.InvocationLogPath = getEnv("INVOCATION_LOG_PATH", c.InvocationLogPath)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.LogFile = getEnv("LOG_FILE", c.LogFile)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if strings.TrimSpace(c.GeminiCommand) == "" {
		return fmt.Errorf("gemini_command is required")
	}
	if c.MaxContextMessages < 0 {
		return fmt.Errorf("max_context_messages must not be negative")
	}
	if c.TurnRatePerSec < 0 || c.TurnBurst < 0 {
		return fmt.Errorf("turn rate limits must not be negative")
	}
	if c.WSMaxMessageBytes <= 0 {
		return fmt.Errorf("ws_max_message_bytes must be positive")
	}
	if c.WSPingInterval <= 0 || c.WSPongTimeout <= c.WSPingInterval {
		return fmt.Errorf("ws_pong_timeout must exceed a positive ws_ping_interval, got %s and %s", c.WSPongTimeout, c.WSPingInterval)
	}
	if filepath.IsAbs(c.ImageStagingDir) {
		return fmt.Errorf("image_staging_dir must be relative to the working directory")
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AuthEnabled reports whether gateway requests must carry a JWT.
func (c *Config) AuthEnabled() bool {
	return c.JWKSEndpoint != ""
}

func defaultMCPConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gemini.json"
	}
	return filepath.Join(home, ".gemini.json")
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
