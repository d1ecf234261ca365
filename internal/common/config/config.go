// Package config provides configuration management for Banterop.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Banterop.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Rooms    RoomsConfig    `mapstructure:"rooms"`
	MCP      MCPConfig      `mapstructure:"mcp"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the embedded SQLite configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"` // file path, or :memory: for tests
}

// NATSConfig holds NATS messaging configuration.
// An empty URL means the in-memory event bus is used instead.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AgentConfig holds agent-runtime configuration.
type AgentConfig struct {
	// TurnDeadlineMs is the default per-turn deadline for hosted agents.
	TurnDeadlineMs int `mapstructure:"turnDeadlineMs"`

	// DeadlineFloorMs is the minimum effective turn deadline.
	DeadlineFloorMs int `mapstructure:"deadlineFloorMs"`

	// RecoveryMode is the default turn recovery mode: restart or resume.
	RecoveryMode string `mapstructure:"recoveryMode"`
}

// RoomsConfig holds room bridge configuration.
type RoomsConfig struct {
	// LeaseTTLSeconds is how long a backend lease survives without a heartbeat.
	LeaseTTLSeconds int `mapstructure:"leaseTtlSeconds"`

	// HeartbeatSeconds is the advertised heartbeat interval for backends.
	HeartbeatSeconds int `mapstructure:"heartbeatSeconds"`
}

// MCPConfig holds the embedded MCP server configuration.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LLMConfig holds the OpenAI-compatible provider configuration.
type LLMConfig struct {
	BaseURL   string `mapstructure:"baseUrl"`
	APIKey    string `mapstructure:"apiKey"`
	Model     string `mapstructure:"model"`
	TimeoutMs int    `mapstructure:"timeoutMs"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TurnDeadline returns the default turn deadline as a time.Duration.
func (a *AgentConfig) TurnDeadline() time.Duration {
	return time.Duration(a.TurnDeadlineMs) * time.Millisecond
}

// DeadlineFloor returns the minimum turn deadline as a time.Duration.
func (a *AgentConfig) DeadlineFloor() time.Duration {
	return time.Duration(a.DeadlineFloorMs) * time.Millisecond
}

// LeaseTTL returns the backend lease TTL as a time.Duration.
func (r *RoomsConfig) LeaseTTL() time.Duration {
	return time.Duration(r.LeaseTTLSeconds) * time.Second
}

// Heartbeat returns the backend heartbeat interval as a time.Duration.
func (r *RoomsConfig) Heartbeat() time.Duration {
	return time.Duration(r.HeartbeatSeconds) * time.Second
}

// Timeout returns the provider request timeout as a time.Duration.
func (l *LLMConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutMs) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("BANTEROP_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.path", "banterop.db")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "banterop")
	v.SetDefault("nats.maxReconnects", 10)

	// Agent defaults
	v.SetDefault("agent.turnDeadlineMs", 30000)
	v.SetDefault("agent.deadlineFloorMs", 5000)
	v.SetDefault("agent.recoveryMode", "restart")

	// Rooms defaults
	v.SetDefault("rooms.leaseTtlSeconds", 60)
	v.SetDefault("rooms.heartbeatSeconds", 20)

	// MCP defaults
	v.SetDefault("mcp.enabled", true)
	v.SetDefault("mcp.port", 9090)

	// LLM defaults
	v.SetDefault("llm.baseUrl", "https://api.openai.com/v1")
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeoutMs", 60000)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix BANTEROP_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/banterop/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("BANTEROP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("database.path", "BANTEROP_DATABASE_PATH")
	_ = v.BindEnv("agent.turnDeadlineMs", "BANTEROP_AGENT_TURN_DEADLINE_MS")
	_ = v.BindEnv("agent.recoveryMode", "BANTEROP_AGENT_RECOVERY_MODE")
	_ = v.BindEnv("rooms.leaseTtlSeconds", "BANTEROP_ROOMS_LEASE_TTL_SECONDS")
	_ = v.BindEnv("llm.baseUrl", "BANTEROP_LLM_BASE_URL")
	_ = v.BindEnv("llm.apiKey", "BANTEROP_LLM_API_KEY", "OPENAI_API_KEY")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/banterop/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if cfg.Agent.TurnDeadlineMs <= 0 {
		errs = append(errs, "agent.turnDeadlineMs must be positive")
	}
	if cfg.Agent.DeadlineFloorMs <= 0 {
		errs = append(errs, "agent.deadlineFloorMs must be positive")
	}
	if mode := strings.ToLower(cfg.Agent.RecoveryMode); mode != "restart" && mode != "resume" {
		errs = append(errs, "agent.recoveryMode must be one of: restart, resume")
	}

	if cfg.Rooms.LeaseTTLSeconds <= 0 {
		errs = append(errs, "rooms.leaseTtlSeconds must be positive")
	}
	if cfg.Rooms.HeartbeatSeconds <= 0 {
		errs = append(errs, "rooms.heartbeatSeconds must be positive")
	}

	if cfg.MCP.Enabled && (cfg.MCP.Port <= 0 || cfg.MCP.Port > 65535) {
		errs = append(errs, "mcp.port must be between 1 and 65535")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
