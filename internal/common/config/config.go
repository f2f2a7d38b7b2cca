// Package config provides configuration management for the MCP Jupyter server.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the server.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Kernel     KernelConfig     `mapstructure:"kernel"`
	Docker     DockerConfig     `mapstructure:"docker"`
	State      StateConfig      `mapstructure:"state"`
	Provenance ProvenanceConfig `mapstructure:"provenance"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds MCP and HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	MCPPort      int    `mapstructure:"mcpPort"`
	HTTPPort     int    `mapstructure:"httpPort"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// KernelConfig holds kernel lifecycle and scheduling configuration.
type KernelConfig struct {
	// MaxConcurrent caps the number of live kernels system-wide. Exceeding it
	// fails with a capacity error; callers retry rather than queue.
	MaxConcurrent int `mapstructure:"maxConcurrent"`

	// DefaultTimeout is the per-execution wait in seconds when a session has
	// no override.
	DefaultTimeout int `mapstructure:"defaultTimeout"`

	// LaunchTimeout bounds kernel startup (process spawn + first heartbeat).
	LaunchTimeout int `mapstructure:"launchTimeout"`

	// InterruptGrace is how long a cancel waits for the kernel to acknowledge
	// an interrupt before marking the execution cancelled anyway.
	InterruptGrace int `mapstructure:"interruptGrace"`

	// InputRequestTimeout is how long a session may sit blocked on input()
	// before the watchdog synthesizes an empty reply and interrupts.
	InputRequestTimeout int `mapstructure:"inputRequestTimeout"`

	// QueueMaxDepth bounds each session's pending execution queue.
	QueueMaxDepth int `mapstructure:"queueMaxDepth"`

	// MaxOutputs bounds captured output messages per execution.
	MaxOutputs int `mapstructure:"maxOutputs"`

	// Python is the interpreter used when no venv or docker image is given.
	Python string `mapstructure:"python"`

	// ConnectionDir is where kernel connection files are written.
	// Empty means the system temp directory.
	ConnectionDir string `mapstructure:"connectionDir"`

	// EnvironmentsFile is an optional kernels.yaml registry of named
	// environments (venv path, docker image, interpreter).
	EnvironmentsFile string `mapstructure:"environmentsFile"`

	// AllowedMountRoot is an extra directory tree (besides the caller's home)
	// that containerized kernels may mount.
	AllowedMountRoot string `mapstructure:"allowedMountRoot"`
}

// DockerConfig holds Docker client configuration for containerized kernels.
type DockerConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	DefaultImage   string `mapstructure:"defaultImage"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
}

// StateConfig holds persisted session state and reaper configuration.
type StateConfig struct {
	// Dir is where PersistedSessionRecords and their lock files live.
	Dir string `mapstructure:"dir"`

	// ReapInterval is the zombie reconciliation period in seconds.
	ReapInterval int `mapstructure:"reapInterval"`
}

// ProvenanceConfig holds execution audit configuration.
type ProvenanceConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Driver  string `mapstructure:"driver"` // sqlite or postgres
	Path    string `mapstructure:"path"`   // sqlite database file

	// RetentionDays bounds how long audit rows are kept. Zero disables
	// purging.
	RetentionDays int `mapstructure:"retentionDays"`
}

// DatabaseConfig holds PostgreSQL connection configuration, used when
// provenance.driver is "postgres".
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
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

// DefaultTimeoutDuration returns the default execution timeout as a time.Duration.
func (k *KernelConfig) DefaultTimeoutDuration() time.Duration {
	return time.Duration(k.DefaultTimeout) * time.Second
}

// LaunchTimeoutDuration returns the kernel launch timeout as a time.Duration.
func (k *KernelConfig) LaunchTimeoutDuration() time.Duration {
	return time.Duration(k.LaunchTimeout) * time.Second
}

// InterruptGraceDuration returns the interrupt grace period as a time.Duration.
func (k *KernelConfig) InterruptGraceDuration() time.Duration {
	return time.Duration(k.InterruptGrace) * time.Second
}

// InputRequestTimeoutDuration returns the input watchdog threshold as a time.Duration.
func (k *KernelConfig) InputRequestTimeoutDuration() time.Duration {
	return time.Duration(k.InputRequestTimeout) * time.Second
}

// ReapIntervalDuration returns the reaper period as a time.Duration.
func (s *StateConfig) ReapIntervalDuration() time.Duration {
	return time.Duration(s.ReapInterval) * time.Second
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
	if env := os.Getenv("MCP_JUPYTER_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.mcpPort", 8765)
	v.SetDefault("server.httpPort", 8766)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Kernel defaults
	v.SetDefault("kernel.maxConcurrent", 5)
	v.SetDefault("kernel.defaultTimeout", 300)
	v.SetDefault("kernel.launchTimeout", 30)
	v.SetDefault("kernel.interruptGrace", 5)
	v.SetDefault("kernel.inputRequestTimeout", 120)
	v.SetDefault("kernel.queueMaxDepth", 100)
	v.SetDefault("kernel.maxOutputs", 1000)
	v.SetDefault("kernel.python", "python3")
	v.SetDefault("kernel.connectionDir", "")
	v.SetDefault("kernel.environmentsFile", "")
	v.SetDefault("kernel.allowedMountRoot", "")

	// Docker defaults
	v.SetDefault("docker.enabled", true)
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.defaultImage", "jupyter/base-notebook:latest")
	v.SetDefault("docker.defaultNetwork", "bridge")

	// State defaults
	v.SetDefault("state.dir", "~/.mcp-jupyter")
	v.SetDefault("state.reapInterval", 60)

	// Provenance defaults
	v.SetDefault("provenance.enabled", true)
	v.SetDefault("provenance.driver", "sqlite")
	v.SetDefault("provenance.path", "~/.mcp-jupyter/provenance.db")
	v.SetDefault("provenance.retentionDays", 30)

	// Database defaults (postgres provenance)
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "mcp_jupyter")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "mcp_jupyter")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "mcp-jupyter")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix MCP_JUPYTER_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/mcp-jupyter/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("MCP_JUPYTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("server.mcpPort", "MCP_JUPYTER_SERVER_MCP_PORT")
	_ = v.BindEnv("server.httpPort", "MCP_JUPYTER_SERVER_HTTP_PORT")
	_ = v.BindEnv("kernel.maxConcurrent", "MCP_JUPYTER_KERNEL_MAX_CONCURRENT")
	_ = v.BindEnv("kernel.defaultTimeout", "MCP_JUPYTER_KERNEL_DEFAULT_TIMEOUT")
	_ = v.BindEnv("kernel.inputRequestTimeout", "MCP_JUPYTER_KERNEL_INPUT_REQUEST_TIMEOUT")
	_ = v.BindEnv("kernel.allowedMountRoot", "MCP_JUPYTER_KERNEL_ALLOWED_MOUNT_ROOT")
	_ = v.BindEnv("state.reapInterval", "MCP_JUPYTER_STATE_REAP_INTERVAL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/mcp-jupyter/")

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

	if cfg.Server.MCPPort <= 0 || cfg.Server.MCPPort > 65535 {
		errs = append(errs, "server.mcpPort must be between 1 and 65535")
	}
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		errs = append(errs, "server.httpPort must be between 1 and 65535")
	}

	if cfg.Kernel.MaxConcurrent <= 0 {
		errs = append(errs, "kernel.maxConcurrent must be positive")
	}
	if cfg.Kernel.DefaultTimeout <= 0 {
		errs = append(errs, "kernel.defaultTimeout must be positive")
	}
	if cfg.Kernel.QueueMaxDepth <= 0 {
		errs = append(errs, "kernel.queueMaxDepth must be positive")
	}
	if cfg.Kernel.InterruptGrace <= 0 {
		errs = append(errs, "kernel.interruptGrace must be positive")
	}

	if cfg.State.Dir == "" {
		errs = append(errs, "state.dir is required")
	}
	if cfg.State.ReapInterval <= 0 {
		errs = append(errs, "state.reapInterval must be positive")
	}

	switch cfg.Provenance.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, "provenance.driver must be one of: sqlite, postgres")
	}
	if cfg.Provenance.RetentionDays < 0 {
		errs = append(errs, "provenance.retentionDays must not be negative")
	}
	if cfg.Provenance.Driver == "postgres" {
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required when provenance.driver is postgres")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when provenance.driver is postgres")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when provenance.driver is postgres")
		}
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

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
