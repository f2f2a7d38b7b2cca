package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loadFromDir writes content as config.yaml under a fresh directory and
// loads from there. Empty content means no file: pure defaults plus env.
func loadFromDir(t *testing.T, content string) (*Config, error) {
	t.Helper()
	dir := t.TempDir()
	if content != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o600))
	}
	return LoadWithPath(dir)
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("KUBERNETES_SERVICE_HOST", "")
	t.Setenv("MCP_JUPYTER_ENV", "")

	cfg, err := loadFromDir(t, "")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8765, cfg.Server.MCPPort)
	assert.Equal(t, 8766, cfg.Server.HTTPPort)
	assert.Equal(t, 5, cfg.Kernel.MaxConcurrent)
	assert.Equal(t, 300, cfg.Kernel.DefaultTimeout)
	assert.Equal(t, 100, cfg.Kernel.QueueMaxDepth)
	assert.Equal(t, "python3", cfg.Kernel.Python)
	assert.Equal(t, "~/.mcp-jupyter", cfg.State.Dir)
	assert.Equal(t, 60, cfg.State.ReapInterval)
	assert.True(t, cfg.Provenance.Enabled)
	assert.Equal(t, "sqlite", cfg.Provenance.Driver)
	assert.Empty(t, cfg.NATS.URL)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoad_ConfigFile(t *testing.T) {
	cfg, err := loadFromDir(t, `
server:
  mcpPort: 9100
  httpPort: 9101
kernel:
  maxConcurrent: 2
  python: /opt/venv/bin/python
state:
  dir: /var/lib/mcp-jupyter
logging:
  level: debug
  format: json
`)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.MCPPort)
	assert.Equal(t, 9101, cfg.Server.HTTPPort)
	assert.Equal(t, 2, cfg.Kernel.MaxConcurrent)
	assert.Equal(t, "/opt/venv/bin/python", cfg.Kernel.Python)
	assert.Equal(t, "/var/lib/mcp-jupyter", cfg.State.Dir)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	// Keys the file leaves out keep their defaults.
	assert.Equal(t, 300, cfg.Kernel.DefaultTimeout)
	assert.Equal(t, "jupyter/base-notebook:latest", cfg.Docker.DefaultImage)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MCP_JUPYTER_SERVER_HOST", "0.0.0.0")
	t.Setenv("MCP_JUPYTER_SERVER_MCP_PORT", "9200")
	t.Setenv("MCP_JUPYTER_KERNEL_MAX_CONCURRENT", "9")
	t.Setenv("MCP_JUPYTER_STATE_REAP_INTERVAL", "15")

	cfg, err := loadFromDir(t, "")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9200, cfg.Server.MCPPort)
	assert.Equal(t, 9, cfg.Kernel.MaxConcurrent)
	assert.Equal(t, 15, cfg.State.ReapInterval)
}

func TestLoad_EnvBeatsFile(t *testing.T) {
	t.Setenv("MCP_JUPYTER_SERVER_MCP_PORT", "9300")

	cfg, err := loadFromDir(t, "server:\n  mcpPort: 9100\n")
	require.NoError(t, err)
	assert.Equal(t, 9300, cfg.Server.MCPPort)
}

func TestLoad_InvalidConfigRejected(t *testing.T) {
	_, err := loadFromDir(t, "server:\n  mcpPort: -1\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config validation failed")
}

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Host: "127.0.0.1", MCPPort: 8765, HTTPPort: 8766},
		Kernel: KernelConfig{
			MaxConcurrent:  5,
			DefaultTimeout: 300,
			QueueMaxDepth:  100,
			InterruptGrace: 5,
		},
		State:      StateConfig{Dir: "~/.mcp-jupyter", ReapInterval: 60},
		Provenance: ProvenanceConfig{Enabled: true, Driver: "sqlite", Path: "~/p.db", RetentionDays: 30},
		Logging:    LoggingConfig{Level: "info", Format: "json"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "mcp port out of range", mutate: func(c *Config) { c.Server.MCPPort = 0 }, wantErr: "server.mcpPort"},
		{name: "http port out of range", mutate: func(c *Config) { c.Server.HTTPPort = 70000 }, wantErr: "server.httpPort"},
		{name: "zero concurrency", mutate: func(c *Config) { c.Kernel.MaxConcurrent = 0 }, wantErr: "kernel.maxConcurrent"},
		{name: "zero queue depth", mutate: func(c *Config) { c.Kernel.QueueMaxDepth = 0 }, wantErr: "kernel.queueMaxDepth"},
		{name: "missing state dir", mutate: func(c *Config) { c.State.Dir = "" }, wantErr: "state.dir"},
		{name: "unknown provenance driver", mutate: func(c *Config) { c.Provenance.Driver = "oracle" }, wantErr: "provenance.driver"},
		{name: "negative retention", mutate: func(c *Config) { c.Provenance.RetentionDays = -1 }, wantErr: "retentionDays"},
		{
			name: "postgres needs connection details",
			mutate: func(c *Config) {
				c.Provenance.Driver = "postgres"
				c.Database.User = "mcp_jupyter"
				c.Database.DBName = "mcp_jupyter"
			},
			wantErr: "database.host",
		},
		{name: "bad log level", mutate: func(c *Config) { c.Logging.Level = "verbose" }, wantErr: "logging.level"},
		{name: "bad log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	server := &ServerConfig{ReadTimeout: 30, WriteTimeout: 45}
	assert.Equal(t, 30*time.Second, server.ReadTimeoutDuration())
	assert.Equal(t, 45*time.Second, server.WriteTimeoutDuration())

	kernel := &KernelConfig{DefaultTimeout: 300, LaunchTimeout: 30, InterruptGrace: 5, InputRequestTimeout: 120}
	assert.Equal(t, 5*time.Minute, kernel.DefaultTimeoutDuration())
	assert.Equal(t, 30*time.Second, kernel.LaunchTimeoutDuration())
	assert.Equal(t, 5*time.Second, kernel.InterruptGraceDuration())
	assert.Equal(t, 2*time.Minute, kernel.InputRequestTimeoutDuration())

	state := &StateConfig{ReapInterval: 60}
	assert.Equal(t, time.Minute, state.ReapIntervalDuration())
}

func TestDatabaseConfigDSN(t *testing.T) {
	d := &DatabaseConfig{
		Host:     "db.internal",
		Port:     5432,
		User:     "mcp",
		Password: "s3cret",
		DBName:   "audit",
		SSLMode:  "require",
	}
	assert.Equal(t,
		"host=db.internal port=5432 user=mcp password=s3cret dbname=audit sslmode=require",
		d.DSN())
}
