package mcpserver

import (
	"context"
	"sync"
	"time"

	"github.com/davidwarshawsky/mcp-server-jupyter/internal/common/logger"
	"go.uber.org/zap"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Host: "127.0.0.1",
		Port: 8765,
	}
}

// NewWithLogger creates a new MCP server with the given configuration
// and logger.
func NewWithLogger(cfg Config, deps Deps, log *logger.Logger) *Server {
	srv := New(cfg, deps)
	srv.logger = log.WithFields(zap.String("component", "mcp-server"))
	return srv
}

// Provide starts the MCP server and returns a cleanup function to stop
// it. Useful for wiring where startup and shutdown are registered as a
// pair.
func Provide(ctx context.Context, cfg Config, deps Deps, log *logger.Logger) (*Server, func() error, error) {
	srv := NewWithLogger(cfg, deps, log)
	if err := srv.Start(ctx); err != nil {
		return nil, nil, err
	}

	var stopOnce sync.Once
	cleanup := func() error {
		var stopErr error
		stopOnce.Do(func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			stopErr = srv.Stop(stopCtx)
		})
		return stopErr
	}

	return srv, cleanup, nil
}
