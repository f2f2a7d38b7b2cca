// Package mcpserver exposes the Jupyter session tools over MCP.
// It serves the SSE and streamable HTTP transports side by side so
// agent clients of either generation can connect to the same process.
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/davidwarshawsky/mcp-server-jupyter/internal/common/logger"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/hooks"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/notebook"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/session"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

// Config holds the MCP server configuration.
type Config struct {
	Host string // Interface to bind; empty binds all
	Port int    // Port to listen on; 0 picks a free one
}

// Deps are the collaborators the tool handlers drive. Hooks wraps every
// handler; Sessions and Notebooks back the kernel and file tools.
type Deps struct {
	Sessions  *session.Manager
	Notebooks *notebook.Store
	Hooks     *hooks.Chain
}

// Server wraps the SSE and streamable HTTP transports with lifecycle
// management. Both transports share one MCP server and one listener:
// - SSE transport (/sse + /message) for clients on the older protocol
// - Streamable HTTP transport (/mcp) for current clients
type Server struct {
	cfg                  Config
	deps                 Deps
	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	httpServer           *http.Server
	mu                   sync.Mutex
	running              bool
	logger               *logger.Logger
}

// New creates a new MCP server with the given configuration.
func New(cfg Config, deps Deps) *Server {
	return &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.Default().WithFields(),
	}
}

// Start starts the MCP server in a goroutine and returns once it is
// listening. It fails fast when the port is taken instead of surfacing
// the error later from the serve goroutine.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer(
		"mcp-jupyter",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	registerTools(mcpServer, s.deps, s.logger)

	s.sseServer = server.NewSSEServer(mcpServer)
	s.streamableHTTPServer = server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
	)

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", s.streamableHTTPServer)

	// Bind before declaring readiness; a Port of 0 is replaced with the
	// port the listener actually got.
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = tcpAddr.Port
	}

	s.httpServer = &http.Server{
		Handler: mux,
	}

	ready := make(chan struct{})

	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()

		close(ready)

		s.logger.Info("MCP server listening",
			zap.Int("port", s.cfg.Port),
			zap.String("sse_endpoint", "/sse"),
			zap.String("streamable_http_endpoint", "/mcp"))

		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("MCP server error", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully shuts down the server and both transports.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	if !running {
		return nil
	}

	// Shutting down the HTTP server stops accepting on both transports.
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	// The transports still hold per-client session state; close it out.
	if s.sseServer != nil {
		if err := s.sseServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown SSE server", zap.Error(err))
		}
	}
	if s.streamableHTTPServer != nil {
		if err := s.streamableHTTPServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown streamable HTTP server", zap.Error(err))
		}
	}

	return nil
}

// SSEEndpoint returns the full URL for clients on the SSE transport.
func (s *Server) SSEEndpoint() string {
	return fmt.Sprintf("http://%s:%d/sse", s.endpointHost(), s.cfg.Port)
}

// StreamableHTTPEndpoint returns the full URL for clients on the
// streamable HTTP transport.
func (s *Server) StreamableHTTPEndpoint() string {
	return fmt.Sprintf("http://%s:%d/mcp", s.endpointHost(), s.cfg.Port)
}

func (s *Server) endpointHost() string {
	if s.cfg.Host == "" || s.cfg.Host == "0.0.0.0" {
		return "localhost"
	}
	return s.cfg.Host
}
