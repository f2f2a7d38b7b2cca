// Package httpapi serves the read-side HTTP surface next to the MCP
// transports: health, session and execution inspection, the provenance
// trail, and a WebSocket stream of bus events.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/davidwarshawsky/mcp-server-jupyter/internal/common/errors"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/common/httpmw"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/common/logger"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/events/bus"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/provenance"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/session"
)

// Config holds the HTTP API server configuration.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the HTTP API server. It reads from the session manager and
// the provenance store and never mutates either; all mutations go
// through the MCP tools. A nil provenance store disables the
// provenance endpoints.
type Server struct {
	cfg        Config
	sessions   *session.Manager
	provenance *provenance.Store
	events     bus.EventBus
	logger     *logger.Logger
	router     *gin.Engine
	httpServer *http.Server

	mu      sync.Mutex
	running bool
}

// NewServer creates the HTTP API server and registers its routes.
func NewServer(cfg Config, sessions *session.Manager, prov *provenance.Store, events bus.EventBus, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:        cfg,
		sessions:   sessions,
		provenance: prov,
		events:     events,
		logger:     log.WithFields(zap.String("component", "http-api")),
		router:     gin.New(),
	}

	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.RequestLogger(s.logger, "http-api"))
	s.router.Use(httpmw.OtelTracing("http-api"))

	s.setupRoutes()
	return s
}

// Router returns the HTTP router.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	// Event stream
	s.router.GET("/ws", s.handleEventStream)

	api := s.router.Group("/api/v1")
	{
		api.GET("/sessions", s.handleListSessions)
		api.GET("/executions", s.handleGetExecution)
		api.GET("/provenance", s.handleListProvenance)
		api.GET("/provenance/stats", s.handleProvenanceStats)
	}
}

// Start binds the listener and serves in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("HTTP API server is already running")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = tcpAddr.Port
	}

	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.running = true

	go func() {
		s.logger.Info("HTTP API listening", zap.String("addr", listener.Addr().String()))
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP API server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts the server down. Upgraded WebSocket connections
// are hijacked from the HTTP server and close when their pumps exit.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP API server: %w", err)
	}
	s.logger.Info("HTTP API server stopped")
	return nil
}

// Port returns the bound port. Useful when Config.Port was 0.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Port
}

// Health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Sessions response
type SessionsResponse struct {
	Sessions []session.SessionInfo `json:"sessions"`
	Count    int                   `json:"count"`
}

func (s *Server) handleListSessions(c *gin.Context) {
	sessions := s.sessions.ListSessions()
	c.JSON(http.StatusOK, SessionsResponse{
		Sessions: sessions,
		Count:    len(sessions),
	})
}

func (s *Server) handleGetExecution(c *gin.Context) {
	path := c.Query("path")
	execID := c.Query("exec_id")
	if path == "" || execID == "" {
		appErr := apperrors.BadRequest("path and exec_id query parameters are required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	status, err := s.sessions.GetExecutionStatus(path, execID)
	if err != nil {
		var appErr *apperrors.AppError
		if errors.Is(err, session.ErrNoSession) || errors.Is(err, session.ErrExecutionNotFound) {
			appErr = apperrors.NotFound(err.Error())
		} else {
			appErr = apperrors.Wrap(err, "failed to get execution status")
		}
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, status)
}

// Provenance list response
type ProvenanceResponse struct {
	Records []*provenance.Record `json:"records"`
	Count   int                  `json:"count"`
}

func (s *Server) handleListProvenance(c *gin.Context) {
	if s.provenance == nil {
		appErr := apperrors.NotFound("provenance is disabled")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	filter := provenance.ListFilter{
		Notebook: c.Query("notebook"),
		ExecID:   c.Query("exec_id"),
		Tool:     c.Query("tool"),
		Status:   c.Query("status"),
		AgentID:  c.Query("agent_id"),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			appErr := apperrors.ValidationError("limit", "must be a positive integer")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		filter.Limit = limit
	}

	records, err := s.provenance.List(c.Request.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list provenance records", zap.Error(err))
		appErr := apperrors.Wrap(err, "failed to list provenance records")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, ProvenanceResponse{
		Records: records,
		Count:   len(records),
	})
}

// Provenance stats response
type StatsResponse struct {
	Tools []provenance.ToolStat `json:"tools"`
	Daily []provenance.DayCount `json:"daily"`
}

func (s *Server) handleProvenanceStats(c *gin.Context) {
	if s.provenance == nil {
		appErr := apperrors.NotFound("provenance is disabled")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	days := 14
	if raw := c.Query("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			appErr := apperrors.ValidationError("days", "must be a positive integer")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		days = parsed
	}

	tools, err := s.provenance.ToolStats(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to aggregate tool stats", zap.Error(err))
		appErr := apperrors.Wrap(err, "failed to aggregate tool stats")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	daily, err := s.provenance.DailyCounts(c.Request.Context(), days)
	if err != nil {
		s.logger.Error("failed to aggregate daily counts", zap.Error(err))
		appErr := apperrors.Wrap(err, "failed to aggregate daily counts")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, StatsResponse{
		Tools: tools,
		Daily: daily,
	})
}
