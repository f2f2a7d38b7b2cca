// Package main is the entry point for the MCP Jupyter server binary.
// The server exposes Jupyter kernel sessions and notebook files to
// MCP-compatible clients over two transports:
//   - SSE (Server-Sent Events) at /sse
//   - Streamable HTTP at /mcp
//
// A gin HTTP API on a second port serves health, session and execution
// inspection, the provenance trail, and a WebSocket event stream.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/davidwarshawsky/mcp-server-jupyter/internal/common/config"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/common/logger"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/db"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/db/dialect"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/events"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/hooks"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/httpapi"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/kernel"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/mcpserver"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/notebook"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/provenance"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/session"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/state"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/tracing"
)

var configPathFlag = flag.String("config", "", "directory containing config.yaml (default: . and /etc/mcp-jupyter)")

func main() {
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.LoadWithPath(*configPathFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("starting mcp-jupyter server",
		zap.String("host", cfg.Server.Host),
		zap.Int("mcp_port", cfg.Server.MCPPort),
		zap.Int("http_port", cfg.Server.HTTPPort))

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory by default, NATS if configured)
	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	// 5. Provenance store and the bus recorder
	var provStore *provenance.Store
	var recorder *provenance.Recorder
	if cfg.Provenance.Enabled {
		pool, err := openProvenancePool(cfg, log)
		if err != nil {
			log.Fatal("failed to open provenance database", zap.Error(err))
		}
		defer func() { _ = pool.Close() }()

		provStore, err = provenance.NewStore(pool, log)
		if err != nil {
			log.Fatal("failed to initialize provenance store", zap.Error(err))
		}

		if purged, err := provStore.Purge(ctx, cfg.Provenance.RetentionDays); err != nil {
			log.Warn("provenance purge failed", zap.Error(err))
		} else if purged > 0 {
			log.Info("purged expired provenance rows", zap.Int64("rows", purged))
		}

		recorder = provenance.NewRecorder(provStore, eventBus, log)
		if err := recorder.Start(); err != nil {
			log.Fatal("failed to start provenance recorder", zap.Error(err))
		}
	} else {
		log.Info("provenance disabled")
	}

	// 6. Persisted session state
	stateStore, err := state.NewStore(cfg.State.Dir, log)
	if err != nil {
		log.Fatal("failed to initialize state store", zap.Error(err))
	}

	// 7. Kernel manager (docker optional; degrades to host kernels)
	kernelMgr, err := kernel.NewManager(cfg.Kernel, cfg.Docker, log)
	if err != nil {
		log.Fatal("failed to initialize kernel manager", zap.Error(err))
	}

	// 8. Zombie reaper over the persisted records
	reaper := state.NewReaper(stateStore, kernelMgr, eventBus, cfg.State.ReapIntervalDuration(), log)
	if err := reaper.Start(ctx); err != nil {
		log.Fatal("failed to start reaper", zap.Error(err))
	}

	// 9. Notebook store and session manager
	notebooks := notebook.NewStore(log)
	sessionMgr := session.NewManager(cfg.Kernel, kernelMgr, stateStore, eventBus, notebooks, log)
	if err := sessionMgr.Start(ctx); err != nil {
		log.Fatal("failed to start session manager", zap.Error(err))
	}

	// 10. Interceptor chain around every tool call
	chain := hooks.NewChain(
		hooks.Tracing("mcp-jupyter"),
		hooks.Logging(log),
		hooks.Audit(provStore, log),
	)

	// 11. MCP server (SSE + streamable HTTP)
	mcpSrv, mcpCleanup, err := mcpserver.Provide(ctx, mcpserver.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.MCPPort,
	}, mcpserver.Deps{
		Sessions:  sessionMgr,
		Notebooks: notebooks,
		Hooks:     chain,
	}, log)
	if err != nil {
		log.Fatal("failed to start MCP server", zap.Error(err))
	}

	log.Info("MCP server started",
		zap.String("sse_endpoint", mcpSrv.SSEEndpoint()),
		zap.String("streamable_http_endpoint", mcpSrv.StreamableHTTPEndpoint()))

	// 12. HTTP API (health, sessions, executions, provenance, /ws)
	apiSrv := httpapi.NewServer(httpapi.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.HTTPPort,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}, sessionMgr, provStore, eventBus, log)
	if err := apiSrv.Start(ctx); err != nil {
		log.Fatal("failed to start HTTP API server", zap.Error(err))
	}

	fmt.Printf("MCP Jupyter server running\n")
	fmt.Printf("SSE endpoint: %s\n", mcpSrv.SSEEndpoint())
	fmt.Printf("Streamable HTTP endpoint: %s\n", mcpSrv.StreamableHTTPEndpoint())
	fmt.Printf("HTTP API: http://%s:%d (health, sessions, executions, provenance, /ws)\n",
		cfg.Server.Host, apiSrv.Port())

	// 13. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mcp-jupyter server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiSrv.Stop(shutdownCtx); err != nil {
		log.Error("HTTP API shutdown error", zap.Error(err))
	}
	if err := mcpCleanup(); err != nil {
		log.Error("MCP server shutdown error", zap.Error(err))
	}
	if err := sessionMgr.ShutdownAll(shutdownCtx); err != nil {
		log.Error("session shutdown error", zap.Error(err))
	}
	if err := sessionMgr.Stop(); err != nil {
		log.Error("session manager stop error", zap.Error(err))
	}
	if err := reaper.Stop(); err != nil {
		log.Error("reaper stop error", zap.Error(err))
	}
	if recorder != nil {
		if err := recorder.Stop(); err != nil {
			log.Error("recorder stop error", zap.Error(err))
		}
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("tracing shutdown error", zap.Error(err))
	}

	log.Info("mcp-jupyter server stopped")
}

// openProvenancePool opens the reader/writer pool for the configured
// provenance driver.
func openProvenancePool(cfg *config.Config, log *logger.Logger) (*db.Pool, error) {
	if cfg.Provenance.Driver == "postgres" {
		log.Info("opening postgres provenance database",
			zap.String("host", cfg.Database.Host),
			zap.String("dbname", cfg.Database.DBName))
		raw, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, err
		}
		sqlxDB := sqlx.NewDb(raw, dialect.PGX)
		return db.NewPool(sqlxDB, sqlxDB), nil
	}

	log.Info("opening sqlite provenance database", zap.String("path", cfg.Provenance.Path))
	writer, err := db.OpenSQLite(cfg.Provenance.Path)
	if err != nil {
		return nil, err
	}
	reader, err := db.OpenSQLiteReader(cfg.Provenance.Path)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return db.NewPool(sqlx.NewDb(writer, dialect.SQLite3), sqlx.NewDb(reader, dialect.SQLite3)), nil
}
