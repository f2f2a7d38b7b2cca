package mcpserver

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidwarshawsky/mcp-server-jupyter/internal/hooks"
)

func TestServer_StartAndStop(t *testing.T) {
	cfg := Config{Host: "127.0.0.1", Port: 0}
	srv := NewWithLogger(cfg, Deps{Hooks: hooks.NewChain()}, newTestLogger(t))

	ctx := context.Background()
	require.NoError(t, srv.Start(ctx))
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })

	// Port 0 must have been replaced with the bound port.
	assert.NotContains(t, srv.StreamableHTTPEndpoint(), ":0/")

	resp, err := http.Get(srv.StreamableHTTPEndpoint())
	require.NoError(t, err, "listener should answer once Start returns")
	_ = resp.Body.Close()

	err = srv.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(stopCtx))
}

func TestServer_StopWithoutStart(t *testing.T) {
	srv := New(Config{Host: "127.0.0.1", Port: 0}, Deps{Hooks: hooks.NewChain()})
	assert.NoError(t, srv.Stop(context.Background()))
}

func TestServer_EndpointHost(t *testing.T) {
	srv := New(Config{Host: "0.0.0.0", Port: 8765}, Deps{})
	assert.Equal(t, "http://localhost:8765/sse", srv.SSEEndpoint())

	srv = New(Config{Host: "10.1.2.3", Port: 8765}, Deps{})
	assert.Equal(t, "http://10.1.2.3:8765/mcp", srv.StreamableHTTPEndpoint())
}
