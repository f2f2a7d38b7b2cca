package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidwarshawsky/mcp-server-jupyter/internal/common/config"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/common/logger"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/db"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/db/dialect"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/events/bus"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/provenance"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/session"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

func newTestStore(t *testing.T) *provenance.Store {
	t.Helper()
	raw, err := db.OpenSQLite(filepath.Join(t.TempDir(), "provenance.db"))
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(raw, dialect.SQLite3)
	pool := db.NewPool(sqlxDB, sqlxDB)
	t.Cleanup(func() { _ = pool.Close() })

	store, err := provenance.NewStore(pool, newTestLogger(t))
	require.NoError(t, err)
	return store
}

func newTestServer(t *testing.T) (*Server, *provenance.Store, bus.EventBus) {
	t.Helper()
	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)
	store := newTestStore(t)
	sessions := session.NewManager(config.KernelConfig{}, nil, nil, nil, nil, log)

	srv := NewServer(Config{Host: "127.0.0.1"}, sessions, store, eventBus, log)
	return srv, store, eventBus
}

func performRequest(router http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) (code, message string) {
	t.Helper()
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Code, body.Message
}

func TestServer_Health(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := performRequest(srv.Router(), http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	_, err := time.Parse(time.RFC3339, resp.Timestamp)
	assert.NoError(t, err)
}

func TestServer_ListSessions_Empty(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := performRequest(srv.Router(), http.MethodGet, "/api/v1/sessions")
	require.Equal(t, http.StatusOK, w.Code)

	var resp SessionsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Count)
	assert.Empty(t, resp.Sessions)
}

func TestServer_GetExecution_Validation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := performRequest(srv.Router(), http.MethodGet, "/api/v1/executions")
	require.Equal(t, http.StatusBadRequest, w.Code)
	code, _ := decodeError(t, w)
	assert.Equal(t, "bad_request", code)

	q := url.Values{}
	q.Set("path", "/tmp/missing.ipynb")
	q.Set("exec_id", "nope")
	w = performRequest(srv.Router(), http.MethodGet, "/api/v1/executions?"+q.Encode())
	require.Equal(t, http.StatusNotFound, w.Code)
	code, message := decodeError(t, w)
	assert.Equal(t, "not_found", code)
	assert.Contains(t, message, "no active session")
}

func TestServer_ListProvenance(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, &provenance.Record{
		NotebookPath: "/tmp/a.ipynb", Tool: "execute_cell_async", Status: "running", CellIndex: 0,
	}))
	require.NoError(t, store.Insert(ctx, &provenance.Record{
		NotebookPath: "/tmp/a.ipynb", Tool: "execute_cell_async", Status: "running", CellIndex: 1,
	}))
	require.NoError(t, store.Insert(ctx, &provenance.Record{
		NotebookPath: "/tmp/b.ipynb", Tool: "create_notebook", Status: "ok", CellIndex: -1,
	}))

	w := performRequest(srv.Router(), http.MethodGet, "/api/v1/provenance")
	require.Equal(t, http.StatusOK, w.Code)
	var resp ProvenanceResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Count)

	q := url.Values{}
	q.Set("notebook", "/tmp/a.ipynb")
	w = performRequest(srv.Router(), http.MethodGet, "/api/v1/provenance?"+q.Encode())
	require.Equal(t, http.StatusOK, w.Code)
	resp = ProvenanceResponse{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	for _, rec := range resp.Records {
		assert.Equal(t, "/tmp/a.ipynb", rec.NotebookPath)
	}

	w = performRequest(srv.Router(), http.MethodGet, "/api/v1/provenance?limit=1")
	require.Equal(t, http.StatusOK, w.Code)
	resp = ProvenanceResponse{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)

	w = performRequest(srv.Router(), http.MethodGet, "/api/v1/provenance?limit=0")
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	code, _ := decodeError(t, w)
	assert.Equal(t, "validation_error", code)
}

func TestServer_ProvenanceStats(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()

	started := time.Now().UTC()
	require.NoError(t, store.Insert(ctx, &provenance.Record{
		NotebookPath: "/tmp/a.ipynb", ExecID: "e1", Tool: "execute_cell_async",
		Status: "running", CellIndex: 0, StartedAt: started,
	}))
	_, err := store.Finish(ctx, "e1", "ok", started.Add(150*time.Millisecond), 150, "")
	require.NoError(t, err)

	w := performRequest(srv.Router(), http.MethodGet, "/api/v1/provenance/stats")
	require.Equal(t, http.StatusOK, w.Code)

	var resp StatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Tools, 1)
	assert.Equal(t, "execute_cell_async", resp.Tools[0].Tool)
	assert.Equal(t, 1, resp.Tools[0].Runs)
	assert.Equal(t, 0, resp.Tools[0].Errors)
	require.NotEmpty(t, resp.Daily)
	totalRuns := 0
	for _, day := range resp.Daily {
		totalRuns += day.Runs
	}
	assert.Equal(t, 1, totalRuns)

	w = performRequest(srv.Router(), http.MethodGet, "/api/v1/provenance/stats?days=x")
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func dialEventStream(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// publishUntil republishes the event until the reader stops it. The
// subscription is established asynchronously after the dial returns, so
// a single publish could land before the handler subscribes.
func publishUntil(t *testing.T, eventBus bus.EventBus, subject string, data map[string]interface{}, done <-chan struct{}) {
	t.Helper()
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = eventBus.Publish(context.Background(), subject, bus.NewEvent(subject, "test", data))
			}
		}
	}()
}

func TestServer_EventStream(t *testing.T) {
	srv, _, eventBus := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	conn := dialEventStream(t, ts, "")

	done := make(chan struct{})
	publishUntil(t, eventBus, bus.SubjectExecutionStarted, map[string]interface{}{"exec_id": "e1"}, done)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	close(done)
	require.NoError(t, err)

	var event bus.Event
	require.NoError(t, json.Unmarshal(data, &event))
	assert.Equal(t, bus.SubjectExecutionStarted, event.Type)
	assert.Equal(t, "e1", event.Data["exec_id"])
	assert.NotEmpty(t, event.ID)
}

func TestServer_EventStream_SubjectFilter(t *testing.T) {
	srv, _, eventBus := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	conn := dialEventStream(t, ts, "?subject=kernel.*")

	done := make(chan struct{})
	publishUntil(t, eventBus, bus.SubjectKernelStarted, map[string]interface{}{"path": "/tmp/a.ipynb"}, done)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	close(done)
	require.NoError(t, err)

	var event bus.Event
	require.NoError(t, json.Unmarshal(data, &event))
	assert.Equal(t, bus.SubjectKernelStarted, event.Type)
}

func TestServer_StartAndStop(t *testing.T) {
	srv, _, _ := newTestServer(t)

	require.NoError(t, srv.Start(context.Background()))

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", srv.Port()))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	err = srv.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	require.NoError(t, srv.Stop(ctx))
}
