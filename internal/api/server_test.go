package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/backlinehq/syncd/internal/cache"
	"github.com/backlinehq/syncd/internal/drive"
	"github.com/backlinehq/syncd/internal/event"
	"github.com/backlinehq/syncd/internal/health"
	"github.com/backlinehq/syncd/internal/ratelimit"
	"github.com/backlinehq/syncd/internal/retry"
	"github.com/backlinehq/syncd/internal/store"
	syncengine "github.com/backlinehq/syncd/internal/sync"
)

// fakeDriveHandler serves an empty remote tree, enough for operations to
// run. A non-zero delay slows listings down to keep operations in flight.
func fakeDriveHandler(delay time.Duration) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/changes/startPageToken", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"startPageToken":"tok_1"}`))
	})
	mux.HandleFunc("/changes", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"changes":[],"newStartPageToken":"tok_1"}`))
	})
	mux.HandleFunc("/files", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(delay)
		w.Write([]byte(`{"files":[]}`))
	})
	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/watch") {
			w.Write([]byte(`{"id":"ch_1","resourceId":"ws1","expiration":"4102444800000"}`))
			return
		}
		http.NotFound(w, r)
	})
	mux.HandleFunc("/channels/stop", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

type testDeps struct {
	app     *fiber.App
	store   *store.Store
	engine  *syncengine.Engine
	checker *health.Checker
}

func testServer(t *testing.T, authMode, apiKey string) *testDeps {
	return testServerDelay(t, authMode, apiKey, 0)
}

func testServerDelay(t *testing.T, authMode, apiKey string, delay time.Duration) *testDeps {
	t.Helper()
	logger := zerolog.Nop()

	remote := httptest.NewServer(fakeDriveHandler(delay))
	t.Cleanup(remote.Close)

	st, err := store.New(filepath.Join(t.TempDir(), "syncd.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	limiter := ratelimit.New(ratelimit.Config{
		Capacity: 100, RefillRate: 1000, Floor: 1,
		BackoffBase: time.Millisecond, BackoffMax: 5 * time.Millisecond,
	}, nil, logger)

	client := drive.NewClient(drive.Config{
		BaseURL: remote.URL, Timeout: 5 * time.Second, PageSize: 10, CacheTTL: time.Minute,
		Retry: retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "t"}), limiter, cache.New(64, nil, logger), nil, logger)

	bus := event.NewBus(32, logger)
	t.Cleanup(bus.Close)

	engine := syncengine.New(syncengine.Config{
		MaxConcurrent: 2,
		OpTimeout:     5 * time.Second,
		ItemRetry:     retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}, client, st, cache.New(64, nil, logger), bus, nil, logger)
	engine.Start(context.Background())
	t.Cleanup(engine.Stop)

	checker := health.NewChecker(logger)
	handlers := NewHandlers(engine, st, bus, checker, logger)
	srv := NewServer(ServerConfig{
		ListenAddr: ":0",
		Auth:       AuthConfig{Mode: authMode, APIKey: apiKey},
		RateLimit:  RateLimitConfig{RPS: 100, Burst: 200},
	}, handlers, logger)

	return &testDeps{app: srv.App(), store: st, engine: engine, checker: checker}
}

func doJSON(t *testing.T, app *fiber.App, method, path string, out any) int {
	t.Helper()
	req, _ := http.NewRequest(method, path, nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestServer_Healthz(t *testing.T) {
	d := testServer(t, "none", "")

	var body map[string]any
	code := doJSON(t, d.app, "GET", "/healthz", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestServer_HealthzReportsCachedChecks(t *testing.T) {
	d := testServer(t, "none", "")
	d.checker.Register("store", func(ctx context.Context) health.Status {
		return health.StatusOK
	})

	// Readiness runs the checks and caches the results; liveness reports
	// them without re-running anything.
	code := doJSON(t, d.app, "GET", "/readyz", nil)
	require.Equal(t, http.StatusOK, code)

	var body struct {
		Status string                   `json:"status"`
		Checks map[string]health.Status `json:"checks"`
	}
	code = doJSON(t, d.app, "GET", "/healthz", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, health.StatusOK, body.Checks["store"])
}

func TestServer_AuthRequired(t *testing.T) {
	d := testServer(t, "api-key", "k3y")

	code := doJSON(t, d.app, "GET", "/api/v1/workspaces/ws1/operations", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	req, _ := http.NewRequest("GET", "/api/v1/workspaces/ws1/operations", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err := d.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ = http.NewRequest("GET", "/api/v1/workspaces/ws1/operations", nil)
	req.Header.Set("Authorization", "Bearer k3y")
	resp, err = d.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_TriggerSyncFlow(t *testing.T) {
	d := testServer(t, "none", "")

	req, _ := http.NewRequest("POST", "/api/v1/workspaces/ws1/sync", strings.NewReader(`{"kind":"full"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var accepted SyncAccepted
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	require.NotNil(t, accepted.Operation)
	assert.Equal(t, store.KindFull, accepted.Operation.Kind)

	// The operation is queryable immediately and finishes shortly after.
	var detail OperationDetail
	require.Eventually(t, func() bool {
		code := doJSON(t, d.app, "GET", "/api/v1/operations/"+accepted.Operation.ID, &detail)
		return code == http.StatusOK && detail.Operation.Status == store.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	var list OperationList
	code := doJSON(t, d.app, "GET", "/api/v1/workspaces/ws1/operations", &list)
	assert.Equal(t, http.StatusOK, code)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, accepted.Operation.ID, list.Operations[0].ID)
}

func TestServer_TriggerSync_Conflict(t *testing.T) {
	d := testServerDelay(t, "none", "", 500*time.Millisecond)

	// Hold the workspace slot with a slow operation, then hit the endpoint.
	_, err := d.engine.TriggerSync("ws1", store.KindFull)
	require.NoError(t, err)
	require.True(t, d.engine.IsRunning("ws1"))

	var problem ProblemDetail
	code := doJSON(t, d.app, "POST", "/api/v1/workspaces/ws1/sync", &problem)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "sync_in_flight", problem.Type)
}

func TestServer_InvalidKind(t *testing.T) {
	d := testServer(t, "none", "")

	req, _ := http.NewRequest("POST", "/api/v1/workspaces/ws1/sync", strings.NewReader(`{"kind":"partial"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var problem ProblemDetail
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&problem))
	assert.Equal(t, "invalid_kind", problem.Type)
}

func TestServer_OperationNotFound(t *testing.T) {
	d := testServer(t, "none", "")

	var problem ProblemDetail
	code := doJSON(t, d.app, "GET", "/api/v1/operations/op_missing", &problem)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", problem.Type)
}

func TestServer_WatchLifecycle(t *testing.T) {
	d := testServer(t, "none", "")

	var problem ProblemDetail
	code := doJSON(t, d.app, "GET", "/api/v1/workspaces/ws1/watch", &problem)
	assert.Equal(t, http.StatusNotFound, code)

	require.NoError(t, d.store.SaveWatch(&store.Watch{
		RemoteID:    "ws1",
		WorkspaceID: "ws1",
		ChannelID:   "ch_1",
		Expiry:      time.Now().Add(24 * time.Hour).UnixMilli(),
		ChangeToken: "tok_1",
	}))

	var detail WatchDetail
	code = doJSON(t, d.app, "GET", "/api/v1/workspaces/ws1/watch", &detail)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ch_1", detail.Watch.ChannelID)

	code = doJSON(t, d.app, "DELETE", "/api/v1/workspaces/ws1/watch", nil)
	assert.Equal(t, http.StatusNoContent, code)

	code = doJSON(t, d.app, "GET", "/api/v1/workspaces/ws1/watch", &problem)
	assert.Equal(t, http.StatusNotFound, code)
}
