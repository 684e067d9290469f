package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enclavekit/enclave/internal/infrastructure/config"
	"github.com/enclavekit/enclave/internal/infrastructure/logging"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	root := t.TempDir()
	err := os.WriteFile(filepath.Join(root, "demo.js"), []byte("module.exports = { value: 41 };"), 0o644)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Loader.Root = root
	cfg.RateLimit.Enabled = false

	srv, err := New(cfg, logging.NewNop())
	require.NoError(t, err)
	return srv
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	out := make(map[string]any)
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	w, body := doJSON(t, srv.Router(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestSandboxLifecycle(t *testing.T) {
	srv := newTestServer(t)
	r := srv.Router()

	w, body := doJSON(t, r, http.MethodPost, "/sandboxes", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	sid, _ := body["id"].(string)
	require.NotEmpty(t, sid)

	w, body = doJSON(t, r, http.MethodPost, "/sandboxes/"+sid+"/execute", map[string]string{"script": "1 + 2"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(3), body["value"])

	w, list := doJSON(t, r, http.MethodGet, "/sandboxes", nil)
	require.Equal(t, http.StatusOK, w.Code)
	boxes, _ := list["sandboxes"].([]any)
	require.Len(t, boxes, 1)

	w, _ = doJSON(t, r, http.MethodDelete, "/sandboxes/"+sid, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = doJSON(t, r, http.MethodPost, "/sandboxes/"+sid+"/execute", map[string]string{"script": "1"})
	assert.Equal(t, http.StatusGone, w.Code)
}

func TestExecuteValidation(t *testing.T) {
	srv := newTestServer(t)
	r := srv.Router()

	w, _ := doJSON(t, r, http.MethodPost, "/sandboxes/unknown/execute", map[string]string{"script": "1"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body := doJSON(t, r, http.MethodPost, "/sandboxes", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	sid, _ := body["id"].(string)

	w, _ = doJSON(t, r, http.MethodPost, "/sandboxes/"+sid+"/execute", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExecuteScriptError(t *testing.T) {
	srv := newTestServer(t)
	r := srv.Router()

	_, body := doJSON(t, r, http.MethodPost, "/sandboxes", nil)
	sid, _ := body["id"].(string)

	w, body := doJSON(t, r, http.MethodPost, "/sandboxes/"+sid+"/execute",
		map[string]string{"script": `throw new Error("boom")`})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	errMsg, _ := body["error"].(string)
	assert.Contains(t, errMsg, "boom")
}

func TestExecuteRequiresModule(t *testing.T) {
	srv := newTestServer(t)
	r := srv.Router()

	_, body := doJSON(t, r, http.MethodPost, "/sandboxes", nil)
	sid, _ := body["id"].(string)

	w, body := doJSON(t, r, http.MethodPost, "/sandboxes/"+sid+"/execute",
		map[string]string{"script": `require("demo").value + 1`})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(42), body["value"])
}

func TestTerminateUnknown(t *testing.T) {
	srv := newTestServer(t)
	w, _ := doJSON(t, srv.Router(), http.MethodDelete, "/sandboxes/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestModulesEndpoint(t *testing.T) {
	srv := newTestServer(t)
	w, body := doJSON(t, srv.Router(), http.MethodGet, "/modules", nil)
	require.Equal(t, http.StatusOK, w.Code)
	modules, _ := body["modules"].([]any)
	require.Len(t, modules, 1)
	assert.Equal(t, "demo.js", modules[0])
}

func TestStatusAndMetrics(t *testing.T) {
	srv := newTestServer(t)
	r := srv.Router()

	_, body := doJSON(t, r, http.MethodPost, "/sandboxes", nil)
	require.NotEmpty(t, body["id"])

	w, status := doJSON(t, r, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), status["active_sandboxes"])

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "enclave_sandboxes_active")
}

func TestRateLimitBlocks(t *testing.T) {
	srv := newTestServer(t)
	srv.cfg.RateLimit = config.RateLimitConfig{RequestsPerSecond: 0, Burst: 1, Enabled: true}
	srv.router = srv.buildRouter()
	r := srv.Router()

	w, _ := doJSON(t, r, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = doJSON(t, r, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestPolicyManifest(t *testing.T) {
	root := t.TempDir()
	manifest := "root: " + root + "\nbuiltins:\n  - fs\nlimits:\n  timeout_ms: 1500\n"
	policyPath := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(policyPath, []byte(manifest), 0o644))

	cfg := config.Default()
	cfg.RateLimit.Enabled = false
	cfg.Loader.PolicyPath = policyPath

	srv, err := New(cfg, logging.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 1500, cfg.Sandbox.TimeoutMS)

	r := srv.Router()
	_, body := doJSON(t, r, http.MethodPost, "/sandboxes", nil)
	sid, _ := body["id"].(string)
	require.NotEmpty(t, sid)

	w, _ := doJSON(t, r, http.MethodPost, "/sandboxes/"+sid+"/execute",
		map[string]string{"script": `typeof require("fs").exists`})
	assert.Equal(t, http.StatusOK, w.Code)

	w, body = doJSON(t, r, http.MethodPost, "/sandboxes/"+sid+"/execute",
		map[string]string{"script": `require("http")`})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	errMsg, _ := body["error"].(string)
	assert.Contains(t, errMsg, "http")
}

func TestConsoleStream(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	_, body := doJSON(t, srv.Router(), http.MethodPost, "/sandboxes", nil)
	sid, _ := body["id"].(string)
	require.NotEmpty(t, sid)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/sandboxes/" + sid + "/console"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	w, _ := doJSON(t, srv.Router(), http.MethodPost, "/sandboxes/"+sid+"/execute",
		map[string]string{"script": `console.log("streamed"); 0`})
	require.Equal(t, http.StatusOK, w.Code)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var entry map[string]any
	require.NoError(t, conn.ReadJSON(&entry))
	assert.Equal(t, "streamed", entry["message"])
}
