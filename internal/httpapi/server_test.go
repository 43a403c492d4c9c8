package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/atat/gateway/internal/engine"
	"github.com/atat/gateway/internal/gateway"
	"github.com/atat/gateway/internal/metrics"
	"github.com/atat/gateway/internal/mockengine"
	"github.com/atat/gateway/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const petstore = `{
  "openapi": "3.0.0",
  "info": {"title": "Pets", "version": "2.0"},
  "servers": [{"url": "https://pets.example"}],
  "paths": {
    "/pets": {"get": {"summary": "List pets", "responses": {"200": {"description": "ok"}}}}
  }
}`

type env struct {
	mock    *mockengine.Engine
	api     *Server
	history *store.Store
	metrics *metrics.Metrics
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	mock := mockengine.New("127.0.0.1:0", mockengine.WithPreloadedAPI())
	require.NoError(t, mock.Start(context.Background()))
	t.Cleanup(func() { _ = mock.Stop() })

	hist, err := store.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = hist.Close() })

	m := metrics.New()
	svc := gateway.New(engine.New(mock.Addr(), engine.WithTimeout(2*time.Second)),
		gateway.WithHistory(hist), gateway.WithMetrics(m))
	opts = append([]Option{WithHistory(hist), WithMetrics(m)}, opts...)
	return &env{mock: mock, api: New(svc, opts...), history: hist, metrics: m}
}

type envBody struct {
	Success    bool                   `json:"success"`
	Message    string                 `json:"message"`
	Data       map[string]interface{} `json:"data"`
	Errors     interface{}            `json:"errors"`
	Timestamp  string                 `json:"timestamp"`
	StatusCode int                    `json:"statusCode"`
}

func (e *env) do(t *testing.T, method, target string, payload interface{}) (int, envBody) {
	t.Helper()
	var reader io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	return e.serve(t, req)
}

func (e *env) serve(t *testing.T, req *http.Request) (int, envBody) {
	t.Helper()
	rec := httptest.NewRecorder()
	e.api.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var out envBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	assert.Equal(t, rec.Code, out.StatusCode)
	assert.NotEmpty(t, out.Timestamp)
	return rec.Code, out
}

func TestRoot(t *testing.T) {
	e := newEnv(t)
	status, out := e.do(t, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "AT-AT API is running!", out.Message)
	assert.Equal(t, Version, out.Data["version"])
	assert.Contains(t, out.Data["endpoints"], "listTags")
}

func TestUnknownRoute(t *testing.T) {
	e := newEnv(t)
	status, out := e.do(t, http.MethodGet, "/api/nope?x=1", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.False(t, out.Success)
	assert.Equal(t, "Route not found", out.Message)
	assert.Equal(t, map[string]interface{}{"path": "/api/nope?x=1", "method": "GET"}, out.Errors)

	// Known path, wrong method.
	status, out = e.do(t, http.MethodDelete, "/api/tags", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Route not found", out.Message)
}

func TestEngineHealthAndCommands(t *testing.T) {
	e := newEnv(t)
	status, out := e.do(t, http.MethodGet, "/api/engine/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, out.Data["running"])

	status, out = e.do(t, http.MethodGet, "/api/engine/commands", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, out.Data["commands"])

	require.NoError(t, e.mock.Stop())
	status, out = e.do(t, http.MethodGet, "/api/engine/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.False(t, out.Success)
}

func TestEngineDownIsBadGateway(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.mock.Stop())
	status, out := e.do(t, http.MethodGet, "/api/tags", nil)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "Engine unavailable", out.Message)
}

func TestEndpoints(t *testing.T) {
	e := newEnv(t)
	status, out := e.do(t, http.MethodPost, "/api/endpoints", map[string]interface{}{"api_id": "global"})
	require.Equal(t, http.StatusOK, status, out.Message)
	assert.Equal(t, "Endpoints retrieved successfully", out.Message)
	assert.Len(t, out.Data["endpoints"], 3)

	status, out = e.do(t, http.MethodPost, "/api/endpoints/details", map[string]interface{}{"endpoint_id": "endpoint_1"})
	require.Equal(t, http.StatusOK, status, out.Message)
	assert.Equal(t, "Endpoint details retrieved successfully", out.Message)
	assert.Equal(t, "/test", out.Data["path"])

	status, out = e.do(t, http.MethodPost, "/api/endpoints/details", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Missing endpoint_id", out.Message)

	status, out = e.do(t, http.MethodPost, "/api/endpoints/details", map[string]interface{}{"endpoint_id": "endpoint_99"})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Endpoint not found", out.Message)
}

func TestTags(t *testing.T) {
	e := newEnv(t)
	status, out := e.do(t, http.MethodPost, "/api/endpoints/tags/add", map[string]interface{}{
		"path": "/test", "method": "get", "tags": []string{"smoke", "test"},
	})
	require.Equal(t, http.StatusOK, status, out.Message)
	assert.Equal(t, "Tags added successfully", out.Message)
	assert.Equal(t, []interface{}{"test", "smoke"}, out.Data["tags"])

	status, out = e.do(t, http.MethodPost, "/api/endpoints/tags/remove", map[string]interface{}{
		"path": "/test", "method": "GET", "tags": []string{"test"},
	})
	require.Equal(t, http.StatusOK, status, out.Message)
	assert.Equal(t, []interface{}{"smoke"}, out.Data["tags"])

	status, out = e.do(t, http.MethodPost, "/api/endpoints/tags/replace", map[string]interface{}{
		"path": "/test", "method": "GET", "tags": []string{},
	})
	require.Equal(t, http.StatusOK, status, out.Message)
	assert.Equal(t, "Tags replaced successfully", out.Message)
	assert.Empty(t, out.Data["tags"])

	status, out = e.do(t, http.MethodGet, "/api/tags", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Tags retrieved successfully", out.Message)
	assert.NotContains(t, out.Data["tags"], "smoke")
}

func TestTagValidation(t *testing.T) {
	e := newEnv(t)
	tests := []struct {
		name    string
		route   string
		payload map[string]interface{}
		message string
	}{
		{"missing tags", "add", map[string]interface{}{"path": "/test", "method": "GET"}, "Missing tags (must be array)"},
		{"tags not list", "add", map[string]interface{}{"path": "/test", "method": "GET", "tags": "x"}, "Missing tags (must be array)"},
		{"empty add", "add", map[string]interface{}{"path": "/test", "method": "GET", "tags": []string{}}, "Missing tags (must be array)"},
		{"empty remove", "remove", map[string]interface{}{"path": "/test", "method": "GET", "tags": []string{}}, "Missing tags (must be array)"},
		{"missing method", "add", map[string]interface{}{"path": "/test", "tags": []string{"a"}}, "Missing path or method"},
		{"replace missing path", "replace", map[string]interface{}{"method": "GET", "tags": []string{}}, "Missing path or method"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, out := e.do(t, http.MethodPost, "/api/endpoints/tags/"+tt.route, tt.payload)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Equal(t, tt.message, out.Message)
		})
	}

	status, out := e.do(t, http.MethodPost, "/api/endpoints/tags/add", map[string]interface{}{
		"path": "/missing", "method": "GET", "tags": []string{"a"},
	})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Endpoint not found", out.Message)
}

func TestFlags(t *testing.T) {
	e := newEnv(t)
	status, out := e.do(t, http.MethodPost, "/api/endpoints/flags/add", map[string]interface{}{
		"endpoint_id": "endpoint_2", "flags": []string{"BOLA", "SSRF"},
	})
	require.Equal(t, http.StatusOK, status, out.Message)
	assert.Equal(t, "Flags added successfully", out.Message)
	assert.Equal(t, []interface{}{"BOLA", "SSRF"}, out.Data["flags"])

	status, out = e.do(t, http.MethodPost, "/api/endpoints/flags/remove", map[string]interface{}{
		"endpoint_id": "endpoint_2", "flags": []string{"BOLA"},
	})
	require.Equal(t, http.StatusOK, status, out.Message)
	assert.Equal(t, []interface{}{"SSRF"}, out.Data["flags"])

	status, out = e.do(t, http.MethodPost, "/api/endpoints/flags/add", map[string]interface{}{
		"endpoint_id": "endpoint_2", "flags": []string{"NOPE"},
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.True(t, strings.HasPrefix(out.Message, "Invalid flag."), out.Message)

	status, out = e.do(t, http.MethodPost, "/api/endpoints/flags/add", map[string]interface{}{"flags": []string{"BOLA"}})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Missing endpoint_id", out.Message)

	status, out = e.do(t, http.MethodPost, "/api/endpoints/flags/add", map[string]interface{}{"endpoint_id": "endpoint_2"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Missing flags (must be array)", out.Message)

	status, out = e.do(t, http.MethodGet, "/api/flags", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, out.Data["flags"], len(mockengine.FlagNames()))
}

func TestScanLifecycle(t *testing.T) {
	e := newEnv(t)
	status, out := e.do(t, http.MethodPost, "/api/scan/create", map[string]interface{}{"api_id": "global", "scan_profile": "owasp"})
	require.Equal(t, http.StatusOK, status, out.Message)
	assert.Equal(t, "Scan created successfully", out.Message)

	status, out = e.do(t, http.MethodPost, "/api/scan/start", map[string]interface{}{"api_name": "Mock API"})
	require.Equal(t, http.StatusOK, status, out.Message)
	assert.Equal(t, "Scan started successfully", out.Message)
	scanID, _ := out.Data["scan_id"].(string)
	require.NotEmpty(t, scanID)

	status, out = e.do(t, http.MethodGet, "/api/scan/progress?scan_id="+scanID, nil)
	require.Equal(t, http.StatusOK, status, out.Message)
	assert.Equal(t, float64(50), out.Data["progress"])

	status, out = e.do(t, http.MethodGet, "/api/scan/status?scan_id="+scanID, nil)
	require.Equal(t, http.StatusOK, status, out.Message)
	assert.Equal(t, "running", out.Data["status"])

	status, out = e.do(t, http.MethodPost, "/api/scan/stop", map[string]interface{}{"scan_id": scanID})
	require.Equal(t, http.StatusOK, status, out.Message)
	assert.Equal(t, "Scan stopped successfully", out.Message)
	assert.Equal(t, "stopped", out.Data["status"])

	status, out = e.do(t, http.MethodGet, "/api/scan/results?scan_id="+scanID, nil)
	require.Equal(t, http.StatusOK, status, out.Message)
	assert.Equal(t, "Scan results retrieved successfully", out.Message)
	assert.NotEmpty(t, out.Data["result"])

	status, out = e.do(t, http.MethodGet, "/api/scan/list", nil)
	require.Equal(t, http.StatusOK, status, out.Message)
	assert.Contains(t, out.Data["scans"], scanID)

	status, out = e.do(t, http.MethodGet, "/api/scan/progress", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Missing scan_id", out.Message)

	status, out = e.do(t, http.MethodGet, "/api/scan/results?scan_id=scan_9_9", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Scan with ID scan_9_9 not found.", out.Message)
}

func TestImportJSONBody(t *testing.T) {
	e := newEnv(t)
	status, out := e.do(t, http.MethodPost, "/api/import", map[string]interface{}{"file": "pets.json", "content": petstore})
	require.Equal(t, http.StatusOK, status, out.Message)
	assert.Equal(t, "API imported successfully", out.Message)
	assert.Equal(t, "pets.json", out.Data["filename"])
	assert.Equal(t, "Pets", out.Data["title"])
	assert.NotEqual(t, "global", out.Data["api_id"])

	status, out = e.do(t, http.MethodPost, "/api/endpoints", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, out.Data["endpoints"], 1)
}

func TestImportMultipart(t *testing.T) {
	uploads := t.TempDir()
	e := newEnv(t, WithUploadDir(uploads))

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "pets.yaml")
	require.NoError(t, err)
	_, err = part.Write([]byte(petstore))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/import", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	status, out := e.serve(t, req)
	require.Equal(t, http.StatusOK, status, out.Message)
	assert.Equal(t, "pets.yaml", out.Data["filename"])

	entries, err := os.ReadDir(uploads)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestImportValidation(t *testing.T) {
	e := newEnv(t)
	status, out := e.do(t, http.MethodPost, "/api/import", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "No file uploaded", out.Message)

	status, out = e.do(t, http.MethodPost, "/api/import", map[string]interface{}{"file": "pets.txt", "content": petstore})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Only JSON and YAML files are allowed", out.Message)

	status, out = e.do(t, http.MethodPost, "/api/import", map[string]interface{}{"file": "bad.json", "content": "{}"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.True(t, strings.HasPrefix(out.Message, "Invalid OpenAPI document"), out.Message)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("other", "x"))
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/import", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	status, out = e.serve(t, req)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "No file uploaded", out.Message)
}

func TestEngineCallPassthrough(t *testing.T) {
	e := newEnv(t)
	status, out := e.do(t, http.MethodPost, "/api/engine/call", map[string]interface{}{"command": "connection.test"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Connection Established", out.Data["message"])

	status, out = e.do(t, http.MethodPost, "/api/engine/call", map[string]interface{}{"command": "reports.list"})
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "Not yet implemented", out.Message)

	status, out = e.do(t, http.MethodPost, "/api/engine/call", map[string]interface{}{"command": "nope.nope"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Unknown command: nope.nope", out.Message)

	status, out = e.do(t, http.MethodPost, "/api/engine/call", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Missing command", out.Message)

	status, out = e.do(t, http.MethodPost, "/api/engine/call", map[string]interface{}{"command": "apis.details", "data": "x"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Command data must be an object", out.Message)

	e.mock.SetErrorMode(true)
	status, out = e.do(t, http.MethodPost, "/api/engine/call", map[string]interface{}{"command": "connection.test"})
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "Engine error mode enabled", out.Message)
}

func TestInvalidJSONBody(t *testing.T) {
	e := newEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/endpoints", strings.NewReader("{nope"))
	status, out := e.serve(t, req)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Invalid JSON body", out.Message)
}

func TestHistory(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodGet, "/api/tags", nil)
	e.do(t, http.MethodGet, "/api/flags", nil)
	e.do(t, http.MethodPost, "/api/engine/call", map[string]interface{}{"command": "nope.nope"})

	status, out := e.do(t, http.MethodGet, "/api/history", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, out.Data["calls"], 3)

	status, out = e.do(t, http.MethodGet, "/api/history?success=false", nil)
	require.Equal(t, http.StatusOK, status)
	calls := out.Data["calls"].([]interface{})
	require.Len(t, calls, 1)
	assert.Equal(t, "nope.nope", calls[0].(map[string]interface{})["command"])

	status, out = e.do(t, http.MethodGet, "/api/history?command=tags.list&limit=1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, out.Data["calls"], 1)

	status, _ = e.do(t, http.MethodGet, "/api/history?limit=many", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = e.do(t, http.MethodGet, "/api/history?success=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestHistoryDisabled(t *testing.T) {
	svc := gateway.New(engine.New("127.0.0.1:1"))
	api := New(svc)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/history", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodGet, "/api/tags", nil)

	rec := httptest.NewRecorder()
	e.api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	text := rec.Body.String()
	assert.Contains(t, text, `atat_engine_calls_total{code="200",command="tags.list"} 1`)
	assert.Contains(t, text, `atat_http_requests_total{code="200",method="GET",route="GET /api/tags"} 1`)
}

func TestRateLimit(t *testing.T) {
	e := newEnv(t, WithRateLimit(0.001, 2))
	for i := 0; i < 2; i++ {
		status, _ := e.do(t, http.MethodGet, "/", nil)
		assert.Equal(t, http.StatusOK, status)
	}
	status, out := e.do(t, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "Rate limit exceeded. Try again later", out.Message)

	// Another client has its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.1.1:5555"
	status, _ = e.serve(t, req)
	assert.Equal(t, http.StatusOK, status)
}

func TestIPLimiterSweepsIdleClients(t *testing.T) {
	l := newIPLimiter(1, 1)
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }
	for i := 0; i < limiterSweepMin; i++ {
		l.allow(net.IPv4(10, 0, byte(i>>8), byte(i)).String())
	}
	now = now.Add(limiterIdle + time.Second)
	l.allow("192.168.0.1")
	assert.Len(t, l.clients, 1)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	e := newEnv(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.api.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	http.DefaultClient.CloseIdleConnections()
}
