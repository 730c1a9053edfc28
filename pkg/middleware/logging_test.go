package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/boom" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("hello"))
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/ingest", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "req-1", rec.Header().Get(RequestIDHeader))
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.DebugLevel, entry.Level)
	fields := entry.ContextMap()
	assert.Equal(t, int64(http.StatusCreated), fields["status"])
	assert.Equal(t, int64(5), fields["bytes"])
	assert.Equal(t, "/api/ingest", fields["path"])

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
	require.Equal(t, 2, logs.Len())
	assert.Equal(t, zapcore.WarnLevel, logs.All()[1].Level)
}

func TestRequestLogger_NilLogger(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	handler := RequestLogger(nil)(next)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Empty(t, rec.Header().Get(RequestIDHeader))
}

func TestMCPRequestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	var seenBody string
	handler := MCPRequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(r.Body)
		seenBody = buf.String()
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"bad entity_id"}}`))
	}))

	body := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"get_entity","arguments":{"entity_id":"x","api_key":"s3cr3t"}}}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body)))

	assert.Equal(t, body, seenBody, "body must be restored for the next handler")
	require.Equal(t, 2, logs.Len())

	request := logs.All()[0]
	assert.Equal(t, "get_entity", request.ContextMap()["tool"])
	args, ok := request.ContextMap()["arguments"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "[REDACTED]", args["api_key"])
	assert.Equal(t, "x", args["entity_id"])

	failure := logs.All()[1]
	assert.Equal(t, zapcore.InfoLevel, failure.Level)
	assert.Equal(t, int64(-32602), failure.ContextMap()["error_code"])
}

func TestSanitizeArguments(t *testing.T) {
	long := strings.Repeat("a", 250)
	got := sanitizeArguments(map[string]any{
		"description": long,
		"password":    "hunter2",
		"limit":       10,
	})
	assert.Equal(t, long[:200]+"...", got["description"])
	assert.Equal(t, "[REDACTED]", got["password"])
	assert.Equal(t, 10, got["limit"])
	assert.Nil(t, sanitizeArguments(nil))
}
