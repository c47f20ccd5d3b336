package errors

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProblemDetails_MarshalJSON(t *testing.T) {
	problem := NewProblemDetails(http.StatusUnauthorized, TypeInvalidSignature, "Unauthorized", "bad signature", "/api/v1/verify").
		WithExtension("trace_id", "abc").
		WithExtension("status", 999)

	data, err := json.Marshal(problem)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, TypeInvalidSignature, got["type"])
	assert.Equal(t, "bad signature", got["detail"])
	assert.Equal(t, "abc", got["trace_id"])
	assert.Equal(t, float64(http.StatusUnauthorized), got["status"], "extensions never override standard fields")
}

func TestRenderProblem(t *testing.T) {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Get("/x", func(w http.ResponseWriter, r *http.Request) {
		RenderProblem(w, r, http.StatusServiceUnavailable, TypeServiceDown, "down")
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, TypeServiceDown, got["type"])
	assert.Equal(t, "/x", got["instance"])
	assert.NotEmpty(t, got["trace_id"])
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	h := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	body := `{"license_id":"L1","signature":"deadbeef"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/verify", strings.NewReader(body))
	h.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, float64(http.StatusUnauthorized), entry["status"])
	assert.Contains(t, entry["request_body"], "[REDACTED]")
	assert.NotContains(t, entry["request_body"], "deadbeef")
}

func TestSanitizeRequestBody_Truncates(t *testing.T) {
	long := strings.Repeat("x", 2*maxLoggedBody)
	got := sanitizeRequestBody([]byte(long))
	assert.Len(t, got, maxLoggedBody+3)
}
