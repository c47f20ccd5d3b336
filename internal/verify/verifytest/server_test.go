package verifytest

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensegate/internal/config"
	apperrors "licensegate/internal/errors"
)

func post(t *testing.T, srv *Server, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(srv.URL+config.VerifyPath, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var problem map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&problem))
	return resp, problem
}

func TestHandler_RejectsUnsignedRequest(t *testing.T) {
	srv := NewServer("secret", Always(Allow()))
	defer srv.Close()

	resp, problem := post(t, srv, `{"license_id":"L1","fingerprint":"fp","timestamp":1,"signature":"00"}`)

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, apperrors.TypeInvalidSignature, problem["type"])
	assert.NotEmpty(t, problem["trace_id"])
	require.Len(t, srv.Requests(), 1)
	assert.False(t, srv.Requests()[0].SignatureValid)
}

func TestHandler_RejectsMalformedBody(t *testing.T) {
	srv := NewServer("secret", Always(Allow()))
	defer srv.Close()

	resp, problem := post(t, srv, `{`)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, apperrors.TypeInvalidRequest, problem["type"])
	assert.Zero(t, srv.Count())
}
