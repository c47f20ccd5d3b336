package verify

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "licensegate/internal/errors"
)

func TestCanonicalRequest(t *testing.T) {
	got, err := CanonicalRequest("L1", "fp<&>", 1700000000)
	require.NoError(t, err)
	// Keys sorted, no whitespace, no HTML escaping
	assert.Equal(t, `{"fingerprint":"fp<&>","license_id":"L1","timestamp":1700000000}`, string(got))
}

func TestSignedRequestRoundTrip(t *testing.T) {
	req, err := NewSignedRequest("secret", "L1", "fp", []string{"mac"}, time.Unix(1700000000, 0))
	require.NoError(t, err)
	assert.Len(t, req.Signature, 64)
	assert.Equal(t, strings.ToLower(req.Signature), req.Signature)
	require.NoError(t, VerifyRequest("secret", req))

	assert.ErrorIs(t, VerifyRequest("other", req), apperrors.ErrSignatureMismatch)

	req.Timestamp++
	assert.ErrorIs(t, VerifyRequest("secret", req), apperrors.ErrSignatureMismatch)
}

func TestParseResponse(t *testing.T) {
	body, err := SignResponse("secret", ResponsePayload{Authorized: true, LicenseID: "L1", Timestamp: 1})
	require.NoError(t, err)

	payload, err := ParseResponse("secret", body)
	require.NoError(t, err)
	assert.True(t, payload.Authorized)
	assert.Equal(t, "L1", payload.LicenseID)

	t.Run("uppercase signature rejected", func(t *testing.T) {
		upper := append([]byte(nil), body...)
		idx := strings.Index(string(upper), `"signature":"`) + len(`"signature":"`)
		sig := strings.ToUpper(string(upper[idx : idx+64]))
		copy(upper[idx:], sig)
		if sig == string(body[idx:idx+64]) {
			t.Skip("signature has no hex letters")
		}
		_, err := ParseResponse("secret", upper)
		assert.ErrorIs(t, err, apperrors.ErrSignatureMismatch)
	})

	t.Run("case-folded key rejected", func(t *testing.T) {
		folded := strings.Replace(string(body), `"payload"`, `"Payload"`, 1)
		_, err := ParseResponse("secret", []byte(folded))
		assert.ErrorIs(t, err, apperrors.ErrMalformedResponse)
	})

	t.Run("not json", func(t *testing.T) {
		_, err := ParseResponse("secret", []byte("<html>"))
		assert.ErrorIs(t, err, apperrors.ErrMalformedResponse)
	})

	t.Run("empty signature", func(t *testing.T) {
		_, err := ParseResponse("secret", []byte(`{"payload":{"authorized":true},"signature":""}`))
		assert.ErrorIs(t, err, apperrors.ErrSignatureMissing)
	})
}

func TestResponsePayload_Answers(t *testing.T) {
	req, err := NewSignedRequest("secret", "L1", "machine-a", nil, time.Unix(1700000000, 0))
	require.NoError(t, err)

	ok := ResponsePayload{LicenseID: "L1", Fingerprint: "machine-a", RequestTimestamp: 1700000000}
	require.NoError(t, ok.Answers(req))

	tests := []struct {
		name   string
		mutate func(p *ResponsePayload)
		want   string
	}{
		{"other license", func(p *ResponsePayload) { p.LicenseID = "L2" }, "license id"},
		{"other machine", func(p *ResponsePayload) { p.Fingerprint = "machine-b" }, "fingerprint"},
		{"no echo", func(p *ResponsePayload) { p.Fingerprint = "" }, "fingerprint"},
		{"earlier request", func(p *ResponsePayload) { p.RequestTimestamp-- }, "request timestamp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ok
			tt.mutate(&p)
			err := p.Answers(req)
			assert.ErrorIs(t, err, apperrors.ErrResponseMismatch)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestVerdictConstructors(t *testing.T) {
	assert.True(t, apperrors.IsKind(Unauthorized(nil).Err, apperrors.KindUnauthorized))
	assert.ErrorIs(t, Unauthorized(nil).Err, apperrors.ErrLicenseDenied)
	assert.True(t, apperrors.IsKind(Failed(apperrors.ErrTransport).Err, apperrors.KindVerification))
	assert.Equal(t, "authorized", OutcomeAuthorized.String())
	assert.Equal(t, "error", Outcome(42).String())
}
