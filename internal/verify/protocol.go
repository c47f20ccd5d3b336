package verify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	apperrors "licensegate/internal/errors"
)

// Wire headers
const (
	HeaderLicenseID  = "X-License-ID"
	HeaderTimestamp  = "X-Timestamp"
	HeaderSignature  = "X-Signature"
	HeaderFirstCheck = "X-First-Check"
	HeaderRequestID  = "X-Request-ID"
)

// Request is the body POSTed to the verification endpoint
type Request struct {
	LicenseID   string   `json:"license_id"`
	Fingerprint string   `json:"fingerprint"`
	Timestamp   int64    `json:"timestamp"`
	Signature   string   `json:"signature"`
	Signals     []string `json:"signals,omitempty"`
}

// signedFields is the subset of Request covered by the signature
type signedFields struct {
	LicenseID   string `json:"license_id"`
	Fingerprint string `json:"fingerprint"`
	Timestamp   int64  `json:"timestamp"`
}

// ResponsePayload is the signed part of a verification response.
// Fingerprint and RequestTimestamp echo the request being answered.
type ResponsePayload struct {
	Authorized       bool   `json:"authorized"`
	Message          string `json:"message,omitempty"`
	LicenseID        string `json:"license_id"`
	Fingerprint      string `json:"fingerprint"`
	RequestTimestamp int64  `json:"request_timestamp"`
	Timestamp        int64  `json:"timestamp"`
	ValidUntil       string `json:"valid_until,omitempty"`
	CheckIntervalMS  int64  `json:"check_interval_ms,omitempty"`
	KillMethod       string `json:"kill_method,omitempty"`
}

// Answers reports whether the payload was issued for req
func (p *ResponsePayload) Answers(req *Request) error {
	switch {
	case p.LicenseID != req.LicenseID:
		return fmt.Errorf("%w: license id", apperrors.ErrResponseMismatch)
	case p.Fingerprint != req.Fingerprint:
		return fmt.Errorf("%w: fingerprint", apperrors.ErrResponseMismatch)
	case p.RequestTimestamp != req.Timestamp:
		return fmt.Errorf("%w: request timestamp", apperrors.ErrResponseMismatch)
	}
	return nil
}

// CanonicalRequest returns the RFC 8785 encoding of the signed request
// fields. Both sides sign these exact bytes.
func CanonicalRequest(licenseID, fingerprint string, timestamp int64) ([]byte, error) {
	raw, err := json.Marshal(signedFields{
		LicenseID:   licenseID,
		Fingerprint: fingerprint,
		Timestamp:   timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal signed fields: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize request: %w", err)
	}
	return canonical, nil
}

// Sign returns the lowercase hex HMAC-SHA256 of data
func Sign(secret string, data []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature compares signature against the expected HMAC in constant
// time. Only the exact lowercase hex form is accepted.
func VerifySignature(secret string, data []byte, signature string) bool {
	expected := Sign(secret, data)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// NewSignedRequest builds and signs a request body
func NewSignedRequest(secret, licenseID, fingerprint string, signals []string, now time.Time) (*Request, error) {
	ts := now.Unix()
	canonical, err := CanonicalRequest(licenseID, fingerprint, ts)
	if err != nil {
		return nil, err
	}
	return &Request{
		LicenseID:   licenseID,
		Fingerprint: fingerprint,
		Timestamp:   ts,
		Signature:   Sign(secret, canonical),
		Signals:     signals,
	}, nil
}

// VerifyRequest checks a request's signature. Used by the server side.
func VerifyRequest(secret string, req *Request) error {
	canonical, err := CanonicalRequest(req.LicenseID, req.Fingerprint, req.Timestamp)
	if err != nil {
		return err
	}
	if !VerifySignature(secret, canonical, req.Signature) {
		return apperrors.ErrSignatureMismatch
	}
	return nil
}

// SignResponse encodes payload into a signed response envelope
func SignResponse(secret string, payload ResponsePayload) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return json.Marshal(envelope{
		Payload:   raw,
		Signature: Sign(secret, raw),
	})
}

type envelope struct {
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

// ParseResponse authenticates a response envelope and decodes its payload.
// Keys are matched exactly, and the signature covers the payload's raw bytes.
func ParseResponse(secret string, body []byte) (*ResponsePayload, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedResponse, err)
	}
	rawPayload, ok := fields["payload"]
	if !ok || len(rawPayload) == 0 {
		return nil, fmt.Errorf("%w: payload missing", apperrors.ErrMalformedResponse)
	}
	rawSig, ok := fields["signature"]
	if !ok {
		return nil, apperrors.ErrSignatureMissing
	}
	var signature string
	if err := json.Unmarshal(rawSig, &signature); err != nil || signature == "" {
		return nil, apperrors.ErrSignatureMissing
	}

	if !VerifySignature(secret, rawPayload, signature) {
		return nil, apperrors.ErrSignatureMismatch
	}

	var payload ResponsePayload
	if err := json.Unmarshal(rawPayload, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedResponse, err)
	}
	return &payload, nil
}
