// Package verifytest provides a scriptable verification server for tests
// and local development.
package verifytest

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"licensegate/internal/config"
	apperrors "licensegate/internal/errors"
	"licensegate/internal/verify"
)

// Reply scripts the answer to one verification request
type Reply struct {
	// Status defaults to 200, or 403 when Authorized is false and Status is unset
	Status          int
	Authorized      bool
	Message         string
	ValidUntil      time.Time
	CheckIntervalMS int64
	KillMethod      string

	// LicenseID overrides the echoed license id
	LicenseID string
	// Fingerprint overrides the echoed fingerprint
	Fingerprint string
	// Timestamp overrides the server timestamp
	Timestamp time.Time
	// Secret signs the reply instead of the server's secret
	Secret string
	// Mutate rewrites the signed body before it is sent
	Mutate func([]byte) []byte
	// Drop closes the connection without answering
	Drop bool
	// Delay holds the reply back
	Delay time.Duration
}

// Allow is a signed 200 authorization
func Allow() Reply { return Reply{Status: http.StatusOK, Authorized: true, Message: "license active"} }

// Deny is a signed 403 denial
func Deny() Reply { return Reply{Status: http.StatusForbidden, Message: "license revoked"} }

// Unavailable is an unsigned 503
func Unavailable() Reply { return Reply{Status: http.StatusServiceUnavailable} }

// Unreachable drops the connection
func Unreachable() Reply { return Reply{Drop: true} }

// DecideFunc picks the reply for the n-th request (starting at 1)
type DecideFunc func(n int, req *verify.Request) Reply

// Always answers every request with r
func Always(r Reply) DecideFunc {
	return func(int, *verify.Request) Reply { return r }
}

// Sequence answers with replies in order and repeats the last one
func Sequence(replies ...Reply) DecideFunc {
	return func(n int, _ *verify.Request) Reply {
		if n > len(replies) {
			return replies[len(replies)-1]
		}
		return replies[n-1]
	}
}

// Recorded is a request the handler received
type Recorded struct {
	Request        verify.Request
	Header         http.Header
	SignatureValid bool
	ReceivedAt     time.Time
}

// Handler serves the verification endpoint
type Handler struct {
	secret string
	decide DecideFunc
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	decideMu sync.Mutex
	requests []Recorded
}

// NewHandler creates a handler that signs replies with secret
func NewHandler(secret string, decide DecideFunc, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		secret: secret,
		decide: decide,
		now:    time.Now,
		logger: logger.With(slog.String("component", "mock-verifier")),
	}
}

// SetDecider replaces the reply script
func (h *Handler) SetDecider(decide DecideFunc) {
	h.decideMu.Lock()
	h.decide = decide
	h.decideMu.Unlock()
}

// Routes returns the chi router serving the endpoint
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(apperrors.RequestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Post(config.VerifyPath, h.Verify)
	return r
}

// Verify handles one verification request
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verify.Request
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		apperrors.RenderProblem(w, r, http.StatusBadRequest, apperrors.TypeInvalidRequest, "invalid request body")
		return
	}

	valid := verify.VerifyRequest(h.secret, &req) == nil
	n := h.record(Recorded{
		Request:        req,
		Header:         r.Header.Clone(),
		SignatureValid: valid,
		ReceivedAt:     h.now(),
	})

	h.logger.Debug("Verification request received",
		slog.Int("n", n),
		slog.String("license_id", req.LicenseID),
		slog.Bool("signature_valid", valid))

	if !valid {
		apperrors.RenderProblem(w, r, http.StatusUnauthorized, apperrors.TypeInvalidSignature, "invalid request signature")
		return
	}

	h.decideMu.Lock()
	reply := h.decide(n, &req)
	h.decideMu.Unlock()

	if reply.Delay > 0 {
		select {
		case <-time.After(reply.Delay):
		case <-r.Context().Done():
			return
		}
	}

	if reply.Drop {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				conn.Close()
				return
			}
		}
		panic(http.ErrAbortHandler)
	}

	status := reply.Status
	if status == 0 {
		status = http.StatusOK
		if !reply.Authorized {
			status = http.StatusForbidden
		}
	}
	if status != http.StatusOK && status != http.StatusForbidden {
		apperrors.RenderProblem(w, r, status, problemType(status), "scripted failure")
		return
	}

	body, err := h.sign(&req, reply)
	if err != nil {
		apperrors.RenderProblem(w, r, http.StatusInternalServerError, apperrors.TypeInternal, err.Error())
		return
	}
	if reply.Mutate != nil {
		body = reply.Mutate(body)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func problemType(status int) string {
	if status >= 500 {
		return apperrors.TypeServiceDown
	}
	return apperrors.TypeInvalidRequest
}

func (h *Handler) sign(req *verify.Request, reply Reply) ([]byte, error) {
	ts := h.now()
	if !reply.Timestamp.IsZero() {
		ts = reply.Timestamp
	}
	payload := verify.ResponsePayload{
		Authorized:       reply.Authorized,
		Message:          reply.Message,
		LicenseID:        req.LicenseID,
		Fingerprint:      req.Fingerprint,
		RequestTimestamp: req.Timestamp,
		Timestamp:        ts.Unix(),
		CheckIntervalMS:  reply.CheckIntervalMS,
		KillMethod:       reply.KillMethod,
	}
	if reply.LicenseID != "" {
		payload.LicenseID = reply.LicenseID
	}
	if reply.Fingerprint != "" {
		payload.Fingerprint = reply.Fingerprint
	}
	if !reply.ValidUntil.IsZero() {
		payload.ValidUntil = reply.ValidUntil.UTC().Format(time.RFC3339)
	}
	secret := h.secret
	if reply.Secret != "" {
		secret = reply.Secret
	}
	return verify.SignResponse(secret, payload)
}

func (h *Handler) record(rec Recorded) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests = append(h.requests, rec)
	return len(h.requests)
}

// Requests returns a copy of the received requests
func (h *Handler) Requests() []Recorded {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Recorded, len(h.requests))
	copy(out, h.requests)
	return out
}

// Count returns the number of requests received
func (h *Handler) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.requests)
}

// Server is an httptest server running a Handler
type Server struct {
	*httptest.Server
	*Handler
}

// NewServer starts a server; callers must Close it
func NewServer(secret string, decide DecideFunc) *Server {
	h := NewHandler(secret, decide, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return &Server{
		Server:  httptest.NewServer(h.Routes()),
		Handler: h,
	}
}
