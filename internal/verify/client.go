// Package verify performs the HMAC-authenticated license check.
//
// A request carries the license id, machine fingerprint and a timestamp,
// signed over their RFC 8785 canonical encoding. The server answers with a
// payload and an HMAC over the payload's exact bytes. A response that does
// not authenticate is an Error verdict, never a denial.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"licensegate/internal/clock"
	"licensegate/internal/config"
	apperrors "licensegate/internal/errors"
	"licensegate/internal/fingerprint"
)

// Client verifies a license against its server
type Client struct {
	license  *config.LicenseConfig
	cfg      config.VerifyConfig
	endpoint string
	http     *retryablehttp.Client
	clock    clock.Clock
	tracer   trace.Tracer
	logger   *slog.Logger

	checks atomic.Int64
}

// Option configures a Client
type Option func(*Client)

// WithLogger sets the client's logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithClock sets the time source for request timestamps and skew checks
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithTracer sets the tracer used for verify spans
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) { c.tracer = tracer }
}

// WithTransport replaces the underlying HTTP transport
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.http.HTTPClient.Transport = rt }
}

// NewClient creates a client for the license's server
func NewClient(lc *config.LicenseConfig, cfg config.VerifyConfig, opts ...Option) (*Client, error) {
	endpoint, err := Endpoint(lc.ServerURL)
	if err != nil {
		return nil, apperrors.Config("build verify endpoint", err)
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.MaxRetries
	rc.RetryWaitMin = cfg.RetryWaitMin
	rc.RetryWaitMax = cfg.RetryWaitMax
	rc.HTTPClient.Timeout = cfg.RequestTimeout
	rc.CheckRetry = checkRetry
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.RequestLogHook = countAttempt

	c := &Client{
		license:  lc,
		cfg:      cfg,
		endpoint: endpoint,
		http:     rc,
		clock:    clock.Real(),
		tracer:   tracenoop.NewTracerProvider().Tracer("licensegate/verify"),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "verify"))
	// retryablehttp logs each attempt through the leveled interface
	rc.Logger = c.logger

	return c, nil
}

// Endpoint appends the verification path to serverURL unless present
func Endpoint(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(strings.TrimRight(u.Path, "/"), config.VerifyPath) {
		u.Path = strings.TrimRight(u.Path, "/") + config.VerifyPath
	}
	return u.String(), nil
}

// Verify performs one verification with retries. The total time spent is
// bounded by the configured budget and by ctx's deadline, whichever is
// shorter.
func (c *Client) Verify(ctx context.Context, fp fingerprint.MachineFingerprint) Verdict {
	start := c.clock.Now()
	ctx, span := c.tracer.Start(ctx, "verify",
		trace.WithAttributes(
			attribute.String("license.id", c.license.LicenseID),
			attribute.Bool("fingerprint.partial", fp.Partial),
		))
	defer span.End()

	budget := c.cfg.TotalBudget
	if budget <= 0 {
		budget = c.cfg.RequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	attempts := new(atomic.Int32)
	ctx = context.WithValue(ctx, attemptsKey{}, attempts)

	v := c.roundTrip(ctx, fp)
	v.Attempts = int(attempts.Load())
	v.Duration = c.clock.Since(start)

	span.SetAttributes(
		attribute.String("verify.outcome", v.Outcome.String()),
		attribute.Int("verify.attempts", v.Attempts),
	)
	if v.Err != nil && v.Outcome == OutcomeError {
		span.RecordError(v.Err)
		span.SetStatus(codes.Error, v.Err.Error())
	}

	level := slog.LevelInfo
	if v.Outcome != OutcomeAuthorized {
		level = slog.LevelWarn
	}
	c.logger.Log(ctx, level, "License verification completed", slog.Any("verdict", v))

	return v
}

func (c *Client) roundTrip(ctx context.Context, fp fingerprint.MachineFingerprint) Verdict {
	now := c.clock.Now()
	signed, err := NewSignedRequest(c.license.SharedSecret, c.license.LicenseID, fp.Value, fp.SignalNames(), now)
	if err != nil {
		return Failed(err)
	}
	body, err := json.Marshal(signed)
	if err != nil {
		return Failed(fmt.Errorf("marshal request: %w", err))
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return Failed(fmt.Errorf("create request: %w", err))
	}
	requestID := uuid.New().String()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set(HeaderLicenseID, c.license.LicenseID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(signed.Timestamp, 10))
	req.Header.Set(HeaderSignature, signed.Signature)
	req.Header.Set(HeaderFirstCheck, strconv.FormatBool(c.checks.Add(1) == 1))
	req.Header.Set(HeaderRequestID, requestID)

	c.logger.DebugContext(ctx, "Sending verification request",
		slog.String("endpoint", c.endpoint),
		slog.String("request_id", requestID))

	resp, err := c.http.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return Failed(classifyTransport(ctx, err))
	}
	defer resp.Body.Close()

	limit := c.cfg.MaxBodyBytes
	if limit <= 0 {
		limit = 64 * 1024
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return Failed(classifyTransport(ctx, err))
	}
	if int64(len(raw)) > limit {
		return Failed(fmt.Errorf("%w: body exceeds %d bytes", apperrors.ErrMalformedResponse, limit))
	}

	return c.interpret(resp.StatusCode, raw, signed, now)
}

// interpret maps an HTTP status and body to a verdict. Only authenticated
// bodies answering sent can produce Authorized or Unauthorized.
func (c *Client) interpret(status int, body []byte, sent *Request, sentAt time.Time) Verdict {
	if status != http.StatusOK && status != http.StatusForbidden {
		return Failed(fmt.Errorf("%w: HTTP %d", apperrors.ErrUnexpectedStatus, status))
	}

	payload, err := ParseResponse(c.license.SharedSecret, body)
	if err != nil {
		return Failed(err)
	}
	if err := payload.Answers(sent); err != nil {
		return Failed(err)
	}
	if c.cfg.SkewWindow > 0 {
		skew := time.Unix(payload.Timestamp, 0).Sub(sentAt)
		if skew < 0 {
			skew = -skew
		}
		if skew > c.cfg.SkewWindow {
			return Failed(fmt.Errorf("%w: %s", apperrors.ErrStaleResponse, skew))
		}
	}

	var validUntil time.Time
	if payload.ValidUntil != "" {
		validUntil, err = time.Parse(time.RFC3339, payload.ValidUntil)
		if err != nil {
			return Failed(fmt.Errorf("%w: valid_until: %v", apperrors.ErrMalformedResponse, err))
		}
	}

	var v Verdict
	if status == http.StatusOK && payload.Authorized {
		v = Authorized(validUntil)
	} else {
		v = Unauthorized(apperrors.ErrLicenseDenied)
	}
	v.Message = payload.Message
	if payload.CheckIntervalMS > 0 {
		v.CheckInterval = time.Duration(payload.CheckIntervalMS) * time.Millisecond
	}
	if km := config.KillMethod(payload.KillMethod); km != "" {
		if km.Valid() {
			v.KillMethod = km
		} else {
			c.logger.Warn("Ignoring unknown kill method from server", slog.String("kill_method", payload.KillMethod))
		}
	}
	return v
}

// checkRetry retries transport errors, 429 and 5xx. Denials and other
// client errors are final.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err == nil && resp != nil {
		switch {
		case resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusForbidden:
			return false, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			return true, nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return false, nil
		}
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

type attemptsKey struct{}

func countAttempt(_ retryablehttp.Logger, req *http.Request, _ int) {
	if n, ok := req.Context().Value(attemptsKey{}).(*atomic.Int32); ok {
		n.Add(1)
	}
}

// classifyTransport strips transport detail down to timeout vs. failure
func classifyTransport(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", apperrors.ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", apperrors.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", apperrors.ErrTransport, err)
}
