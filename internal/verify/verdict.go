package verify

import (
	"log/slog"
	"time"

	"licensegate/internal/config"
	apperrors "licensegate/internal/errors"
)

// Outcome is the classified result of a verification
type Outcome int

const (
	OutcomeError Outcome = iota
	OutcomeAuthorized
	OutcomeUnauthorized
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAuthorized:
		return "authorized"
	case OutcomeUnauthorized:
		return "unauthorized"
	default:
		return "error"
	}
}

// Verdict is what the supervisor acts on. Err is set for Unauthorized and
// Error outcomes and is always a classified *errors.AppError.
type Verdict struct {
	Outcome    Outcome
	ValidUntil time.Time
	Message    string

	// Server overrides, zero when absent
	CheckInterval time.Duration
	KillMethod    config.KillMethod

	Err      error
	Attempts int
	Duration time.Duration
}

// Authorized returns an authorized verdict
func Authorized(validUntil time.Time) Verdict {
	return Verdict{Outcome: OutcomeAuthorized, ValidUntil: validUntil}
}

// Unauthorized returns a denial verdict
func Unauthorized(reason error) Verdict {
	if reason == nil {
		reason = apperrors.ErrLicenseDenied
	}
	if !apperrors.IsKind(reason, apperrors.KindUnauthorized) {
		reason = apperrors.Unauthorized("verify", reason)
	}
	return Verdict{Outcome: OutcomeUnauthorized, Err: reason}
}

// Failed returns an error verdict
func Failed(reason error) Verdict {
	if !apperrors.IsKind(reason, apperrors.KindVerification) {
		reason = apperrors.Verification("verify", reason)
	}
	return Verdict{Outcome: OutcomeError, Err: reason}
}

// IsAuthorized reports whether the server granted the license
func (v Verdict) IsAuthorized() bool { return v.Outcome == OutcomeAuthorized }

// IsDenied reports an explicit, signed denial
func (v Verdict) IsDenied() bool { return v.Outcome == OutcomeUnauthorized }

// LogValue summarizes the verdict for logs
func (v Verdict) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("outcome", v.Outcome.String()),
		slog.Int("attempts", v.Attempts),
		slog.Duration("duration", v.Duration),
	}
	if !v.ValidUntil.IsZero() {
		attrs = append(attrs, slog.Time("valid_until", v.ValidUntil))
	}
	if v.Message != "" {
		attrs = append(attrs, slog.String("message", v.Message))
	}
	if v.Err != nil {
		attrs = append(attrs, slog.String("error", v.Err.Error()))
	}
	return slog.GroupValue(attrs...)
}
