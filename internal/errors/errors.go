package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for the supervisor's decision logic
type Kind string

const (
	KindUnknown      Kind = "UNKNOWN"
	KindConfig       Kind = "CONFIG"
	KindFingerprint  Kind = "FINGERPRINT"
	KindVerification Kind = "VERIFICATION"
	KindUnauthorized Kind = "UNAUTHORIZED"
	KindProcess      Kind = "PROCESS"
)

// AppError is a classified error. Op names the operation that failed.
type AppError struct {
	Kind    Kind
	Op      string
	Err     error
	Context map[string]interface{}
}

// Error implements the error interface
func (e *AppError) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("[%s] %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("[%s] %s", e.Kind, e.Op)
	}
}

// Unwrap allows errors.Is and errors.As to reach the cause
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches another *AppError of the same kind with no cause,
// so errors.Is(err, &AppError{Kind: KindConfig}) works as a kind test.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Err == nil && t.Op == "" && t.Kind == e.Kind
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a classified error
func New(kind Kind, op string, err error) *AppError {
	return &AppError{Kind: kind, Op: op, Err: err}
}

// Config wraps err as a configuration error
func Config(op string, err error) *AppError {
	return New(KindConfig, op, err)
}

// Fingerprint wraps err as a fingerprint error
func Fingerprint(op string, err error) *AppError {
	return New(KindFingerprint, op, err)
}

// Verification wraps err as a verification error
func Verification(op string, err error) *AppError {
	return New(KindVerification, op, err)
}

// Unauthorized wraps err as an explicit denial
func Unauthorized(op string, err error) *AppError {
	return New(KindUnauthorized, op, err)
}

// Process wraps err as a process lifecycle error
func Process(op string, err error) *AppError {
	return New(KindProcess, op, err)
}

// KindOf returns the kind of the outermost AppError in err's chain
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
