package errors

import "errors"

// Payload errors
var (
	ErrPayloadMissing  = errors.New("license payload not found")
	ErrPayloadCorrupt  = errors.New("license payload is not a valid document")
	ErrPayloadInvalid  = errors.New("license payload failed validation")
	ErrPayloadTooLarge = errors.New("license payload exceeds region size")
)

// Fingerprint errors
var (
	ErrNoSignals = errors.New("no hardware signals available")
)

// Verification errors
var (
	ErrTransport          = errors.New("verification transport failure")
	ErrTimeout            = errors.New("verification timed out")
	ErrSignatureMismatch  = errors.New("response signature mismatch")
	ErrSignatureMissing   = errors.New("response signature missing")
	ErrUnexpectedStatus   = errors.New("unexpected verification status")
	ErrMalformedResponse  = errors.New("malformed verification response")
	ErrResponseMismatch   = errors.New("response does not match request")
	ErrStaleResponse      = errors.New("response timestamp outside skew window")
	ErrLicenseDenied      = errors.New("license denied by server")
	ErrGraceExhausted     = errors.New("grace period exhausted")
	ErrTamperingDetected  = errors.New("tampering detected")
	ErrGraceStateTampered = errors.New("grace state tampered")
)

// Process errors
var (
	ErrSpawnFailed     = errors.New("failed to spawn base binary")
	ErrTerminateFailed = errors.New("failed to terminate base binary")
)
