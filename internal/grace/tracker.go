// Package grace decides whether a failed verification may still run the
// base binary.
//
// The grace window is anchored on the first failed verification and
// persisted between runs, so a series of short-lived invocations share one
// window. The anchor is HMAC-signed with a key derived from the license's
// shared secret and the machine fingerprint; an anchor that does not verify
// counts as an exhausted window.
package grace

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"licensegate/internal/clock"
	"licensegate/internal/config"
	apperrors "licensegate/internal/errors"
	"licensegate/internal/verify"
)

// RollbackTolerance is how far the clock may appear to move backwards past
// the anchor before it is treated as tampering.
const RollbackTolerance = 5 * time.Minute

const keyInfo = "licensegate grace anchor v1"

// Decision is what the supervisor does with a verdict
type Decision int

const (
	Deny Decision = iota
	Allow
	AllowProvisional
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case AllowProvisional:
		return "allow_provisional"
	default:
		return "deny"
	}
}

// Evaluation is the outcome of Evaluate
type Evaluation struct {
	Decision  Decision
	Elapsed   time.Duration
	Remaining time.Duration
	// Reason is a classified Unauthorized error when Decision is Deny
	Reason error
}

// Tracker applies the grace policy to verdicts
type Tracker struct {
	licenseID   string
	fingerprint string
	grace       time.Duration
	key         []byte

	store    Store
	fallback *MemoryStore
	clock    clock.Clock
	logger   *slog.Logger

	mu       sync.Mutex
	loaded   bool
	anchor   *Anchor
	tampered error
}

// NewTracker creates a tracker for lc on the machine identified by
// fingerprint
func NewTracker(lc *config.LicenseConfig, fingerprint string, store Store, clk clock.Clock, logger *slog.Logger) (*Tracker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	if store == nil {
		store = NewMemoryStore()
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(lc.SharedSecret), []byte(fingerprint), []byte(keyInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive grace key: %w", err)
	}

	return &Tracker{
		licenseID:   lc.LicenseID,
		fingerprint: fingerprint,
		grace:       lc.Grace(),
		key:         key,
		store:       store,
		fallback:    NewMemoryStore(),
		clock:       clk,
		logger:      logger.With(slog.String("component", "grace")),
	}, nil
}

// Evaluate maps a verdict to a decision, updating the anchor
func (t *Tracker) Evaluate(v verify.Verdict) Evaluation {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch v.Outcome {
	case verify.OutcomeAuthorized:
		t.clearLocked()
		return Evaluation{Decision: Allow}
	case verify.OutcomeUnauthorized:
		reason := v.Err
		if reason == nil {
			reason = apperrors.Unauthorized("verify", apperrors.ErrLicenseDenied)
		}
		return Evaluation{Decision: Deny, Reason: reason}
	}

	now := t.clock.Now()
	t.loadLocked()
	if t.tampered != nil {
		return t.deny(0, t.tampered)
	}
	if t.anchor == nil {
		t.anchor = t.newAnchor(now)
		t.saveLocked()
		t.logger.Warn("Verification failed, grace period started",
			slog.Time("first_failure", now),
			slog.Duration("grace_period", t.grace))
	}

	first := t.anchor.FirstFailure
	if now.Before(first.Add(-RollbackTolerance)) {
		return t.deny(0, fmt.Errorf("%w: clock moved back %s before first failure",
			apperrors.ErrGraceExhausted, first.Sub(now).Round(time.Second)))
	}

	elapsed := now.Sub(first)
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed >= t.grace {
		return t.deny(elapsed, fmt.Errorf("%w: %s elapsed of %s",
			apperrors.ErrGraceExhausted, elapsed.Round(time.Second), t.grace))
	}

	remaining := t.grace - elapsed
	t.logger.Warn("Running under grace period",
		slog.Duration("elapsed", elapsed),
		slog.Duration("remaining", remaining),
		slog.String("cause", errString(v.Err)))
	return Evaluation{Decision: AllowProvisional, Elapsed: elapsed, Remaining: remaining}
}

// Remaining reports the grace time left when a window is open
func (t *Tracker) Remaining() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.loadLocked()
	if t.tampered != nil {
		return 0, true
	}
	if t.anchor == nil {
		return 0, false
	}
	left := t.grace - t.clock.Since(t.anchor.FirstFailure)
	if left < 0 {
		left = 0
	}
	return left, true
}

func (t *Tracker) deny(elapsed time.Duration, cause error) Evaluation {
	t.logger.Error("Grace period exhausted", slog.String("reason", cause.Error()))
	return Evaluation{
		Decision: Deny,
		Elapsed:  elapsed,
		Reason:   apperrors.Unauthorized("grace", cause),
	}
}

// loadLocked reads the anchor once per tracker
func (t *Tracker) loadLocked() {
	if t.loaded {
		return
	}
	t.loaded = true

	a, err := t.store.Load()
	if err != nil {
		if errors.Is(err, apperrors.ErrGraceStateTampered) {
			t.tampered = fmt.Errorf("%w: %v", apperrors.ErrGraceExhausted, err)
			return
		}
		t.logger.Error("Grace state unreadable, keeping it in memory for this run",
			slog.String("error", err.Error()))
		t.store = t.fallback
		return
	}
	if a == nil {
		return
	}
	if err := t.check(a); err != nil {
		t.tampered = fmt.Errorf("%w: %w", apperrors.ErrGraceExhausted, err)
		return
	}
	t.anchor = a
}

func (t *Tracker) saveLocked() {
	if err := t.store.Save(t.anchor); err != nil {
		t.logger.Error("Grace state not persisted anywhere, keeping it in memory for this run",
			slog.String("error", err.Error()))
		t.store = t.fallback
		_ = t.store.Save(t.anchor)
	}
}

func (t *Tracker) clearLocked() {
	t.loaded = true
	t.tampered = nil
	if t.anchor == nil {
		// A stale or tampered file may still exist from an earlier run
		if err := t.store.Clear(); err != nil {
			t.logger.Warn("Failed to clear grace state", slog.String("error", err.Error()))
		}
		return
	}
	t.anchor = nil
	if err := t.store.Clear(); err != nil {
		t.logger.Warn("Failed to clear grace state", slog.String("error", err.Error()))
		return
	}
	t.logger.Info("Grace period cleared after successful verification")
}

func (t *Tracker) newAnchor(now time.Time) *Anchor {
	a := &Anchor{
		LicenseID:    t.licenseID,
		Fingerprint:  t.fingerprint,
		FirstFailure: now,
	}
	a.Signature = t.sign(a)
	return a
}

func (t *Tracker) check(a *Anchor) error {
	if !hmac.Equal([]byte(a.Signature), []byte(t.sign(a))) {
		return apperrors.ErrGraceStateTampered
	}
	if a.LicenseID != t.licenseID || a.Fingerprint != t.fingerprint {
		return fmt.Errorf("%w: anchor belongs to another license or machine", apperrors.ErrGraceStateTampered)
	}
	return nil
}

func (t *Tracker) sign(a *Anchor) string {
	h := hmac.New(sha256.New, t.key)
	h.Write([]byte(a.LicenseID))
	h.Write([]byte{'|'})
	h.Write([]byte(a.Fingerprint))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(a.FirstFailure.UnixNano(), 10)))
	return hex.EncodeToString(h.Sum(nil))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
