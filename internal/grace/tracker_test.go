package grace

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensegate/internal/clock"
	"licensegate/internal/config"
	apperrors "licensegate/internal/errors"
	"licensegate/internal/verify"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testLicense(id string, graceSeconds int64) *config.LicenseConfig {
	sd := true
	return &config.LicenseConfig{
		LicenseID:      id,
		ServerURL:      "https://license.example.com",
		SharedSecret:   "secret",
		ExecutionMode:  config.ModeSync,
		SelfDestruct:   &sd,
		GracePeriod:    &graceSeconds,
		BaseBinaryPath: "app",
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTracker(t *testing.T, lc *config.LicenseConfig, fp string, store Store, clk clock.Clock) *Tracker {
	t.Helper()
	tr, err := NewTracker(lc, fp, store, clk, quietLogger())
	require.NoError(t, err)
	return tr
}

var failure = verify.Failed(apperrors.ErrTransport)

func TestEvaluate_AuthorizedAndDenied(t *testing.T) {
	clk := clock.NewFake(t0)
	tr := newTracker(t, testLicense("L1", 3600), "fp", NewMemoryStore(), clk)

	ev := tr.Evaluate(verify.Authorized(time.Time{}))
	assert.Equal(t, Allow, ev.Decision)

	ev = tr.Evaluate(verify.Unauthorized(nil))
	assert.Equal(t, Deny, ev.Decision)
	assert.True(t, apperrors.IsKind(ev.Reason, apperrors.KindUnauthorized))
	assert.ErrorIs(t, ev.Reason, apperrors.ErrLicenseDenied)
}

func TestEvaluate_GraceWindow(t *testing.T) {
	clk := clock.NewFake(t0)
	tr := newTracker(t, testLicense("L1", 3600), "fp", NewMemoryStore(), clk)

	ev := tr.Evaluate(failure)
	assert.Equal(t, AllowProvisional, ev.Decision)
	assert.Equal(t, time.Hour, ev.Remaining)

	clk.Advance(59 * time.Minute)
	ev = tr.Evaluate(failure)
	assert.Equal(t, AllowProvisional, ev.Decision)
	assert.Equal(t, time.Minute, ev.Remaining)

	remaining, active := tr.Remaining()
	assert.True(t, active)
	assert.Equal(t, time.Minute, remaining)

	clk.Advance(time.Minute)
	ev = tr.Evaluate(failure)
	assert.Equal(t, Deny, ev.Decision)
	assert.True(t, apperrors.IsKind(ev.Reason, apperrors.KindUnauthorized))
	assert.ErrorIs(t, ev.Reason, apperrors.ErrGraceExhausted)
}

func TestEvaluate_ZeroGraceDeniesImmediately(t *testing.T) {
	tr := newTracker(t, testLicense("L1", 0), "fp", NewMemoryStore(), clock.NewFake(t0))

	ev := tr.Evaluate(failure)
	assert.Equal(t, Deny, ev.Decision)
	assert.ErrorIs(t, ev.Reason, apperrors.ErrGraceExhausted)
}

func TestEvaluate_AuthorizedResetsAnchor(t *testing.T) {
	clk := clock.NewFake(t0)
	store := NewMemoryStore()
	tr := newTracker(t, testLicense("L1", 600), "fp", store, clk)

	tr.Evaluate(failure)
	clk.Advance(9 * time.Minute)
	tr.Evaluate(verify.Authorized(time.Time{}))

	a, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, a)
	_, active := tr.Remaining()
	assert.False(t, active)

	// A new window starts at the next failure
	clk.Advance(5 * time.Minute)
	ev := tr.Evaluate(failure)
	assert.Equal(t, AllowProvisional, ev.Decision)
	assert.Equal(t, 10*time.Minute, ev.Remaining)
}

func TestEvaluate_PersistsAcrossRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".app.grace")
	clk := clock.NewFake(t0)
	lc := testLicense("L1", 600)

	first := newTracker(t, lc, "fp", NewFileStore(path), clk)
	assert.Equal(t, AllowProvisional, first.Evaluate(failure).Decision)

	info, err := os.Stat(path)
	require.NoError(t, err)
	if runtime.GOOS != "windows" {
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}

	// A later invocation inside the window keeps the original anchor
	clk.Advance(8 * time.Minute)
	second := newTracker(t, lc, "fp", NewFileStore(path), clk)
	ev := second.Evaluate(failure)
	assert.Equal(t, AllowProvisional, ev.Decision)
	assert.Equal(t, 8*time.Minute, ev.Elapsed)

	clk.Advance(3 * time.Minute)
	third := newTracker(t, lc, "fp", NewFileStore(path), clk)
	assert.Equal(t, Deny, third.Evaluate(failure).Decision)

	// Success clears the file
	third.Evaluate(verify.Authorized(time.Time{}))
	_, err = os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestEvaluate_TamperedState(t *testing.T) {
	lc := testLicense("L1", 86400)

	tests := []struct {
		name   string
		mutate func(t *testing.T, path string)
	}{
		{
			name: "garbage file",
			mutate: func(t *testing.T, path string) {
				require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))
			},
		},
		{
			name: "anchor moved forward",
			mutate: func(t *testing.T, path string) {
				editAnchor(t, path, func(a *Anchor) { a.FirstFailure = a.FirstFailure.Add(time.Hour) })
			},
		},
		{
			name: "signature removed",
			mutate: func(t *testing.T, path string) {
				editAnchor(t, path, func(a *Anchor) { a.Signature = "" })
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), ".app.grace")
			clk := clock.NewFake(t0)
			newTracker(t, lc, "fp", NewFileStore(path), clk).Evaluate(failure)

			tt.mutate(t, path)

			tr := newTracker(t, lc, "fp", NewFileStore(path), clk)
			ev := tr.Evaluate(failure)
			assert.Equal(t, Deny, ev.Decision)
			assert.ErrorIs(t, ev.Reason, apperrors.ErrGraceExhausted)

			remaining, active := tr.Remaining()
			assert.True(t, active)
			assert.Zero(t, remaining)
		})
	}
}

func TestEvaluate_AnchorFromOtherMachine(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".app.grace")
	clk := clock.NewFake(t0)
	newTracker(t, testLicense("L1", 86400), "machine-a", NewFileStore(path), clk).Evaluate(failure)

	ev := newTracker(t, testLicense("L1", 86400), "machine-b", NewFileStore(path), clk).Evaluate(failure)
	assert.Equal(t, Deny, ev.Decision)
	assert.ErrorIs(t, ev.Reason, apperrors.ErrGraceStateTampered)
}

func TestEvaluate_ClockRollback(t *testing.T) {
	clk := clock.NewFake(t0)
	tr := newTracker(t, testLicense("L1", 86400), "fp", NewMemoryStore(), clk)
	tr.Evaluate(failure)

	clk.Set(t0.Add(-2 * time.Minute))
	assert.Equal(t, AllowProvisional, tr.Evaluate(failure).Decision, "small skew is tolerated")

	clk.Set(t0.Add(-RollbackTolerance - time.Second))
	ev := tr.Evaluate(failure)
	assert.Equal(t, Deny, ev.Decision)
	assert.ErrorIs(t, ev.Reason, apperrors.ErrGraceExhausted)
}

type failingStore struct{}

func (failingStore) Load() (*Anchor, error) { return nil, errors.New("permission denied") }
func (failingStore) Save(*Anchor) error     { return errors.New("read-only file system") }
func (failingStore) Clear() error           { return nil }

func TestEvaluate_UnwritableStoreFallsBackToMemory(t *testing.T) {
	clk := clock.NewFake(t0)
	tr := newTracker(t, testLicense("L1", 600), "fp", failingStore{}, clk)

	assert.Equal(t, AllowProvisional, tr.Evaluate(failure).Decision)
	clk.Advance(11 * time.Minute)
	assert.Equal(t, Deny, tr.Evaluate(failure).Decision)
}

func TestFileStore_Missing(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "none"))
	a, err := s.Load()
	assert.NoError(t, err)
	assert.Nil(t, a)
	assert.NoError(t, s.Clear())
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "allow", Allow.String())
	assert.Equal(t, "allow_provisional", AllowProvisional.String())
	assert.Equal(t, "deny", Deny.String())
}

func editAnchor(t *testing.T, path string, fn func(a *Anchor)) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var a Anchor
	require.NoError(t, json.Unmarshal(data, &a))
	fn(&a)
	data, err = json.Marshal(a)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
}
