package destruct

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensegate/internal/config"
	apperrors "licensegate/internal/errors"
)

var denied = apperrors.Unauthorized("verify", apperrors.ErrLicenseDenied)

type fakeChild struct {
	kills atomic.Int32
	err   error
	// events records the order of side effects across child and remover
	events *eventLog
}

func (c *fakeChild) Terminate(time.Duration) error {
	c.kills.Add(1)
	c.events.add("kill")
	return c.err
}

type recordingRemover struct {
	mu      sync.Mutex
	removed []string
	fail    map[string]error
	events  *eventLog
}

func (r *recordingRemover) Remove(path string) error {
	r.events.add("remove " + filepath.Base(path))
	if err := r.fail[path]; err != nil {
		return err
	}
	r.mu.Lock()
	r.removed = append(r.removed, path)
	r.mu.Unlock()
	return os.Remove(path)
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type fixture struct {
	exe, sidecar string
	anchors      []string
	child        *fakeChild
	remover      *recordingRemover
	events       *eventLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	exe := filepath.Join(dir, "app")
	sidecar := exe + config.SidecarSuffix
	require.NoError(t, os.WriteFile(exe, bytes.Repeat([]byte{0x7f}, 100_000), 0o755))
	require.NoError(t, os.WriteFile(sidecar, []byte(`{}`), 0o600))

	events := &eventLog{}
	return &fixture{
		exe:     exe,
		sidecar: sidecar,
		events:  events,
		child:   &fakeChild{events: events},
		remover: &recordingRemover{events: events, fail: map[string]error{}},
	}
}

func (f *fixture) responder(selfDestruct bool, method config.KillMethod) *Responder {
	r := NewResponder(Options{
		SelfDestruct:   selfDestruct,
		KillMethod:     method,
		Executable:     f.exe,
		SidecarFile:    f.sidecar,
		GraceFiles:     f.anchors,
		TerminateGrace: time.Millisecond,
		Remover:        f.remover,
		Logger:         slog.New(slog.NewJSONHandler(io.Discard, nil)),
	})
	r.Attach(f.child)
	return r
}

func TestRespond_KillsBeforeRemoving(t *testing.T) {
	f := newFixture(t)
	out := f.responder(true, config.KillDelete).Respond(context.Background(), denied)

	assert.Equal(t, config.ExitDenied, out.ExitCode)
	assert.Equal(t, []string{"kill", "remove app", "remove app.config"}, f.events.list())
	assert.ElementsMatch(t, []string{f.exe, f.sidecar}, out.Removed)
	assert.NoFileExists(t, f.exe)
	assert.NoFileExists(t, f.sidecar)
	assert.ErrorIs(t, out.Reason, apperrors.ErrLicenseDenied)
}

func TestRespond_RemovesGraceAnchors(t *testing.T) {
	f := newFixture(t)
	anchor := filepath.Join(filepath.Dir(f.exe), ".app.grace")
	mirror := filepath.Join(t.TempDir(), "app-0a1b2c.grace")
	for _, p := range []string{anchor, mirror} {
		require.NoError(t, os.WriteFile(p, []byte(`{"license_id":"L1"}`), 0o600))
	}
	f.anchors = []string{anchor, mirror}

	out := f.responder(true, config.KillDelete).Respond(context.Background(), denied)

	assert.ElementsMatch(t, []string{f.exe, f.sidecar, anchor, mirror}, out.Removed)
	assert.Empty(t, out.Failures)
	assert.NoFileExists(t, anchor)
	assert.NoFileExists(t, mirror)
}

func TestRespond_StopKeepsGraceAnchors(t *testing.T) {
	f := newFixture(t)
	anchor := filepath.Join(filepath.Dir(f.exe), ".app.grace")
	require.NoError(t, os.WriteFile(anchor, []byte(`{}`), 0o600))
	f.anchors = []string{anchor}

	out := f.responder(true, config.KillStop).Respond(context.Background(), denied)

	assert.Empty(t, out.Removed)
	assert.FileExists(t, anchor)
}

func TestRespond_KillMethods(t *testing.T) {
	tests := []struct {
		name         string
		selfDestruct bool
		method       config.KillMethod
		wantRemoved  bool
	}{
		{"delete", true, config.KillDelete, true},
		{"shred", true, config.KillShred, true},
		{"stop", true, config.KillStop, false},
		{"self destruct disabled", false, config.KillDelete, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			out := f.responder(tt.selfDestruct, tt.method).Respond(context.Background(), denied)

			assert.Equal(t, config.ExitDenied, out.ExitCode)
			assert.Equal(t, int32(1), f.child.kills.Load(), "child is always stopped")
			if tt.wantRemoved {
				assert.NoFileExists(t, f.exe)
			} else {
				assert.FileExists(t, f.exe)
				assert.Empty(t, out.Removed)
			}
		})
	}
}

func TestRespond_ServerOverride(t *testing.T) {
	f := newFixture(t)
	r := f.responder(true, config.KillDelete)
	r.SetKillMethod("format-disk")
	r.SetKillMethod(config.KillStop)

	out := r.Respond(context.Background(), denied)
	assert.Equal(t, config.KillStop, out.KillMethod)
	assert.FileExists(t, f.exe)
}

func TestRespond_RemoveFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.remover.fail[f.exe] = errors.New("access denied")
	f.child.err = apperrors.Process("terminate", apperrors.ErrTerminateFailed)

	out := f.responder(true, config.KillDelete).Respond(context.Background(), denied)

	assert.Equal(t, config.ExitDenied, out.ExitCode)
	assert.Error(t, out.ChildKill)
	require.Len(t, out.Failures, 1)
	assert.Contains(t, out.Failures[0].Error(), "access denied")
	assert.Equal(t, []string{f.sidecar}, out.Removed, "sidecar still removed")
}

func TestRespond_NoChild(t *testing.T) {
	f := newFixture(t)
	r := NewResponder(Options{
		SelfDestruct: true,
		Executable:   f.exe,
		Remover:      f.remover,
		Logger:       slog.New(slog.NewJSONHandler(io.Discard, nil)),
	})

	out := r.Respond(context.Background(), denied)
	assert.Equal(t, config.ExitDenied, out.ExitCode)
	assert.Equal(t, config.KillDelete, out.KillMethod, "delete is the default")
	assert.NoFileExists(t, f.exe)
}

func TestRespond_ConcurrentCallsActOnce(t *testing.T) {
	f := newFixture(t)
	r := f.responder(true, config.KillDelete)

	const callers = 16
	outcomes := make([]Outcome, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			outcomes[i] = r.Respond(context.Background(), denied)
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), f.child.kills.Load())
	assert.Len(t, f.remover.removed, 2)
	for _, out := range outcomes {
		assert.Equal(t, outcomes[0].Removed, out.Removed)
		assert.Equal(t, config.ExitDenied, out.ExitCode)
	}
}

func TestShred(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bin")
	original := bytes.Repeat([]byte("secret"), 30_000)
	require.NoError(t, os.WriteFile(path, original, 0o755))

	require.NoError(t, Shred(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, data, len(original), "size preserved")
	assert.Equal(t, bytes.Repeat([]byte{0xAA}, len(original)), data, "last pass wins")

	assert.NoError(t, Shred(filepath.Join(t.TempDir(), "missing")))
}

func TestPlatformRemover(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bin")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o755))

	rm := PlatformRemover()
	require.NoError(t, rm.Remove(path))
	assert.NoFileExists(t, path)
	assert.NoError(t, rm.Remove(path), "already gone")
}
