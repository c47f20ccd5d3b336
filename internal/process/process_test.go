//go:build unix

package process

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	apperrors "licensegate/internal/errors"
)

func newTestLauncher(out io.Writer) *Launcher {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return NewLauncher(logger, WithStdio(nil, out, io.Discard))
}

func startShell(t *testing.T, l *Launcher, script string, args ...string) *Child {
	t.Helper()
	child, err := l.Start(context.Background(), "/bin/sh", append([]string{"-c", script, "sh"}, args...))
	require.NoError(t, err)
	t.Cleanup(func() { _ = child.Terminate(0) })
	return child
}

func waitForFile(t *testing.T, path string) string {
	t.Helper()
	var data []byte
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(path)
		if err != nil || len(b) == 0 {
			return false
		}
		data = b
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return strings.TrimSpace(string(data))
}

func TestStart_ExitCodes(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   int
	}{
		{"success", "exit 0", 0},
		{"failure", "exit 3", 3},
		{"high code", "exit 200", 200},
		{"killed by TERM", "kill -TERM $$", 128 + int(unix.SIGTERM)},
		{"killed by KILL", "kill -KILL $$", 128 + int(unix.SIGKILL)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			child := startShell(t, newTestLauncher(io.Discard), tt.script)
			code, err := child.Wait()
			require.NoError(t, err)
			assert.Equal(t, tt.want, code)
			assert.False(t, child.Alive())
		})
	}
}

func TestStart_ForwardsArgsAndStdout(t *testing.T) {
	var out bytes.Buffer
	child := startShell(t, newTestLauncher(&out), `printf '%s|' "$@"`, "a b", "--flag", "")

	code, err := child.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "a b|--flag||", out.String())
}

func TestStart_MissingBinary(t *testing.T) {
	_, err := newTestLauncher(io.Discard).Start(context.Background(),
		filepath.Join(t.TempDir(), "does-not-exist"), nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindProcess))
	assert.ErrorIs(t, err, apperrors.ErrSpawnFailed)
}

func TestTerminate_Graceful(t *testing.T) {
	child := startShell(t, newTestLauncher(io.Discard), "sleep 30")
	require.True(t, child.Alive())

	start := time.Now()
	require.NoError(t, child.Terminate(2*time.Second))
	assert.Less(t, time.Since(start), 2*time.Second)

	code, err := child.Wait()
	require.NoError(t, err)
	assert.Equal(t, 128+int(unix.SIGTERM), code)
}

func TestTerminate_EscalatesToKill(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "ready")
	// Ignored signals stay ignored across exec, so sleep ignores TERM too
	child := startShell(t, newTestLauncher(io.Discard), `trap '' TERM; echo ready > "$1"; sleep 30`, marker)
	waitForFile(t, marker)

	start := time.Now()
	require.NoError(t, child.Terminate(200*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)

	code, _ := child.Wait()
	assert.Equal(t, 128+int(unix.SIGKILL), code)
}

func TestTerminate_ReachesProcessGroup(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "pid")
	child := startShell(t, newTestLauncher(io.Discard), `sleep 30 & echo $! > "$1"; wait`, pidFile)
	grandchild, err := strconv.Atoi(waitForFile(t, pidFile))
	require.NoError(t, err)

	require.NoError(t, child.Terminate(time.Second))
	assert.Eventually(t, func() bool { return gone(grandchild) }, 5*time.Second, 20*time.Millisecond)
}

func TestTerminate_Idempotent(t *testing.T) {
	child := startShell(t, newTestLauncher(io.Discard), "sleep 30")

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = child.Terminate(time.Second)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.False(t, child.Alive())
}

func TestTerminate_AfterExit(t *testing.T) {
	child := startShell(t, newTestLauncher(io.Discard), "exit 5")
	code, _ := child.Wait()
	require.Equal(t, 5, code)

	assert.NoError(t, child.Terminate(time.Second))
	code, _ = child.Wait()
	assert.Equal(t, 5, code)
}

func TestSignal_Forwarded(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "ready")
	child := startShell(t, newTestLauncher(io.Discard), `trap 'exit 42' INT; echo ready > "$1"; while :; do sleep 0.05; done`, marker)
	waitForFile(t, marker)

	require.NoError(t, child.Signal(os.Interrupt))
	code, _ := child.Wait()
	assert.Equal(t, 42, code)

	assert.NoError(t, child.Signal(os.Interrupt), "signalling an exited child is a no-op")
}

// gone treats a zombie as gone; it is reaped by whoever adopted it
func gone(pid int) bool {
	if err := unix.Kill(pid, 0); err != nil {
		return true
	}
	stat, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}
	fields := strings.Fields(string(stat[bytes.LastIndexByte(stat, ')')+1:]))
	return len(fields) > 0 && fields[0] == "Z"
}
