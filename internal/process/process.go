// Package process starts the base binary and controls its lifetime.
//
// The child inherits the supervisor's stdio and environment. On Unix it runs
// in its own process group so termination reaches any grandchildren. When
// the supervisor owns the terminal on stdin, that group is made the
// terminal's foreground group for the child's lifetime.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	apperrors "licensegate/internal/errors"
)

// Launcher starts child processes
type Launcher struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	env    []string
	logger *slog.Logger
}

// Option configures a Launcher
type Option func(*Launcher)

// WithStdio replaces the inherited standard streams
func WithStdio(stdin io.Reader, stdout, stderr io.Writer) Option {
	return func(l *Launcher) {
		l.stdin = stdin
		l.stdout = stdout
		l.stderr = stderr
	}
}

// WithEnv replaces the inherited environment
func WithEnv(env []string) Option {
	return func(l *Launcher) { l.env = env }
}

// NewLauncher creates a launcher that passes the supervisor's stdio through
func NewLauncher(logger *slog.Logger, opts ...Option) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Launcher{
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
		logger: logger.With(slog.String("component", "process")),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start launches path with args. The child is not bound to ctx; it runs
// until it exits or Terminate is called.
func (l *Launcher) Start(ctx context.Context, path string, args []string) (*Child, error) {
	cmd := exec.Command(path, args...)
	cmd.Stdin = l.stdin
	cmd.Stdout = l.stdout
	cmd.Stderr = l.stderr
	cmd.Env = l.env
	cmd.WaitDelay = killWait
	release := configureCommand(cmd, l.stdin)

	if err := cmd.Start(); err != nil {
		release()
		return nil, apperrors.Process("spawn", fmt.Errorf("%w: %s: %w", apperrors.ErrSpawnFailed, path, err))
	}

	c := &Child{
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		done:    make(chan struct{}),
		release: release,
		logger:  l.logger.With(slog.Int("pid", cmd.Process.Pid)),
	}
	go c.reap()

	l.logger.InfoContext(ctx, "Base binary started",
		slog.String("path", path),
		slog.Int("pid", c.pid),
		slog.Int("args", len(args)))
	return c, nil
}

// Child is a running base binary
type Child struct {
	cmd    *exec.Cmd
	pid    int
	logger *slog.Logger

	// release hands the terminal back once the child is gone
	release func()

	done    chan struct{}
	code    int
	waitErr error

	termOnce sync.Once
	termErr  error
}

func (c *Child) reap() {
	err := c.cmd.Wait()
	c.code = exitCode(c.cmd.ProcessState)
	c.release()

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		c.waitErr = apperrors.Process("wait", err)
	}
	close(c.done)

	c.logger.Info("Base binary exited", slog.Int("exit_code", c.code))
}

// Pid returns the child's process id
func (c *Child) Pid() int { return c.pid }

// Done is closed once the child has exited and been reaped
func (c *Child) Done() <-chan struct{} { return c.done }

// Alive reports whether the child is still running
func (c *Child) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Wait blocks until the child exits. A death by signal is reported as
// 128+signal.
func (c *Child) Wait() (int, error) {
	<-c.done
	return c.code, c.waitErr
}

// Terminate stops the child and everything it started. It asks politely
// first and forces the kill once grace has elapsed. Only the first call acts;
// later calls wait for the same result.
func (c *Child) Terminate(grace time.Duration) error {
	c.termOnce.Do(func() {
		c.termErr = c.terminate(grace)
	})
	return c.termErr
}

func (c *Child) terminate(grace time.Duration) error {
	if !c.Alive() {
		return nil
	}

	c.logger.Warn("Terminating base binary", slog.Duration("grace", grace))
	if grace > 0 {
		if err := c.interrupt(); err != nil {
			c.logger.Debug("Graceful stop failed, forcing", slog.String("error", err.Error()))
		} else {
			select {
			case <-c.done:
				return nil
			case <-time.After(grace):
			}
		}
	}

	if err := c.kill(); err != nil && c.Alive() {
		return apperrors.Process("terminate", fmt.Errorf("%w: %w", apperrors.ErrTerminateFailed, err))
	}

	select {
	case <-c.done:
		return nil
	case <-time.After(killWait):
		return apperrors.Process("terminate", fmt.Errorf("%w: pid %d still running", apperrors.ErrTerminateFailed, c.pid))
	}
}

// Signal forwards sig to the child
func (c *Child) Signal(sig os.Signal) error {
	if !c.Alive() {
		return nil
	}
	return c.signal(sig)
}

// killWait bounds how long Terminate waits for the reaper after a forced kill
const killWait = 5 * time.Second
