// Package destruct carries out the response to a denied or tampered license:
// stop the base binary, then optionally remove the supervisor's own binary.
package destruct

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"licensegate/internal/config"
)

// Terminator is the running child as the responder sees it
type Terminator interface {
	Terminate(grace time.Duration) error
}

// Remover deletes a file using the platform's strategy
type Remover interface {
	Remove(path string) error
}

// Outcome records what Respond did
type Outcome struct {
	ExitCode   int
	Reason     error
	KillMethod config.KillMethod
	ChildKill  error
	Removed    []string
	Failures   []error
}

// Options configures a Responder
type Options struct {
	SelfDestruct   bool
	KillMethod     config.KillMethod
	Executable     string
	SidecarFile    string
	GraceFiles     []string
	TerminateGrace time.Duration
	Remover        Remover
	Logger         *slog.Logger
}

// Responder applies the denial response exactly once
type Responder struct {
	selfDestruct bool
	executable   string
	sidecar      string
	anchors      []string
	grace        time.Duration
	remover      Remover
	logger       *slog.Logger

	mu     sync.Mutex
	method config.KillMethod
	child  Terminator

	once    sync.Once
	outcome Outcome
}

// NewResponder creates a responder
func NewResponder(opts Options) *Responder {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Remover == nil {
		opts.Remover = PlatformRemover()
	}
	if opts.KillMethod == "" {
		opts.KillMethod = config.KillDelete
	}
	return &Responder{
		selfDestruct: opts.SelfDestruct,
		executable:   opts.Executable,
		sidecar:      opts.SidecarFile,
		anchors:      opts.GraceFiles,
		grace:        opts.TerminateGrace,
		remover:      opts.Remover,
		method:       opts.KillMethod,
		logger:       opts.Logger.With(slog.String("component", "destruct")),
	}
}

// Attach registers the child that Respond must stop first
func (r *Responder) Attach(child Terminator) {
	r.mu.Lock()
	r.child = child
	r.mu.Unlock()
}

// SetKillMethod applies a server override. Unknown methods are ignored.
func (r *Responder) SetKillMethod(m config.KillMethod) {
	if !m.Valid() {
		return
	}
	r.mu.Lock()
	r.method = m
	r.mu.Unlock()
}

// Respond stops the child and applies the kill method. Only the first call
// has side effects; every call returns the first outcome.
func (r *Responder) Respond(ctx context.Context, reason error) Outcome {
	r.once.Do(func() {
		r.outcome = r.respond(ctx, reason)
	})
	return r.outcome
}

func (r *Responder) respond(ctx context.Context, reason error) Outcome {
	r.mu.Lock()
	child, method := r.child, r.method
	r.mu.Unlock()

	out := Outcome{
		ExitCode:   config.ExitDenied,
		Reason:     reason,
		KillMethod: method,
	}

	r.logger.ErrorContext(ctx, "License denied, responding",
		slog.String("reason", errString(reason)),
		slog.Bool("self_destruct", r.selfDestruct),
		slog.String("kill_method", string(method)))

	if child != nil {
		if err := child.Terminate(r.grace); err != nil {
			out.ChildKill = err
			r.logger.ErrorContext(ctx, "Failed to stop base binary", slog.String("error", err.Error()))
		}
	}

	if !r.selfDestruct || method == config.KillStop {
		return out
	}

	if method == config.KillShred {
		if err := Shred(r.executable); err != nil {
			out.Failures = append(out.Failures, err)
			r.logger.WarnContext(ctx, "Overwrite failed, removing anyway", slog.String("error", err.Error()))
		}
	}

	for _, path := range append([]string{r.executable, r.sidecar}, r.anchors...) {
		if path == "" {
			continue
		}
		if err := r.remover.Remove(path); err != nil {
			out.Failures = append(out.Failures, fmt.Errorf("remove %s: %w", path, err))
			r.logger.WarnContext(ctx, "Failed to remove file", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		out.Removed = append(out.Removed, path)
	}

	r.logger.InfoContext(ctx, "Self-destruct finished",
		slog.Int("removed", len(out.Removed)),
		slog.Int("failures", len(out.Failures)))
	return out
}

var shredPatterns = []byte{0x00, 0xFF, 0xAA}

// Shred overwrites path in place once per pattern, syncing after each pass.
// A missing file is not an error.
func Shred(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open for overwrite: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat for overwrite: %w", err)
	}

	buf := make([]byte, 64*1024)
	for _, pattern := range shredPatterns {
		for i := range buf {
			buf[i] = pattern
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("seek: %w", err)
		}
		for left := info.Size(); left > 0; {
			n := int64(len(buf))
			if left < n {
				n = left
			}
			if _, err := f.Write(buf[:n]); err != nil {
				return fmt.Errorf("overwrite pass 0x%02X: %w", pattern, err)
			}
			left -= n
		}
		if err := f.Sync(); err != nil {
			return fmt.Errorf("sync pass 0x%02X: %w", pattern, err)
		}
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
