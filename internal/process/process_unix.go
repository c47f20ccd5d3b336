//go:build unix

package process

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// configureCommand puts the child in its own process group so the whole tree
// can be signalled. If stdin is a terminal whose foreground group is ours,
// the child's group takes the foreground so it can read from it. The
// returned func hands the terminal back.
func configureCommand(cmd *exec.Cmd, stdin io.Reader) func() {
	attr := &syscall.SysProcAttr{Setpgid: true}
	cmd.SysProcAttr = attr

	fd, ok := foregroundTerminal(stdin)
	if !ok {
		return func() {}
	}
	attr.Foreground = true
	attr.Ctty = fd
	return func() { _ = reclaimTerminal(fd) }
}

// foregroundTerminal returns the descriptor of stdin when it is a terminal
// and our process group is in its foreground.
func foregroundTerminal(stdin io.Reader) (int, bool) {
	f, ok := stdin.(*os.File)
	if !ok || f == nil {
		return -1, false
	}
	fd := int(f.Fd())
	pgrp, err := unix.IoctlGetInt(fd, unix.TIOCGPGRP)
	if err != nil || pgrp != unix.Getpgrp() {
		return -1, false
	}
	return fd, true
}

// reclaimTerminal makes our process group the foreground group of fd again.
// We are a background group at that point, so SIGTTOU is ignored around the
// ioctl.
func reclaimTerminal(fd int) error {
	signal.Ignore(unix.SIGTTOU)
	defer signal.Reset(unix.SIGTTOU)
	return unix.IoctlSetPointerInt(fd, unix.TIOCSPGRP, unix.Getpgrp())
}

func (c *Child) interrupt() error {
	return c.signalGroup(unix.SIGTERM)
}

func (c *Child) kill() error {
	return c.signalGroup(unix.SIGKILL)
}

func (c *Child) signal(sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return c.cmd.Process.Signal(sig)
	}
	return c.signalGroup(s)
}

func (c *Child) signalGroup(sig syscall.Signal) error {
	err := unix.Kill(-c.pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}
