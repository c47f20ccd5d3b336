//go:build !unix && !windows

package process

import (
	"io"
	"os"
	"os/exec"
)

func configureCommand(*exec.Cmd, io.Reader) func() { return func() {} }

func (c *Child) interrupt() error {
	return c.cmd.Process.Signal(os.Interrupt)
}

func (c *Child) kill() error {
	return c.cmd.Process.Kill()
}

func (c *Child) signal(sig os.Signal) error {
	return c.cmd.Process.Signal(sig)
}

func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	return state.ExitCode()
}
