//go:build windows

package process

import (
	"io"
	"os"
	"os/exec"
	"strconv"
)

func configureCommand(*exec.Cmd, io.Reader) func() { return func() {} }

// interrupt has no graceful equivalent for a console child that shares our
// console; go straight to the tree kill.
func (c *Child) interrupt() error {
	return c.kill()
}

func (c *Child) kill() error {
	// taskkill /T reaches the whole tree
	kill := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(c.pid))
	if err := kill.Run(); err != nil {
		c.logger.Debug("taskkill failed, killing process only")
		return c.cmd.Process.Kill()
	}
	return nil
}

func (c *Child) signal(sig os.Signal) error {
	if sig == os.Kill {
		return c.kill()
	}
	// Console control events already reach every process on the console
	return nil
}

func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	return state.ExitCode()
}
