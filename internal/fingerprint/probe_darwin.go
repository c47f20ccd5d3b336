//go:build darwin

package fingerprint

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// SystemProbes returns the probes for this platform
func SystemProbes() Probes {
	return Probes{
		CPUModel:    darwinCPUModel,
		CPUCores:    darwinCPUCores,
		MemoryBytes: darwinMemory,
		MAC:         primaryMAC,
	}
}

func darwinCPUModel() (string, error) {
	return unix.Sysctl("machdep.cpu.brand_string")
}

func darwinCPUCores() (int, error) {
	n, err := unix.SysctlUint32("hw.ncpu")
	if err != nil {
		return 0, fmt.Errorf("sysctl hw.ncpu: %w", err)
	}
	return int(n), nil
}

func darwinMemory() (uint64, error) {
	return unix.SysctlUint64("hw.memsize")
}
