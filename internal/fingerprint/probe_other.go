//go:build !linux && !darwin && !windows

package fingerprint

import "runtime"

// SystemProbes returns the probes for this platform. Only the core count
// and MAC are portable.
func SystemProbes() Probes {
	return Probes{
		CPUCores: func() (int, error) { return runtime.NumCPU(), nil },
		MAC:      primaryMAC,
	}
}
