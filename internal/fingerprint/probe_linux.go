//go:build linux

package fingerprint

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/sys/unix"
)

// procRoot is replaced in tests
var procRoot = "/proc"

// SystemProbes returns the probes for this platform
func SystemProbes() Probes {
	return Probes{
		CPUModel:    linuxCPUModel,
		CPUCores:    linuxCPUCores,
		MemoryBytes: linuxMemory,
		MAC:         primaryMAC,
	}
}

func readCPUInfo() ([]byte, error) {
	return os.ReadFile(filepath.Join(procRoot, "cpuinfo"))
}

// linuxCPUModel reads the first model line of /proc/cpuinfo. ARM kernels
// publish the model under different keys.
func linuxCPUModel() (string, error) {
	data, err := readCPUInfo()
	if err != nil {
		return "", err
	}
	keys := []string{"model name", "Hardware", "Processor", "cpu model", "uarch"}
	found := make(map[string]string, len(keys))

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, seen := found[key]; !seen {
			found[key] = value
		}
	}
	for _, k := range keys {
		if v, ok := found[k]; ok {
			return v, nil
		}
	}
	return "", fmt.Errorf("no model entry in cpuinfo")
}

// linuxCPUCores counts processor entries, which unlike runtime.NumCPU does
// not depend on the process's affinity mask.
func linuxCPUCores() (int, error) {
	data, err := readCPUInfo()
	if err != nil {
		return runtime.NumCPU(), nil
	}
	count := 0
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, _, ok := strings.Cut(scanner.Text(), ":")
		if ok && strings.TrimSpace(key) == "processor" {
			count++
		}
	}
	if count == 0 {
		return runtime.NumCPU(), nil
	}
	return count, nil
}

func linuxMemory() (uint64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, fmt.Errorf("sysinfo: %w", err)
	}
	return uint64(info.Totalram) * uint64(info.Unit), nil
}
