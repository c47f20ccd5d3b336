//go:build windows

package fingerprint

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
)

// SystemProbes returns the probes for this platform
func SystemProbes() Probes {
	return Probes{
		CPUModel:    windowsCPUModel,
		CPUCores:    windowsCPUCores,
		MemoryBytes: windowsMemory,
		MAC:         primaryMAC,
	}
}

func windowsCPUModel() (string, error) {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE,
		`HARDWARE\DESCRIPTION\System\CentralProcessor\0`, registry.QUERY_VALUE)
	if err != nil {
		return "", fmt.Errorf("open processor key: %w", err)
	}
	defer k.Close()

	name, _, err := k.GetStringValue("ProcessorNameString")
	if err != nil {
		return "", fmt.Errorf("read ProcessorNameString: %w", err)
	}
	return name, nil
}

func windowsCPUCores() (int, error) {
	return runtime.NumCPU(), nil
}

func windowsMemory() (uint64, error) {
	var status windows.MemoryStatusEx
	status.Length = uint32(unsafe.Sizeof(status))
	if err := windows.GlobalMemoryStatusEx(&status); err != nil {
		return 0, fmt.Errorf("GlobalMemoryStatusEx: %w", err)
	}
	return status.TotalPhys, nil
}
