package fingerprint

import (
	"fmt"
	"net"
	"sort"
)

// interfaceLister is replaced in tests
var interfaceLister = net.Interfaces

// primaryMAC picks the hardware address of the primary interface. Physical
// (globally administered) addresses are preferred over randomized ones, and
// the interface's up/down state is ignored so a cable pull does not change
// the fingerprint.
func primaryMAC() (string, error) {
	interfaces, err := interfaceLister()
	if err != nil {
		return "", fmt.Errorf("failed to get network interfaces: %w", err)
	}
	return selectMAC(interfaces)
}

func selectMAC(interfaces []net.Interface) (string, error) {
	candidates := make([]net.Interface, 0, len(interfaces))
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || !usableMAC(iface.HardwareAddr) {
			continue
		}
		candidates = append(candidates, iface)
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("no valid MAC address found")
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Index < candidates[j].Index
	})

	for _, iface := range candidates {
		if !locallyAdministered(iface.HardwareAddr) {
			return iface.HardwareAddr.String(), nil
		}
	}

	// Fallback: randomized addresses still beat no address
	return candidates[0].HardwareAddr.String(), nil
}

func usableMAC(addr net.HardwareAddr) bool {
	if len(addr) == 0 {
		return false
	}
	for _, b := range addr {
		if b != 0 {
			return true
		}
	}
	return false
}

func locallyAdministered(addr net.HardwareAddr) bool {
	return addr[0]&0x02 != 0
}
