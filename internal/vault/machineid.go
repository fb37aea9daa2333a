package vault

import (
	"fmt"
	"net"
	"os"
	"strings"
)

// machineFactor names which source produced the machine identifier, recorded
// in the vault header so a later load on a different machine (or a machine
// whose identifier source changed) is refused rather than silently decrypted
// with the wrong key.
type machineFactor string

const (
	machineFactorMachineID machineFactor = "machine-id"
	machineFactorHostMAC   machineFactor = "host-mac"
)

// currentMachineIdentifier returns the stable per-host value used as KDF
// factor 1, plus which factor produced it. Linux: /etc/machine-id. Falls
// back to hostname+first non-loopback hardware address only when
// /etc/machine-id is unavailable, per spec.
func currentMachineIdentifier() (string, machineFactor, error) {
	if id, err := os.ReadFile("/etc/machine-id"); err == nil {
		trimmed := strings.TrimSpace(string(id))
		if trimmed != "" {
			return trimmed, machineFactorMachineID, nil
		}
	}
	return hostnameAndMAC()
}

func hostnameAndMAC() (string, machineFactor, error) {
	host, err := os.Hostname()
	if err != nil {
		return "", "", fmt.Errorf("machine identifier unavailable: %w", err)
	}
	mac, err := firstHardwareAddr()
	if err != nil {
		return "", "", fmt.Errorf("machine identifier unavailable: %w", err)
	}
	return host + "|" + mac, machineFactorHostMAC, nil
}

func firstHardwareAddr() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String(), nil
	}
	return "", fmt.Errorf("no non-loopback network interface with a hardware address")
}
