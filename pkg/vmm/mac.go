package vmm

import (
	"crypto/rand"
	"fmt"
)

// qemuOUI is the locally administered prefix QEMU/KVM guests conventionally
// use.
const qemuOUI = "52:54:00"

// GenerateMAC returns a random MAC address under the QEMU OUI.
func GenerateMAC() (string, error) {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate MAC address: %w", err)
	}
	return fmt.Sprintf("%s:%02x:%02x:%02x", qemuOUI, buf[0], buf[1], buf[2]), nil
}
