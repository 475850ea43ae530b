package vault

import (
	"os"
	"strings"
)

const machineIDPath = "/etc/machine-id"

// resolveMachineID returns a stable per-machine identifier used as the key
// derivation password. Lookup order: APITAP_MACHINE_ID, /etc/machine-id,
// then a hostname/home fallback so containers without a machine-id still
// get a deterministic key.
func resolveMachineID() string {
	if id := strings.TrimSpace(os.Getenv("APITAP_MACHINE_ID")); id != "" {
		return id
	}
	if data, err := os.ReadFile(machineIDPath); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}
	host, _ := os.Hostname()
	home, _ := os.UserHomeDir()
	return host + "|" + home
}
