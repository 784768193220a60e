//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly

package mem

// On platforms without mlockall the process cannot pin pages, but enclave
// wiping still applies.
func lockMemoryPlatform() (ProtectionLevel, error) {
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
