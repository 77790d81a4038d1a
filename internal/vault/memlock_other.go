//go:build !linux && !darwin

package vault

// Memory locking is unavailable on this platform; zeroization still runs.
func lockBuffer(b []byte)   {}
func unlockBuffer(b []byte) {}
