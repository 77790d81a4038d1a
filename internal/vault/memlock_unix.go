//go:build linux || darwin

package vault

import "golang.org/x/sys/unix"

// lockBuffer pins a sensitive buffer so it cannot be swapped to disk.
// Failure is tolerated: some environments cap RLIMIT_MEMLOCK at zero,
// and a missing lock only weakens the swap guarantee, not correctness.
func lockBuffer(b []byte) {
	_ = unix.Mlock(b)
}

func unlockBuffer(b []byte) {
	_ = unix.Munlock(b)
}
