//go:build linux

package secretbuf

import "golang.org/x/sys/unix"

// lockMemory mlocks b and advises the kernel to exclude it from core
// dumps. Failures are non-fatal: the caller falls back to an unlocked
// buffer and logs once.
func lockMemory(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if err := unix.Mlock(b); err != nil {
		return err
	}
	// MADV_DONTDUMP is best-effort; an error here doesn't undo the
	// mlock, so it's reported but not treated as a full failure.
	_ = unix.Madvise(b, unix.MADV_DONTDUMP)
	return nil
}

func unlockMemory(b []byte) {
	if len(b) == 0 {
		return
	}
	_ = unix.Madvise(b, unix.MADV_DODUMP)
	_ = unix.Munlock(b)
}
