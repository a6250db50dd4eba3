//go:build !linux

package secretbuf

import "errors"

var errUnsupported = errors.New("secretbuf: memory locking not implemented on this platform")

func lockMemory(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return errUnsupported
}

func unlockMemory(b []byte) {}
