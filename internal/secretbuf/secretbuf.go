// Package secretbuf provides locked, zero-on-free memory for key
// material, so that a single Free (or a missed Free caught by the
// finalizer) wipes it and, on platforms that support it, keeps it out
// of swap and core dumps. Recovery keys, stream session keys and the
// sealed-box ECDH secrets and derived keys live in a Buffer. The master
// key and token held by an unlocked Ebox, and the shares stored on its
// parts, are plain []byte slices that are neither locked nor wiped.
package secretbuf

import (
	"log/slog"
	"runtime"
	"sync"
)

var warnOnce sync.Once

// Buffer is a byte slice locked against swap where the platform allows
// it, and zeroed exactly once on Free.
type Buffer struct {
	b      []byte
	mu     sync.Mutex
	freed  bool
	logger *slog.Logger
}

// Alloc returns an n-byte Buffer. The platform hook best-effort locks
// the pages and excludes them from core dumps; if that fails, Alloc
// proceeds with a plain slice without logging (AllocLogger reports
// it) — Free still zeroes the memory either way.
func Alloc(n int) *Buffer {
	return AllocLogger(n, nil)
}

// AllocLogger is Alloc with an explicit logger for the one-time
// platform-support warning. A nil logger discards the message.
func AllocLogger(n int, logger *slog.Logger) *Buffer {
	buf := &Buffer{b: make([]byte, n), logger: logger}
	if err := lockMemory(buf.b); err != nil {
		warnOnce.Do(func() {
			if logger != nil {
				logger.Debug("secretbuf: memory locking unavailable, proceeding without it", "error", err)
			}
		})
	}
	runtime.SetFinalizer(buf, (*Buffer).finalize)
	return buf
}

// FromBytes wraps an existing slice, taking ownership of it. The
// caller must not retain other references to b.
func FromBytes(b []byte) *Buffer {
	buf := &Buffer{b: b}
	runtime.SetFinalizer(buf, (*Buffer).finalize)
	return buf
}

// Bytes returns the underlying slice. The returned slice aliases the
// Buffer's storage and becomes invalid after Free.
func (buf *Buffer) Bytes() []byte {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if buf.freed {
		return nil
	}
	return buf.b
}

// Len returns the buffer's length.
func (buf *Buffer) Len() int {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	return len(buf.b)
}

// Free zeroes the buffer and unlocks its pages. It is safe to call more
// than once; only the first call has an effect.
func (buf *Buffer) Free() {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if buf.freed {
		return
	}
	ZeroBytes(buf.b)
	unlockMemory(buf.b)
	buf.freed = true
	runtime.SetFinalizer(buf, nil)
}

func (buf *Buffer) finalize() {
	buf.Free()
}

// ZeroBytes overwrites b with zeroes. Exported so callers that hold a
// plain []byte derived from a Buffer (e.g. a short-lived HKDF output)
// can wipe it without allocating a Buffer for it.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
