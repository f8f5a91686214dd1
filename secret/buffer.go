// Package secret provides an explicitly erasable container for plaintext
// secret material such as passwords, PINs and private keys.
package secret

import (
	"crypto/subtle"
	"runtime"
)

// sink receives a fold of every scrubbed buffer so that the zeroing stores
// are always observed by a later read.
var sink byte

// Buffer is a fixed-capacity mutable byte container for a single plaintext
// secret. Unlike a string, its backing storage can be overwritten on demand
// and is never copied by the methods of this type.
//
// NOTE: A Buffer is not safe for concurrent use.
type Buffer struct {
	data []byte

	// locked is true if the backing pages were successfully pinned in
	// memory.
	locked bool

	scrubbed bool
}

// New allocates a zero filled Buffer of the given size. The backing storage
// is pinned in memory where the platform allows it.
func New(size int) *Buffer {
	if size < 0 {
		size = 0
	}

	b := &Buffer{
		data: make([]byte, size),
	}
	if size > 0 {
		b.locked = lockMemory(b.data) == nil
	}

	return b
}

// FromBytes allocates a Buffer holding a copy of src and then zeroes src, so
// that the returned Buffer is the only holder of the secret.
func FromBytes(src []byte) *Buffer {
	b := New(len(src))
	copy(b.data, src)
	Zero(src)

	return b
}

// Bytes returns a borrowed view of the secret. The slice aliases the
// Buffer's storage: it must not be retained past the Buffer's lifetime and
// it reads as all zeroes once Scrub has been called.
func (b *Buffer) Bytes() []byte {
	if b == nil {
		return nil
	}

	return b.data
}

// Len returns the capacity of the buffer in bytes.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}

	return len(b.data)
}

// IsScrubbed returns true once Scrub has been called.
func (b *Buffer) IsScrubbed() bool {
	return b == nil || b.scrubbed
}

// Equal reports whether both buffers hold the same bytes, in constant time
// with respect to their content.
func (b *Buffer) Equal(other *Buffer) bool {
	return subtle.ConstantTimeCompare(b.Bytes(), other.Bytes()) == 1
}

// Scrub overwrites every byte of the buffer with zero, then with the
// buffer's own content while reading it back into a package level sink, so
// the stores can't be dropped as dead writes. It is safe to call Scrub more
// than once, and on a nil Buffer.
func (b *Buffer) Scrub() {
	if b == nil {
		return
	}

	Zero(b.data)

	// Rewrite the buffer with its own content and fold it into the sink.
	var acc byte
	for i := range b.data {
		b.data[i] |= acc
		acc |= b.data[i]
	}
	sink |= acc

	if b.locked {
		_ = unlockMemory(b.data)
		b.locked = false
	}
	b.scrubbed = true

	runtime.KeepAlive(b.data)
}

// Zero overwrites the passed slice with zeroes.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
