package usbio

import "fmt"

// MaxBufferSize bounds the transfer buffer.
const MaxBufferSize = 64 << 10

// Buffer is a growable scratch area reused for every transfer on one device.
// It is not safe for concurrent use; Conn serializes access to it.
type Buffer struct {
	b     []byte
	limit int
}

// NewBuffer returns an empty buffer that refuses to grow beyond limit bytes.
// A limit of zero selects MaxBufferSize.
func NewBuffer(limit int) *Buffer {
	if limit <= 0 {
		limit = MaxBufferSize
	}
	return &Buffer{limit: limit}
}

// Acquire returns a slice of exactly size bytes backed by the buffer. The
// backing array grows to at least double its previous capacity when it is too
// small and never shrinks. The contents are unspecified.
func (b *Buffer) Acquire(size int) ([]byte, error) {
	if size < 0 || size > b.limit {
		return nil, fmt.Errorf("acquire %d bytes (limit %d): %w", size, b.limit, ErrOutOfMemory)
	}
	if size > cap(b.b) {
		n := 2 * cap(b.b)
		if n < size {
			n = size
		}
		if n > b.limit {
			n = b.limit
		}
		b.b = make([]byte, n)
	}
	return b.b[:size], nil
}

// Cap reports the current backing capacity.
func (b *Buffer) Cap() int {
	return cap(b.b)
}
