package usbio

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Conn pairs a Transport with the device's transfer buffer. Messages are
// copied into the buffer before I/O so callers may reuse their slices, and
// every transfer that moves fewer bytes than asked fails with
// ErrShortTransfer.
type Conn struct {
	mu     sync.Mutex
	t      Transport
	buf    *Buffer
	closed bool
}

// NewConn wraps t. A nil buf selects a default-sized buffer.
func NewConn(t Transport, buf *Buffer) *Conn {
	if buf == nil {
		buf = NewBuffer(0)
	}
	return &Conn{t: t, buf: buf}
}

// Send writes msg to an OUT endpoint.
func (c *Conn) Send(ctx context.Context, endpoint uint8, msg []byte, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	b, err := c.buf.Acquire(len(msg))
	if err != nil {
		return err
	}
	copy(b, msg)

	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	n, err := c.t.Transfer(ctx, endpoint&^EndpointDirIn, b)
	if err != nil {
		return fmt.Errorf("write ep 0x%02x: %w: %w", endpoint, ErrTransport, err)
	}
	if n != len(msg) {
		return fmt.Errorf("write ep 0x%02x: %d of %d bytes: %w", endpoint, n, len(msg), ErrShortTransfer)
	}
	return nil
}

// Receive fills dst from an IN endpoint.
func (c *Conn) Receive(ctx context.Context, endpoint uint8, dst []byte, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	b, err := c.buf.Acquire(len(dst))
	if err != nil {
		return err
	}

	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	n, err := c.t.Transfer(ctx, endpoint|EndpointDirIn, b)
	if err != nil {
		return fmt.Errorf("read ep 0x%02x: %w: %w", endpoint|EndpointDirIn, ErrTransport, err)
	}
	if n != len(dst) {
		return fmt.Errorf("read ep 0x%02x: %d of %d bytes: %w", endpoint|EndpointDirIn, n, len(dst), ErrShortTransfer)
	}
	copy(dst, b)
	return nil
}

// ControlOut sends data in the data stage of a host-to-device control
// transfer. data may be empty.
func (c *Conn) ControlOut(ctx context.Context, requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	b, err := c.buf.Acquire(len(data))
	if err != nil {
		return err
	}
	copy(b, data)

	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	n, err := c.t.Control(ctx, requestType&^RequestDirIn, request, value, index, b)
	if err != nil {
		return fmt.Errorf("control out 0x%02x: %w: %w", request, ErrTransport, err)
	}
	if n != len(data) {
		return fmt.Errorf("control out 0x%02x: %d of %d bytes: %w", request, n, len(data), ErrShortTransfer)
	}
	return nil
}

// ControlIn reads up to len(dst) bytes through a device-to-host control
// transfer and returns how many arrived. Descriptor reads legitimately
// return less than requested, so the caller validates the length.
func (c *Conn) ControlIn(ctx context.Context, requestType, request uint8, value, index uint16, dst []byte, timeout time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}

	b, err := c.buf.Acquire(len(dst))
	if err != nil {
		return 0, err
	}

	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	n, err := c.t.Control(ctx, requestType|RequestDirIn, request, value, index, b)
	if err != nil {
		return 0, fmt.Errorf("control in 0x%02x: %w: %w", request, ErrTransport, err)
	}
	if n > len(dst) {
		n = len(dst)
	}
	copy(dst, b[:n])
	return n, nil
}

// Close releases the transport. Further transfers fail with ErrClosed.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.t.Close()
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
