package update

import (
	"context"
	"errors"
	"sync"
)

// ErrDetached is returned to waiters when the device goes away.
var ErrDetached = errors.New("device detached")

type generation struct {
	done chan struct{}
	err  error // written before done is closed
}

func newGeneration() *generation {
	return &generation{done: make(chan struct{})}
}

// Waiters lets any number of callers block until the next update pass
// completes. Each completed pass releases everyone waiting on it and starts a
// fresh generation, so a wait that begins after a release blocks again.
type Waiters struct {
	mu     sync.Mutex
	cur    *generation
	closed bool
}

// NewWaiters returns an open wait set.
func NewWaiters() *Waiters {
	return &Waiters{cur: newGeneration()}
}

// Ticket is a claim on the completion of the pass that follows Next.
type Ticket struct {
	g *generation
}

// Next returns a ticket for the next release.
func (w *Waiters) Next() Ticket {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Ticket{g: w.cur}
}

// Wait blocks until the next release and returns its result.
func (w *Waiters) Wait(ctx context.Context) error {
	return w.Next().Wait(ctx)
}

// Release wakes every holder of the current ticket with result and opens a
// new generation. It is a no-op after Close.
func (w *Waiters) Release(result error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	g := w.cur
	g.err = result
	close(g.done)
	w.cur = newGeneration()
}

// Close wakes everyone with ErrDetached. Tickets taken afterwards return
// ErrDetached immediately.
func (w *Waiters) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.cur.err = ErrDetached
	close(w.cur.done)
}

// Wait blocks until the ticket's pass completes, the wait set is closed, or
// ctx is done. It returns the pass error, ErrDetached, or ctx.Err().
func (t Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.g.done:
		return t.g.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the ticket is released.
func (t Ticket) Done() <-chan struct{} {
	return t.g.done
}
