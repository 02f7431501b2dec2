package x62

import (
	"fmt"
	"sync"

	"kraken-go-home/internal/kraken"
)

// unset marks a percent that was never requested or never sent. It is
// outside every valid range.
const unset = 0xFF

// Zone bytes of the duty message.
const (
	zoneFan  uint8 = 0x00
	zonePump uint8 = 0x40
)

// PercentCell holds a requested duty cycle and the one last sent.
type PercentCell struct {
	zone uint8
	min  uint8
	max  uint8

	mu        sync.Mutex
	requested uint8
	lastSent  uint8
	dirty     bool
}

func newPercentCell(zone, lo, hi uint8) *PercentCell {
	return &PercentCell{zone: zone, min: lo, max: hi, requested: unset, lastSent: unset}
}

// NewFanCell accepts 35-100%.
func NewFanCell() *PercentCell { return newPercentCell(zoneFan, 35, 100) }

// NewPumpCell accepts 50-100%.
func NewPumpCell() *PercentCell { return newPercentCell(zonePump, 50, 100) }

// Range returns the accepted bounds.
func (c *PercentCell) Range() (lo, hi uint8) { return c.min, c.max }

// Set requests percent. Values outside the range are rejected and leave the
// cell unchanged.
func (c *PercentCell) Set(percent int) error {
	if percent < int(c.min) || percent > int(c.max) {
		return fmt.Errorf("%w: percent must be %d-%d, got %d", kraken.ErrInvalidArgument, c.min, c.max, percent)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requested = uint8(percent)
	c.dirty = c.requested != c.lastSent
	return nil
}

// Requested returns the requested percent, if any.
func (c *PercentCell) Requested() (uint8, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requested, c.requested != unset
}

// Dirty reports whether the requested value has not been sent yet.
func (c *PercentCell) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

// pending returns the message to send, or nil when nothing changed.
func (c *PercentCell) pending() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty || c.requested == c.lastSent {
		return nil
	}
	return encodePercent(c.zone, c.requested)
}

// sent records that msg reached the device.
func (c *PercentCell) sent(msg []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSent = msg[4]
	c.dirty = c.requested != c.lastSent
}
