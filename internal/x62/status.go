package x62

import (
	"encoding/binary"
	"sync"
	"time"
)

// StatusCell keeps the last status frame received from the device. Header
// and footer bytes are not interpreted.
type StatusCell struct {
	mu    sync.RWMutex
	raw   [StatusSize]byte
	valid bool
	at    time.Time
}

func (c *StatusCell) store(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	copy(c.raw[:], frame)
	c.valid = true
	c.at = time.Now()
}

// Frame returns a copy of the last frame and when it arrived. ok is false
// before the first successful read.
func (c *StatusCell) Frame() (frame [StatusSize]byte, at time.Time, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.raw, c.at, c.valid
}

// LiquidTemp is the coolant temperature in degrees Celsius.
func (c *StatusCell) LiquidTemp() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int(c.raw[1])
}

func (c *StatusCell) FanRPM() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int(binary.BigEndian.Uint16(c.raw[3:5]))
}

func (c *StatusCell) PumpRPM() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int(binary.BigEndian.Uint16(c.raw[5:7]))
}

// Unknown1, Unknown2 and Unknown3 are undocumented status fields exposed
// for inspection.
func (c *StatusCell) Unknown1() uint8 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.raw[2]
}

func (c *StatusCell) Unknown2() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return binary.BigEndian.Uint32(c.raw[7:11])
}

func (c *StatusCell) Unknown3() uint16 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return binary.BigEndian.Uint16(c.raw[15:17])
}
