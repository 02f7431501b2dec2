package x62

import (
	"bytes"
	"fmt"
	"sync"

	"kraken-go-home/internal/kraken"
)

// Batch is the set of LED messages sent together, one per cycle. Only the
// first Len slots are transmitted.
type Batch struct {
	Slots [BatchSlots]Slot
	Len   int
}

func defaultBatch() Batch {
	var b Batch
	for i := range b.Slots {
		b.Slots[i] = defaultSlot(uint8(i))
	}
	b.Len = 1
	return b
}

// Bytes returns the transmitted messages back to back.
func (b *Batch) Bytes() []byte {
	out := make([]byte, 0, b.Len*LEDMsgSize)
	for i := 0; i < b.Len; i++ {
		m := b.Slots[i].Encode()
		out = append(out, m[:]...)
	}
	return out
}

// LEDCell holds the lighting configuration. Setters edit a staged batch
// without checking it; SetZone finalizes the staged batch, checks it and
// makes it the committed batch that the next pass sends.
type LEDCell struct {
	mu        sync.Mutex
	staged    Batch
	logoSet   int
	ringSet   int
	committed Batch
	gen       uint64 // bumped on every successful SetZone
	dirty     bool
	prev      []byte // nil until a batch was sent
}

// NewLEDCell returns a cell with the default single-slot batch.
func NewLEDCell() *LEDCell {
	b := defaultBatch()
	return &LEDCell{staged: b, committed: b}
}

func (c *LEDCell) each(fn func(*Slot)) {
	for i := range c.staged.Slots {
		fn(&c.staged.Slots[i])
	}
}

// SetCycles sets how many slots the batch sends.
func (c *LEDCell) SetCycles(n int) error {
	if n < 1 || n > BatchSlots {
		return fmt.Errorf("%w: cycles must be 1-%d, got %d", kraken.ErrInvalidArgument, BatchSlots, n)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.staged.Len = n
	return nil
}

func (c *LEDCell) SetPreset(p Preset) error {
	if _, ok := presetRules[p]; !ok {
		return fmt.Errorf("%w: unknown preset %d", kraken.ErrInvalidArgument, p)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.each(func(s *Slot) { s.Preset = p })
	return nil
}

func (c *LEDCell) SetMoving(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.each(func(s *Slot) { s.Moving = on })
}

func (c *LEDCell) SetDirection(d Direction) error {
	if d > Backward {
		return fmt.Errorf("%w: unknown direction %d", kraken.ErrInvalidArgument, d)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.each(func(s *Slot) { s.Direction = d })
	return nil
}

func (c *LEDCell) SetSpeed(v Speed) error {
	if v > Fastest {
		return fmt.Errorf("%w: unknown interval %d", kraken.ErrInvalidArgument, v)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.each(func(s *Slot) { s.Speed = v })
	return nil
}

func (c *LEDCell) SetGroupSize(n int) error {
	if n < GroupSizeMin || n > GroupSizeMax {
		return fmt.Errorf("%w: group size must be %d-%d, got %d", kraken.ErrInvalidArgument, GroupSizeMin, GroupSizeMax, n)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.each(func(s *Slot) { s.GroupSize = uint8(n) })
	return nil
}

// SetLogoColors assigns colors to the logo of consecutive slots starting at
// slot 0. An empty list clears the count of colored slots.
func (c *LEDCell) SetLogoColors(colors []kraken.Color) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(colors) == 0 || len(colors) > BatchSlots {
		c.logoSet = 0
		return fmt.Errorf("%w: need 1-%d logo colors, got %d", kraken.ErrInvalidArgument, BatchSlots, len(colors))
	}
	for i, col := range colors {
		c.staged.Slots[i].Logo = col
	}
	c.logoSet = len(colors)
	return nil
}

// SetRingColors assigns one set of ring colors per slot starting at slot 0.
// An empty list clears the count of colored slots.
func (c *LEDCell) SetRingColors(sets [][RingColors]kraken.Color) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(sets) == 0 || len(sets) > BatchSlots {
		c.ringSet = 0
		return fmt.Errorf("%w: need 1-%d ring color sets, got %d", kraken.ErrInvalidArgument, BatchSlots, len(sets))
	}
	for i, set := range sets {
		c.staged.Slots[i].Ring = set
	}
	c.ringSet = len(sets)
	return nil
}

// ParseLogoColors reads whitespace-separated rrggbb colors, one per slot.
// The first is required; reading stops at the first malformed color and
// anything past BatchSlots colors is ignored. A missing first color clears
// the count of colored slots.
func (c *LEDCell) ParseLogoColors(s string) error {
	sc := kraken.NewScanner(s)
	first, err := sc.Color()
	if err != nil {
		_ = c.SetLogoColors(nil)
		return err
	}
	colors := []kraken.Color{first}
	for len(colors) < BatchSlots {
		col, err := sc.Color()
		if err != nil {
			break
		}
		colors = append(colors, col)
	}
	return c.SetLogoColors(colors)
}

// ParseRingColors reads rrggbb colors in sets of eight. The first set is
// required. A set whose first color is malformed ends the list, a set cut
// short is rejected, and sets past BatchSlots are ignored. A rejected list
// clears the count of colored slots.
func (c *LEDCell) ParseRingColors(s string) error {
	sc := kraken.NewScanner(s)
	var sets [][RingColors]kraken.Color
	for len(sets) < BatchSlots {
		var set [RingColors]kraken.Color
		n := 0
		for ; n < RingColors; n++ {
			col, err := sc.Color()
			if err != nil {
				break
			}
			set[n] = col
		}
		switch {
		case n == RingColors:
			sets = append(sets, set)
			continue
		case n == 0 && len(sets) > 0:
			return c.SetRingColors(sets)
		case n == 0:
			_ = c.SetRingColors(nil)
			return fmt.Errorf("%w: no ring colors", kraken.ErrInvalidArgument)
		}
		_ = c.SetRingColors(nil)
		return fmt.Errorf("%w: ring color set %d has %d of %d colors", kraken.ErrInvalidArgument, len(sets)+1, n, RingColors)
	}
	return c.SetRingColors(sets)
}

// SetZone targets the staged batch at z and checks it. On success the
// staged batch becomes the committed batch and is sent by the next pass; on
// failure the committed batch is left as it was.
func (c *LEDCell) SetZone(z Zone) error {
	if z != ZoneSync && z != ZoneLogo && z != ZoneRing {
		return fmt.Errorf("%w: unknown zone %d", kraken.ErrInvalidArgument, z)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.each(func(s *Slot) { s.Zone = z })
	if err := checkBatch(c.staged.Slots[0], c.staged.Len, c.logoSet, c.ringSet); err != nil {
		return err
	}
	c.committed = c.staged
	c.gen++
	c.dirty = true
	return nil
}

// Staged returns the batch being edited and the colored slot counts.
func (c *LEDCell) Staged() (b Batch, logoSet, ringSet int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.staged, c.logoSet, c.ringSet
}

// Committed returns the last accepted batch.
func (c *LEDCell) Committed() Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committed
}

// Dirty reports whether a committed batch awaits transmission.
func (c *LEDCell) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

// ledPending is a batch copied out of the cell for transmission.
type ledPending struct {
	gen  uint64
	data []byte
}

// messages splits the copied batch into its 32-byte messages.
func (p ledPending) messages() [][]byte {
	out := make([][]byte, 0, len(p.data)/LEDMsgSize)
	for o := 0; o < len(p.data); o += LEDMsgSize {
		out = append(out, p.data[o:o+LEDMsgSize])
	}
	return out
}

// pending returns the committed batch if it is dirty and differs from what
// was last sent. A clean or unchanged batch yields ok false; an unchanged
// one is marked clean.
func (c *LEDCell) pending() (p ledPending, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return ledPending{}, false
	}
	data := c.committed.Bytes()
	if c.prev != nil && bytes.Equal(data, c.prev) {
		c.dirty = false
		return ledPending{}, false
	}
	return ledPending{gen: c.gen, data: data}, true
}

// sent records that p reached the device. The cell stays dirty if another
// batch was committed in the meantime.
func (c *LEDCell) sent(p ledPending) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prev = p.data
	if c.gen == p.gen {
		c.dirty = false
	}
}
