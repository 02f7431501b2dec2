package x62

import (
	"errors"
	"strings"
	"testing"

	"kraken-go-home/internal/kraken"
)

func ringText(sets int) string {
	var parts []string
	for i := 0; i < sets*RingColors; i++ {
		parts = append(parts, "0000ff")
	}
	return strings.Join(parts, " ")
}

func TestMarqueeGroupSize(t *testing.T) {
	c := NewLEDCell()
	mustNil(t, c.SetPreset(PresetMarquee))
	mustNil(t, c.SetGroupSize(4))
	mustNil(t, c.ParseRingColors(ringText(1)))
	if err := c.SetZone(ZoneRing); err != nil {
		t.Fatalf("marquee group 4 on ring: %v", err)
	}

	c = NewLEDCell()
	mustNil(t, c.SetPreset(PresetFixed))
	mustNil(t, c.SetGroupSize(4))
	mustNil(t, c.ParseRingColors(ringText(1)))
	if err := c.SetZone(ZoneRing); !errors.Is(err, kraken.ErrInvalidConfiguration) {
		t.Fatalf("fixed group 4: err = %v, want ErrInvalidConfiguration", err)
	}
}

func TestAlternatingNeedsTwoCycles(t *testing.T) {
	c := NewLEDCell()
	mustNil(t, c.SetPreset(PresetAlternating))
	mustNil(t, c.SetCycles(2))
	mustNil(t, c.ParseRingColors(ringText(2)))
	if err := c.SetZone(ZoneRing); err != nil {
		t.Fatalf("two cycles: %v", err)
	}
	if got := c.Committed().Len; got != 2 {
		t.Errorf("committed len = %d, want 2", got)
	}

	mustNil(t, c.SetCycles(1))
	if err := c.SetZone(ZoneRing); !errors.Is(err, kraken.ErrInvalidConfiguration) {
		t.Fatalf("one cycle: err = %v, want ErrInvalidConfiguration", err)
	}
}

func TestFailedZoneKeepsCommittedBatch(t *testing.T) {
	c := NewLEDCell()
	mustNil(t, c.SetPreset(PresetFixed))
	mustNil(t, c.ParseLogoColors("ff0000"))
	mustNil(t, c.SetZone(ZoneLogo))
	before := c.Committed()
	sendAll(t, c)

	mustNil(t, c.SetPreset(PresetMarquee))
	if err := c.SetZone(ZoneLogo); !errors.Is(err, kraken.ErrInvalidConfiguration) {
		t.Fatalf("err = %v, want ErrInvalidConfiguration", err)
	}
	if got := c.Committed(); got != before {
		t.Error("committed batch changed after rejected zone")
	}
	if c.Dirty() {
		t.Error("rejected configuration marked dirty")
	}
}

func TestSettersTouchEverySlot(t *testing.T) {
	c := NewLEDCell()
	mustNil(t, c.SetSpeed(Fastest))
	c.SetMoving(true)
	b, _, _ := c.Staged()
	for i, s := range b.Slots {
		if s.Speed != Fastest || !s.Moving {
			t.Errorf("slot %d not updated: %+v", i, s)
		}
		if s.Cycle != uint8(i) {
			t.Errorf("slot %d cycle = %d", i, s.Cycle)
		}
	}
}

func TestSetterRanges(t *testing.T) {
	c := NewLEDCell()
	for _, n := range []int{0, 9} {
		if err := c.SetCycles(n); !errors.Is(err, kraken.ErrInvalidArgument) {
			t.Errorf("SetCycles(%d) = %v", n, err)
		}
	}
	for _, n := range []int{2, 7} {
		if err := c.SetGroupSize(n); !errors.Is(err, kraken.ErrInvalidArgument) {
			t.Errorf("SetGroupSize(%d) = %v", n, err)
		}
	}
	if err := c.SetZone(Zone(5)); !errors.Is(err, kraken.ErrInvalidArgument) {
		t.Errorf("SetZone(5) = %v", err)
	}
}

func TestParseLogoColors(t *testing.T) {
	c := NewLEDCell()
	mustNil(t, c.ParseLogoColors("ff0000 00ff00 0000ff"))
	b, logo, _ := c.Staged()
	if logo != 3 {
		t.Fatalf("logo count = %d, want 3", logo)
	}
	if b.Slots[1].Logo != (kraken.Color{G: 0xff}) {
		t.Errorf("slot 1 logo = %v", b.Slots[1].Logo)
	}

	if err := c.ParseLogoColors(""); !errors.Is(err, kraken.ErrInvalidArgument) {
		t.Errorf("empty: err = %v", err)
	}
	if _, logo, _ := c.Staged(); logo != 0 {
		t.Errorf("logo count after error = %d, want 0", logo)
	}
	if err := c.ParseLogoColors("zz0000 ff0000"); !errors.Is(err, kraken.ErrInvalidArgument) {
		t.Errorf("malformed first color: err = %v", err)
	}
}

func TestParseLogoColorsKeepsLeadingColors(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"ff0000 00ff00 nothex 0000ff", 2},
		{"ff0000 0f", 1},
		{strings.Repeat("ffffff ", 9), BatchSlots},
		{strings.Repeat("ffffff ", 8) + "garbage", BatchSlots},
	}
	for _, tt := range tests {
		c := NewLEDCell()
		if err := c.ParseLogoColors(tt.in); err != nil {
			t.Errorf("ParseLogoColors(%q) = %v", tt.in, err)
			continue
		}
		if _, logo, _ := c.Staged(); logo != tt.want {
			t.Errorf("ParseLogoColors(%q) count = %d, want %d", tt.in, logo, tt.want)
		}
	}
}

func TestParseRingColorsKeepsLeadingSets(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{ringText(1) + " end", 1},
		{ringText(2) + " \n", 2},
		{ringText(BatchSlots + 1), BatchSlots},
	}
	for _, tt := range tests {
		c := NewLEDCell()
		if err := c.ParseRingColors(tt.in); err != nil {
			t.Errorf("ParseRingColors(%d tokens) = %v", len(strings.Fields(tt.in)), err)
			continue
		}
		if _, _, ring := c.Staged(); ring != tt.want {
			t.Errorf("ParseRingColors(%d tokens) count = %d, want %d", len(strings.Fields(tt.in)), ring, tt.want)
		}
	}

	c := NewLEDCell()
	if err := c.ParseRingColors("nothex " + ringText(1)); !errors.Is(err, kraken.ErrInvalidArgument) {
		t.Errorf("malformed first set: err = %v", err)
	}
}

func TestParseRingColorsPartialSet(t *testing.T) {
	c := NewLEDCell()
	mustNil(t, c.ParseRingColors(ringText(2)))
	if _, _, ring := c.Staged(); ring != 2 {
		t.Fatalf("ring count = %d, want 2", ring)
	}

	err := c.ParseRingColors(ringText(1) + " ff0000 ff0000")
	if !errors.Is(err, kraken.ErrInvalidArgument) {
		t.Fatalf("partial set: err = %v", err)
	}
	if _, _, ring := c.Staged(); ring != 0 {
		t.Errorf("ring count after partial set = %d, want 0", ring)
	}
}

func TestPendingOnlyWhenChanged(t *testing.T) {
	c := NewLEDCell()
	if _, ok := c.pending(); ok {
		t.Fatal("fresh cell has pending batch")
	}

	mustNil(t, c.ParseRingColors(ringText(1)))
	mustNil(t, c.SetZone(ZoneRing))
	p, ok := c.pending()
	if !ok {
		t.Fatal("no pending batch after zone")
	}
	if n := len(p.messages()); n != 1 {
		t.Fatalf("messages = %d, want 1", n)
	}
	c.sent(p)
	if _, ok := c.pending(); ok {
		t.Error("pending again without changes")
	}

	// Same content committed again: nothing to send.
	mustNil(t, c.SetZone(ZoneRing))
	if _, ok := c.pending(); ok {
		t.Error("identical batch pending")
	}
}

func TestCommitDuringTransfer(t *testing.T) {
	c := NewLEDCell()
	mustNil(t, c.ParseRingColors(ringText(1)))
	mustNil(t, c.SetZone(ZoneRing))
	p, _ := c.pending()

	mustNil(t, c.SetPreset(PresetFixed))
	mustNil(t, c.SetZone(ZoneRing))
	c.sent(p)

	if !c.Dirty() {
		t.Fatal("batch committed during transfer lost")
	}
	next, ok := c.pending()
	if !ok {
		t.Fatal("no pending batch")
	}
	s, _ := DecodeSlot(next.messages()[0])
	if s.Preset != PresetFixed {
		t.Errorf("preset = %v, want fixed", s.Preset)
	}
}

func sendAll(t *testing.T, c *LEDCell) {
	t.Helper()
	p, ok := c.pending()
	if !ok {
		t.Fatal("nothing pending")
	}
	c.sent(p)
}

func mustNil(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
