// Package x62 drives Kraken X*2 coolers (1e71:170e): status telemetry, fan and
// pump duty, and the ring and logo LEDs.
package x62

import (
	"fmt"
	"time"

	"kraken-go-home/internal/kraken"
)

const (
	endpointOut uint8 = 0x01
	endpointIn  uint8 = 0x81

	transferTimeout = time.Second

	StatusSize  = 17
	PercentSize = 5
	LEDMsgSize  = 32
	BatchSlots  = 8
	RingColors  = 8
)

var (
	percentHeader = [2]byte{0x02, 0x4d}
	ledHeader     = [2]byte{0x02, 0x4c}
)

// Zone is the LED region a message targets.
type Zone uint8

const (
	ZoneSync Zone = 0b000
	ZoneLogo Zone = 0b001
	ZoneRing Zone = 0b010
)

var zoneNames = []string{"sync", "logo", "ring"}

func (z Zone) String() string { return name(zoneNames, int(z)) }

// Preset is the lighting animation.
type Preset uint8

const (
	PresetFixed Preset = iota
	PresetFading
	PresetSpectrumWave
	PresetMarquee
	PresetCoveringMarquee
	PresetAlternating
	PresetBreathing
	PresetPulse
	PresetTaiChi
	PresetWaterCooler
	PresetLoad
)

var presetNames = []string{
	"fixed", "fading", "spectrum_wave", "marquee", "covering_marquee",
	"alternating", "breathing", "pulse", "tai_chi", "water_cooler", "load",
}

func (p Preset) String() string { return name(presetNames, int(p)) }

// Direction is the animation direction around the ring.
type Direction uint8

const (
	Forward Direction = iota
	Backward
)

var directionNames = []string{"forward", "backward"}

func (d Direction) String() string { return name(directionNames, int(d)) }

// Speed is the animation step interval.
type Speed uint8

const (
	Slowest Speed = iota
	Slower
	Normal
	Faster
	Fastest
)

var speedNames = []string{"slowest", "slower", "normal", "faster", "fastest"}

func (s Speed) String() string { return name(speedNames, int(s)) }

const (
	GroupSizeMin = 3
	GroupSizeMax = 6
)

// Defaults of a freshly attached device.
const (
	DefaultPreset    = PresetLoad
	DefaultMoving    = false
	DefaultDirection = Forward
	DefaultSpeed     = Normal
	DefaultGroupSize = GroupSizeMin
)

func name(names []string, i int) string {
	if i < 0 || i >= len(names) {
		return fmt.Sprintf("unknown(%d)", i)
	}
	return names[i]
}

// encodePercent builds a duty message for zone.
func encodePercent(zone, percent uint8) []byte {
	return []byte{percentHeader[0], percentHeader[1], zone, 0x00, percent}
}

// Slot is the content of one LED message, one animation cycle.
type Slot struct {
	Zone      Zone
	Preset    Preset
	Moving    bool
	Direction Direction
	Speed     Speed
	GroupSize uint8
	Cycle     uint8
	Logo      kraken.Color
	Ring      [RingColors]kraken.Color
}

func defaultSlot(cycle uint8) Slot {
	return Slot{
		Zone:      ZoneSync,
		Preset:    DefaultPreset,
		Moving:    DefaultMoving,
		Direction: DefaultDirection,
		Speed:     DefaultSpeed,
		GroupSize: DefaultGroupSize,
		Cycle:     cycle,
	}
}

// Encode packs the slot into a 32-byte LED message:
//
//	[0:2]  0x02 0x4c
//	[2]    zone(3) | moving(1)<<3 | direction(4)<<4
//	[3]    preset
//	[4]    speed(3) | (groupSize-3)(2)<<3 | cycle(3)<<5
//	[5:8]  logo color, green red blue
//	[8:32] ring colors, red green blue
func (s Slot) Encode() [LEDMsgSize]byte {
	var m [LEDMsgSize]byte
	m[0], m[1] = ledHeader[0], ledHeader[1]

	m[2] = uint8(s.Zone) & 0b111
	if s.Moving {
		m[2] |= 1 << 3
	}
	m[2] |= (uint8(s.Direction) & 0b1111) << 4

	m[3] = uint8(s.Preset)

	m[4] = uint8(s.Speed) & 0b111
	m[4] |= ((s.GroupSize - GroupSizeMin) & 0b11) << 3
	m[4] |= (s.Cycle & 0b111) << 5

	m[5], m[6], m[7] = s.Logo.G, s.Logo.R, s.Logo.B
	for i, c := range s.Ring {
		o := 8 + 3*i
		m[o], m[o+1], m[o+2] = c.R, c.G, c.B
	}
	return m
}

// DecodeSlot unpacks an LED message.
func DecodeSlot(m []byte) (Slot, error) {
	if len(m) != LEDMsgSize {
		return Slot{}, fmt.Errorf("led message is %d bytes, want %d", len(m), LEDMsgSize)
	}
	if m[0] != ledHeader[0] || m[1] != ledHeader[1] {
		return Slot{}, fmt.Errorf("led message header %02x%02x", m[0], m[1])
	}
	s := Slot{
		Zone:      Zone(m[2] & 0b111),
		Moving:    m[2]>>3&1 == 1,
		Direction: Direction(m[2] >> 4),
		Preset:    Preset(m[3]),
		Speed:     Speed(m[4] & 0b111),
		GroupSize: (m[4]>>3)&0b11 + GroupSizeMin,
		Cycle:     m[4] >> 5,
		Logo:      kraken.Color{G: m[5], R: m[6], B: m[7]},
	}
	for i := range s.Ring {
		o := 8 + 3*i
		s.Ring[i] = kraken.Color{R: m[o], G: m[o+1], B: m[o+2]}
	}
	return s, nil
}
