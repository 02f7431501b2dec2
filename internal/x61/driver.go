// Package x61 drives the older Kraken X*1 coolers. Every pass opens a
// transaction with a vendor control request and then exchanges bulk
// messages: either the lighting message or the two duty messages, followed
// by a status read.
package x61

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"kraken-go-home/internal/kraken"
	"kraken-go-home/internal/usbio"
)

// Model is the driver name reported for X*1 devices.
const Model = "x61"

const (
	endpointOut = 0x02
	endpointIn  = 0x82

	transferTimeout = 3 * time.Second
	controlTimeout  = time.Second

	requestTransaction = 0x02
	valueStart         = 0x0001
	valueAttach        = 0x0002

	// StatusSize is the length of a status message.
	StatusSize   = 32
	colorMsgSize = 19

	minSpeed = 30
	maxSpeed = 100
)

// Mode is the lighting mode.
type Mode int

const (
	Off Mode = iota
	Normal
	Alternating
	Blinking
)

var modeNames = []string{"off", "normal", "alternating", "blinking"}

func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return fmt.Sprintf("mode(%d)", int(m))
	}
	return modeNames[m]
}

// Mode flags live in bytes 13-15 of the color message.
var modeFlags = map[Mode][3]byte{
	Off:         {0, 0, 0},
	Normal:      {1, 0, 0},
	Alternating: {1, 1, 0},
	Blinking:    {1, 0, 1},
}

func defaultColorMsg() [colorMsgSize]byte {
	return [colorMsgSize]byte{
		0x10,
		0x00, 0x00, 0xff, // color
		0x00, 0xff, 0x00, // alternate color
		0x00, 0x00, 0x00, 0x3c,
		0x01, 0x01, // interval
		0x01, 0x00, 0x00, // mode
		0x00, 0x00, 0x01,
	}
}

// Driver holds the outgoing messages and the last status of one device.
type Driver struct {
	conn   *usbio.Conn
	logger *slog.Logger

	mu       sync.Mutex
	color    [colorMsgSize]byte
	colorGen uint64
	sentGen  uint64
	speed    uint8
	status   [StatusSize]byte
}

// New returns a driver talking over conn with the power-on defaults.
func New(conn *usbio.Conn, logger *slog.Logger) *Driver {
	return &Driver{
		conn:     conn,
		logger:   logger.With("model", Model),
		color:    defaultColorMsg(),
		colorGen: 1,
		speed:    50,
	}
}

func (d *Driver) Model() string { return Model }

// Init announces the host to the device. X*1 coolers have no serial number
// descriptor worth reading, so the returned serial is empty.
func (d *Driver) Init(ctx context.Context) (string, error) {
	if err := d.conn.ControlOut(ctx, usbio.RequestTypeVend, requestTransaction, valueAttach, 0, nil, controlTimeout); err != nil {
		return "", fmt.Errorf("attach: %w", err)
	}
	d.logger.Debug("initialized")
	return "", nil
}

// Update runs one transaction. A pending lighting change replaces the duty
// messages for that pass.
func (d *Driver) Update(ctx context.Context) error {
	d.mu.Lock()
	gen := d.colorGen
	sendColor := gen != d.sentGen
	color := d.color
	pump := []byte{0x13, d.speed}
	fan := []byte{0x12, d.speed}
	d.mu.Unlock()

	if err := d.conn.ControlOut(ctx, usbio.RequestTypeVend, requestTransaction, valueStart, 0, nil, controlTimeout); err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	if sendColor {
		if err := d.conn.Send(ctx, endpointOut, color[:], transferTimeout); err != nil {
			return fmt.Errorf("set color: %w", err)
		}
	} else {
		if err := d.conn.Send(ctx, endpointOut, pump, transferTimeout); err != nil {
			return fmt.Errorf("set pump speed: %w", err)
		}
		if err := d.conn.Send(ctx, endpointOut, fan, transferTimeout); err != nil {
			return fmt.Errorf("set fan speed: %w", err)
		}
	}

	var status [StatusSize]byte
	if err := d.conn.Receive(ctx, endpointIn, status[:], transferTimeout); err != nil {
		return fmt.Errorf("read status: %w", err)
	}

	d.mu.Lock()
	d.status = status
	if sendColor && d.sentGen < gen {
		d.sentGen = gen
	}
	d.mu.Unlock()
	return nil
}

// Telemetry returns the readings of the last status message.
func (d *Driver) Telemetry() kraken.Telemetry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return kraken.Telemetry{
		LiquidTemp: int(d.status[10]),
		FanRPM:     int(binary.BigEndian.Uint16(d.status[0:2])),
		PumpRPM:    int(binary.BigEndian.Uint16(d.status[8:10])),
	}
}

// ColorPending reports whether a lighting change waits for the next pass.
func (d *Driver) ColorPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.colorGen != d.sentGen
}

// SetSpeed sets the fan and pump duty, 30-100.
func (d *Driver) SetSpeed(pct int) error {
	if pct < minSpeed || pct > maxSpeed {
		return fmt.Errorf("%w: speed %d outside %d-%d", kraken.ErrInvalidArgument, pct, minSpeed, maxSpeed)
	}
	d.mu.Lock()
	d.speed = uint8(pct)
	d.mu.Unlock()
	return nil
}

// Speed returns the requested duty.
func (d *Driver) Speed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int(d.speed)
}

func (d *Driver) editColor(fn func(m *[colorMsgSize]byte)) {
	d.mu.Lock()
	fn(&d.color)
	d.colorGen++
	d.mu.Unlock()
}

// SetColor sets the primary color.
func (d *Driver) SetColor(c kraken.Color) {
	d.editColor(func(m *[colorMsgSize]byte) { m[1], m[2], m[3] = c.R, c.G, c.B })
}

// SetAlternateColor sets the color used by the alternating mode.
func (d *Driver) SetAlternateColor(c kraken.Color) {
	d.editColor(func(m *[colorMsgSize]byte) { m[4], m[5], m[6] = c.R, c.G, c.B })
}

// SetInterval sets the blink and alternate interval. Zero is rejected.
func (d *Driver) SetInterval(n int) error {
	if n < 1 || n > 0xFF {
		return fmt.Errorf("%w: interval %d outside 1-255", kraken.ErrInvalidArgument, n)
	}
	d.editColor(func(m *[colorMsgSize]byte) { m[11], m[12] = byte(n), byte(n) })
	return nil
}

// SetMode selects the lighting mode.
func (d *Driver) SetMode(mode Mode) error {
	flags, ok := modeFlags[mode]
	if !ok {
		return fmt.Errorf("%w: %v", kraken.ErrInvalidArgument, mode)
	}
	d.editColor(func(m *[colorMsgSize]byte) { copy(m[13:16], flags[:]) })
	return nil
}

func (d *Driver) colorMsg() [colorMsgSize]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.color
}

// CurrentMode decodes the mode flags. Alternating wins over blinking when
// both are set.
func (d *Driver) CurrentMode() Mode {
	m := d.colorMsg()
	switch {
	case m[14] == 1:
		return Alternating
	case m[15] == 1:
		return Blinking
	case m[13] == 1:
		return Normal
	}
	return Off
}

type attribute struct {
	kraken.Attribute
	get func(d *Driver) string
	set func(d *Driver, v string) error
}

var attributes = []attribute{
	{kraken.Attribute{Name: "temp_liquid", Access: kraken.Read, Doc: "coolant temperature, °C"},
		func(d *Driver) string { return strconv.Itoa(d.Telemetry().LiquidTemp) }, nil},
	{kraken.Attribute{Name: "fan_rpm", Access: kraken.Read},
		func(d *Driver) string { return strconv.Itoa(d.Telemetry().FanRPM) }, nil},
	{kraken.Attribute{Name: "pump_rpm", Access: kraken.Read},
		func(d *Driver) string { return strconv.Itoa(d.Telemetry().PumpRPM) }, nil},
	{kraken.Attribute{Name: "speed", Access: kraken.Read | kraken.Write, Doc: "fan and pump duty, 30-100"},
		func(d *Driver) string { return strconv.Itoa(d.Speed()) },
		func(d *Driver, v string) error {
			n, err := kraken.ParseUint(v, 8)
			if err != nil {
				return err
			}
			return d.SetSpeed(int(n))
		}},
	{kraken.Attribute{Name: "color", Access: kraken.Read | kraken.Write, Doc: "rrggbb"},
		func(d *Driver) string {
			m := d.colorMsg()
			return kraken.Color{R: m[1], G: m[2], B: m[3]}.String()
		},
		func(d *Driver, v string) error {
			c, err := kraken.ParseColor(v)
			if err != nil {
				return err
			}
			d.SetColor(c)
			return nil
		}},
	{kraken.Attribute{Name: "alternate_color", Access: kraken.Read | kraken.Write, Doc: "rrggbb"},
		func(d *Driver) string {
			m := d.colorMsg()
			return kraken.Color{R: m[4], G: m[5], B: m[6]}.String()
		},
		func(d *Driver, v string) error {
			c, err := kraken.ParseColor(v)
			if err != nil {
				return err
			}
			d.SetAlternateColor(c)
			return nil
		}},
	{kraken.Attribute{Name: "interval", Access: kraken.Read | kraken.Write, Doc: "1-255"},
		func(d *Driver) string { return strconv.Itoa(int(d.colorMsg()[11])) },
		func(d *Driver, v string) error {
			n, err := kraken.ParseUint(v, 8)
			if err != nil {
				return err
			}
			return d.SetInterval(int(n))
		}},
	{kraken.Attribute{Name: "mode", Access: kraken.Read | kraken.Write, Doc: strings.Join(modeNames, ", ")},
		func(d *Driver) string { return d.CurrentMode().String() },
		func(d *Driver, v string) error {
			i, err := kraken.ParseWord(v, modeNames)
			if err != nil {
				return err
			}
			return d.SetMode(Mode(i))
		}},
}

// Attributes lists the device attributes in replay order.
func (d *Driver) Attributes() []kraken.Attribute {
	out := make([]kraken.Attribute, len(attributes))
	for i, a := range attributes {
		out[i] = a.Attribute
	}
	return out
}

func lookup(name string) (attribute, error) {
	for _, a := range attributes {
		if a.Name == name {
			return a, nil
		}
	}
	return attribute{}, fmt.Errorf("%q: %w", name, kraken.ErrUnknownAttribute)
}

// Get returns the textual value of an attribute.
func (d *Driver) Get(name string) (string, error) {
	a, err := lookup(name)
	if err != nil {
		return "", err
	}
	return a.get(d), nil
}

// Set parses value and applies it to an attribute.
func (d *Driver) Set(name, value string) error {
	a, err := lookup(name)
	if err != nil {
		return err
	}
	if a.set == nil {
		return fmt.Errorf("%q: %w", name, kraken.ErrReadOnly)
	}
	if err := a.set(d, value); err != nil {
		return fmt.Errorf("set %s: %w", name, err)
	}
	return nil
}
