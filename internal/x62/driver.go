package x62

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"kraken-go-home/internal/kraken"
	"kraken-go-home/internal/usbio"
)

// Model is the driver name reported for X*2 devices.
const Model = "x62"

const (
	serialMaxChars = 64
	serialDescSize = 2 + serialMaxChars*2
)

// ErrBadDescriptor is returned when the serial number descriptor is malformed.
var ErrBadDescriptor = errors.New("invalid serial number descriptor")

// Driver sequences status reads, duty writes and LED writes for one device.
type Driver struct {
	conn   *usbio.Conn
	logger *slog.Logger

	mu     sync.RWMutex
	serial string

	Status StatusCell
	Fan    *PercentCell
	Pump   *PercentCell
	LED    *LEDCell
}

// New returns a driver talking over conn.
func New(conn *usbio.Conn, logger *slog.Logger) *Driver {
	return &Driver{
		conn:   conn,
		logger: logger.With("model", Model),
		Fan:    NewFanCell(),
		Pump:   NewPumpCell(),
		LED:    NewLEDCell(),
	}
}

func (d *Driver) Model() string { return Model }

// Init reads the device serial number from string descriptor 3.
func (d *Driver) Init(ctx context.Context) (string, error) {
	buf := make([]byte, serialDescSize)
	n, err := d.conn.ControlIn(ctx, usbio.RequestTypeStd, 0x06, 0x0303, 0x0409, buf, transferTimeout)
	if err != nil {
		return "", fmt.Errorf("read serial number: %w", err)
	}
	serial, err := decodeSerial(buf[:n])
	if err != nil {
		return "", fmt.Errorf("read serial number: %w", err)
	}

	d.mu.Lock()
	d.serial = serial
	d.mu.Unlock()
	d.logger.Debug("initialized", "serial", serial)
	return serial, nil
}

// decodeSerial converts a UTF-16LE string descriptor holding ASCII text.
func decodeSerial(desc []byte) (string, error) {
	if len(desc) < 2 || desc[1] != 0x03 {
		return "", fmt.Errorf("%w: % x", ErrBadDescriptor, desc)
	}
	size := int(desc[0])
	if size < 2 || size > len(desc) || (size-2)%2 != 0 {
		return "", fmt.Errorf("%w: length %d of %d bytes", ErrBadDescriptor, size, len(desc))
	}
	chars := (size - 2) / 2
	if chars > serialMaxChars {
		return "", fmt.Errorf("%w: %d characters", ErrBadDescriptor, chars)
	}

	var sb strings.Builder
	for i := 0; i < chars; i++ {
		lo, hi := desc[2+2*i], desc[3+2*i]
		if hi != 0 || lo > 0x7f {
			return "", fmt.Errorf("%w: non-ASCII character %02x%02x at %d", ErrBadDescriptor, hi, lo, i)
		}
		sb.WriteByte(lo)
	}
	return sb.String(), nil
}

// Serial returns the serial number read by Init.
func (d *Driver) Serial() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.serial
}

// Update runs one pass: status read, fan duty, pump duty, LED batch. It stops
// at the first failure.
func (d *Driver) Update(ctx context.Context) error {
	if err := d.updateStatus(ctx); err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	if err := d.updatePercent(ctx, d.Fan); err != nil {
		return fmt.Errorf("set fan percent: %w", err)
	}
	if err := d.updatePercent(ctx, d.Pump); err != nil {
		return fmt.Errorf("set pump percent: %w", err)
	}
	if err := d.updateLED(ctx); err != nil {
		return fmt.Errorf("set leds: %w", err)
	}
	return nil
}

func (d *Driver) updateStatus(ctx context.Context) error {
	frame := make([]byte, StatusSize)
	if err := d.conn.Receive(ctx, endpointIn, frame, transferTimeout); err != nil {
		return err
	}
	d.Status.store(frame)
	return nil
}

func (d *Driver) updatePercent(ctx context.Context, c *PercentCell) error {
	msg := c.pending()
	if msg == nil {
		return nil
	}
	if err := d.conn.Send(ctx, endpointOut, msg, transferTimeout); err != nil {
		return err
	}
	c.sent(msg)
	return nil
}

func (d *Driver) updateLED(ctx context.Context) error {
	p, ok := d.LED.pending()
	if !ok {
		return nil
	}
	for i, m := range p.messages() {
		if err := d.conn.Send(ctx, endpointOut, m, transferTimeout); err != nil {
			return fmt.Errorf("cycle %d: %w", i, err)
		}
	}
	d.LED.sent(p)
	return nil
}

// Telemetry returns the readings of the last status frame.
func (d *Driver) Telemetry() kraken.Telemetry {
	return kraken.Telemetry{
		LiquidTemp: d.Status.LiquidTemp(),
		FanRPM:     d.Status.FanRPM(),
		PumpRPM:    d.Status.PumpRPM(),
		Serial:     d.Serial(),
	}
}

type attribute struct {
	kraken.Attribute
	get func(d *Driver) (string, error)
	set func(d *Driver, v string) error
}

// Attribute order matters when settings are replayed: led/zone comes last
// because it finalizes the other led values.
var attributes = []attribute{
	{kraken.Attribute{Name: "serial_no", Access: kraken.Read, Doc: "device serial number"},
		func(d *Driver) (string, error) { return d.Serial(), nil }, nil},
	{kraken.Attribute{Name: "temp_liquid", Access: kraken.Read, Doc: "coolant temperature, °C"},
		func(d *Driver) (string, error) { return strconv.Itoa(d.Status.LiquidTemp()), nil }, nil},
	{kraken.Attribute{Name: "fan_rpm", Access: kraken.Read},
		func(d *Driver) (string, error) { return strconv.Itoa(d.Status.FanRPM()), nil }, nil},
	{kraken.Attribute{Name: "pump_rpm", Access: kraken.Read},
		func(d *Driver) (string, error) { return strconv.Itoa(d.Status.PumpRPM()), nil }, nil},
	{kraken.Attribute{Name: "unknown_1", Access: kraken.Read, Doc: "undocumented status byte 2"},
		func(d *Driver) (string, error) { return strconv.Itoa(int(d.Status.Unknown1())), nil }, nil},
	{kraken.Attribute{Name: "unknown_2", Access: kraken.Read, Doc: "undocumented status bytes 7-10"},
		func(d *Driver) (string, error) { return strconv.FormatUint(uint64(d.Status.Unknown2()), 10), nil }, nil},
	{kraken.Attribute{Name: "unknown_3", Access: kraken.Read, Doc: "undocumented status bytes 15-16"},
		func(d *Driver) (string, error) { return strconv.Itoa(int(d.Status.Unknown3())), nil }, nil},
	{kraken.Attribute{Name: "fan_percent", Access: kraken.Read | kraken.Write, Doc: "fan duty, 35-100"},
		func(d *Driver) (string, error) { return getPercent(d.Fan) }, func(d *Driver, v string) error { return setPercent(d.Fan, v) }},
	{kraken.Attribute{Name: "pump_percent", Access: kraken.Read | kraken.Write, Doc: "pump duty, 50-100"},
		func(d *Driver) (string, error) { return getPercent(d.Pump) }, func(d *Driver, v string) error { return setPercent(d.Pump, v) }},
	{kraken.Attribute{Name: "led/cycles", Access: kraken.Read | kraken.Write, Doc: "number of animation cycles, 1-8"},
		getStaged(func(b Batch, _, _ int) string { return strconv.Itoa(b.Len) }),
		func(d *Driver, v string) error {
			n, err := kraken.ParseUint(v, 8)
			if err != nil {
				return err
			}
			return d.LED.SetCycles(int(n))
		}},
	{kraken.Attribute{Name: "led/preset", Access: kraken.Read | kraken.Write, Doc: strings.Join(presetNames, ", ")},
		getStaged(func(b Batch, _, _ int) string { return b.Slots[0].Preset.String() }),
		func(d *Driver, v string) error {
			i, err := kraken.ParseWord(v, presetNames)
			if err != nil {
				return err
			}
			return d.LED.SetPreset(Preset(i))
		}},
	{kraken.Attribute{Name: "led/moving", Access: kraken.Read | kraken.Write, Doc: "boolean"},
		getStaged(func(b Batch, _, _ int) string { return strconv.FormatBool(b.Slots[0].Moving) }),
		func(d *Driver, v string) error {
			on, err := kraken.ParseBool(v)
			if err != nil {
				return err
			}
			d.LED.SetMoving(on)
			return nil
		}},
	{kraken.Attribute{Name: "led/direction", Access: kraken.Read | kraken.Write, Doc: "forward, backward"},
		getStaged(func(b Batch, _, _ int) string { return b.Slots[0].Direction.String() }),
		func(d *Driver, v string) error {
			i, err := kraken.ParseWord(v, directionNames)
			if err != nil {
				return err
			}
			return d.LED.SetDirection(Direction(i))
		}},
	{kraken.Attribute{Name: "led/interval", Access: kraken.Read | kraken.Write, Doc: strings.Join(speedNames, ", ")},
		getStaged(func(b Batch, _, _ int) string { return b.Slots[0].Speed.String() }),
		func(d *Driver, v string) error {
			i, err := kraken.ParseWord(v, speedNames)
			if err != nil {
				return err
			}
			return d.LED.SetSpeed(Speed(i))
		}},
	{kraken.Attribute{Name: "led/group_size", Access: kraken.Read | kraken.Write, Doc: "3-6"},
		getStaged(func(b Batch, _, _ int) string { return strconv.Itoa(int(b.Slots[0].GroupSize)) }),
		func(d *Driver, v string) error {
			n, err := kraken.ParseUint(v, 8)
			if err != nil {
				return err
			}
			return d.LED.SetGroupSize(int(n))
		}},
	{kraken.Attribute{Name: "led/colors_logo", Access: kraken.Read | kraken.Write, Doc: "1-8 rrggbb colors, one per cycle"},
		getStaged(func(b Batch, logo, _ int) string {
			parts := make([]string, logo)
			for i := range parts {
				parts[i] = b.Slots[i].Logo.String()
			}
			return strings.Join(parts, " ")
		}),
		func(d *Driver, v string) error { return d.LED.ParseLogoColors(v) }},
	{kraken.Attribute{Name: "led/colors_ring", Access: kraken.Read | kraken.Write, Doc: "1-8 sets of 8 rrggbb colors, one set per cycle"},
		getStaged(func(b Batch, _, ring int) string {
			sets := make([]string, ring)
			for i := range sets {
				parts := make([]string, RingColors)
				for j, c := range b.Slots[i].Ring {
					parts[j] = c.String()
				}
				sets[i] = strings.Join(parts, " ")
			}
			return strings.Join(sets, "\n")
		}),
		func(d *Driver, v string) error { return d.LED.ParseRingColors(v) }},
	{kraken.Attribute{Name: "led/zone", Access: kraken.Read | kraken.Write, Doc: "sync, logo, ring; applies the led settings"},
		getStaged(func(b Batch, _, _ int) string { return b.Slots[0].Zone.String() }),
		func(d *Driver, v string) error {
			i, err := kraken.ParseWord(v, zoneNames)
			if err != nil {
				return err
			}
			return d.LED.SetZone(Zone(i))
		}},
}

func getPercent(c *PercentCell) (string, error) {
	v, ok := c.Requested()
	if !ok {
		return "", kraken.ErrNoValue
	}
	return strconv.Itoa(int(v)), nil
}

func setPercent(c *PercentCell, v string) error {
	n, err := kraken.ParseUint(v, 32)
	if err != nil {
		return err
	}
	if n > 0xFF {
		return fmt.Errorf("%w: percent %d", kraken.ErrInvalidArgument, n)
	}
	return c.Set(int(n))
}

func getStaged(fn func(b Batch, logoSet, ringSet int) string) func(d *Driver) (string, error) {
	return func(d *Driver) (string, error) {
		return fn(d.LED.Staged()), nil
	}
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
	if a.get == nil {
		return "", fmt.Errorf("%q: %w", name, kraken.ErrWriteOnly)
	}
	return a.get(d)
}

// Set parses value and applies it to an attribute. Hardware is updated by
// the next pass.
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
