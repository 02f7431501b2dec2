package usbio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/gousb"
)

// ErrNoDevice is returned when no matching device is attached.
var ErrNoDevice = errors.New("no matching usb device")

// USBTransport drives a device through libusb.
type USBTransport struct {
	ctx    *gousb.Context
	dev    *gousb.Device
	cfg    *gousb.Config
	intf   *gousb.Interface
	logger *slog.Logger

	mu  sync.Mutex
	in  map[int]*gousb.InEndpoint
	out map[int]*gousb.OutEndpoint

	info DeviceInfo
}

// OpenUSB claims interface 0 of the first device matching vendor:product.
// When serial is not empty only a device reporting that serial number is
// accepted.
func OpenUSB(vendor, product uint16, serial string, logger *slog.Logger) (*USBTransport, error) {
	return openMatching(fmt.Sprintf("%04x:%04x", vendor, product), func(desc *gousb.DeviceDesc) bool {
		return uint16(desc.Vendor) == vendor && uint16(desc.Product) == product
	}, serial, logger)
}

// OpenUSBAt claims the device found by Enumerate at info's bus and address.
func OpenUSBAt(info DeviceInfo, logger *slog.Logger) (*USBTransport, error) {
	return openMatching(fmt.Sprintf("%04x:%04x at %d-%d", info.Vendor, info.Product, info.Bus, info.Address), func(desc *gousb.DeviceDesc) bool {
		return uint16(desc.Vendor) == info.Vendor && uint16(desc.Product) == info.Product &&
			desc.Bus == info.Bus && desc.Address == info.Address
	}, "", logger)
}

func openMatching(what string, match func(*gousb.DeviceDesc) bool, serial string, logger *slog.Logger) (*USBTransport, error) {
	uctx := gousb.NewContext()

	devs, err := uctx.OpenDevices(match)
	if err != nil && len(devs) == 0 {
		uctx.Close()
		return nil, fmt.Errorf("open %s: %w", what, err)
	}

	var dev *gousb.Device
	for _, d := range devs {
		if dev == nil && (serial == "" || deviceSerial(d) == serial) {
			dev = d
			continue
		}
		d.Close()
	}
	if dev == nil {
		uctx.Close()
		return nil, fmt.Errorf("open %s: %w", what, ErrNoDevice)
	}

	t, err := claim(uctx, dev, logger)
	if err != nil {
		dev.Close()
		uctx.Close()
		return nil, err
	}
	return t, nil
}

func claim(uctx *gousb.Context, dev *gousb.Device, logger *slog.Logger) (*USBTransport, error) {
	if err := dev.SetAutoDetach(true); err != nil {
		return nil, fmt.Errorf("set auto detach: %w", err)
	}
	cfg, err := dev.Config(1)
	if err != nil {
		return nil, fmt.Errorf("select config 1: %w", err)
	}
	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		return nil, fmt.Errorf("claim interface 0: %w", err)
	}

	desc := dev.Desc
	t := &USBTransport{
		ctx:  uctx,
		dev:  dev,
		cfg:  cfg,
		intf: intf,
		in:   make(map[int]*gousb.InEndpoint),
		out:  make(map[int]*gousb.OutEndpoint),
		info: DeviceInfo{
			Vendor:  uint16(desc.Vendor),
			Product: uint16(desc.Product),
			Bus:     desc.Bus,
			Address: desc.Address,
			Serial:  deviceSerial(dev),
		},
	}
	t.logger = logger.With("component", "usb", "bus", desc.Bus, "addr", desc.Address)
	t.logger.Debug("interface claimed", "vendor", desc.Vendor, "product", desc.Product)
	return t, nil
}

// Info describes the claimed device.
func (t *USBTransport) Info() DeviceInfo {
	return t.info
}

func (t *USBTransport) Control(ctx context.Context, requestType, request uint8, value, index uint16, data []byte) (int, error) {
	if dl, ok := ctx.Deadline(); ok {
		d := time.Until(dl)
		if d <= 0 {
			return 0, context.DeadlineExceeded
		}
		t.dev.ControlTimeout = d
	}
	return t.dev.Control(requestType, request, value, index, data)
}

func (t *USBTransport) Transfer(ctx context.Context, endpoint uint8, data []byte) (int, error) {
	num := int(endpoint &^ EndpointDirIn)
	if endpoint&EndpointDirIn != 0 {
		ep, err := t.inEndpoint(num)
		if err != nil {
			return 0, err
		}
		return ep.ReadContext(ctx, data)
	}
	ep, err := t.outEndpoint(num)
	if err != nil {
		return 0, err
	}
	return ep.WriteContext(ctx, data)
}

func (t *USBTransport) inEndpoint(num int) (*gousb.InEndpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ep, ok := t.in[num]; ok {
		return ep, nil
	}
	ep, err := t.intf.InEndpoint(num)
	if err != nil {
		return nil, fmt.Errorf("in endpoint %d: %w", num, err)
	}
	t.in[num] = ep
	return ep, nil
}

func (t *USBTransport) outEndpoint(num int) (*gousb.OutEndpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ep, ok := t.out[num]; ok {
		return ep, nil
	}
	ep, err := t.intf.OutEndpoint(num)
	if err != nil {
		return nil, fmt.Errorf("out endpoint %d: %w", num, err)
	}
	t.out[num] = ep
	return ep, nil
}

// Close releases the interface, configuration, device and libusb context.
func (t *USBTransport) Close() error {
	t.intf.Close()
	var errs []error
	if err := t.cfg.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close config: %w", err))
	}
	if err := t.dev.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close device: %w", err))
	}
	if err := t.ctx.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close context: %w", err))
	}
	return errors.Join(errs...)
}

// ID is a vendor:product pair.
type ID struct {
	Vendor  uint16
	Product uint16
}

// Enumerate lists attached devices whose ids appear in ids, with their
// serial numbers when readable.
func Enumerate(ids []ID) ([]DeviceInfo, error) {
	uctx := gousb.NewContext()
	defer uctx.Close()

	devs, err := uctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		for _, id := range ids {
			if uint16(desc.Vendor) == id.Vendor && uint16(desc.Product) == id.Product {
				return true
			}
		}
		return false
	})
	defer func() {
		for _, d := range devs {
			d.Close()
		}
	}()
	if err != nil && len(devs) == 0 {
		return nil, fmt.Errorf("enumerate usb: %w", err)
	}

	infos := make([]DeviceInfo, 0, len(devs))
	for _, d := range devs {
		infos = append(infos, DeviceInfo{
			Vendor:  uint16(d.Desc.Vendor),
			Product: uint16(d.Desc.Product),
			Bus:     d.Desc.Bus,
			Address: d.Desc.Address,
			Serial:  deviceSerial(d),
		})
	}
	return infos, nil
}

func deviceSerial(d *gousb.Device) string {
	s, err := d.SerialNumber()
	if err != nil {
		return ""
	}
	return s
}
